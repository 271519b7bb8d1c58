// Package agent – phases.go holds the individual task phases: new
// conversation setup, mode selection, input lookup, prompt injection and the
// send click. Each phase is small enough to test against a fake page.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ensureNewConversation puts the page into a fresh, empty conversation.
// Best-effort: on poll exhaustion the task continues on whatever page state
// exists, since the prompt may still go through.
func (a *Agent) ensureNewConversation(ctx context.Context, log *slog.Logger) {
	if a.conversationID(ctx) == "" {
		if ready, _ := a.anyInputPresent(ctx); ready {
			return
		}
	}

	if err := a.page.Click(ctx, a.sel.NewChatButton); err != nil {
		log.Debug("new chat button not found, navigating instead", "error", err)
		if err := a.page.Navigate(ctx, a.newChatURL()); err != nil {
			log.Warn("navigation to new chat failed", "error", err)
			return
		}
	}

	for i := 0; i < a.timing.ConversationPollAttempts; i++ {
		if a.conversationID(ctx) == "" {
			if ready, _ := a.anyInputPresent(ctx); ready {
				return
			}
		}
		sleepCtx(ctx, a.timing.ConversationPollInterval)
		if ctx.Err() != nil {
			return
		}
	}
	log.Warn("new conversation never settled, continuing on current page")
}

func (a *Agent) anyInputPresent(ctx context.Context) (bool, error) {
	for _, sel := range a.sel.Input {
		if ok, err := a.page.Exists(ctx, sel); err == nil && ok {
			return true, nil
		}
	}
	return false, nil
}

func (a *Agent) newChatURL() string {
	if a.chatURL != "" {
		return a.chatURL
	}
	return "https://gemini.google.com/app"
}

// ensureMode verifies the page's current mode label contains the configured
// substring and, when it does not, opens the mode picker and selects the
// matching option. Every step is best-effort.
func (a *Agent) ensureMode(ctx context.Context, log *slog.Logger) {
	if a.modeLabel == "" {
		return
	}

	current, err := a.page.Text(ctx, a.sel.ModeLabel)
	if err == nil && strings.Contains(current, a.modeLabel) {
		return
	}

	if err := a.page.Click(ctx, a.sel.ModePicker); err != nil {
		log.Debug("mode picker not found, keeping current mode", "error", err)
		return
	}
	sleepCtx(ctx, a.timing.CleanupPollInterval)

	options, err := a.page.Text(ctx, a.sel.ModeOption)
	if err != nil || !strings.Contains(options, a.modeLabel) {
		log.Debug("desired mode not offered, closing picker", "want", a.modeLabel)
		_ = a.page.PressEscape(ctx)
		return
	}

	if err := a.page.ClickByText(ctx, a.sel.ModeOption, a.modeLabel); err != nil {
		log.Debug("mode selection failed, keeping current mode", "error", err)
		_ = a.page.PressEscape(ctx)
		return
	}
	log.Info("switched mode", "mode", a.modeLabel)
}

// locateInput returns the first input selector present on the page.
func (a *Agent) locateInput(ctx context.Context) (string, bool) {
	for _, sel := range a.sel.Input {
		if ok, err := a.page.Exists(ctx, sel); err == nil && ok {
			return sel, true
		}
	}
	return "", false
}

// injectPrompt places the prompt into the input element, trying strategies in
// decreasing order of fidelity:
//
//  1. clipboard paste, which the page's own editor normalizes,
//  2. synthetic text insertion at the focused caret,
//  3. direct content replacement with escaped markup.
//
// After each attempt the input is read back; an attempt only counts when the
// element ended up non-empty.
func (a *Agent) injectPrompt(ctx context.Context, inputSel, prompt string, log *slog.Logger) error {
	type strategy struct {
		name string
		run  func() error
	}
	strategies := []strategy{
		{"clipboard-paste", func() error {
			if err := a.page.WriteClipboard(ctx, prompt); err != nil {
				return err
			}
			if err := a.page.Focus(ctx, inputSel); err != nil {
				return err
			}
			if err := a.page.SelectAllAndDelete(ctx); err != nil {
				return err
			}
			return a.page.PasteKeystroke(ctx, inputSel, prompt)
		}},
		{"insert-text", func() error {
			if err := a.page.Focus(ctx, inputSel); err != nil {
				return err
			}
			if err := a.page.SelectAllAndDelete(ctx); err != nil {
				return err
			}
			return a.page.InsertText(ctx, prompt)
		}},
		{"set-content", func() error {
			return a.page.SetContent(ctx, inputSel, "<p>"+escapePrompt(prompt)+"</p>")
		}},
	}

	var errs []error
	for _, s := range strategies {
		if err := s.run(); err != nil {
			log.Debug("injection strategy failed", "strategy", s.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		if text, err := a.page.Text(ctx, inputSel); err == nil && strings.TrimSpace(text) != "" {
			log.Debug("prompt injected", "strategy", s.name)
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: input still empty after injection", s.name))
	}
	return errors.Join(errs...)
}

// clickSend submits the prompt. The send control often stays disabled for a
// beat after injection, so enabled-state polling retries before falling back
// to a plain Enter keypress. Submission failure is not reported separately;
// the watch deadline covers a send that never happened.
func (a *Agent) clickSend(ctx context.Context, inputSel string, log *slog.Logger) {
	for attempt := 0; attempt < a.timing.SendRetries; attempt++ {
		for _, sel := range a.sel.SendButton {
			ok, err := a.page.Exists(ctx, sel)
			if err != nil || !ok {
				continue
			}
			if disabled, err := a.page.Disabled(ctx, sel); err != nil || disabled {
				continue
			}
			if err := a.page.Click(ctx, sel); err == nil {
				log.Debug("send clicked", "selector", sel, "attempt", attempt+1)
				return
			}
		}
		sleepCtx(ctx, a.timing.SendRetryInterval)
		if ctx.Err() != nil {
			return
		}
	}

	log.Debug("send button never became clickable, falling back to Enter")
	if err := a.page.Focus(ctx, inputSel); err == nil {
		if err := a.page.PressEnter(ctx); err != nil {
			log.Warn("enter fallback failed", "error", err)
		}
	}
}
