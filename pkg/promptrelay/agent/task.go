// Package agent – task.go is the multi-phase task state machine: validate,
// ensure a fresh conversation, locate the input, inject the prompt, send,
// then watch for the reply and finalize. Only a missing input element and the
// watch deadline produce terminal errors; every other sub-step degrades to a
// fallback so the task still returns an answer whenever one exists.
package agent

import (
	"context"
	"html"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jholhewres/promptrelay/pkg/promptrelay/protocol"
	"github.com/jholhewres/promptrelay/pkg/promptrelay/status"
)

func (a *Agent) runTask(ctx context.Context, msg *protocol.Message) {
	taskID := msg.ID
	log := a.logger.With("task", taskID)

	// Validate.
	var payload protocol.SendMessagePayload
	if err := msg.DecodePayload(&payload); err != nil || strings.TrimSpace(payload.Prompt) == "" {
		log.Error("rejecting command without prompt")
		a.reply(protocol.NewError(taskID, "prompt is required"))
		return
	}

	a.emitStatus(protocol.AgentBusy)
	a.reporter.SetTaskStatus(status.TaskProcessing, "")
	log.Info("task started", "prompt_len", len(payload.Prompt))

	fail := func(errText string) {
		log.Error("task failed", "error", errText)
		a.reply(protocol.NewError(taskID, errText))
		a.emitStatus(protocol.AgentIdle)
		a.reporter.SetTaskStatus(status.TaskError, errText)
	}

	// Resolve the page hosting the chat application.
	if err := a.resolver.ResolveTab(ctx); err != nil {
		fail("cannot find or create target tab")
		return
	}

	// EnsureConversation: best-effort, never terminal.
	if payload.ConversationID == "" {
		a.ensureNewConversation(ctx, log)
		a.ensureMode(ctx, log)
	}

	// LocateInput: first terminal failure point.
	inputSel, ok := a.locateInput(ctx)
	if !ok {
		fail(ErrInputNotFound.Error())
		return
	}

	// InjectText with graceful degradation, then send.
	if err := a.injectPrompt(ctx, inputSel, payload.Prompt, log); err != nil {
		// Not terminal: the watch deadline reports the failure if nothing
		// was actually sent.
		log.Warn("all injection strategies failed", "error", err)
	}
	a.clickSend(ctx, inputSel, log)

	// Let the page commit the send before observing, to avoid reading
	// stale content from before the prompt went out.
	sleepCtx(ctx, a.timing.GenerationSettle)

	// WatchForReply.
	watcher := NewWatcher(a.timing.StabilityThreshold, a.timing.WatchDeadline, time.Now())
	ticker := time.NewTicker(a.timing.WatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fail("agent shutting down")
			return
		case now := <-ticker.C:
			obs := a.observe(ctx)
			switch watcher.Step(obs, now) {
			case WatchProgress:
				a.reply(protocol.NewReply(taskID, obs.Text, protocol.StatusProcessing, a.conversationID(ctx)))
			case WatchFinal:
				a.finalize(ctx, taskID, watcher, log)
				return
			case WatchTimeout:
				fail(ErrResponseTimeout.Error())
				return
			}
		}
	}
}

// observe samples the page for the watcher. Read errors surface as an empty,
// still-generating observation, which resets the stability run.
func (a *Agent) observe(ctx context.Context) Observation {
	text, markup, err := a.page.TextOfLast(ctx, a.sel.AssistantMessage)
	if err != nil {
		a.logger.Debug("observation read failed", "error", err)
		return Observation{Generating: true}
	}
	generating, err := a.page.Exists(ctx, a.sel.Generating)
	if err != nil {
		generating = true
	}
	return Observation{Text: strings.TrimSpace(text), HTML: markup, Generating: generating}
}

// finalize obtains the cleanest rendering of the answer, cleans up the
// conversation, and emits the terminal reply.
func (a *Agent) finalize(ctx context.Context, taskID string, watcher *Watcher, log *slog.Logger) {
	finalText := a.refineViaCopy(ctx, log)
	if finalText == "" {
		finalText = watcher.FinalText()
	}
	conversationID := a.conversationID(ctx)

	a.deleteConversation(ctx, log)

	a.reply(protocol.NewReply(taskID, finalText, protocol.StatusDone, conversationID))
	a.emitStatus(protocol.AgentIdle)
	a.reporter.SetTaskStatus(status.TaskDone, "")
	log.Info("task done", "reply_len", len(finalText))
}

// refineViaCopy uses the page's own copy affordance plus clipboard read-back
// to get markup-faithful text, converted to markdown. Any failure returns ""
// and the caller falls back to the plain extracted text.
func (a *Agent) refineViaCopy(ctx context.Context, log *slog.Logger) string {
	if err := a.page.Click(ctx, a.sel.CopyButton); err != nil {
		log.Debug("copy affordance unavailable", "error", err)
		return ""
	}
	sleepCtx(ctx, 300*time.Millisecond)

	copied, err := a.page.ReadClipboard(ctx)
	if err != nil || strings.TrimSpace(copied) == "" {
		log.Debug("clipboard read-back failed", "error", err)
		return ""
	}

	// Clipboard content may be HTML or already-plain markdown.
	if strings.Contains(copied, "<") && a.converter != nil {
		if text, err := a.converter.Convert(copied); err == nil {
			return text
		}
		log.Debug("copied markup conversion failed, using raw clipboard text")
	}
	return strings.TrimSpace(copied)
}

// deleteConversation removes the finished conversation. Strictly
// best-effort: every failure is swallowed so cleanup can never block
// delivering the result.
func (a *Agent) deleteConversation(ctx context.Context, log *slog.Logger) {
	if err := a.page.Click(ctx, a.sel.ConversationMenu); err != nil {
		log.Debug("conversation menu not found, skipping cleanup")
		return
	}
	sleepCtx(ctx, a.timing.CleanupPollInterval)

	if err := a.page.Click(ctx, a.sel.DeleteItem); err != nil {
		log.Debug("delete item not found, skipping cleanup")
		return
	}

	for i := 0; i < a.timing.CleanupPollAttempts; i++ {
		if ok, _ := a.page.Exists(ctx, a.sel.DeleteConfirm); ok {
			if err := a.page.Click(ctx, a.sel.DeleteConfirm); err == nil {
				log.Debug("conversation deleted")
			}
			return
		}
		sleepCtx(ctx, a.timing.CleanupPollInterval)
	}
	log.Debug("delete confirmation never appeared, skipping cleanup")
}

// conversationID extracts the conversation identifier from the page URL.
func (a *Agent) conversationID(ctx context.Context) string {
	pageURL, err := a.page.URL(ctx)
	if err != nil {
		return ""
	}
	return conversationIDFromURL(pageURL)
}

// conversationIDFromURL pulls the conversation segment out of an app URL of
// the form https://host/app/<conversation-id>[?...]. Returns "" when the
// page is not inside a conversation.
func conversationIDFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "app" || parts[1] == "" {
		return ""
	}
	return parts[1]
}

// escapePrompt HTML-escapes the prompt and turns newlines into explicit
// breaks, for the direct content-replacement fallback.
func escapePrompt(prompt string) string {
	escaped := html.EscapeString(prompt)
	return strings.ReplaceAll(escaped, "\n", "<br>")
}

// sleepCtx sleeps unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
