package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/promptrelay/pkg/promptrelay/bus"
	"github.com/jholhewres/promptrelay/pkg/promptrelay/protocol"
)

// fakePage is an in-memory page the state machine can drive end to end.
type fakePage struct {
	mu         sync.Mutex
	url        string
	present    map[string]bool
	generating bool
	lastText   string
	lastHTML   string
	inputText  string
	clipboard  string
	onClick    func(p *fakePage, selector string)
	clicks     []string
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	return nil
}

func (p *fakePage) URL(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) Exists(_ context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if selector == "#gen" {
		return p.generating, nil
	}
	return p.present[selector], nil
}

func (p *fakePage) Disabled(_ context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.present[selector], nil
}

func (p *fakePage) Click(_ context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.present[selector] {
		return errNotFound
	}
	p.clicks = append(p.clicks, selector)
	if p.onClick != nil {
		p.onClick(p, selector)
	}
	return nil
}

func (p *fakePage) Focus(_ context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.present[selector] {
		return errNotFound
	}
	return nil
}

func (p *fakePage) Text(_ context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if selector == "#input" {
		return p.inputText, nil
	}
	return "", nil
}

func (p *fakePage) TextOfLast(_ context.Context, selector string) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastText, p.lastHTML, nil
}

func (p *fakePage) ClickByText(_ context.Context, selector, substring string) error {
	return errNotFound
}

func (p *fakePage) SelectAllAndDelete(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputText = ""
	return nil
}

func (p *fakePage) InsertText(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputText += text
	return nil
}

func (p *fakePage) SetContent(_ context.Context, selector, html string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputText = html
	return nil
}

func (p *fakePage) WriteClipboard(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clipboard = text
	return nil
}

func (p *fakePage) ReadClipboard(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clipboard, nil
}

func (p *fakePage) PressEnter(_ context.Context) error  { return nil }
func (p *fakePage) PressEscape(_ context.Context) error { return nil }

func (p *fakePage) PasteKeystroke(_ context.Context, selector, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputText = text
	return nil
}

var errNotFound = errors.New("element not found")

type fakeResolver struct{ err error }

func (r fakeResolver) ResolveTab(context.Context) error { return r.err }

func testSelectors() Selectors {
	return Selectors{
		Input:            []string{"#input"},
		SendButton:       []string{"#send"},
		AssistantMessage: "#msg",
		Generating:       "#gen",
		NewChatButton:    "#new",
		ModeLabel:        "#mode",
		ModePicker:       "#picker",
		ModeOption:       "#option",
		CopyButton:       "#copy",
		ConversationMenu: "#menu",
		DeleteItem:       "#delete",
		DeleteConfirm:    "#confirm",
	}
}

func testTiming() Timing {
	return Timing{
		ConversationPollInterval: time.Millisecond,
		ConversationPollAttempts: 3,
		SendRetries:              2,
		SendRetryInterval:        time.Millisecond,
		GenerationSettle:         time.Millisecond,
		WatchTick:                2 * time.Millisecond,
		StabilityThreshold:       1,
		WatchDeadline:            time.Second,
		CleanupPollInterval:      time.Millisecond,
		CleanupPollAttempts:      2,
	}
}

func startAgent(t *testing.T, page *fakePage, timing Timing) (*bus.Bus, context.CancelFunc) {
	t.Helper()
	b := bus.New(16)
	sel := testSelectors()
	a := New(page, fakeResolver{}, b, nil, Options{Selectors: &sel, Timing: &timing}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	t.Cleanup(cancel)
	return b, cancel
}

// collect drains supervisor-bound messages until match returns true or the
// timeout expires.
func collect(t *testing.T, b *bus.Bus, timeout time.Duration, match func(*protocol.Message) bool) []*protocol.Message {
	t.Helper()
	var got []*protocol.Message
	deadline := time.After(timeout)
	for {
		select {
		case env := <-b.SupervisorInbox():
			if env.Data == nil {
				continue
			}
			got = append(got, env.Data)
			if match(env.Data) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for message; got %d messages so far", len(got))
		}
	}
}

func sendCmd(b *bus.Bus, id, prompt string) {
	msg := protocol.NewSendMessage(id, prompt, "")
	b.SendToAgent(bus.Envelope{Action: bus.ActionSendMessage, Data: msg})
}

func TestAgentHappyPath(t *testing.T) {
	page := &fakePage{
		url: "https://gemini.google.com/app",
		present: map[string]bool{
			"#input": true,
			"#send":  true,
		},
		onClick: func(p *fakePage, selector string) {
			if selector == "#send" {
				p.lastText = "Hello there"
				p.lastHTML = "<p>Hello there</p>"
				p.generating = false
				p.url = "https://gemini.google.com/app/abc123"
			}
		},
	}
	b, _ := startAgent(t, page, testTiming())

	sendCmd(b, "cmd-1", "hi")

	msgs := collect(t, b, 2*time.Second, func(m *protocol.Message) bool {
		if m.Type != protocol.TypeReply {
			return false
		}
		var p protocol.ReplyPayload
		return m.DecodePayload(&p) == nil && p.Status == protocol.StatusDone
	})

	final := msgs[len(msgs)-1]
	if final.ReplyTo != "cmd-1" {
		t.Errorf("final reply correlates to %q, want cmd-1", final.ReplyTo)
	}
	var p protocol.ReplyPayload
	if err := final.DecodePayload(&p); err != nil {
		t.Fatalf("decode final payload: %v", err)
	}
	if p.Text != "Hello there" {
		t.Errorf("final text = %q", p.Text)
	}
	if p.ConversationID != "abc123" {
		t.Errorf("conversation id = %q, want abc123", p.ConversationID)
	}

	// The prompt went through the clipboard strategy.
	page.mu.Lock()
	defer page.mu.Unlock()
	if page.clipboard != "hi" {
		t.Errorf("clipboard = %q, want the prompt", page.clipboard)
	}
}

func TestAgentCopyRefinement(t *testing.T) {
	page := &fakePage{
		url: "https://gemini.google.com/app",
		present: map[string]bool{
			"#input": true,
			"#send":  true,
			"#copy":  true,
		},
		onClick: func(p *fakePage, selector string) {
			switch selector {
			case "#send":
				p.lastText = "raw watcher text"
				p.generating = false
			case "#copy":
				p.clipboard = "copied rendering"
			}
		},
	}
	b, _ := startAgent(t, page, testTiming())

	sendCmd(b, "cmd-copy", "hi")

	msgs := collect(t, b, 2*time.Second, func(m *protocol.Message) bool {
		if m.Type != protocol.TypeReply {
			return false
		}
		var p protocol.ReplyPayload
		return m.DecodePayload(&p) == nil && p.Status == protocol.StatusDone
	})
	var p protocol.ReplyPayload
	if err := msgs[len(msgs)-1].DecodePayload(&p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Text != "copied rendering" {
		t.Errorf("final text = %q, want the clipboard rendering", p.Text)
	}
}

func TestAgentMissingPromptIsTerminal(t *testing.T) {
	page := &fakePage{present: map[string]bool{}}
	b, _ := startAgent(t, page, testTiming())

	sendCmd(b, "cmd-2", "   ")

	msgs := collect(t, b, time.Second, func(m *protocol.Message) bool {
		return m.Type == protocol.TypeError
	})
	errMsg := msgs[len(msgs)-1]
	if errMsg.ReplyTo != "cmd-2" {
		t.Errorf("error correlates to %q, want cmd-2", errMsg.ReplyTo)
	}
	var p protocol.ErrorPayload
	if err := errMsg.DecodePayload(&p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !strings.Contains(p.Error, "prompt") {
		t.Errorf("error = %q, want a prompt validation message", p.Error)
	}
}

func TestAgentInputNotFoundIsTerminal(t *testing.T) {
	page := &fakePage{url: "https://gemini.google.com/app", present: map[string]bool{}}
	b, _ := startAgent(t, page, testTiming())

	sendCmd(b, "cmd-3", "hi")

	msgs := collect(t, b, 2*time.Second, func(m *protocol.Message) bool {
		return m.Type == protocol.TypeError
	})
	var p protocol.ErrorPayload
	if err := msgs[len(msgs)-1].DecodePayload(&p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !strings.Contains(p.Error, "input") {
		t.Errorf("error = %q, want an input-element message", p.Error)
	}

	// The terminal error is followed by an idle status announcement.
	collect(t, b, time.Second, func(m *protocol.Message) bool {
		var sp protocol.StatusPayload
		return m.Type == protocol.TypeStatus && m.DecodePayload(&sp) == nil && sp.Status == protocol.AgentIdle
	})
}

func TestAgentBusyRejectsSecondCommand(t *testing.T) {
	// Generation never finishes, so the first task occupies the agent.
	timing := testTiming()
	timing.WatchDeadline = 2 * time.Second
	page := &fakePage{
		url:        "https://gemini.google.com/app",
		generating: true,
		present: map[string]bool{
			"#input": true,
			"#send":  true,
		},
	}
	b, _ := startAgent(t, page, timing)

	sendCmd(b, "cmd-first", "hi")
	time.Sleep(50 * time.Millisecond)
	sendCmd(b, "cmd-second", "hi again")

	msgs := collect(t, b, time.Second, func(m *protocol.Message) bool {
		return m.Type == protocol.TypeError && m.ReplyTo == "cmd-second"
	})
	var p protocol.ErrorPayload
	if err := msgs[len(msgs)-1].DecodePayload(&p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !strings.Contains(p.Error, "busy") {
		t.Errorf("error = %q, want a busy rejection", p.Error)
	}
}

func TestAgentWatchTimeout(t *testing.T) {
	timing := testTiming()
	timing.WatchDeadline = 20 * time.Millisecond
	page := &fakePage{
		url:        "https://gemini.google.com/app",
		generating: true,
		present: map[string]bool{
			"#input": true,
			"#send":  true,
		},
	}
	b, _ := startAgent(t, page, timing)

	sendCmd(b, "cmd-4", "hi")

	msgs := collect(t, b, 2*time.Second, func(m *protocol.Message) bool {
		return m.Type == protocol.TypeError && m.ReplyTo == "cmd-4"
	})
	var p protocol.ErrorPayload
	if err := msgs[len(msgs)-1].DecodePayload(&p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !strings.Contains(p.Error, "timeout") {
		t.Errorf("error = %q, want a timeout message", p.Error)
	}
}

func TestConversationIDFromURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want string
	}{
		{"https://gemini.google.com/app/abc123", "abc123"},
		{"https://gemini.google.com/app/abc123?hl=en", "abc123"},
		{"https://gemini.google.com/app", ""},
		{"https://gemini.google.com/app/", ""},
		{"https://gemini.google.com/", ""},
		{"", ""},
		{"://bad", ""},
	}
	for _, tc := range cases {
		if got := conversationIDFromURL(tc.raw); got != tc.want {
			t.Errorf("conversationIDFromURL(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
