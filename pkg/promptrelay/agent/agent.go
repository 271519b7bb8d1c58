// Package agent – agent.go is the automation agent actor. It receives
// commands from the connection supervisor over the internal bus, drives the
// chat page through the Page capability surface, and reports progress and
// terminal replies back over the same bus. Exactly one task runs at a time;
// a command arriving while one is active is rejected with a busy error.
package agent

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jholhewres/promptrelay/pkg/promptrelay/bus"
	"github.com/jholhewres/promptrelay/pkg/promptrelay/protocol"
	"github.com/jholhewres/promptrelay/pkg/promptrelay/status"
)

// Page is the DOM capability surface the state machine drives. Implemented
// by the browser package over CDP; faked in tests.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	Exists(ctx context.Context, selector string) (bool, error)
	Disabled(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	Focus(ctx context.Context, selector string) error
	Text(ctx context.Context, selector string) (string, error)
	TextOfLast(ctx context.Context, selector string) (text, html string, err error)
	ClickByText(ctx context.Context, selector, substring string) error
	SelectAllAndDelete(ctx context.Context) error
	InsertText(ctx context.Context, text string) error
	SetContent(ctx context.Context, selector, html string) error
	WriteClipboard(ctx context.Context, text string) error
	ReadClipboard(ctx context.Context) (string, error)
	PressEnter(ctx context.Context) error
	PressEscape(ctx context.Context) error
	PasteKeystroke(ctx context.Context, selector, text string) error
}

// TabResolver finds or creates the chat application page before a task runs.
type TabResolver interface {
	ResolveTab(ctx context.Context) error
}

// Converter renders copied HTML to text during finalization.
type Converter interface {
	Convert(html string) (string, error)
}

// Timing bounds every wait in the state machine. Tests shrink these.
type Timing struct {
	ConversationPollInterval time.Duration
	ConversationPollAttempts int
	SendRetries              int
	SendRetryInterval        time.Duration
	GenerationSettle         time.Duration
	WatchTick                time.Duration
	StabilityThreshold       int
	WatchDeadline            time.Duration
	CleanupPollInterval      time.Duration
	CleanupPollAttempts      int
}

// DefaultTiming returns the production timing profile.
func DefaultTiming() Timing {
	return Timing{
		ConversationPollInterval: 500 * time.Millisecond,
		ConversationPollAttempts: 20,
		SendRetries:              6,
		SendRetryInterval:        600 * time.Millisecond,
		GenerationSettle:         2 * time.Second,
		WatchTick:                time.Second,
		StabilityThreshold:       3,
		WatchDeadline:            120 * time.Second,
		CleanupPollInterval:      300 * time.Millisecond,
		CleanupPollAttempts:      10,
	}
}

// Agent is the page-resident actor.
type Agent struct {
	page      Page
	resolver  TabResolver
	bus       *bus.Bus
	converter Converter
	sel       Selectors
	timing    Timing
	modeLabel string
	chatURL   string
	reporter  status.Reporter
	logger    *slog.Logger

	busy atomic.Bool
}

// Options configures optional agent collaborators.
type Options struct {
	Selectors *Selectors
	Timing    *Timing
	// ModeLabel is the substring the current mode label must contain.
	ModeLabel string
	// NewChatURL is where the agent navigates when the new-chat control is
	// missing.
	NewChatURL string
	Reporter   status.Reporter
}

// New creates the agent actor.
func New(page Page, resolver TabResolver, b *bus.Bus, converter Converter, opts Options, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		page:      page,
		resolver:  resolver,
		bus:       b,
		converter: converter,
		sel:       DefaultSelectors(),
		timing:    DefaultTiming(),
		modeLabel: opts.ModeLabel,
		chatURL:   opts.NewChatURL,
		reporter:  opts.Reporter,
		logger:    logger.With("component", "agent"),
	}
	if opts.Selectors != nil {
		a.sel = *opts.Selectors
	}
	if opts.Timing != nil {
		a.timing = *opts.Timing
	}
	if a.reporter == nil {
		a.reporter = status.Nop{}
	}
	return a
}

// Run processes the agent's inbox until the context is canceled. Tasks run
// on their own goroutine so the inbox stays responsive; the busy flag is the
// one-task-in-flight guard.
func (a *Agent) Run(ctx context.Context) {
	a.logger.Info("agent started")
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopped")
			return
		case env := <-a.bus.AgentInbox():
			a.handle(ctx, env)
		}
	}
}

func (a *Agent) handle(ctx context.Context, env bus.Envelope) {
	switch env.Action {
	case bus.ActionSendMessage:
		if env.Data == nil || env.Data.Type != protocol.TypeSendMessage {
			a.logger.Warn("dropping malformed sendMessage envelope")
			return
		}
		if !a.busy.CompareAndSwap(false, true) {
			a.logger.Warn("task already active, rejecting command", "id", env.Data.ID)
			a.reply(protocol.NewError(env.Data.ID, ErrAgentBusy.Error()))
			return
		}
		go func(msg *protocol.Message) {
			defer a.busy.Store(false)
			a.runTask(ctx, msg)
		}(env.Data)

	default:
		a.logger.Debug("ignoring envelope", "action", env.Action)
	}
}

// reply forwards a message to the supervisor for delivery to the server.
// Delivery is at-most-once; a full mailbox means the event is lost, which the
// caller must already tolerate.
func (a *Agent) reply(msg *protocol.Message) {
	if !a.bus.SendToSupervisor(bus.Envelope{Action: bus.ActionWSReply, Data: msg}) {
		a.logger.Error("supervisor mailbox unavailable, reply lost", "type", msg.Type, "reply_to", msg.ReplyTo)
	}
}

func (a *Agent) emitStatus(agentStatus string) {
	a.reply(protocol.NewStatus(agentStatus))
}
