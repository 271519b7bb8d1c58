// Package supervisor – supervisor.go owns the websocket link to the relay
// server. A single goroutine holds the connection state, so connects,
// teardowns and reconnect scheduling never race: reader goroutines are tagged
// with a generation number and events from a superseded link are ignored.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jholhewres/promptrelay/pkg/promptrelay/bus"
	"github.com/jholhewres/promptrelay/pkg/promptrelay/protocol"
	"github.com/jholhewres/promptrelay/pkg/promptrelay/status"
)

// URLSource yields the server URL at connect time. Re-read on every attempt
// so a settings change takes effect on the next reconnect.
type URLSource interface {
	ServerURL() string
}

// DefaultReconnectDelay is the fixed pause between connection attempts.
const DefaultReconnectDelay = 5 * time.Second

// ErrForwardFailed is reported to the server when a command cannot be handed
// to the agent.
var ErrForwardFailed = errors.New("forward failed")

const handshakeTimeout = 10 * time.Second

// inboundEvent carries a parsed server message, or a link failure when msg is
// nil, from a reader goroutine into the actor loop.
type inboundEvent struct {
	generation int
	msg        *protocol.Message
	err        error
}

// Supervisor maintains exactly one live link to the server and routes
// traffic between it and the automation agent.
type Supervisor struct {
	urls           URLSource
	bus            *bus.Bus
	reporter       status.Reporter
	logger         *slog.Logger
	dialer         *websocket.Dialer
	reconnectDelay time.Duration

	// Owned by the Run goroutine.
	state      status.ConnectionStatus
	conn       *websocket.Conn
	generation int
	retry      *time.Timer
	inbound    chan inboundEvent

	connected atomic.Bool
}

// Options configures optional supervisor collaborators.
type Options struct {
	Reporter       status.Reporter
	ReconnectDelay time.Duration
}

// New creates the supervisor actor.
func New(urls URLSource, b *bus.Bus, opts Options, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		urls:           urls,
		bus:            b,
		reporter:       opts.Reporter,
		logger:         logger.With("component", "supervisor"),
		dialer:         &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		reconnectDelay: opts.ReconnectDelay,
		state:          status.Disconnected,
		inbound:        make(chan inboundEvent, 16),
	}
	if s.reporter == nil {
		s.reporter = status.Nop{}
	}
	if s.reconnectDelay <= 0 {
		s.reconnectDelay = DefaultReconnectDelay
	}
	return s
}

// Run connects and processes link events and bus traffic until the context is
// canceled. All state transitions happen on this goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Info("supervisor started")
	s.connect()

	for {
		select {
		case <-ctx.Done():
			s.teardown()
			s.logger.Info("supervisor stopped")
			return

		case ev := <-s.inbound:
			if ev.generation != s.generation {
				// Stale reader from a replaced link.
				continue
			}
			if ev.msg == nil {
				s.logger.Warn("connection lost", "error", ev.err)
				s.teardown()
				s.scheduleReconnect()
				continue
			}
			s.route(ev.msg)

		case <-timerC(s.retry):
			s.retry = nil
			s.connect()

		case env := <-s.bus.SupervisorInbox():
			s.handleEnvelope(env)
		}
	}
}

// connect replaces any existing link with a fresh one. Safe to call at any
// time from the actor goroutine: the old link is fully detached first, so a
// burst of connect triggers still converges on exactly one live connection.
func (s *Supervisor) connect() {
	s.teardown()
	s.cancelRetry()

	s.setState(status.Connecting)

	url := s.urls.ServerURL()
	conn, _, err := s.dialer.Dial(url, nil)
	if err != nil {
		s.logger.Warn("connect failed", "url", url, "error", err)
		s.setState(status.Disconnected)
		s.scheduleReconnect()
		return
	}

	s.conn = conn
	s.generation++
	s.setState(status.Connected)
	s.logger.Info("connected", "url", url)

	go s.readLoop(conn, s.generation)
}

// teardown detaches and closes the current link, if any. Detaching first
// (bumping past the reader's generation) keeps the reader's close event from
// tearing down the link that replaces this one.
func (s *Supervisor) teardown() {
	if s.conn == nil {
		return
	}
	conn := s.conn
	s.conn = nil
	s.generation++
	_ = conn.Close()
	s.setState(status.Disconnected)
}

// scheduleReconnect arms the retry timer. Idempotent: an already-pending
// timer is left alone, so there is never more than one scheduled attempt.
func (s *Supervisor) scheduleReconnect() {
	if s.retry != nil {
		return
	}
	s.retry = time.NewTimer(s.reconnectDelay)
	s.logger.Debug("reconnect scheduled", "delay", s.reconnectDelay)
}

func (s *Supervisor) cancelRetry() {
	if s.retry == nil {
		return
	}
	if !s.retry.Stop() {
		select {
		case <-s.retry.C:
		default:
		}
	}
	s.retry = nil
}

// readLoop reads frames off one connection and feeds the actor. It never
// touches supervisor state directly.
func (s *Supervisor) readLoop(conn *websocket.Conn, generation int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.inbound <- inboundEvent{generation: generation, err: err}
			return
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			s.logger.Warn("discarding unparseable frame", "error", err)
			continue
		}
		s.inbound <- inboundEvent{generation: generation, msg: msg}
	}
}

// route dispatches one server message.
func (s *Supervisor) route(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		s.send(protocol.NewPong())

	case protocol.TypeSendMessage:
		if !s.bus.SendToAgent(bus.Envelope{Action: bus.ActionSendMessage, Data: msg}) {
			s.logger.Error("agent mailbox unavailable", "id", msg.ID)
			s.send(protocol.NewError(msg.ID, ErrForwardFailed.Error()))
		}

	default:
		s.logger.Debug("ignoring server message", "type", msg.Type)
	}
}

// handleEnvelope dispatches one internal bus envelope.
func (s *Supervisor) handleEnvelope(env bus.Envelope) {
	switch env.Action {
	case bus.ActionWSReply:
		if env.Data != nil {
			s.send(env.Data)
		}

	case bus.ActionReconnect:
		s.connect()

	case bus.ActionGetStatus:
		s.logger.Info("status requested", "state", s.state)
		s.reporter.SetConnectionStatus(s.state)

	default:
		s.logger.Debug("ignoring envelope", "action", env.Action)
	}
}

// send writes a message to the server. Best-effort: without a live link the
// message is logged and dropped.
func (s *Supervisor) send(msg *protocol.Message) {
	if s.conn == nil {
		s.logger.Warn("not connected, dropping outbound message", "type", msg.Type)
		return
	}
	data, err := msg.Encode()
	if err != nil {
		s.logger.Error("encode outbound message", "error", err)
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Warn("write failed", "type", msg.Type, "error", err)
	}
}

// Connect asks the actor to establish a fresh link, replacing any current
// one. Safe from any goroutine; the actual work happens on the Run loop.
func (s *Supervisor) Connect() {
	if !s.bus.SendToSupervisor(bus.Envelope{Action: bus.ActionReconnect}) {
		s.logger.Warn("supervisor mailbox full, connect trigger dropped")
	}
}

// Connected reports whether a link is currently live.
func (s *Supervisor) Connected() bool {
	return s.connected.Load()
}

func (s *Supervisor) setState(st status.ConnectionStatus) {
	s.connected.Store(st == status.Connected)
	if s.state == st {
		return
	}
	s.state = st
	s.reporter.SetConnectionStatus(st)
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
