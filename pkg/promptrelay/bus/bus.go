// Package bus – bus.go is the internal channel between the connection
// supervisor and the automation agent. The two actors share no memory; all
// coordination crosses this bus as asynchronous, at-most-once envelopes.
//
// Delivery is fire-and-forget: a send never blocks, and an envelope posted
// while the receiving side cannot take it is lost. The boolean result is the
// acknowledgement ({received:true} / {ok:true} in the original protocol);
// callers on the error path must treat false as "peer unreachable", not retry.
package bus

import "github.com/jholhewres/promptrelay/pkg/promptrelay/protocol"

// Envelope actions.
const (
	ActionSendMessage = "sendMessage" // supervisor → agent: execute a command
	ActionWSReply     = "wsReply"     // agent → supervisor: forward to server
	ActionReconnect   = "reconnect"   // settings UI → supervisor
	ActionGetStatus   = "getStatus"   // popup → supervisor
)

// Envelope is one internal message.
type Envelope struct {
	Action string
	Data   *protocol.Message
}

// Bus carries envelopes between the two actors. Each direction is a small
// buffered mailbox; the buffer absorbs bursts, it is not a delivery queue.
type Bus struct {
	toAgent      chan Envelope
	toSupervisor chan Envelope
}

// New creates a bus with the given per-direction mailbox capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 16
	}
	return &Bus{
		toAgent:      make(chan Envelope, capacity),
		toSupervisor: make(chan Envelope, capacity),
	}
}

// SendToAgent posts an envelope toward the agent. Returns false when the
// agent's mailbox is full (agent gone or wedged); the envelope is dropped.
func (b *Bus) SendToAgent(env Envelope) bool {
	select {
	case b.toAgent <- env:
		return true
	default:
		return false
	}
}

// SendToSupervisor posts an envelope toward the supervisor. Same at-most-once
// contract as SendToAgent.
func (b *Bus) SendToSupervisor(env Envelope) bool {
	select {
	case b.toSupervisor <- env:
		return true
	default:
		return false
	}
}

// AgentInbox is the agent actor's receive side.
func (b *Bus) AgentInbox() <-chan Envelope { return b.toAgent }

// SupervisorInbox is the supervisor actor's receive side.
func (b *Bus) SupervisorInbox() <-chan Envelope { return b.toSupervisor }
