// Package server – tasks.go correlates API requests with the agent replies
// that answer them. Each in-flight request registers a task keyed by the
// command id; agent events carrying that id in reply_to are dispatched to the
// waiting request handler.
package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/promptrelay/pkg/promptrelay/protocol"
)

// Reply is one progress or terminal update for a task.
type Reply struct {
	Text           string
	Status         string
	ConversationID string
	Error          string
}

// StatusError marks a terminal failure reply.
const StatusError = "ERROR"

// TaskManager routes agent replies to the request that issued the command.
type TaskManager struct {
	mu     sync.RWMutex
	tasks  map[string]chan *Reply
	logger *slog.Logger
}

func NewTaskManager(logger *slog.Logger) *TaskManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskManager{
		tasks:  make(map[string]chan *Reply),
		logger: logger.With("component", "tasks"),
	}
}

// CreateTask registers a task and returns the channel its replies arrive on.
// The buffer absorbs a burst of PROCESSING updates.
func (tm *TaskManager) CreateTask(taskID string) chan *Reply {
	ch := make(chan *Reply, 10)
	tm.mu.Lock()
	tm.tasks[taskID] = ch
	tm.mu.Unlock()
	return ch
}

// RemoveTask unregisters and closes a task channel.
func (tm *TaskManager) RemoveTask(taskID string) {
	tm.mu.Lock()
	if ch, ok := tm.tasks[taskID]; ok {
		close(ch)
		delete(tm.tasks, taskID)
	}
	tm.mu.Unlock()
}

// Dispatch routes one agent event to its task. Events without a reply_to, or
// for an unknown task, are dropped.
func (tm *TaskManager) Dispatch(msg *protocol.Message) {
	if msg.ReplyTo == "" {
		return
	}

	var reply Reply
	switch msg.Type {
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := msg.DecodePayload(&p); err == nil {
			reply.Error = p.Error
		}
		if reply.Error == "" {
			reply.Error = "unknown agent error"
		}
		reply.Status = StatusError

	case protocol.TypeReply:
		var p protocol.ReplyPayload
		if err := msg.DecodePayload(&p); err != nil {
			tm.logger.Warn("invalid reply payload", "reply_to", msg.ReplyTo, "error", err)
			return
		}
		reply = Reply{Text: p.Text, Status: p.Status, ConversationID: p.ConversationID}

	default:
		return
	}

	tm.mu.RLock()
	ch, ok := tm.tasks[msg.ReplyTo]
	tm.mu.RUnlock()
	if !ok {
		tm.logger.Warn("no task for reply", "reply_to", msg.ReplyTo)
		return
	}

	select {
	case ch <- &reply:
	default:
		tm.logger.Warn("task channel full", "reply_to", msg.ReplyTo)
	}
}

// StartDispatcher consumes the hub's inbound stream on its own goroutine.
func (tm *TaskManager) StartDispatcher(hub *Hub) {
	go func() {
		for msg := range hub.Incoming {
			tm.logger.Debug("agent event", "type", msg.Type, "reply_to", msg.ReplyTo)
			tm.Dispatch(msg)
		}
	}()
}

// WaitForDone blocks until the task reaches DONE or ERROR, or the timeout
// fires. PROCESSING updates are consumed along the way; the last one is
// returned when the channel closes before a terminal reply.
func (tm *TaskManager) WaitForDone(taskID string, ch chan *Reply, timeout time.Duration) (*Reply, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var last *Reply
	for {
		select {
		case reply, ok := <-ch:
			if !ok {
				if last != nil {
					return last, nil
				}
				return nil, &hubError{"task channel closed unexpectedly"}
			}
			if reply.Status == StatusError {
				return reply, &hubError{reply.Error}
			}
			last = reply
			if reply.Status == protocol.StatusDone {
				return reply, nil
			}

		case <-timer.C:
			return nil, &hubError{"task timeout"}
		}
	}
}
