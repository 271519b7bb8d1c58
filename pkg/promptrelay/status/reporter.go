// Package status – reporter.go fans connection and task state transitions out
// to the UI collaborators (overlay, popup). The UI itself is out of scope
// here; consumers only see the two setter calls.
package status

import "log/slog"

// ConnectionStatus values shown by the connection indicator.
type ConnectionStatus string

const (
	Connected    ConnectionStatus = "connected"
	Disconnected ConnectionStatus = "disconnected"
	Connecting   ConnectionStatus = "connecting"
)

// TaskStatus values shown by the task indicator.
type TaskStatus string

const (
	TaskIdle       TaskStatus = "idle"
	TaskProcessing TaskStatus = "processing"
	TaskDone       TaskStatus = "done"
	TaskError      TaskStatus = "error"
)

// Reporter receives state transitions from the supervisor and the agent.
type Reporter interface {
	SetConnectionStatus(status ConnectionStatus)
	SetTaskStatus(status TaskStatus, detail string)
}

// LogReporter mirrors status transitions into the structured log. It stands
// in for the visual overlay when the daemon runs headless.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a log-backed reporter.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger.With("component", "status")}
}

func (r *LogReporter) SetConnectionStatus(status ConnectionStatus) {
	r.logger.Info("connection status", "status", string(status))
}

func (r *LogReporter) SetTaskStatus(status TaskStatus, detail string) {
	if detail != "" {
		r.logger.Info("task status", "status", string(status), "detail", detail)
		return
	}
	r.logger.Info("task status", "status", string(status))
}

// Multi fans a transition out to several reporters.
type Multi []Reporter

func (m Multi) SetConnectionStatus(status ConnectionStatus) {
	for _, r := range m {
		r.SetConnectionStatus(status)
	}
}

func (m Multi) SetTaskStatus(status TaskStatus, detail string) {
	for _, r := range m {
		r.SetTaskStatus(status, detail)
	}
}

// Nop discards all transitions.
type Nop struct{}

func (Nop) SetConnectionStatus(ConnectionStatus) {}
func (Nop) SetTaskStatus(TaskStatus, string)     {}
