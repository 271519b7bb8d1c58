// Package agent – watcher.go decides when a generated reply is final. The
// page offers no authoritative completion event, so the watcher samples the
// last assistant message on a fixed tick and requires a run of consecutive
// unchanged, non-generating observations before calling the text final.
//
// The transition function is pure: it sees only observations and clock
// values, never the page. The polling loop around it lives in task.go.
package agent

import "time"

// Observation is one sample of the page: the last assistant message's
// extracted text, its raw markup, and whether the page still reports
// generation in progress.
type Observation struct {
	Text       string
	HTML       string
	Generating bool
}

// WatchAction is the watcher's verdict for one tick.
type WatchAction int

const (
	// WatchNone: nothing to report, keep polling.
	WatchNone WatchAction = iota
	// WatchProgress: the text changed; emit a PROCESSING reply.
	WatchProgress
	// WatchFinal: the reply is stable and generation is off; finalize.
	WatchFinal
	// WatchTimeout: the deadline passed without finalization.
	WatchTimeout
)

// Watcher tracks reply stability for one task. Not safe for concurrent use;
// it is owned by the task that created it.
type Watcher struct {
	threshold int
	deadline  time.Duration
	started   time.Time

	lastText string
	lastHTML string
	stable   int
}

// NewWatcher creates a watcher. threshold is the number of consecutive
// stable, non-generating ticks required; deadline is measured from now.
func NewWatcher(threshold int, deadline time.Duration, now time.Time) *Watcher {
	if threshold <= 0 {
		threshold = 3
	}
	return &Watcher{threshold: threshold, deadline: deadline, started: now}
}

// Step consumes one observation.
//
//   - Changed text: record it, reset the stability run, report progress.
//   - Unchanged non-empty text while not generating: extend the run; at the
//     threshold the text is final.
//   - Anything else (empty text, or unchanged text while still generating):
//     reset the run. Only a genuinely stable, finished state counts.
//
// The deadline is checked after the transition so a tick that finalizes at
// the deadline still wins over the timeout.
func (w *Watcher) Step(obs Observation, now time.Time) WatchAction {
	action := WatchNone

	switch {
	case obs.Text != w.lastText:
		w.lastText = obs.Text
		w.lastHTML = obs.HTML
		w.stable = 0
		action = WatchProgress

	case obs.Text != "" && !obs.Generating:
		w.lastHTML = obs.HTML
		w.stable++
		if w.stable >= w.threshold {
			return WatchFinal
		}

	default:
		w.stable = 0
	}

	if now.Sub(w.started) >= w.deadline {
		return WatchTimeout
	}
	return action
}

// FinalText returns the last observed text.
func (w *Watcher) FinalText() string { return w.lastText }

// FinalHTML returns the markup of the last observed text.
func (w *Watcher) FinalHTML() string { return w.lastHTML }
