package agent

import (
	"testing"
	"time"
)

func tick(n int) time.Time {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(n) * time.Second)
}

func TestWatcherStabilizes(t *testing.T) {
	t.Parallel()

	// One-second ticks: text appears on tick 2 and never changes again;
	// generation switches off from tick 3. With threshold 3 the reply
	// finalizes exactly on tick 5, after exactly one progress report.
	texts := []string{"", "A", "A", "A", "A"}
	generating := []bool{true, true, false, false, false}
	want := []WatchAction{WatchNone, WatchProgress, WatchNone, WatchNone, WatchFinal}

	w := NewWatcher(3, 120*time.Second, tick(0))
	progress := 0
	for i := range texts {
		got := w.Step(Observation{Text: texts[i], Generating: generating[i]}, tick(i+1))
		if got != want[i] {
			t.Fatalf("tick %d: action = %d, want %d", i+1, got, want[i])
		}
		if got == WatchProgress {
			progress++
		}
	}
	if progress != 1 {
		t.Errorf("emitted %d progress reports, want 1", progress)
	}
	if w.FinalText() != "A" {
		t.Errorf("final text = %q", w.FinalText())
	}
}

func TestWatcherResetsWhileGenerating(t *testing.T) {
	t.Parallel()

	w := NewWatcher(3, 120*time.Second, tick(0))
	w.Step(Observation{Text: "A", Generating: true}, tick(1)) // progress

	// Two stable ticks, then generation flickers back on: the run restarts.
	w.Step(Observation{Text: "A", Generating: false}, tick(2))
	w.Step(Observation{Text: "A", Generating: false}, tick(3))
	if got := w.Step(Observation{Text: "A", Generating: true}, tick(4)); got != WatchNone {
		t.Fatalf("generating tick should reset, got %d", got)
	}

	// Three fresh stable ticks are required again.
	w.Step(Observation{Text: "A", Generating: false}, tick(5))
	w.Step(Observation{Text: "A", Generating: false}, tick(6))
	if got := w.Step(Observation{Text: "A", Generating: false}, tick(7)); got != WatchFinal {
		t.Errorf("expected finalization after a fresh stable run, got %d", got)
	}
}

func TestWatcherEmptyTextNeverFinalizes(t *testing.T) {
	t.Parallel()

	w := NewWatcher(3, 120*time.Second, tick(0))
	for i := 1; i <= 10; i++ {
		if got := w.Step(Observation{Text: "", Generating: false}, tick(i)); got != WatchNone {
			t.Fatalf("tick %d: empty text must not finalize, got %d", i, got)
		}
	}
}

func TestWatcherDeadline(t *testing.T) {
	t.Parallel()

	w := NewWatcher(3, 120*time.Second, tick(0))

	timeouts := 0
	var last WatchAction
	for i := 1; i <= 121; i++ {
		last = w.Step(Observation{Text: "", Generating: true}, tick(i))
		if last == WatchTimeout {
			timeouts++
			break
		}
		if last == WatchFinal || last == WatchProgress {
			t.Fatalf("tick %d: unexpected action %d", i, last)
		}
	}
	if timeouts != 1 {
		t.Fatalf("expected exactly one timeout, got %d (last action %d)", timeouts, last)
	}

	// A tick that reaches the stability threshold exactly at the deadline
	// still finalizes instead of timing out.
	w2 := NewWatcher(1, 2*time.Second, tick(0))
	w2.Step(Observation{Text: "B", Generating: false}, tick(1))
	if got := w2.Step(Observation{Text: "B", Generating: false}, tick(2)); got != WatchFinal {
		t.Errorf("finalization at the deadline should win, got %d", got)
	}
}

func TestWatcherChangingTextStillTimesOut(t *testing.T) {
	t.Parallel()

	// The deadline is hard: endless churn without stabilization times out.
	w := NewWatcher(3, 5*time.Second, tick(0))
	texts := []string{"a", "ab", "abc", "abcd", "abcde"}
	var got WatchAction
	for i, text := range texts {
		got = w.Step(Observation{Text: text, Generating: true}, tick(i+1))
	}
	if got != WatchTimeout {
		t.Errorf("expected timeout on the deadline tick, got %d", got)
	}
}
