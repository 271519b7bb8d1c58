// Package browser – tabs.go resolves the page hosting the chat application:
// reuse the most-recently-active matching page, or create one in the
// background and wait until it is ready to receive commands.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoTabAvailable is returned when no matching page exists and creating one
// failed.
var ErrNoTabAvailable = errors.New("cannot find or create target tab")

// settleDelay is applied after a freshly created page reports load-complete.
// The page's own scripts finish initializing asynchronously after load; a
// command forwarded earlier than this is silently lost.
const settleDelay = 2 * time.Second

// loadPollInterval and loadPollAttempts bound the readyState wait.
const (
	loadPollInterval = 500 * time.Millisecond
	loadPollAttempts = 60
)

// ResolveTab finds or creates the chat application page and attaches the page
// connection to it. Subsequent capability calls operate on that page.
func (m *Manager) ResolveTab(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNoTabAvailable, err)
	}

	m.mu.Lock()
	targets, err := m.listTargets()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNoTabAvailable, err)
	}

	matching := filterPages(targets, m.cfg.TargetURL)
	if len(matching) > 0 {
		chosen := pickMostRecent(matching, m.lastAccessed)
		err := m.attachLocked(chosen.TargetID)
		m.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoTabAvailable, err)
		}
		return nil
	}

	// No matching page: create one in the background and wait for it.
	m.logger.Info("no matching tab found, creating one", "url", m.cfg.NewChatURL)
	targetID, err := m.createTarget(m.cfg.NewChatURL)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNoTabAvailable, err)
	}
	if err := m.waitAttachable(targetID); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNoTabAvailable, err)
	}
	if err := m.attachLocked(targetID); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNoTabAvailable, err)
	}
	err = m.waitLoadedLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoTabAvailable, err)
	}

	// Settle: the in-page scripts only start listening after their own
	// initialization completes.
	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// filterPages keeps page targets whose URL matches the application prefix.
func filterPages(targets []Target, prefix string) []Target {
	var out []Target
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if prefix == "" || strings.HasPrefix(t.URL, prefix) {
			out = append(out, t)
		}
	}
	return out
}

// pickMostRecent chooses the target with the largest last-accessed timestamp.
// Targets never accessed by this process have a zero timestamp; ties keep the
// earliest list position, which is stable for a given /json/list response.
func pickMostRecent(targets []Target, lastAccessed map[string]time.Time) Target {
	best := targets[0]
	bestAt := lastAccessed[best.TargetID]
	for _, t := range targets[1:] {
		if at := lastAccessed[t.TargetID]; at.After(bestAt) {
			best = t
			bestAt = at
		}
	}
	return best
}

// waitAttachable polls until the created target shows up in /json/list with a
// debugger URL. MUST be called with m.mu held.
func (m *Manager) waitAttachable(targetID string) error {
	for i := 0; i < 20; i++ {
		targets, err := m.listTargets()
		if err == nil {
			for _, t := range targets {
				if t.TargetID == targetID && t.WebSocketDebuggerURL != "" {
					return nil
				}
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("created target %s never became attachable", targetID)
}

// waitLoadedLocked polls document.readyState until the page reports complete.
// MUST be called with m.mu held.
func (m *Manager) waitLoadedLocked(ctx context.Context) error {
	for i := 0; i < loadPollAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		state, err := m.evalLocked(`document.readyState`)
		if err == nil && state == "complete" {
			return nil
		}
		time.Sleep(loadPollInterval)
	}
	return fmt.Errorf("page never reached readyState complete")
}
