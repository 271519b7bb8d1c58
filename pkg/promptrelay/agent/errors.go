// Package agent – errors.go names the terminal task failures. Their text
// travels to the server inside EVENT_ERROR payloads, so keep it readable.
package agent

import "errors"

var (
	// ErrAgentBusy rejects a command arriving while a task is active.
	ErrAgentBusy = errors.New("agent busy")

	// ErrInputNotFound means no input selector matched anything on the page.
	ErrInputNotFound = errors.New("cannot find input element")

	// ErrResponseTimeout means the reply never stabilized before the watch
	// deadline.
	ErrResponseTimeout = errors.New("response timeout")
)
