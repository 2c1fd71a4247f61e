// Package terminal defines the backend abstraction keystrokes are injected
// through.
//
// Two implementations exist: the tmux multiplexer (internal/tmux) and GUI
// automation of a terminal emulator (internal/gui). Callers hold a Backend
// and never branch on which one they got.
package terminal

import (
	"context"
	"errors"
	"time"
)

// Backend is the capability set every terminal variant provides.
// Every method wraps exactly one bounded external process call.
type Backend interface {
	// Name identifies the variant for logs ("tmux", "gui").
	Name() string

	// Available returns nil when the external program the backend drives is
	// installed and usable, ErrBackendUnavailable otherwise.
	Available(ctx context.Context) error

	// SessionExists reports whether the named target is present.
	SessionExists(ctx context.Context, name string) (bool, error)

	// CreateSession starts name in cwd running startCommand, retrying once
	// with fallbackCommand. The target is not ready when this returns; the
	// caller waits a settle delay.
	CreateSession(ctx context.Context, name, cwd, startCommand, fallbackCommand string) error

	// SendLiteralKeys types text into the target as one opaque argument.
	SendLiteralKeys(ctx context.Context, name, text string) error

	// SendControlKey presses a single control key.
	SendControlKey(ctx context.Context, name string, key Key) error

	// CapturePane returns the visible text of the target.
	CapturePane(ctx context.Context, name string) (Snapshot, error)

	// KillSession terminates the target.
	KillSession(ctx context.Context, name string) error

	// ListSessions returns the names of all targets the backend can see.
	ListSessions(ctx context.Context) ([]string, error)
}

// Key is a backend-independent control key.
type Key int

const (
	// KeyClear erases the current input line.
	KeyClear Key = iota
	// KeyExecute submits the current input line.
	KeyExecute
	// KeyInterrupt interrupts the foreground program.
	KeyInterrupt
)

func (k Key) String() string {
	switch k {
	case KeyClear:
		return "clear"
	case KeyExecute:
		return "execute"
	case KeyInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// Snapshot is one capture of a target's visible buffer.
type Snapshot struct {
	Text       string
	CapturedAt time.Time
}

var (
	// ErrBackendUnavailable means the program a backend drives is missing.
	ErrBackendUnavailable = errors.New("terminal backend unavailable")

	// ErrSessionMissing means the target session does not exist.
	ErrSessionMissing = errors.New("terminal session not found")

	// ErrSessionCreate means neither start command produced a session.
	ErrSessionCreate = errors.New("terminal session creation failed")

	// ErrTimeout means an external call exceeded its bound.
	ErrTimeout = errors.New("terminal operation timed out")

	// ErrInjection means a keystroke step failed.
	ErrInjection = errors.New("keystroke injection failed")

	// ErrUnsupported means the backend cannot perform the operation at all.
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrUnknownKey is returned for a Key value the backend cannot map.
	ErrUnknownKey = errors.New("unknown control key")
)
