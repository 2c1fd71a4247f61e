// Package terminaltest provides an in-memory terminal.Backend for tests.
package terminaltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/terminal"
)

// Op is one recorded backend call.
type Op struct {
	Method  string
	Session string
	Arg     string
}

func (o Op) String() string {
	if o.Arg == "" {
		return o.Method + " " + o.Session
	}
	return fmt.Sprintf("%s %s %q", o.Method, o.Session, o.Arg)
}

// Fake records calls and serves captures from a script.
//
// Screens are returned in order by CapturePane; once exhausted the last one
// repeats. Hooks, when set, override the default behavior of a method.
type Fake struct {
	mu sync.Mutex

	// Unavailable makes Available return ErrBackendUnavailable.
	Unavailable bool
	// Sessions lists the sessions that exist.
	Sessions map[string]bool
	// Screens is the capture script.
	Screens []string

	CreateErr  error
	SendErr    error
	CaptureErr error

	// OnSend runs inside SendLiteralKeys and SendControlKey with the lock released.
	OnSend func(session, arg string)

	ops     []Op
	screenN int
}

// New returns a Fake in which the given sessions exist.
func New(sessions ...string) *Fake {
	f := &Fake{Sessions: map[string]bool{}}
	for _, s := range sessions {
		f.Sessions[s] = true
	}
	return f
}

var _ terminal.Backend = (*Fake)(nil)

func (f *Fake) record(op Op) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

// Ops returns a copy of the recorded calls.
func (f *Fake) Ops() []Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Op(nil), f.ops...)
}

// Count returns how many calls of method were recorded.
func (f *Fake) Count(method string) int {
	n := 0
	for _, op := range f.Ops() {
		if op.Method == method {
			n++
		}
	}
	return n
}

// Sent returns the literal texts and key names sent, in order.
func (f *Fake) Sent() []string {
	var out []string
	for _, op := range f.Ops() {
		if op.Method == "send" || op.Method == "key" {
			out = append(out, op.Arg)
		}
	}
	return out
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Available(context.Context) error {
	f.record(Op{Method: "available"})
	if f.Unavailable {
		return terminal.ErrBackendUnavailable
	}
	return nil
}

func (f *Fake) SessionExists(_ context.Context, name string) (bool, error) {
	f.record(Op{Method: "exists", Session: name})
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Sessions[name], nil
}

func (f *Fake) CreateSession(_ context.Context, name, _, startCommand, _ string) error {
	f.record(Op{Method: "create", Session: name, Arg: startCommand})
	if f.CreateErr != nil {
		return f.CreateErr
	}
	f.mu.Lock()
	f.Sessions[name] = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) SendLiteralKeys(ctx context.Context, name, text string) error {
	return f.send(ctx, "send", name, text)
}

func (f *Fake) SendControlKey(ctx context.Context, name string, key terminal.Key) error {
	return f.send(ctx, "key", name, key.String())
}

func (f *Fake) send(_ context.Context, method, name, arg string) error {
	f.record(Op{Method: method, Session: name, Arg: arg})
	if f.OnSend != nil {
		f.OnSend(name, arg)
	}
	if f.SendErr != nil {
		return errors.Join(terminal.ErrInjection, f.SendErr)
	}
	return nil
}

func (f *Fake) CapturePane(_ context.Context, name string) (terminal.Snapshot, error) {
	f.record(Op{Method: "capture", Session: name})
	if f.CaptureErr != nil {
		return terminal.Snapshot{}, f.CaptureErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Screens) == 0 {
		return terminal.Snapshot{CapturedAt: time.Now()}, nil
	}
	i := f.screenN
	if i >= len(f.Screens) {
		i = len(f.Screens) - 1
	}
	f.screenN++
	return terminal.Snapshot{Text: f.Screens[i], CapturedAt: time.Now()}, nil
}

func (f *Fake) KillSession(_ context.Context, name string) error {
	f.record(Op{Method: "kill", Session: name})
	f.mu.Lock()
	delete(f.Sessions, name)
	f.mu.Unlock()
	return nil
}

func (f *Fake) ListSessions(context.Context) ([]string, error) {
	f.record(Op{Method: "list"})
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.Sessions))
	for name, ok := range f.Sessions {
		if ok {
			names = append(names, name)
		}
	}
	return names, nil
}
