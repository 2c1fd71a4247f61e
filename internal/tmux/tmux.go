// Package tmux implements terminal.Backend on top of the tmux multiplexer.
//
// Every operation is one tmux invocation through execx with discrete
// arguments. Text typed into a pane always travels as a single argv element
// after "send-keys -l --", so tmux neither parses it as key names nor hands it
// to a shell.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/execx"
	"github.com/asheshgoplani/agent-relay/internal/guard"
	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/terminal"
	"golang.org/x/sync/singleflight"
)

var backendLog = logging.ForComponent(logging.CompBackend)

// Per-operation timeouts. Session creation is the slowest call tmux makes.
const (
	versionTimeout = 2 * time.Second
	existsTimeout  = 2 * time.Second
	createTimeout  = 10 * time.Second
	sendTimeout    = 5 * time.Second
	captureTimeout = 3 * time.Second
	killTimeout    = 5 * time.Second
	listTimeout    = 3 * time.Second
)

// controlKeys maps backend-neutral keys to tmux key names.
var controlKeys = map[terminal.Key]string{
	terminal.KeyClear:     "C-u",
	terminal.KeyExecute:   "C-m",
	terminal.KeyInterrupt: "C-c",
}

// Multiplexer drives tmux sessions.
type Multiplexer struct {
	runner execx.Runner
	socket string
	now    func() time.Time

	captureSf singleflight.Group
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithSocket isolates all calls on a named tmux server socket (tmux -L).
func WithSocket(name string) Option {
	return func(m *Multiplexer) { m.socket = name }
}

// New returns a Multiplexer running tmux through runner.
func New(runner execx.Runner, opts ...Option) *Multiplexer {
	m := &Multiplexer{runner: runner, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ terminal.Backend = (*Multiplexer)(nil)

// Name implements terminal.Backend.
func (m *Multiplexer) Name() string { return "tmux" }

// args prefixes the socket selector when one is configured.
func (m *Multiplexer) args(args ...string) []string {
	if m.socket == "" {
		return args
	}
	return append([]string{"-L", m.socket}, args...)
}

func (m *Multiplexer) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	out, err := m.runner.Run(ctx, "tmux", m.args(args...), execx.Options{Timeout: timeout})
	if err != nil {
		return out, classify(err)
	}
	return out, nil
}

// classify folds execx failures into the terminal error taxonomy, keeping the
// original error in the chain.
func classify(err error) error {
	switch {
	case errors.Is(err, execx.ErrTimeout):
		return fmt.Errorf("%w: %w", terminal.ErrTimeout, err)
	case errors.Is(err, execx.ErrNotFound):
		return fmt.Errorf("%w: %w", terminal.ErrBackendUnavailable, err)
	default:
		return err
	}
}

// Available implements terminal.Backend.
func (m *Multiplexer) Available(ctx context.Context) error {
	if _, err := m.runner.LookPath("tmux"); err != nil {
		return fmt.Errorf("%w: tmux not found in PATH", terminal.ErrBackendUnavailable)
	}
	if _, err := m.run(ctx, versionTimeout, "-V"); err != nil {
		return fmt.Errorf("%w: tmux not working: %w", terminal.ErrBackendUnavailable, err)
	}
	return nil
}

// SessionExists implements terminal.Backend. The "=" prefix makes tmux match
// the name exactly instead of by prefix.
func (m *Multiplexer) SessionExists(ctx context.Context, name string) (bool, error) {
	target, err := guard.SessionTarget(name)
	if err != nil {
		return false, err
	}
	_, err = m.run(ctx, existsTimeout, "has-session", "-t", "="+target)
	if err == nil {
		return true, nil
	}
	// has-session exits 1 both for a missing session and a missing server.
	if execx.ExitCode(err) == 1 {
		return false, nil
	}
	return false, fmt.Errorf("has-session %s: %w", target, err)
}

// CreateSession implements terminal.Backend.
func (m *Multiplexer) CreateSession(ctx context.Context, name, cwd, startCommand, fallbackCommand string) error {
	target, err := guard.SessionTarget(name)
	if err != nil {
		return err
	}

	var errs []error
	for _, command := range []string{startCommand, fallbackCommand} {
		if strings.TrimSpace(command) == "" {
			continue
		}
		args := []string{"new-session", "-d", "-s", target}
		if cwd != "" {
			args = append(args, "-c", cwd)
		}
		args = append(args, command)

		if _, err := m.run(ctx, createTimeout, args...); err != nil {
			backendLog.Warn("tmux_create_attempt_failed",
				slog.String("session", target),
				slog.String("command", command),
				slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		backendLog.Info("tmux_session_created",
			slog.String("session", target),
			slog.String("command", command))
		return nil
	}
	if len(errs) == 0 {
		return fmt.Errorf("%w: no start command configured", terminal.ErrSessionCreate)
	}
	return fmt.Errorf("%w: %w", terminal.ErrSessionCreate, errors.Join(errs...))
}

// SendLiteralKeys implements terminal.Backend. The -l flag keeps tmux from
// reading the text as key names, and "--" ends option parsing so text that
// starts with a dash is still typed verbatim.
func (m *Multiplexer) SendLiteralKeys(ctx context.Context, name, text string) error {
	target, err := guard.SessionTarget(name)
	if err != nil {
		return err
	}
	if _, err := m.run(ctx, sendTimeout, "send-keys", "-t", target, "-l", "--", text); err != nil {
		return fmt.Errorf("%w: send-keys -l to %s: %w", terminal.ErrInjection, target, err)
	}
	return nil
}

// SendControlKey implements terminal.Backend.
func (m *Multiplexer) SendControlKey(ctx context.Context, name string, key terminal.Key) error {
	target, err := guard.SessionTarget(name)
	if err != nil {
		return err
	}
	keyName, ok := controlKeys[key]
	if !ok {
		return fmt.Errorf("%w: %d", terminal.ErrUnknownKey, key)
	}
	if _, err := m.run(ctx, sendTimeout, "send-keys", "-t", target, keyName); err != nil {
		return fmt.Errorf("%w: send-keys %s to %s: %w", terminal.ErrInjection, keyName, target, err)
	}
	return nil
}

// CapturePane implements terminal.Backend. Concurrent captures of the same
// session share one tmux subprocess.
func (m *Multiplexer) CapturePane(ctx context.Context, name string) (terminal.Snapshot, error) {
	target, err := guard.SessionTarget(name)
	if err != nil {
		return terminal.Snapshot{}, err
	}
	v, err, _ := m.captureSf.Do(target, func() (interface{}, error) {
		// -J joins wrapped lines so prompts split across rows still match.
		out, err := m.run(ctx, captureTimeout, "capture-pane", "-t", target, "-p", "-J")
		if err != nil {
			return nil, fmt.Errorf("capture-pane %s: %w", target, err)
		}
		return terminal.Snapshot{Text: out, CapturedAt: m.now()}, nil
	})
	if err != nil {
		return terminal.Snapshot{}, err
	}
	return v.(terminal.Snapshot), nil
}

// KillSession implements terminal.Backend.
func (m *Multiplexer) KillSession(ctx context.Context, name string) error {
	target, err := guard.SessionTarget(name)
	if err != nil {
		return err
	}
	if _, err := m.run(ctx, killTimeout, "kill-session", "-t", "="+target); err != nil {
		return fmt.Errorf("kill-session %s: %w", target, err)
	}
	return nil
}

// ListSessions implements terminal.Backend. A tmux server that is not running
// simply has no sessions.
func (m *Multiplexer) ListSessions(ctx context.Context) ([]string, error) {
	out, err := m.run(ctx, listTimeout, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if isNoServer(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return parseSessionList(out), nil
}

func isNoServer(err error) bool {
	var pe *execx.ProcessError
	if !errors.As(err, &pe) {
		return false
	}
	msg := pe.Stderr
	return strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "no sessions") ||
		strings.Contains(msg, "error connecting to")
}

func parseSessionList(out string) []string {
	sessions := []string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			sessions = append(sessions, line)
		}
	}
	return sessions
}
