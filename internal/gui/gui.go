// Package gui implements terminal.Backend by scripting macOS Terminal.app
// through osascript.
//
// A session is addressed by the basename of its tty device ("ttys003").
// Scripts are fixed "on run argv" programs: the tty name and any typed text
// reach AppleScript as osascript arguments, never as part of the script
// source.
package gui

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
	"github.com/asheshgoplani/agent-relay/internal/platform"
	"github.com/asheshgoplani/agent-relay/internal/terminal"
)

var backendLog = logging.ForComponent(logging.CompBackend)

const (
	queryTimeout = 3 * time.Second
	sendTimeout  = 5 * time.Second
	readTimeout  = 5 * time.Second
)

// findTab binds w and t to the window and tab whose tty is ttyPath.
const findTab = `
	set ttyPath to "/dev/" & (item 1 of argv)
	set targetWindow to missing value
	set targetTab to missing value
	tell application "Terminal"
		repeat with w in windows
			repeat with t in tabs of w
				if tty of t is ttyPath then
					set targetWindow to w
					set targetTab to t
					exit repeat
				end if
			end repeat
			if targetTab is not missing value then exit repeat
		end repeat
	end tell
	if targetTab is missing value then error "no Terminal tab on " & ttyPath number 1404
`

// focusTab brings the located tab to the front so System Events keystrokes
// land in it.
const focusTab = `
	tell application "Terminal"
		set selected of targetTab to true
		set index of targetWindow to 1
		activate
	end tell
	delay 0.2
`

func script(body ...string) string {
	return "on run argv\n" + strings.Join(body, "\n") + "\nend run"
}

var (
	existsScript = script(`
	set ttyPath to "/dev/" & (item 1 of argv)
	tell application "Terminal"
		repeat with w in windows
			repeat with t in tabs of w
				if tty of t is ttyPath then return "true"
			end repeat
		end repeat
	end tell
	return "false"`)

	typeScript = script(findTab, focusTab,
		`	tell application "System Events" to keystroke (item 2 of argv)`)

	captureScript = script(findTab,
		`	tell application "Terminal" to return contents of targetTab`)

	closeScript = script(findTab,
		`	tell application "Terminal" to close targetWindow`)

	listScript = script(`
	set ttys to {}
	tell application "Terminal"
		repeat with w in windows
			repeat with t in tabs of w
				set end of ttys to (tty of t)
			end repeat
		end repeat
	end tell
	set AppleScript's text item delimiters to linefeed
	return ttys as text`)
)

// keyScripts holds one fixed script per control key.
var keyScripts = map[terminal.Key]string{
	terminal.KeyClear:     script(findTab, focusTab, `	tell application "System Events" to keystroke "u" using control down`),
	terminal.KeyExecute:   script(findTab, focusTab, `	tell application "System Events" to key code 36`),
	terminal.KeyInterrupt: script(findTab, focusTab, `	tell application "System Events" to keystroke "c" using control down`),
}

// Automation drives Terminal.app tabs.
type Automation struct {
	runner   execx.Runner
	platform platform.Platform
	now      func() time.Time
}

// New returns an Automation backend for the host platform p.
func New(runner execx.Runner, p platform.Platform) *Automation {
	return &Automation{runner: runner, platform: p, now: time.Now}
}

var _ terminal.Backend = (*Automation)(nil)

// Name implements terminal.Backend.
func (a *Automation) Name() string { return "gui" }

// Available implements terminal.Backend.
func (a *Automation) Available(ctx context.Context) error {
	if a.platform != platform.PlatformMacOS {
		return fmt.Errorf("%w: GUI automation needs macOS, running on %s", terminal.ErrBackendUnavailable, a.platform)
	}
	if _, err := a.runner.LookPath("osascript"); err != nil {
		return fmt.Errorf("%w: osascript not found", terminal.ErrBackendUnavailable)
	}
	return nil
}

// ttyName validates a session name. tty basenames never start with a dash;
// refusing one keeps it from being read as an osascript flag.
func ttyName(name string) (string, error) {
	target, err := guard.SessionTarget(name)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(target, "-") {
		return "", fmt.Errorf("%w: %q is not a tty name", guard.ErrSanitize, target)
	}
	return target, nil
}

func (a *Automation) osascript(ctx context.Context, timeout time.Duration, src string, argv ...string) (string, error) {
	args := append([]string{"-e", src}, argv...)
	out, err := a.runner.Run(ctx, "osascript", args, execx.Options{Timeout: timeout})
	if err != nil {
		switch {
		case errors.Is(err, execx.ErrTimeout):
			return "", fmt.Errorf("%w: %w", terminal.ErrTimeout, err)
		case errors.Is(err, execx.ErrNotFound):
			return "", fmt.Errorf("%w: %w", terminal.ErrBackendUnavailable, err)
		case strings.Contains(errorText(err), "(1404)"):
			return "", fmt.Errorf("%w: %w", terminal.ErrSessionMissing, err)
		}
		return "", err
	}
	return strings.TrimRight(out, "\n"), nil
}

func errorText(err error) string {
	var pe *execx.ProcessError
	if errors.As(err, &pe) {
		return pe.Stderr
	}
	return err.Error()
}

// SessionExists implements terminal.Backend.
func (a *Automation) SessionExists(ctx context.Context, name string) (bool, error) {
	tty, err := ttyName(name)
	if err != nil {
		return false, err
	}
	out, err := a.osascript(ctx, queryTimeout, existsScript, tty)
	if err != nil {
		return false, fmt.Errorf("look up %s: %w", tty, err)
	}
	return strings.TrimSpace(out) == "true", nil
}

// CreateSession implements terminal.Backend. A GUI window cannot be opened
// on a tty of the caller's choosing, so creation always fails.
func (a *Automation) CreateSession(_ context.Context, name, _, _, _ string) error {
	backendLog.Warn("gui_create_unsupported", slog.String("session", name))
	return fmt.Errorf("%w: %w: open a Terminal window for %s manually", terminal.ErrSessionCreate, terminal.ErrUnsupported, name)
}

// SendLiteralKeys implements terminal.Backend.
func (a *Automation) SendLiteralKeys(ctx context.Context, name, text string) error {
	tty, err := ttyName(name)
	if err != nil {
		return err
	}
	if _, err := a.osascript(ctx, sendTimeout, typeScript, tty, text); err != nil {
		return fmt.Errorf("%w: keystroke into %s: %w", terminal.ErrInjection, tty, err)
	}
	return nil
}

// SendControlKey implements terminal.Backend.
func (a *Automation) SendControlKey(ctx context.Context, name string, key terminal.Key) error {
	tty, err := ttyName(name)
	if err != nil {
		return err
	}
	src, ok := keyScripts[key]
	if !ok {
		return fmt.Errorf("%w: %d", terminal.ErrUnknownKey, key)
	}
	if _, err := a.osascript(ctx, sendTimeout, src, tty); err != nil {
		return fmt.Errorf("%w: %s key into %s: %w", terminal.ErrInjection, key, tty, err)
	}
	return nil
}

// CapturePane implements terminal.Backend.
func (a *Automation) CapturePane(ctx context.Context, name string) (terminal.Snapshot, error) {
	tty, err := ttyName(name)
	if err != nil {
		return terminal.Snapshot{}, err
	}
	out, err := a.osascript(ctx, readTimeout, captureScript, tty)
	if err != nil {
		return terminal.Snapshot{}, fmt.Errorf("read contents of %s: %w", tty, err)
	}
	return terminal.Snapshot{Text: out, CapturedAt: a.now()}, nil
}

// KillSession implements terminal.Backend by closing the owning window.
func (a *Automation) KillSession(ctx context.Context, name string) error {
	tty, err := ttyName(name)
	if err != nil {
		return err
	}
	if _, err := a.osascript(ctx, sendTimeout, closeScript, tty); err != nil {
		return fmt.Errorf("close window of %s: %w", tty, err)
	}
	return nil
}

// ListSessions implements terminal.Backend.
func (a *Automation) ListSessions(ctx context.Context) ([]string, error) {
	out, err := a.osascript(ctx, queryTimeout, listScript)
	if err != nil {
		return nil, fmt.Errorf("list Terminal tabs: %w", err)
	}
	names := []string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		names = append(names, strings.TrimPrefix(line, "/dev/"))
	}
	return names, nil
}
