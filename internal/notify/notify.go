// Package notify shows desktop notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/asheshgoplani/agent-relay/internal/execx"
	"github.com/asheshgoplani/agent-relay/internal/guard"
	"github.com/asheshgoplani/agent-relay/internal/platform"
)

const (
	notifyTimeout = 3 * time.Second

	// PreviewWidth is the display width command previews are cut to.
	PreviewWidth = 60

	appName = "agent-relay"
)

// ErrUnsupported is returned when the platform has no notification tool.
var ErrUnsupported = errors.New("desktop notifications unavailable")

// Notifier sends notifications through osascript or notify-send.
type Notifier struct {
	runner   execx.Runner
	platform platform.Platform
}

// New returns a Notifier for platform p.
func New(runner execx.Runner, p platform.Platform) *Notifier {
	return &Notifier{runner: runner, platform: p}
}

// Notify shows a notification with title and body. Platforms without a
// desktop session get ErrUnsupported without spawning anything.
func (n *Notifier) Notify(ctx context.Context, title, body string) error {
	if !n.platform.HasDesktop() {
		return fmt.Errorf("%w on %s", ErrUnsupported, n.platform)
	}

	if n.platform == platform.PlatformMacOS {
		src := fmt.Sprintf(`display notification "%s" with title "%s"`,
			guard.EscapeForAutomationText(body), guard.EscapeForAutomationText(title))
		_, err := n.runner.Run(ctx, "osascript", []string{"-e", src}, execx.Options{Timeout: notifyTimeout})
		return wrap("osascript", err)
	}

	if _, err := n.runner.LookPath("notify-send"); err != nil {
		return fmt.Errorf("%w: notify-send not installed", ErrUnsupported)
	}
	args := []string{"--app-name", appName, "--", title, body}
	_, err := n.runner.Run(ctx, "notify-send", args, execx.Options{Timeout: notifyTimeout})
	return wrap("notify-send", err)
}

func wrap(program string, err error) error {
	if err != nil {
		return fmt.Errorf("notify via %s: %w", program, err)
	}
	return nil
}

// Preview flattens text to one line and truncates it to width display cells.
func Preview(text string, width int) string {
	if width <= 0 {
		width = PreviewWidth
	}
	flat := strings.Join(strings.Fields(text), " ")
	return runewidth.Truncate(flat, width, "…")
}
