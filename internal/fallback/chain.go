// Package fallback delivers a command to the user when no terminal backend
// can be driven: it tries a fixed list of strategies, each ending with the
// command on the clipboard and the user told what to do with it.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/clipboard"
	"github.com/asheshgoplani/agent-relay/internal/execx"
	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/platform"
)

var fallbackLog = logging.ForComponent(logging.CompFallback)

// ErrAllFailed is returned when no strategy succeeded.
var ErrAllFailed = errors.New("all fallback strategies failed")

// ErrUnsupported is returned by a strategy that cannot run on this platform.
var ErrUnsupported = errors.New("strategy not supported on this platform")

// Strategy is one way of getting a command to the user.
type Strategy interface {
	Name() string
	Deliver(ctx context.Context, command string) error
}

// Copier is the clipboard capability strategies use.
type Copier interface {
	Copy(ctx context.Context, text string) (*clipboard.CopyResult, error)
	Tool() (clipboard.Tool, error)
}

// Notifier is the desktop notification capability strategies use.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// Deps are the external capabilities the standard chain drives.
type Deps struct {
	Runner    execx.Runner
	Platform  platform.Platform
	Clipboard Copier
	Notifier  Notifier
}

// Chain runs strategies strictly in order and stops at the first success.
type Chain struct {
	strategies []Strategy
}

// NewChain returns a chain over strategies.
func NewChain(strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies}
}

// Strategies returns the names in order.
func (c *Chain) Strategies() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// Run delivers command with the first strategy that succeeds and returns
// its name. A strategy that fails or panics is logged and skipped.
func (c *Chain) Run(ctx context.Context, command string) (string, error) {
	var errs []error
	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		start := time.Now()
		err := deliver(ctx, s, command)
		if err == nil {
			fallbackLog.Info("fallback_delivered",
				slog.String("strategy", s.Name()),
				slog.Duration("took", time.Since(start)))
			return s.Name(), nil
		}
		fallbackLog.Warn("fallback_strategy_failed",
			slog.String("strategy", s.Name()),
			slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

func deliver(ctx context.Context, s Strategy, command string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Deliver(ctx, command)
}

// Close stops background work started by any strategy.
func (c *Chain) Close() error {
	var errs []error
	for _, s := range c.strategies {
		if closer, ok := s.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}

// Options configures the standard chain.
type Options struct {
	TargetApps       []string
	TempDir          string
	DesktopDir       string
	ReminderCount    int
	ReminderInterval time.Duration
}

// NewStandardChain builds direct automation, file drop, reminder and
// desktop shortcut, in that order.
func NewStandardChain(opts Options, deps Deps) *Chain {
	return NewChain(
		NewDirectAutomation(deps.Clipboard, deps.Runner, deps.Platform, opts.TargetApps),
		NewFileDrop(opts.TempDir, deps.Clipboard, deps.Notifier),
		NewReminder(deps.Clipboard, deps.Notifier, opts.ReminderCount, opts.ReminderInterval),
		NewDesktopShortcut(opts.DesktopDir, deps.Clipboard, deps.Notifier),
	)
}
