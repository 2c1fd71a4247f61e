package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/asheshgoplani/agent-relay/internal/clipboard"
	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/confirm"
	"github.com/asheshgoplani/agent-relay/internal/execx"
	"github.com/asheshgoplani/agent-relay/internal/fallback"
	"github.com/asheshgoplani/agent-relay/internal/inject"
	"github.com/asheshgoplani/agent-relay/internal/notify"
	"github.com/asheshgoplani/agent-relay/internal/platform"
	"github.com/asheshgoplani/agent-relay/internal/ratelimit"
	"github.com/asheshgoplani/agent-relay/internal/sessionstore"
	"github.com/asheshgoplani/agent-relay/internal/terminal"
)

// storeKindNone disables the session store; every token then maps to the
// default session.
const storeKindNone = "none"

// app is the wired engine shared by every subcommand.
type app struct {
	cfg      *config.Config
	runner   execx.Runner
	platform platform.Platform
	backend  terminal.Backend
	store    sessionstore.Managed
	chain    *fallback.Chain
	orch     *inject.Orchestrator
}

// newApp wires the engine from cfg. runner and backend may be nil, in which
// case the real process runner and the configured backend are used.
func newApp(cfg *config.Config, runner execx.Runner, p platform.Platform, backend terminal.Backend) (*app, error) {
	if runner == nil {
		runner = execx.NewRunner(cfg.Process.SpawnRate, cfg.Process.SpawnBurst)
	}
	if backend == nil {
		b, err := inject.ResolveBackend(cfg.Injection.Mode, runner, p)
		if err != nil {
			return nil, err
		}
		backend = b
	}

	patterns, err := cfg.ConfirmPatterns()
	if err != nil {
		return nil, fmt.Errorf("confirmation patterns: %w", err)
	}

	a := &app{cfg: cfg, runner: runner, platform: p, backend: backend}

	if !strings.EqualFold(cfg.Store.Kind, storeKindNone) {
		store, err := sessionstore.Open(cfg.Store.Kind, cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
		a.store = store
	}

	deps := inject.Deps{
		Backend:   backend,
		Limiter:   ratelimit.New(cfg.RateWindow(), cfg.RateLimit.MaxRequests),
		Confirmer: confirm.New(backend, patterns, cfg.ConfirmConfig()),
		Journal:   inject.NewJournal(cfg.Injection.JournalPath),
	}
	if a.store != nil {
		deps.Store = a.store
	}
	if cfg.Fallback.Enabled {
		a.chain = fallback.NewStandardChain(fallback.Options{
			TargetApps:       cfg.Fallback.TargetApps,
			TempDir:          cfg.Fallback.TempDir,
			DesktopDir:       cfg.Fallback.DesktopDir,
			ReminderCount:    cfg.Fallback.ReminderCount,
			ReminderInterval: cfg.ReminderInterval(),
		}, fallback.Deps{
			Runner:    runner,
			Platform:  p,
			Clipboard: clipboard.New(runner, p),
			Notifier:  notify.New(runner, p),
		})
		deps.Fallback = a.chain
	}

	a.orch = inject.New(inject.Config{
		DefaultSession:   cfg.Injection.DefaultSession,
		WorkDir:          cfg.Injection.WorkDir,
		StartCommand:     cfg.Injection.StartCommand,
		FallbackCommand:  cfg.Injection.FallbackCommand,
		SettleDelay:      cfg.SettleDelay(),
		KeystrokeDelay:   cfg.KeystrokeDelay(),
		LockTimeout:      cfg.LockTimeout(),
		MaxCommandLength: cfg.Injection.MaxCommandLength,
		GUI:              cfg.Injection.Mode == config.ModeGuiAutomation,
	}, deps)

	return a, nil
}

// sweeper returns an artifact sweeper that also purges expired sessions.
func (a *app) sweeper() *fallback.Sweeper {
	s := fallback.NewSweeper(a.cfg.ArtifactMaxAge(),
		fallback.ArtifactTargets(a.cfg.Fallback.TempDir, a.cfg.Fallback.DesktopDir)...)
	if a.store != nil {
		s.AddTask("purge_expired_sessions", a.store.PurgeExpired)
	}
	return s
}

// Close stops pending reminders and releases the store.
func (a *app) Close() error {
	var errs []error
	if a.chain != nil {
		errs = append(errs, a.chain.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
