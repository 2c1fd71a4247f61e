package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/guard"
	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/sessionstore"
)

var cliLog = logging.ForComponent(logging.CompCLI)

// handleInject types a command into the session registered for a token.
func handleInject(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("inject", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "Output the result as JSON")
	quiet := fs.Bool("quiet", false, "Print nothing on success")
	quietShort := fs.Bool("q", false, "Print nothing on success (short)")

	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: agent-relay inject [options] <token> <command...>")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Type a command into the terminal session registered for <token>.")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Options must come before <token>; everything after it is typed as-is.")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Examples:")
		fmt.Fprintln(stderr, "  agent-relay inject AB12CD34 'git status'")
		fmt.Fprintln(stderr, "  agent-relay inject --json AB12CD34 ls -la")
	}

	// No normalizeArgs here: dashed words in the command text are not flags.
	if err := fs.Parse(args); err != nil {
		return 1
	}
	out := NewCLIOutput(*jsonOutput, *quiet || *quietShort, stdout, stderr)

	rest := fs.Args()
	if len(rest) > 1 && rest[1] == "--" {
		rest = append(rest[:1:1], rest[2:]...)
	}
	if len(rest) < 2 {
		fs.Usage()
		return 1
	}
	token := rest[0]
	command := strings.Join(rest[1:], " ")

	res := a.orch.InjectCommand(ctx, token, command)
	if !res.Success {
		out.Failure(fmt.Sprintf("%s: %s", res.Error, res.Message), res)
		return 1
	}

	msg := fmt.Sprintf("sent to %s via %s", res.Session, res.Method)
	if res.Method == "" {
		msg = fmt.Sprintf("sent to %s", res.Session)
	}
	if res.Message != "" {
		msg += dimStyle.Render(" (" + res.Message + ")")
	}
	out.Success(msg, res)
	return 0
}

// handleSessions lists the sessions the configured backend can see.
func handleSessions(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: agent-relay sessions [--json]")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "List terminal sessions visible to the configured backend.")
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 1
	}
	out := NewCLIOutput(*jsonOutput, false, stdout, stderr)

	names, err := a.orch.ListSessions(ctx)
	if err != nil {
		out.Error(err.Error(), "backend_unavailable")
		return 1
	}

	var b strings.Builder
	if len(names) == 0 {
		fmt.Fprintf(&b, "No %s sessions\n", a.backend.Name())
	}
	for _, name := range names {
		fmt.Fprintf(&b, "%s %s\n", bulletSymbol, name)
	}
	out.Print(b.String(), map[string]any{
		"backend":  a.backend.Name(),
		"sessions": names,
	})
	return 0
}

// handleRegister provisions a token in the session store.
func handleRegister(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	ttl := fs.Duration("ttl", 24*time.Hour, "Time until the token expires (0 = never)")
	tty := fs.String("tty", "", "tty device of a GUI terminal tab (e.g. /dev/ttys003)")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: agent-relay register [options] <token> <session>")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Map an 8-character token to a terminal session.")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 1
	}
	out := NewCLIOutput(*jsonOutput, false, stdout, stderr)

	if fs.NArg() != 2 {
		fs.Usage()
		return 1
	}
	if a.store == nil {
		out.Error("session store is disabled (store.kind = \"none\")", ErrCodeConfig)
		return 1
	}
	token, err := guard.ValidateToken(fs.Arg(0))
	if err != nil {
		out.Error(err.Error(), "invalid_token")
		return 1
	}
	name, err := guard.SessionTarget(fs.Arg(1))
	if err != nil {
		out.Error(err.Error(), "invalid_session")
		return 1
	}

	now := time.Now()
	sess := sessionstore.Session{Token: token, Name: name, TargetPath: *tty, CreatedAt: now}
	if *ttl > 0 {
		sess.ExpiresAt = now.Add(*ttl)
	}
	if err := a.store.Save(ctx, sess); err != nil {
		out.Error(err.Error(), ErrCodeInternal)
		return 1
	}
	cliLog.Info("token_registered", slog.String("session", name))
	out.Success(fmt.Sprintf("registered %s for %s", token, name), sess)
	return 0
}

// handleSweep removes stale fallback artifacts and expired sessions once.
func handleSweep(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 1
	}
	out := NewCLIOutput(*jsonOutput, false, stdout, stderr)

	removed, err := a.sweeper().Sweep(ctx)
	if err != nil {
		out.Error(err.Error(), ErrCodeInternal)
		return 1
	}
	out.Success(fmt.Sprintf("removed %d artifact(s)", removed), map[string]any{
		"success": true,
		"removed": removed,
	})
	return 0
}

// handleDaemon runs the cleanup schedule and the store watcher until ctx is
// canceled.
func handleDaemon(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	fs.SetOutput(stderr)
	schedule := fs.String("schedule", a.cfg.Fallback.CleanupSchedule, "Cron spec for the cleanup sweep")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 1
	}
	out := NewCLIOutput(false, false, stdout, stderr)

	sw := a.sweeper()
	if _, err := sw.Sweep(ctx); err != nil {
		cliLog.Warn("initial_sweep_failed", slog.String("error", err.Error()))
	}
	if err := sw.Start(*schedule); err != nil {
		out.Error(err.Error(), ErrCodeConfig)
		return 1
	}
	defer sw.Stop()

	if fstore, ok := a.store.(*sessionstore.FileStore); ok && a.cfg.Store.Watch {
		if err := fstore.Watch(ctx); err != nil {
			cliLog.Warn("store_watch_failed", slog.String("error", err.Error()))
		}
	}

	cliLog.Info("daemon_started",
		slog.String("backend", a.backend.Name()),
		slog.String("platform", a.platform.String()),
		slog.String("schedule", *schedule))
	out.Success(fmt.Sprintf("agent-relay daemon running (sweep %s)", *schedule), nil)

	<-ctx.Done()
	cliLog.Info("daemon_stopped")
	return 0
}
