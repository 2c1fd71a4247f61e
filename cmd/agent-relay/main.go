package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/platform"
)

const Version = "0.1.0"

func main() {
	initColorProfile(os.Stdout)
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// command is a subcommand handler. It returns the process exit status.
type command func(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int

var commands = map[string]command{
	"inject":   handleInject,
	"sessions": handleSessions,
	"ls":       handleSessions,
	"register": handleRegister,
	"sweep":    handleSweep,
	"daemon":   handleDaemon,
}

func run(args []string, stdout, stderr io.Writer) int {
	configPath, args := extractConfigFlag(args)

	if len(args) == 0 {
		printHelp(stdout)
		return 1
	}
	switch args[0] {
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "agent-relay v%s\n", Version)
		return 0
	case "help", "--help", "-h":
		printHelp(stdout)
		return 0
	}

	handler, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "Error: unknown command %q\n\n", args[0])
		printHelp(stderr)
		return 1
	}

	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	logging.Init(cfg.LoggingConfig())
	defer logging.Shutdown()

	a, err := newApp(cfg, nil, platform.Detect(), nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			cliLog.Warn("shutdown_failed", slog.String("error", err.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return handler(ctx, a, args[1:], stdout, stderr)
}

func printHelp(w io.Writer) {
	fmt.Fprintf(w, "agent-relay v%s\n", Version)
	fmt.Fprintln(w, "Relay remote commands into local terminal sessions.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: agent-relay [-c config.toml] <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  inject <token> <cmd>    Type a command into the token's session")
	fmt.Fprintln(w, "  sessions, ls            List sessions visible to the backend")
	fmt.Fprintln(w, "  register <token> <name> Map a token to a session")
	fmt.Fprintln(w, "  sweep                   Remove stale fallback artifacts now")
	fmt.Fprintln(w, "  daemon                  Run scheduled cleanup until interrupted")
	fmt.Fprintln(w, "  version                 Show version")
	fmt.Fprintln(w, "  help                    Show this help")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Global Options:")
	fmt.Fprintln(w, "  -c, --config <path>     Config file (default: ~/.agent-relay/config.toml)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  RELAY_MODE, RELAY_SESSION, RELAY_STORE_KIND, RELAY_LOG_LEVEL, ...")
	fmt.Fprintln(w, "  RELAY_COLOR             truecolor, 256, 16, none")
}
