package inject

import (
	"fmt"

	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/execx"
	"github.com/asheshgoplani/agent-relay/internal/gui"
	"github.com/asheshgoplani/agent-relay/internal/platform"
	"github.com/asheshgoplani/agent-relay/internal/terminal"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

// ResolveBackend returns the backend for an injection mode.
func ResolveBackend(mode string, runner execx.Runner, p platform.Platform) (terminal.Backend, error) {
	switch mode {
	case config.ModeMultiplexer, "tmux":
		return tmux.New(runner), nil
	case config.ModeGuiAutomation, "gui":
		return gui.New(runner, p), nil
	default:
		return nil, fmt.Errorf("unknown injection mode %q", mode)
	}
}
