// Package clipboard writes text to the desktop clipboard through the
// platform's native tool.
package clipboard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/execx"
	"github.com/asheshgoplani/agent-relay/internal/platform"
)

const copyTimeout = 3 * time.Second

// ErrNoTool is returned when no clipboard program is installed.
var ErrNoTool = errors.New("no clipboard method available (install pbcopy, xclip, xsel, or wl-copy)")

// CopyResult contains metadata about a successful clipboard copy operation.
type CopyResult struct {
	Method    string // Tool that received the text ("pbcopy", "xclip", ...)
	ByteSize  int
	LineCount int
}

// Tool is a clipboard program and the arguments that make it read stdin.
type Tool struct {
	Program string
	Args    []string
}

// String renders the tool as a shell command line. Arguments are fixed
// flags, never user data.
func (t Tool) String() string {
	return strings.Join(append([]string{t.Program}, t.Args...), " ")
}

// Writer copies text using the tool appropriate for its platform.
type Writer struct {
	runner   execx.Runner
	platform platform.Platform
	getenv   func(string) string
}

// New returns a Writer for platform p.
func New(runner execx.Runner, p platform.Platform) *Writer {
	return &Writer{runner: runner, platform: p, getenv: os.Getenv}
}

// Copy copies text to the system clipboard.
func (w *Writer) Copy(ctx context.Context, text string) (*CopyResult, error) {
	if text == "" {
		return nil, fmt.Errorf("no content to copy")
	}
	tool, err := w.Tool()
	if err != nil {
		return nil, err
	}
	if _, err := w.runner.Run(ctx, tool.Program, tool.Args, execx.Options{Timeout: copyTimeout, Stdin: text}); err != nil {
		return nil, fmt.Errorf("%s: %w", tool.Program, err)
	}
	return &CopyResult{
		Method:    tool.Program,
		ByteSize:  len(text),
		LineCount: countLines(text),
	}, nil
}

// Tool picks the clipboard program for the platform.
func (w *Writer) Tool() (Tool, error) {
	switch w.platform {
	case platform.PlatformMacOS:
		return Tool{Program: "pbcopy"}, nil

	case platform.PlatformWSL1, platform.PlatformWSL2:
		return Tool{Program: "clip.exe"}, nil

	case platform.PlatformLinux:
		// Wayland takes priority over X11
		if w.getenv("WAYLAND_DISPLAY") != "" && w.has("wl-copy") {
			return Tool{Program: "wl-copy"}, nil
		}
		if w.has("xclip") {
			return Tool{Program: "xclip", Args: []string{"-selection", "clipboard"}}, nil
		}
		if w.has("xsel") {
			return Tool{Program: "xsel", Args: []string{"--clipboard", "--input"}}, nil
		}
		return Tool{}, ErrNoTool

	default:
		return Tool{}, fmt.Errorf("%w: unsupported platform %s", ErrNoTool, w.platform)
	}
}

func (w *Writer) has(program string) bool {
	_, err := w.runner.LookPath(program)
	return err == nil
}

// countLines counts the number of lines in text.
// A trailing newline does not add an extra line.
func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}
