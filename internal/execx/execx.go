// Package execx runs external programs with an explicit timeout and without
// a shell. Every argument is handed to the program as its own argv element,
// so nothing a caller passes is ever interpreted by /bin/sh.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTimeout bounds calls that do not set Options.Timeout.
const DefaultTimeout = 5 * time.Second

var (
	// ErrTimeout is returned when a program runs longer than its timeout.
	ErrTimeout = errors.New("external command timed out")

	// ErrNotFound is returned when the program is not installed or not in PATH.
	ErrNotFound = errors.New("external command not found")
)

// ProcessError describes a program that started but exited unsuccessfully.
type ProcessError struct {
	Program  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited with status %d: %s", e.Program, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s exited with status %d", e.Program, e.ExitCode)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Options tune a single invocation.
type Options struct {
	// Timeout bounds the whole invocation. Zero means DefaultTimeout.
	Timeout time.Duration

	// Stdin, when non-empty, is piped to the program.
	Stdin string
}

// Runner is the process execution capability the engine depends on.
type Runner interface {
	Run(ctx context.Context, program string, args []string, opts Options) (string, error)
	LookPath(program string) (string, error)
}

// ExecRunner runs programs through os/exec.
type ExecRunner struct {
	limiter *rate.Limiter
}

// NewRunner returns a Runner. When spawnRate is positive, process spawns are
// throttled to spawnRate per second with the given burst.
func NewRunner(spawnRate float64, burst int) *ExecRunner {
	r := &ExecRunner{}
	if spawnRate > 0 {
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(spawnRate), burst)
	}
	return r
}

// LookPath reports where program lives, or ErrNotFound.
func (r *ExecRunner) LookPath(program string) (string, error) {
	path, err := exec.LookPath(program)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, program)
	}
	return path, nil
}

// Run executes program with args and returns its stdout.
func (r *ExecRunner) Run(ctx context.Context, program string, args []string, opts Options) (string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%w: %s waiting for spawn slot", ErrTimeout, program)
		}
	}

	cmd := exec.CommandContext(ctx, program, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("%w: %s after %s", ErrTimeout, program, timeout)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, program)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), &ProcessError{
			Program:  program,
			ExitCode: exitErr.ExitCode(),
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return "", fmt.Errorf("run %s: %w", program, err)
}

// ExitCode returns the exit status carried by err, or -1 when err is not a
// ProcessError.
func ExitCode(err error) int {
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe.ExitCode
	}
	return -1
}
