// Package inject runs the injection workflow: validate the request, admit it
// through the rate limiter, make sure the target session exists, type the
// command, and hand the session to the confirmation handler.
package inject

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/confirm"
	"github.com/asheshgoplani/agent-relay/internal/guard"
	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/ratelimit"
	"github.com/asheshgoplani/agent-relay/internal/sessionstore"
	"github.com/asheshgoplani/agent-relay/internal/terminal"
)

var (
	injectLog = logging.ForComponent(logging.CompInject)
	rateLog   = logging.ForComponent(logging.CompRateLimit)
)

// Error codes carried by Result.Error.
const (
	CodeInvalidToken       = "invalid_token"
	CodeInvalidCommand     = "invalid_command"
	CodeInvalidSession     = "invalid_session"
	CodeSessionNotFound    = "session_not_found"
	CodeSessionExpired     = "session_expired"
	CodeRateLimited        = "rate_limited"
	CodeBackendUnavailable = "backend_unavailable"
	CodeCreateFailed       = "session_creation_failed"
	CodeInjectionFailed    = "injection_failed"
	CodeLockTimeout        = "lock_timeout"
)

// Result is what every InjectCommand call returns.
type Result struct {
	Success bool   `json:"success"`
	Session string `json:"session,omitempty"`

	// Method is the backend name, or "fallback:<strategy>".
	Method string `json:"method,omitempty"`

	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`

	Confirmation *confirm.Outcome `json:"confirmation,omitempty"`
}

func failure(code, format string, args ...any) Result {
	return Result{Error: code, Message: fmt.Sprintf(format, args...)}
}

// Confirmer watches a session after the command is sent.
type Confirmer interface {
	Run(ctx context.Context, session string) confirm.Outcome
}

// Fallback delivers a command without a backend and names the strategy used.
type Fallback interface {
	Run(ctx context.Context, command string) (string, error)
}

// Config holds the orchestrator's tunables.
type Config struct {
	DefaultSession  string
	WorkDir         string
	StartCommand    string
	FallbackCommand string

	SettleDelay    time.Duration
	KeystrokeDelay time.Duration
	LockTimeout    time.Duration

	MaxCommandLength int

	// GUI addresses stored sessions by their tty basename.
	GUI bool
}

// Deps are the collaborators. Backend and Limiter are required; the rest
// may be nil.
type Deps struct {
	Backend   terminal.Backend
	Limiter   *ratelimit.Limiter
	Confirmer Confirmer
	Store     sessionstore.Store
	Journal   *Journal
	Fallback  Fallback
}

// Orchestrator serializes injections per session. Different sessions
// proceed concurrently.
type Orchestrator struct {
	cfg   Config
	deps  Deps
	locks *sessionLocks
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	pid   int
}

// New returns an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxCommandLength <= 0 {
		cfg.MaxCommandLength = guard.MaxCommandLength
	}
	return &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		locks: newSessionLocks(),
		sleep: sleepCtx,
		now:   time.Now,
		pid:   os.Getpid(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// InjectCommand types command into the session registered for token. It
// never returns a Go error; every outcome is a Result.
func (o *Orchestrator) InjectCommand(ctx context.Context, token, command string) Result {
	tok, err := guard.ValidateToken(token)
	if err != nil {
		return failure(CodeInvalidToken, "token must be 8 letters or digits")
	}
	cmd, err := guard.ValidateCommandLimit(command, o.cfg.MaxCommandLength)
	if err != nil {
		return failure(CodeInvalidCommand, "%s", err.Error())
	}

	name, res, ok := o.resolveSession(ctx, tok)
	if !ok {
		return res
	}
	target, err := guard.SessionTarget(name)
	if err != nil {
		return failure(CodeInvalidSession, "%s", err.Error())
	}
	log := injectLog.With(slog.String("session", target), slog.String("backend", o.deps.Backend.Name()))

	if !o.deps.Limiter.Allow(target) {
		rateLog.Warn("injection_rate_limited", slog.String("session", target))
		return failure(CodeRateLimited, "too many commands for %s, try again later", target)
	}
	defer o.record(cmd.Text(), target)

	if err := o.deps.Backend.Available(ctx); err != nil {
		log.Warn("backend_unavailable", slog.String("error", err.Error()))
		return o.runFallback(ctx, cmd.Text(), target, err)
	}

	lockCtx := ctx
	if o.cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, o.cfg.LockTimeout)
		defer cancel()
	}
	release, err := o.locks.acquire(lockCtx, target)
	if err != nil {
		log.Warn("session_lock_timeout", slog.Duration("waited", o.cfg.LockTimeout))
		return failure(CodeLockTimeout, "session %s is busy with another command", target)
	}
	defer release()

	if res, ok := o.ensureSession(ctx, log, target); !ok {
		return res
	}
	if err := o.sendSequence(ctx, target, cmd.Text()); err != nil {
		log.Error("injection_failed", slog.String("error", err.Error()))
		code := CodeInjectionFailed
		if errors.Is(err, terminal.ErrBackendUnavailable) {
			code = CodeBackendUnavailable
		}
		return failure(code, "could not type into %s: %s", target, err.Error())
	}
	log.Info("command_injected", slog.Int("length", len([]rune(cmd.Text()))))

	result := Result{Success: true, Session: target, Method: o.deps.Backend.Name()}
	if o.deps.Confirmer != nil {
		outcome := o.deps.Confirmer.Run(ctx, target)
		result.Confirmation = &outcome
		if outcome.State != confirm.StateCompleted {
			result.Message = fmt.Sprintf("command sent; confirmation %s (%s)", outcome.State, outcome.Reason)
		}
	}
	return result
}

// resolveSession maps a token to a session name.
func (o *Orchestrator) resolveSession(ctx context.Context, token string) (string, Result, bool) {
	if o.deps.Store == nil {
		if o.cfg.DefaultSession == "" {
			return "", failure(CodeSessionNotFound, "no session store and no default session"), false
		}
		return o.cfg.DefaultSession, Result{}, true
	}

	sess, err := o.deps.Store.FindByToken(ctx, token)
	if errors.Is(err, sessionstore.ErrNotFound) {
		return "", failure(CodeSessionNotFound, "no session registered for token"), false
	}
	if err != nil {
		injectLog.Error("session_lookup_failed", slog.String("error", err.Error()))
		return "", failure(CodeSessionNotFound, "session lookup failed: %s", err.Error()), false
	}
	if o.deps.Store.IsExpired(sess) {
		if err := o.deps.Store.Remove(ctx, token); err != nil {
			injectLog.Warn("expired_session_remove_failed", slog.String("error", err.Error()))
		}
		return "", failure(CodeSessionExpired, "session for token has expired"), false
	}
	return sess.Target(o.cfg.GUI), Result{}, true
}

// ensureSession creates target once when it is missing.
func (o *Orchestrator) ensureSession(ctx context.Context, log *slog.Logger, target string) (Result, bool) {
	exists, err := o.deps.Backend.SessionExists(ctx, target)
	if err != nil {
		log.Error("session_lookup_failed", slog.String("error", err.Error()))
		if errors.Is(err, terminal.ErrBackendUnavailable) {
			return failure(CodeBackendUnavailable, "%s", err.Error()), false
		}
		return failure(CodeInjectionFailed, "could not check session %s: %s", target, err.Error()), false
	}
	if exists {
		return Result{}, true
	}

	log.Info("session_missing_creating", slog.String("start_command", o.cfg.StartCommand))
	if err := o.deps.Backend.CreateSession(ctx, target, o.cfg.WorkDir, o.cfg.StartCommand, o.cfg.FallbackCommand); err != nil {
		log.Error("session_creation_failed", slog.String("error", err.Error()))
		return failure(CodeCreateFailed, "could not start session %s: %s", target, err.Error()), false
	}
	if err := o.sleep(ctx, o.cfg.SettleDelay); err != nil {
		return failure(CodeInjectionFailed, "canceled while session %s started", target), false
	}
	return Result{}, true
}

// sendSequence clears the input line, types text and submits it. Each step
// runs only if the previous one succeeded.
func (o *Orchestrator) sendSequence(ctx context.Context, target, text string) error {
	b := o.deps.Backend
	if err := b.SendControlKey(ctx, target, terminal.KeyClear); err != nil {
		return fmt.Errorf("clear line: %w", err)
	}
	if err := b.SendLiteralKeys(ctx, target, text); err != nil {
		return fmt.Errorf("type command: %w", err)
	}
	if err := o.sleep(ctx, o.cfg.KeystrokeDelay); err != nil {
		return err
	}
	if err := b.SendControlKey(ctx, target, terminal.KeyExecute); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	return nil
}

func (o *Orchestrator) runFallback(ctx context.Context, text, target string, cause error) Result {
	if o.deps.Fallback == nil {
		return failure(CodeBackendUnavailable, "%s", cause.Error())
	}
	strategy, err := o.deps.Fallback.Run(ctx, text)
	if err != nil {
		injectLog.Error("fallback_failed", slog.String("error", err.Error()))
		return failure(CodeBackendUnavailable, "%s; fallback failed: %s", cause.Error(), err.Error())
	}
	return Result{
		Success: true,
		Session: target,
		Method:  "fallback:" + strategy,
		Message: "terminal unreachable; command delivered via " + strategy,
	}
}

func (o *Orchestrator) record(text, target string) {
	if o.deps.Journal == nil {
		return
	}
	err := o.deps.Journal.Append(Entry{
		Timestamp: o.now().UTC(),
		Command:   text,
		Session:   target,
		PID:       o.pid,
	})
	if err != nil {
		injectLog.Warn("journal_append_failed", slog.String("error", err.Error()))
	}
}

// ListSessions returns the sessions the backend can see.
func (o *Orchestrator) ListSessions(ctx context.Context) ([]string, error) {
	if err := o.deps.Backend.Available(ctx); err != nil {
		return nil, err
	}
	return o.deps.Backend.ListSessions(ctx)
}
