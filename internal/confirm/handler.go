// Package confirm watches a terminal after a command is injected and answers
// the interactive prompts the target program raises, until the screen settles
// on an input prompt, shows an error, or the attempt budget runs out.
package confirm

import (
	"context"
	"log/slog"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/terminal"
)

var confirmLog = logging.ForComponent(logging.CompConfirm)

const (
	DefaultMaxAttempts  = 8
	DefaultPollDelay    = 1500 * time.Millisecond
	DefaultAnswerSettle = 2 * time.Second
	DefaultBackoff      = time.Second
)

// State is the terminal state of a Run.
type State string

const (
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateExhausted State = "exhausted"
)

const (
	ReasonReady       = "ready"
	ReasonError       = "error_detected"
	ReasonExhausted   = "attempts_exhausted"
	ReasonCapture     = "capture_failed"
	ReasonAnswer      = "answer_failed"
	ReasonCanceled    = "canceled"
	answerExecuteOnly = "enter"
)

// Outcome summarizes one Run.
type Outcome struct {
	State    State    `json:"state"`
	Reason   string   `json:"reason"`
	Attempts int      `json:"attempts"`
	Answers  []string `json:"answers,omitempty"`
}

// Config paces and bounds the poll loop.
type Config struct {
	MaxAttempts  int
	PollDelay    time.Duration
	AnswerSettle time.Duration
	Backoff      time.Duration

	// PreferDontAskAgain answers "2" instead of "1" in multi-option dialogs,
	// which suppresses future confirmations for the same action.
	PreferDontAskAgain bool

	Precedence []Kind
}

// DefaultConfig returns the reference pacing.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        DefaultMaxAttempts,
		PollDelay:          DefaultPollDelay,
		AnswerSettle:       DefaultAnswerSettle,
		Backoff:            DefaultBackoff,
		PreferDontAskAgain: true,
		Precedence:         DefaultPrecedence,
	}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

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

// Handler drives the confirmation loop for one backend.
type Handler struct {
	backend  terminal.Backend
	patterns *Patterns
	cfg      Config
	sleep    Sleeper
}

// New returns a Handler. A nil patterns uses the defaults.
func New(backend terminal.Backend, patterns *Patterns, cfg Config) *Handler {
	if patterns == nil {
		patterns = MustDefaultPatterns()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if len(cfg.Precedence) == 0 {
		cfg.Precedence = DefaultPrecedence
	}
	return &Handler{backend: backend, patterns: patterns, cfg: cfg, sleep: sleepCtx}
}

// SetSleeper replaces the delay function. Tests pass a no-op.
func (h *Handler) SetSleeper(s Sleeper) { h.sleep = s }

// Run polls session until it is ready, shows an error, or MaxAttempts
// captures have been taken. It never returns an error; failures are
// reported through Outcome.
func (h *Handler) Run(ctx context.Context, session string) Outcome {
	out := Outcome{}
	log := confirmLog.With(slog.String("session", session))

	for attempt := 1; attempt <= h.cfg.MaxAttempts; attempt++ {
		out.Attempts = attempt
		if err := h.sleep(ctx, h.cfg.PollDelay); err != nil {
			return h.finish(log, out, StateAborted, ReasonCanceled)
		}

		snap, err := h.backend.CapturePane(ctx, session)
		if err != nil {
			log.Warn("confirm_capture_failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			return h.finish(log, out, StateAborted, ReasonCapture)
		}

		kind, ok := h.patterns.Classify(snap.Text, h.cfg.Precedence)
		log.Debug("confirm_poll", slog.Int("attempt", attempt), slog.String("match", string(kind)))
		if !ok {
			if attempt < h.cfg.MaxAttempts {
				if err := h.sleep(ctx, h.cfg.Backoff); err != nil {
					return h.finish(log, out, StateAborted, ReasonCanceled)
				}
			}
			continue
		}

		switch kind {
		case KindProcessing:
			continue
		case KindReady:
			return h.finish(log, out, StateCompleted, ReasonReady)
		case KindError:
			return h.finish(log, out, StateAborted, ReasonError)
		}

		answer := h.answerFor(kind)
		if err := h.send(ctx, session, answer); err != nil {
			log.Warn("confirm_answer_failed",
				slog.String("answer", answer),
				slog.String("error", err.Error()))
			return h.finish(log, out, StateAborted, ReasonAnswer)
		}
		out.Answers = append(out.Answers, answer)
		log.Info("confirm_answered", slog.String("prompt", string(kind)), slog.String("answer", answer))
		if err := h.sleep(ctx, h.cfg.AnswerSettle); err != nil {
			return h.finish(log, out, StateAborted, ReasonCanceled)
		}
	}
	return h.finish(log, out, StateExhausted, ReasonExhausted)
}

func (h *Handler) answerFor(k Kind) string {
	switch k {
	case KindMultiOption:
		if h.cfg.PreferDontAskAgain {
			return "2"
		}
		return "1"
	case KindSingleOption:
		return "1"
	case KindYesNo:
		return "y"
	default:
		return answerExecuteOnly
	}
}

func (h *Handler) send(ctx context.Context, session, answer string) error {
	if answer != answerExecuteOnly {
		if err := h.backend.SendLiteralKeys(ctx, session, answer); err != nil {
			return err
		}
	}
	return h.backend.SendControlKey(ctx, session, terminal.KeyExecute)
}

func (h *Handler) finish(log *slog.Logger, out Outcome, state State, reason string) Outcome {
	out.State = state
	out.Reason = reason
	log.Info("confirm_done",
		slog.String("state", string(state)),
		slog.String("reason", reason),
		slog.Int("attempts", out.Attempts))
	return out
}
