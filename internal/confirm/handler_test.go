package confirm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-relay/internal/terminal/terminaltest"
)

const (
	multiScreen = `Bash command
  rm -rf build/

Do you want to proceed?
❯ 1. Yes
  2. Yes, and don't ask again for rm commands in /work
  3. No, and tell Claude what to do differently (esc)`
	twoOptionScreen = `Bash command
  npm install

Do you want to proceed?
❯ 1. Yes
  2. No, and tell Claude what to do differently (esc)`
	readyScreen = `╭──────────────────────────╮
│ > Try "refactor main.go" │
╰──────────────────────────╯`
	busyScreen = "✻ Clauding… (12s · esc to interrupt)"
	idleScreen = "compiling module graph"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newHandler(f *terminaltest.Fake, cfg Config) (*Handler, *sleepRecorder) {
	h := New(f, nil, cfg)
	rec := &sleepRecorder{}
	h.SetSleeper(rec.sleep)
	return h, rec
}

func TestRun_MultiOptionAnswersDontAskAgain(t *testing.T) {
	f := terminaltest.New("relay")
	f.Screens = []string{multiScreen, readyScreen}
	h, _ := newHandler(f, DefaultConfig())

	out := h.Run(context.Background(), "relay")

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, ReasonReady, out.Reason)
	assert.Equal(t, []string{"2"}, out.Answers)
	assert.Equal(t, []string{"2", "execute"}, f.Sent())
	assert.NotContains(t, f.Sent(), "1")
	assert.NotContains(t, f.Sent(), "y")
}

func TestRun_MultiOptionWithoutDontAskAgain(t *testing.T) {
	f := terminaltest.New("relay")
	f.Screens = []string{multiScreen, readyScreen}
	cfg := DefaultConfig()
	cfg.PreferDontAskAgain = false
	h, _ := newHandler(f, cfg)

	out := h.Run(context.Background(), "relay")

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, []string{"1", "execute"}, f.Sent())
}

func TestRun_TwoOptionDialogAnswersYes(t *testing.T) {
	f := terminaltest.New("relay")
	f.Screens = []string{twoOptionScreen, readyScreen}
	h, _ := newHandler(f, DefaultConfig())

	out := h.Run(context.Background(), "relay")

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, []string{"1"}, out.Answers)
	assert.Equal(t, []string{"1", "execute"}, f.Sent())
}

func TestRun_ShellOutputEndingInPercentKeepsPolling(t *testing.T) {
	f := terminaltest.New("relay")
	f.Screens = []string{"Downloading model weights 45%", "user@host:~/work$ "}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	h, _ := newHandler(f, cfg)

	out := h.Run(context.Background(), "relay")

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 2, out.Attempts)
	assert.Empty(t, f.Sent())
}

func TestRun_SingleOption(t *testing.T) {
	f := terminaltest.New("relay")
	f.Screens = []string{"Trust this folder?\n❯ 1. Yes, proceed\n  2. No, exit", readyScreen}
	h, _ := newHandler(f, DefaultConfig())

	out := h.Run(context.Background(), "relay")

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, []string{"1", "execute"}, f.Sent())
}

func TestRun_YesNo(t *testing.T) {
	f := terminaltest.New("relay")
	f.Screens = []string{"Overwrite existing file? (y/n)", readyScreen}
	h, _ := newHandler(f, DefaultConfig())

	out := h.Run(context.Background(), "relay")

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, []string{"y", "execute"}, f.Sent())
}

func TestRun_PressEnterSendsOnlyExecute(t *testing.T) {
	f := terminaltest.New("relay")
	f.Screens = []string{"Update installed. Press Enter to continue", readyScreen}
	h, _ := newHandler(f, DefaultConfig())

	out := h.Run(context.Background(), "relay")

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, []string{"execute"}, f.Sent())
	assert.Equal(t, []string{"enter"}, out.Answers)
}

func TestRun_ProcessingKeepsPolling(t *testing.T) {
	f := terminaltest.New("relay")
	f.Screens = []string{busyScreen, busyScreen, readyScreen}
	h, rec := newHandler(f, DefaultConfig())

	out := h.Run(context.Background(), "relay")

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 3, out.Attempts)
	assert.Empty(t, f.Sent())
	assert.Equal(t, []time.Duration{DefaultPollDelay, DefaultPollDelay, DefaultPollDelay}, rec.delays)
}

func TestRun_ErrorMarkerAborts(t *testing.T) {
	f := terminaltest.New("relay")
	f.Screens = []string{"Error: API request failed (529 overloaded)"}
	h, _ := newHandler(f, DefaultConfig())

	out := h.Run(context.Background(), "relay")

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, ReasonError, out.Reason)
}

func TestRun_ExhaustsWithoutError(t *testing.T) {
	f := terminaltest.New("relay")
	f.Screens = []string{idleScreen}
	h, rec := newHandler(f, DefaultConfig())

	out := h.Run(context.Background(), "relay")

	assert.Equal(t, StateExhausted, out.State)
	assert.Equal(t, ReasonExhausted, out.Reason)
	assert.Equal(t, DefaultMaxAttempts, out.Attempts)
	assert.Equal(t, DefaultMaxAttempts, f.Count("capture"))
	assert.Empty(t, f.Sent())

	backoffs := 0
	for _, d := range rec.delays {
		if d == DefaultBackoff {
			backoffs++
		}
	}
	assert.Equal(t, DefaultMaxAttempts-1, backoffs)
}

func TestRun_CaptureFailureEndsGracefully(t *testing.T) {
	f := terminaltest.New("relay")
	f.CaptureErr = errors.New("pane gone")
	h, _ := newHandler(f, DefaultConfig())

	out := h.Run(context.Background(), "relay")

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, ReasonCapture, out.Reason)
	assert.Equal(t, 1, f.Count("capture"))
}

func TestRun_AnswerFailure(t *testing.T) {
	f := terminaltest.New("relay")
	f.Screens = []string{"Continue? (y/n)"}
	f.SendErr = errors.New("tmux died")
	h, _ := newHandler(f, DefaultConfig())

	out := h.Run(context.Background(), "relay")

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, ReasonAnswer, out.Reason)
	assert.Empty(t, out.Answers)
}

func TestRun_CanceledContext(t *testing.T) {
	f := terminaltest.New("relay")
	f.Screens = []string{idleScreen}
	h, _ := newHandler(f, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := h.Run(ctx, "relay")

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, ReasonCanceled, out.Reason)
	assert.Zero(t, f.Count("capture"))
}

func TestRun_SettleDelayAfterAnswer(t *testing.T) {
	f := terminaltest.New("relay")
	f.Screens = []string{"Proceed? [Y/n]", readyScreen}
	h, rec := newHandler(f, DefaultConfig())

	h.Run(context.Background(), "relay")

	require.Len(t, rec.delays, 3)
	assert.Equal(t, []time.Duration{DefaultPollDelay, DefaultAnswerSettle, DefaultPollDelay}, rec.delays)
}

func TestRun_CustomPrecedence(t *testing.T) {
	f := terminaltest.New("relay")
	// Both an error marker and a ready prompt are visible.
	f.Screens = []string{"error: exit status 2\n> "}

	h, _ := newHandler(f, DefaultConfig())
	assert.Equal(t, StateCompleted, h.Run(context.Background(), "relay").State)

	cfg := DefaultConfig()
	cfg.Precedence = []Kind{KindError, KindReady}
	h, _ = newHandler(f, cfg)
	assert.Equal(t, StateAborted, h.Run(context.Background(), "relay").State)
}

func TestSleepCtx(t *testing.T) {
	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
