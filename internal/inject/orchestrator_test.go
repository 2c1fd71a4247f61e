package inject

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-relay/internal/confirm"
	"github.com/asheshgoplani/agent-relay/internal/ratelimit"
	"github.com/asheshgoplani/agent-relay/internal/sessionstore"
	"github.com/asheshgoplani/agent-relay/internal/terminal"
	"github.com/asheshgoplani/agent-relay/internal/terminal/terminaltest"
)

type fakeConfirmer struct {
	mu       sync.Mutex
	sessions []string
	outcome  confirm.Outcome
}

func (f *fakeConfirmer) Run(_ context.Context, session string) confirm.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, session)
	return f.outcome
}

type fakeFallback struct {
	name  string
	err   error
	calls int
}

func (f *fakeFallback) Run(context.Context, string) (string, error) {
	f.calls++
	return f.name, f.err
}

func newOrchestrator(t *testing.T, b *terminaltest.Fake, mutate func(*Config, *Deps)) (*Orchestrator, *fakeConfirmer) {
	t.Helper()
	conf := &fakeConfirmer{outcome: confirm.Outcome{State: confirm.StateCompleted, Reason: confirm.ReasonReady, Attempts: 1}}
	cfg := Config{
		DefaultSession:  "relay",
		WorkDir:         "/work",
		StartCommand:    "claude",
		FallbackCommand: "bash",
		SettleDelay:     time.Second,
		KeystrokeDelay:  100 * time.Millisecond,
		LockTimeout:     time.Second,
	}
	deps := Deps{
		Backend:   b,
		Limiter:   ratelimit.New(time.Minute, 10),
		Confirmer: conf,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	o := New(cfg, deps)
	o.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return o, conf
}

func TestInjectCommand_CreationFailsOnce(t *testing.T) {
	b := terminaltest.New()
	b.CreateErr = errors.Join(terminal.ErrSessionCreate, errors.New("claude: not found"), errors.New("bash: not found"))
	o, conf := newOrchestrator(t, b, nil)

	res := o.InjectCommand(context.Background(), "ABCD1234", "echo hi")

	assert.False(t, res.Success)
	assert.Equal(t, CodeCreateFailed, res.Error)
	assert.Equal(t, 1, b.Count("create"), "exactly one creation attempt")
	assert.Empty(t, b.Sent())
	assert.Empty(t, conf.sessions)
}

func TestInjectCommand_Success(t *testing.T) {
	b := terminaltest.New("relay")
	journal := NewJournal(filepath.Join(t.TempDir(), "logs", "injections.jsonl"))
	o, conf := newOrchestrator(t, b, func(_ *Config, d *Deps) { d.Journal = journal })

	res := o.InjectCommand(context.Background(), "abcd1234", "  git status  ")

	require.True(t, res.Success, res.Message)
	assert.Equal(t, "relay", res.Session)
	assert.Equal(t, "fake", res.Method)
	assert.Equal(t, []string{"clear", "git status", "execute"}, b.Sent())
	assert.Equal(t, []string{"relay"}, conf.sessions)
	require.NotNil(t, res.Confirmation)
	assert.Equal(t, confirm.StateCompleted, res.Confirmation.State)
	assert.Zero(t, b.Count("create"))

	f, err := os.Open(journal.Path())
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())
	var entry map[string]any
	require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
	assert.Equal(t, "git status", entry["command"])
	assert.Equal(t, "relay", entry["session"])
	assert.Equal(t, float64(os.Getpid()), entry["pid"])
	_, err = time.Parse(time.RFC3339Nano, entry["timestamp"].(string))
	assert.NoError(t, err)
	assert.Len(t, entry, 4)
	assert.False(t, sc.Scan(), "one line per injection")

	info, err := os.Stat(journal.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestInjectCommand_CreatesMissingSession(t *testing.T) {
	b := terminaltest.New()
	o, _ := newOrchestrator(t, b, nil)
	var slept []time.Duration
	o.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	res := o.InjectCommand(context.Background(), "ABCD1234", "ls")

	require.True(t, res.Success)
	ops := b.Ops()
	require.GreaterOrEqual(t, len(ops), 4)
	assert.Equal(t, terminaltest.Op{Method: "create", Session: "relay", Arg: "claude"}, ops[2])
	assert.Equal(t, []time.Duration{time.Second, 100 * time.Millisecond}, slept)
}

func TestInjectCommand_Validation(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		command string
		code    string
	}{
		{"short token", "ABC", "ls", CodeInvalidToken},
		{"token metachar", "ABCD123;", "ls", CodeInvalidToken},
		{"empty command", "ABCD1234", "   ", CodeInvalidCommand},
		{"too long", "ABCD1234", strings.Repeat("a", 10001), CodeInvalidCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := terminaltest.New("relay")
			o, _ := newOrchestrator(t, b, nil)
			res := o.InjectCommand(context.Background(), tt.token, tt.command)
			assert.False(t, res.Success)
			assert.Equal(t, tt.code, res.Error)
			assert.Empty(t, b.Ops())
		})
	}
}

func TestInjectCommand_TooLongMessage(t *testing.T) {
	b := terminaltest.New("relay")
	o, _ := newOrchestrator(t, b, nil)
	res := o.InjectCommand(context.Background(), "ABCD1234", strings.Repeat("x", 10001))
	assert.Contains(t, res.Message, "too long")
}

func TestInjectCommand_ConfiguredLengthLimit(t *testing.T) {
	b := terminaltest.New("relay")
	o, _ := newOrchestrator(t, b, func(c *Config, _ *Deps) { c.MaxCommandLength = 5 })
	res := o.InjectCommand(context.Background(), "ABCD1234", "echo hello")
	assert.Equal(t, CodeInvalidCommand, res.Error)
}

func TestInjectCommand_RateLimited(t *testing.T) {
	b := terminaltest.New("relay")
	o, _ := newOrchestrator(t, b, func(_ *Config, d *Deps) { d.Limiter = ratelimit.New(time.Minute, 3) })

	for i := 0; i < 3; i++ {
		require.True(t, o.InjectCommand(context.Background(), "ABCD1234", "ls").Success)
	}
	res := o.InjectCommand(context.Background(), "ABCD1234", "ls")
	assert.Equal(t, CodeRateLimited, res.Error)
	assert.Len(t, b.Sent(), 9)
}

func TestInjectCommand_InvalidSessionName(t *testing.T) {
	b := terminaltest.New()
	o, _ := newOrchestrator(t, b, func(c *Config, _ *Deps) { c.DefaultSession = "$(;)|" })
	res := o.InjectCommand(context.Background(), "ABCD1234", "ls")
	assert.Equal(t, CodeInvalidSession, res.Error)
	assert.Empty(t, b.Ops())
}

func TestInjectCommand_Store(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := sessionstore.NewFileStore(filepath.Join(t.TempDir(), "sessions.json"))
	require.NoError(t, store.Save(ctx, sessionstore.Session{Token: "LIVE0001", Name: "work", TargetPath: "/dev/ttys007"}))
	require.NoError(t, store.Save(ctx, sessionstore.Session{Token: "OLD00001", Name: "old", ExpiresAt: now.Add(-time.Minute)}))

	b := terminaltest.New("work", "ttys007")
	o, _ := newOrchestrator(t, b, func(_ *Config, d *Deps) { d.Store = store })

	res := o.InjectCommand(ctx, "LIVE0001", "ls")
	require.True(t, res.Success)
	assert.Equal(t, "work", res.Session)

	res = o.InjectCommand(ctx, "NONE0001", "ls")
	assert.Equal(t, CodeSessionNotFound, res.Error)

	res = o.InjectCommand(ctx, "OLD00001", "ls")
	assert.Equal(t, CodeSessionExpired, res.Error)
	_, err := store.FindByToken(ctx, "OLD00001")
	assert.ErrorIs(t, err, sessionstore.ErrNotFound, "expired session is removed")

	gui, _ := newOrchestrator(t, b, func(c *Config, d *Deps) {
		d.Store = store
		c.GUI = true
	})
	res = gui.InjectCommand(ctx, "LIVE0001", "ls")
	require.True(t, res.Success)
	assert.Equal(t, "ttys007", res.Session)
}

func TestInjectCommand_BackendUnavailable(t *testing.T) {
	b := terminaltest.New("relay")
	b.Unavailable = true

	o, _ := newOrchestrator(t, b, nil)
	res := o.InjectCommand(context.Background(), "ABCD1234", "ls")
	assert.Equal(t, CodeBackendUnavailable, res.Error)

	fb := &fakeFallback{name: "file_drop"}
	o, _ = newOrchestrator(t, b, func(_ *Config, d *Deps) { d.Fallback = fb })
	res = o.InjectCommand(context.Background(), "ABCD1234", "ls")
	require.True(t, res.Success)
	assert.Equal(t, "fallback:file_drop", res.Method)
	assert.Equal(t, 1, fb.calls)

	fb = &fakeFallback{err: errors.New("all fallback strategies failed")}
	o, _ = newOrchestrator(t, b, func(_ *Config, d *Deps) { d.Fallback = fb })
	res = o.InjectCommand(context.Background(), "ABCD1234", "ls")
	assert.Equal(t, CodeBackendUnavailable, res.Error)
	assert.Contains(t, res.Message, "fallback failed")

	assert.Empty(t, b.Sent())
}

func TestInjectCommand_SendFailure(t *testing.T) {
	b := terminaltest.New("relay")
	b.SendErr = errors.New("pane is dead")
	o, conf := newOrchestrator(t, b, nil)

	res := o.InjectCommand(context.Background(), "ABCD1234", "ls")
	assert.Equal(t, CodeInjectionFailed, res.Error)
	assert.Equal(t, []string{"clear"}, b.Sent(), "later steps need the earlier ones to succeed")
	assert.Empty(t, conf.sessions)
}

func TestInjectCommand_ConfirmationAbortStillSucceeds(t *testing.T) {
	b := terminaltest.New("relay")
	o, conf := newOrchestrator(t, b, nil)
	conf.outcome = confirm.Outcome{State: confirm.StateAborted, Reason: confirm.ReasonError, Attempts: 2}

	res := o.InjectCommand(context.Background(), "ABCD1234", "ls")
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "error_detected")
}

func TestInjectCommand_SameSessionIsSerialized(t *testing.T) {
	b := terminaltest.New("relay")
	b.OnSend = func(string, string) { time.Sleep(time.Millisecond) }
	o, _ := newOrchestrator(t, b, func(c *Config, d *Deps) {
		d.Limiter = ratelimit.New(time.Minute, 100)
		c.LockTimeout = 10 * time.Second
	})

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := o.InjectCommand(context.Background(), "ABCD1234", fmt.Sprintf("echo %d", i))
			assert.True(t, res.Success)
		}(i)
	}
	wg.Wait()

	sent := b.Sent()
	require.Len(t, sent, 3*n)
	for i := 0; i < n; i++ {
		group := sent[3*i : 3*i+3]
		assert.Equal(t, "clear", group[0])
		assert.Regexp(t, `^echo \d$`, group[1])
		assert.Equal(t, "execute", group[2])
	}
	assert.Zero(t, o.locks.size())
}

func TestInjectCommand_LockTimeout(t *testing.T) {
	b := terminaltest.New("relay")
	o, _ := newOrchestrator(t, b, func(c *Config, _ *Deps) { c.LockTimeout = 20 * time.Millisecond })

	release, err := o.locks.acquire(context.Background(), "relay")
	require.NoError(t, err)
	defer release()

	res := o.InjectCommand(context.Background(), "ABCD1234", "ls")
	assert.Equal(t, CodeLockTimeout, res.Error)
	assert.Empty(t, b.Sent())
}

func TestResultJSON(t *testing.T) {
	data, err := json.Marshal(failure(CodeCreateFailed, "could not start"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":"session_creation_failed","message":"could not start"}`, string(data))

	data, err = json.Marshal(Result{Success: true, Session: "relay", Method: "tmux"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"session":"relay","method":"tmux"}`, string(data))
}

func TestListSessions(t *testing.T) {
	b := terminaltest.New("relay")
	o, _ := newOrchestrator(t, b, nil)
	names, err := o.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"relay"}, names)

	b.Unavailable = true
	_, err = o.ListSessions(context.Background())
	assert.ErrorIs(t, err, terminal.ErrBackendUnavailable)
}
