package fallback

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-relay/internal/clipboard"
	"github.com/asheshgoplani/agent-relay/internal/execx"
	"github.com/asheshgoplani/agent-relay/internal/platform"
)

type fakeCopier struct {
	mu     sync.Mutex
	copied []string
	err    error
}

func (f *fakeCopier) Copy(_ context.Context, text string) (*clipboard.CopyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.copied = append(f.copied, text)
	return &clipboard.CopyResult{Method: "fake", ByteSize: len(text)}, nil
}

func (f *fakeCopier) Tool() (clipboard.Tool, error) {
	if f.err != nil {
		return clipboard.Tool{}, f.err
	}
	return clipboard.Tool{Program: "pbcopy"}, nil
}

func (f *fakeCopier) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.copied[len(f.copied)-1]
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, _, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, body)
	return f.err
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fakeRunner struct {
	mu   sync.Mutex
	args [][]string
	fail map[string]bool
}

func (f *fakeRunner) Run(_ context.Context, _ string, args []string, _ execx.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.args = append(f.args, args)
	if f.fail[args[len(args)-1]] {
		return "", &execx.ProcessError{Program: "osascript", ExitCode: 1, Stderr: "not running"}
	}
	return "", nil
}

func (f *fakeRunner) LookPath(p string) (string, error) { return "/usr/bin/" + p, nil }

type stubStrategy struct {
	name  string
	err   error
	panic bool
	calls int
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Deliver(context.Context, string) error {
	s.calls++
	if s.panic {
		panic("boom")
	}
	return s.err
}

func TestChain_StopsAtFirstSuccess(t *testing.T) {
	a := &stubStrategy{name: "a", err: errors.New("nope")}
	b := &stubStrategy{name: "b"}
	c := &stubStrategy{name: "c"}

	name, err := NewChain(a, b, c).Run(context.Background(), "ls")
	require.NoError(t, err)
	assert.Equal(t, "b", name)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Zero(t, c.calls)
}

func TestChain_PanicIsIsolated(t *testing.T) {
	a := &stubStrategy{name: "a", panic: true}
	b := &stubStrategy{name: "b"}

	name, err := NewChain(a, b).Run(context.Background(), "ls")
	require.NoError(t, err)
	assert.Equal(t, "b", name)
}

func TestChain_AllFail(t *testing.T) {
	a := &stubStrategy{name: "a", err: errors.New("first")}
	b := &stubStrategy{name: "b", panic: true}

	_, err := NewChain(a, b).Run(context.Background(), "ls")
	assert.ErrorIs(t, err, ErrAllFailed)
	assert.ErrorContains(t, err, "a: first")
	assert.ErrorContains(t, err, "b: panic: boom")
}

func TestChain_CanceledContext(t *testing.T) {
	a := &stubStrategy{name: "a"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewChain(a).Run(ctx, "ls")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, a.calls)
}

func TestStandardChainOrder(t *testing.T) {
	c := NewStandardChain(Options{}, Deps{})
	assert.Equal(t, []string{"direct_automation", "file_drop", "reminder", "desktop_shortcut"}, c.Strategies())
}

func TestDirectAutomation(t *testing.T) {
	clip := &fakeCopier{}
	r := &fakeRunner{fail: map[string]bool{"iTerm": true}}
	d := NewDirectAutomation(clip, r, platform.PlatformMacOS, []string{"iTerm", "Terminal"})

	require.NoError(t, d.Deliver(context.Background(), "git status"))
	assert.Equal(t, "git status", clip.last())
	require.Len(t, r.args, 2)
	assert.Equal(t, []string{"-e", pasteScript, "Terminal"}, r.args[1])
	assert.NotContains(t, pasteScript, "git status")
}

func TestDirectAutomation_NotMacOS(t *testing.T) {
	d := NewDirectAutomation(&fakeCopier{}, &fakeRunner{}, platform.PlatformLinux, []string{"Terminal"})
	assert.ErrorIs(t, d.Deliver(context.Background(), "ls"), ErrUnsupported)
}

func TestFileDrop(t *testing.T) {
	tmp := t.TempDir()
	clip := &fakeCopier{}
	n := &fakeNotifier{}

	require.NoError(t, NewFileDrop(tmp, clip, n).Deliver(context.Background(), "make test"))

	path := clip.last()
	dir := DropDir(tmp)
	realDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, realDir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "cmd-"))
	assert.True(t, strings.HasSuffix(path, ".txt"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "make test", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	dirInfo, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())

	assert.Equal(t, 1, n.count())
}

func TestFileDrop_RefusesSymlinkedDir(t *testing.T) {
	tmp := t.TempDir()
	elsewhere := t.TempDir()
	require.NoError(t, os.Symlink(elsewhere, DropDir(tmp)))

	err := NewFileDrop(tmp, &fakeCopier{}, &fakeNotifier{}).Deliver(context.Background(), "ls")
	assert.Error(t, err)
	entries, _ := os.ReadDir(elsewhere)
	assert.Empty(t, entries)
}

func TestInsidePath(t *testing.T) {
	dir := t.TempDir()
	_, err := insidePath(dir, "../escape.txt")
	assert.Error(t, err)
	_, err = insidePath(dir, "..")
	assert.Error(t, err)
	_, err = insidePath(dir, "")
	assert.Error(t, err)

	p, err := insidePath(dir, "cmd-1.txt")
	require.NoError(t, err)
	assert.Equal(t, "cmd-1.txt", filepath.Base(p))
}

func TestReminder(t *testing.T) {
	clip := &fakeCopier{}
	n := &fakeNotifier{}
	r := NewReminder(clip, n, 3, 5*time.Millisecond)

	require.NoError(t, r.Deliver(context.Background(), "npm run build"))
	assert.GreaterOrEqual(t, n.count(), 1, "first reminder is synchronous")
	assert.Eventually(t, func() bool { return n.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Close())
	assert.Equal(t, 3, n.count())
}

func TestReminder_CloseStopsPending(t *testing.T) {
	n := &fakeNotifier{}
	r := NewReminder(&fakeCopier{}, n, 5, time.Hour)

	require.NoError(t, r.Deliver(context.Background(), "ls"))
	c := NewChain(r)
	require.NoError(t, c.Close())
	assert.Equal(t, 1, n.count())

	// Delivering after close still sends the first one synchronously.
	require.NoError(t, r.Deliver(context.Background(), "ls"))
	assert.Equal(t, 2, n.count())
}

func TestReminder_NotifyFailureFails(t *testing.T) {
	r := NewReminder(&fakeCopier{}, &fakeNotifier{err: errors.New("no dbus")}, 1, time.Second)
	assert.Error(t, r.Deliver(context.Background(), "ls"))
}

func TestDesktopShortcut(t *testing.T) {
	desk := t.TempDir()
	n := &fakeNotifier{}
	secret := `curl -H "Authorization: Bearer xyz" https://example.invalid`

	require.NoError(t, NewDesktopShortcut(desk, &fakeCopier{}, n).Deliver(context.Background(), secret))

	scripts, err := filepath.Glob(filepath.Join(desk, "agent-relay-*.command"))
	require.NoError(t, err)
	require.Len(t, scripts, 1)
	texts, err := filepath.Glob(filepath.Join(desk, "agent-relay-*.txt"))
	require.NoError(t, err)
	require.Len(t, texts, 1)

	script, err := os.ReadFile(scripts[0])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(script), "#!/bin/sh\n"))
	assert.Contains(t, string(script), "pbcopy < ")
	assert.Contains(t, string(script), filepath.Base(texts[0]))
	assert.NotContains(t, string(script), "Bearer")

	info, err := os.Stat(scripts[0])
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	info, err = os.Stat(texts[0])
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(texts[0])
	require.NoError(t, err)
	assert.Equal(t, secret, string(data))
	assert.Equal(t, 1, n.count())
}

func TestDesktopShortcut_MissingDesktop(t *testing.T) {
	s := NewDesktopShortcut(filepath.Join(t.TempDir(), "nope"), &fakeCopier{}, &fakeNotifier{})
	assert.Error(t, s.Deliver(context.Background(), "ls"))
}
