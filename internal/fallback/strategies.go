package fallback

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/agent-relay/internal/execx"
	"github.com/asheshgoplani/agent-relay/internal/notify"
	"github.com/asheshgoplani/agent-relay/internal/platform"
)

const (
	notifyTitle = "agent-relay"

	// DropDirName is created under the temp dir for file-drop artifacts.
	DropDirName = "agent-relay-commands"

	dropPattern     = "cmd-*.txt"
	shortcutPattern = "agent-relay-*"

	automationTimeout = 5 * time.Second
)

// DropDir returns the file-drop directory under tempDir.
func DropDir(tempDir string) string {
	return filepath.Join(tempDir, DropDirName)
}

// pasteScript focuses the app named by argv and pastes then submits the
// clipboard. The app name is an argument, never script text.
const pasteScript = `on run argv
	set appName to item 1 of argv
	if application appName is not running then error "not running: " & appName
	tell application appName to activate
	delay 0.3
	tell application "System Events"
		keystroke "v" using command down
		delay 0.1
		key code 36
	end tell
end run`

// DirectAutomation copies the command and pastes it into the first running
// target app.
type DirectAutomation struct {
	clip     Copier
	runner   execx.Runner
	platform platform.Platform
	apps     []string
}

// NewDirectAutomation returns the paste-into-app strategy.
func NewDirectAutomation(clip Copier, runner execx.Runner, p platform.Platform, apps []string) *DirectAutomation {
	return &DirectAutomation{clip: clip, runner: runner, platform: p, apps: apps}
}

func (d *DirectAutomation) Name() string { return "direct_automation" }

func (d *DirectAutomation) Deliver(ctx context.Context, command string) error {
	if d.platform != platform.PlatformMacOS {
		return fmt.Errorf("%w: UI automation needs macOS", ErrUnsupported)
	}
	if len(d.apps) == 0 {
		return errors.New("no target apps configured")
	}
	if _, err := d.clip.Copy(ctx, command); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	var errs []error
	for _, app := range d.apps {
		_, err := d.runner.Run(ctx, "osascript", []string{"-e", pasteScript, app}, execx.Options{Timeout: automationTimeout})
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", app, err))
	}
	return errors.Join(errs...)
}

// FileDrop writes the command to a private file and puts its path on the
// clipboard.
type FileDrop struct {
	dir    string
	clip   Copier
	notify Notifier
}

// NewFileDrop returns the file-drop strategy rooted at DropDir(tempDir).
func NewFileDrop(tempDir string, clip Copier, n Notifier) *FileDrop {
	return &FileDrop{dir: DropDir(tempDir), clip: clip, notify: n}
}

func (f *FileDrop) Name() string { return "file_drop" }

func (f *FileDrop) Deliver(ctx context.Context, command string) error {
	dir, err := privateDir(f.dir)
	if err != nil {
		return err
	}
	path, err := writeInside(dir, "cmd-"+uuid.NewString()+".txt", command, 0600)
	if err != nil {
		return err
	}
	if _, err := f.clip.Copy(ctx, path); err != nil {
		return fmt.Errorf("copy path: %w", err)
	}
	body := fmt.Sprintf("Command saved to %s (path copied): %s", path, notify.Preview(command, notify.PreviewWidth))
	if err := f.notify.Notify(ctx, notifyTitle, body); err != nil {
		fallbackLog.Warn("file_drop_notify_failed", slog.String("error", err.Error()))
	}
	return nil
}

// Reminder copies the command and nags the user to paste it. The first
// notification is sent before Deliver returns; the rest follow in the
// background until Close.
type Reminder struct {
	clip     Copier
	notify   Notifier
	count    int
	interval time.Duration

	mu     sync.Mutex
	stop   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewReminder returns the reminder strategy.
func NewReminder(clip Copier, n Notifier, count int, interval time.Duration) *Reminder {
	if count <= 0 {
		count = 1
	}
	return &Reminder{clip: clip, notify: n, count: count, interval: interval, stop: make(chan struct{})}
}

func (r *Reminder) Name() string { return "reminder" }

func (r *Reminder) Deliver(ctx context.Context, command string) error {
	if _, err := r.clip.Copy(ctx, command); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	body := "Paste the copied command into your terminal: " + notify.Preview(command, notify.PreviewWidth)
	if err := r.notify.Notify(ctx, notifyTitle, body); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	if r.count == 1 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.wg.Add(1)
	go r.repeat(body, r.count-1)
	return nil
}

func (r *Reminder) repeat(body string, n int) {
	defer r.wg.Done()
	t := time.NewTimer(r.interval)
	defer t.Stop()
	for i := 0; i < n; i++ {
		select {
		case <-r.stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), automationTimeout)
		if err := r.notify.Notify(ctx, notifyTitle, body); err != nil {
			fallbackLog.Warn("reminder_notify_failed", slog.String("error", err.Error()))
		}
		cancel()
		t.Reset(r.interval)
	}
}

// Close stops pending reminders and waits for them to exit.
func (r *Reminder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.stop)
	}
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}

// DesktopShortcut leaves a double-clickable script on the desktop that puts
// the command back on the clipboard.
type DesktopShortcut struct {
	dir    string
	clip   Copier
	notify Notifier
}

// NewDesktopShortcut returns the last-resort strategy.
func NewDesktopShortcut(desktopDir string, clip Copier, n Notifier) *DesktopShortcut {
	return &DesktopShortcut{dir: desktopDir, clip: clip, notify: n}
}

func (d *DesktopShortcut) Name() string { return "desktop_shortcut" }

func (d *DesktopShortcut) Deliver(ctx context.Context, command string) error {
	tool, err := d.clip.Tool()
	if err != nil {
		return err
	}
	info, err := os.Stat(d.dir)
	if err != nil {
		return fmt.Errorf("desktop: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("desktop %s is not a directory", d.dir)
	}

	base := "agent-relay-" + uuid.NewString()
	textPath, err := writeInside(d.dir, base+".txt", command, 0600)
	if err != nil {
		return err
	}
	// The script reads its sibling file; the command never appears in it.
	script := fmt.Sprintf("#!/bin/sh\n%s < \"$(dirname \"$0\")/%s.txt\"\n", tool, base)
	scriptPath, err := writeInside(d.dir, base+".command", script, 0700)
	if err != nil {
		os.Remove(textPath)
		return err
	}

	body := fmt.Sprintf("Open %s on your desktop to copy the command", filepath.Base(scriptPath))
	if err := d.notify.Notify(ctx, notifyTitle, body); err != nil {
		fallbackLog.Warn("shortcut_notify_failed", slog.String("error", err.Error()))
	}
	return nil
}

// privateDir creates dir with mode 0700 and refuses symlinks and
// directories other users can write to.
func privateDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	info, err := os.Lstat(dir)
	if err != nil {
		return "", err
	}
	if info.Mode()&fs.ModeSymlink != 0 || !info.IsDir() {
		return "", fmt.Errorf("%s is not a plain directory", dir)
	}
	if info.Mode().Perm()&0077 != 0 {
		if err := os.Chmod(dir, 0700); err != nil {
			return "", fmt.Errorf("restrict %s: %w", dir, err)
		}
	}
	return dir, nil
}

// insidePath joins dir and name and fails unless the result stays in dir.
func insidePath(dir, name string) (string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(root); err == nil {
		root = real
	}
	path := filepath.Join(root, name)
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q escapes %s", name, root)
	}
	return path, nil
}

// writeInside creates dir/name exclusively with perm and writes content.
func writeInside(dir, name, content string, perm os.FileMode) (string, error) {
	path, err := insidePath(dir, name)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	// O_CREATE honors the umask; force the intended mode.
	if err := os.Chmod(path, perm); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
