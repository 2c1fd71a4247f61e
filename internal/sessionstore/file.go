package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/agent-relay/internal/platform"
)

// FileStore keeps sessions in a JSON object keyed by token.
// The file is read once and cached; Watch keeps the cache current when
// another process rewrites it.
type FileStore struct {
	path     string
	now      func() time.Time
	debounce time.Duration

	mu       sync.RWMutex
	loaded   bool
	sessions map[string]*Session
}

// NewFileStore returns a store backed by path. The file need not exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:     path,
		now:      time.Now,
		debounce: 100 * time.Millisecond,
		sessions: map[string]*Session{},
	}
}

var _ Store = (*FileStore)(nil)

// Close implements Managed. The file store holds no open handles.
func (f *FileStore) Close() error { return nil }

// Path returns the backing file.
func (f *FileStore) Path() string { return f.path }

// Reload rereads the file, replacing the cache.
func (f *FileStore) Reload() error {
	data, err := os.ReadFile(f.path)
	sessions := map[string]*Session{}
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("sessionstore: read %s: %w", f.path, err)
	case len(data) > 0:
		if err := json.Unmarshal(data, &sessions); err != nil {
			return fmt.Errorf("sessionstore: parse %s: %w", f.path, err)
		}
	}

	normalized := make(map[string]*Session, len(sessions))
	for token, s := range sessions {
		if s == nil {
			continue
		}
		key := normalizeToken(token)
		s.Token = key
		normalized[key] = s
	}

	f.mu.Lock()
	f.sessions = normalized
	f.loaded = true
	f.mu.Unlock()
	return nil
}

func (f *FileStore) ensureLoaded() error {
	f.mu.RLock()
	loaded := f.loaded
	f.mu.RUnlock()
	if loaded {
		return nil
	}
	return f.Reload()
}

// FindByToken implements Store.
func (f *FileStore) FindByToken(_ context.Context, token string) (*Session, error) {
	if err := f.ensureLoaded(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.sessions[normalizeToken(token)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// IsExpired implements Store.
func (f *FileStore) IsExpired(s *Session) bool { return s.Expired(f.now()) }

// Remove implements Store. Removing an unknown token is not an error.
func (f *FileStore) Remove(_ context.Context, token string) error {
	if err := f.ensureLoaded(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := normalizeToken(token)
	if _, ok := f.sessions[key]; !ok {
		return nil
	}
	delete(f.sessions, key)
	return f.writeLocked()
}

// Save registers or replaces a session.
func (f *FileStore) Save(_ context.Context, s Session) error {
	if err := f.ensureLoaded(); err != nil {
		return err
	}
	s.Token = normalizeToken(s.Token)
	if s.CreatedAt.IsZero() {
		s.CreatedAt = f.now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.Token] = &s
	return f.writeLocked()
}

// PurgeExpired removes every expired session and returns how many went.
func (f *FileStore) PurgeExpired(_ context.Context) (int, error) {
	if err := f.ensureLoaded(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	n := 0
	for token, s := range f.sessions {
		if s.Expired(now) {
			delete(f.sessions, token)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, f.writeLocked()
}

// writeLocked replaces the file atomically. Callers hold f.mu.
func (f *FileStore) writeLocked() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("sessionstore: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(f.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionstore: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("sessionstore: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("sessionstore: write: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("sessionstore: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sessionstore: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("sessionstore: rename: %w", err)
	}
	return nil
}

// Watch reloads the cache whenever the file is written or replaced, until
// ctx is done. The parent directory is watched so atomic renames are seen.
func (f *FileStore) Watch(ctx context.Context) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("sessionstore: mkdir: %w", err)
	}
	if warning := platform.CheckFsnotifySupport(dir); warning != "" {
		storeLog.Warn("store_watch_unreliable", slog.String("path", dir), slog.String("warning", warning))
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sessionstore: watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("sessionstore: watch %s: %w", dir, err)
	}

	go f.watchLoop(ctx, w)
	return nil
}

func (f *FileStore) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()
	name := filepath.Clean(f.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			// Debounce: wait for activity to settle
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(f.debounce, func() {
				if err := f.Reload(); err != nil {
					storeLog.Warn("store_reload_failed", slog.String("error", err.Error()))
					return
				}
				storeLog.Debug("store_reloaded", slog.String("path", f.path))
			})

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			storeLog.Warn("store_watch_error", slog.String("error", err.Error()))
		}
	}
}
