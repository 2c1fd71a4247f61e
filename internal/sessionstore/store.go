// Package sessionstore maps notification tokens to the terminal sessions
// commands are injected into.
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var storeLog = logging.ForComponent(logging.CompStore)

// ErrNotFound is returned when no session carries the token.
var ErrNotFound = errors.New("session not found")

// Session is one token registration.
type Session struct {
	Token string `json:"token"`

	// Name is the multiplexer session name.
	Name string `json:"session"`

	// TargetPath is the tty device a GUI-backed session runs on ("/dev/ttys003").
	TargetPath string `json:"target_path,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is zero for sessions that never expire.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the session has expired at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Target returns the name a backend addresses the session by: the tty
// basename for GUI-backed sessions, the session name otherwise.
func (s *Session) Target(gui bool) string {
	if gui && s.TargetPath != "" {
		return filepath.Base(s.TargetPath)
	}
	return s.Name
}

// Store is the lookup surface the injection engine consumes.
type Store interface {
	FindByToken(ctx context.Context, token string) (*Session, error)
	IsExpired(s *Session) bool
	Remove(ctx context.Context, token string) error
}

func normalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

// Managed is a Store that can also provision and purge sessions.
type Managed interface {
	Store
	Save(ctx context.Context, s Session) error
	PurgeExpired(ctx context.Context) (int, error)
	Close() error
}

// Open returns the store of the given kind ("file" or "sqlite") at path.
func Open(kind, path string) (Managed, error) {
	switch strings.ToLower(kind) {
	case "", "file", "json":
		fs := NewFileStore(path)
		if err := fs.Reload(); err != nil {
			return nil, err
		}
		return fs, nil
	case "sqlite", "sql":
		return OpenSQL(path)
	default:
		return nil, fmt.Errorf("sessionstore: unknown kind %q", kind)
	}
}
