package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
const SchemaVersion = 1

// SQLStore keeps sessions in SQLite. Several relay processes may share one
// database file (WAL mode + busy timeout).
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

// OpenSQL creates or opens the database at dbPath and migrates it.
func OpenSQL(dbPath string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("sessionstore: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sessionstore: %s: %w", pragma, err)
		}
	}
	s := &SQLStore{db: db, now: time.Now}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints WAL and closes the database.
func (s *SQLStore) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Migrate creates tables if they don't exist.
func (s *SQLStore) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sessionstore: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("sessionstore: create metadata: %w", err)
	}
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			token        TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			target_path  TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL,
			expires_at   INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("sessionstore: create sessions: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("sessionstore: set schema version: %w", err)
	}
	return tx.Commit()
}

// Save inserts or replaces a session.
func (s *SQLStore) Save(ctx context.Context, sess Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	var expires int64
	if !sess.ExpiresAt.IsZero() {
		expires = sess.ExpiresAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (token, name, target_path, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, normalizeToken(sess.Token), sess.Name, sess.TargetPath, sess.CreatedAt.Unix(), expires)
	if err != nil {
		return fmt.Errorf("sessionstore: save: %w", err)
	}
	return nil
}

// FindByToken implements Store.
func (s *SQLStore) FindByToken(ctx context.Context, token string) (*Session, error) {
	var (
		sess             Session
		created, expires int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token, name, target_path, created_at, expires_at
		FROM sessions WHERE token = ?
	`, normalizeToken(token)).Scan(&sess.Token, &sess.Name, &sess.TargetPath, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessionstore: find: %w", err)
	}
	sess.CreatedAt = time.Unix(created, 0)
	if expires > 0 {
		sess.ExpiresAt = time.Unix(expires, 0)
	}
	return &sess, nil
}

// IsExpired implements Store.
func (s *SQLStore) IsExpired(sess *Session) bool { return sess.Expired(s.now()) }

// Remove implements Store.
func (s *SQLStore) Remove(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", normalizeToken(token)); err != nil {
		return fmt.Errorf("sessionstore: remove: %w", err)
	}
	return nil
}

// PurgeExpired removes every expired session and returns how many went.
func (s *SQLStore) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE expires_at > 0 AND expires_at <= ?", s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("sessionstore: purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
