// Package store is the persistent mapping label -> {hash, ns-mode,
// external-ns[1..6], timestamps} (spec §4.C). It is the sole owner of
// external_ns state and the only process-local mutable state besides
// the orchestrator's advisory locks (spec §5).
//
// Grounded on tdnsd/db.go's KeyDB: a *sql.DB guarded by a mutex so
// operations execute one at a time, plus
// idempotent CREATE TABLE IF NOT EXISTS migration DDL run once at
// startup instead of a migration framework.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/satsukid/satsukid/internal/authn"
)

// NSMode is the per-user choice between operator-supplied internal
// nameservers and user-supplied external ones.
type NSMode int

const (
	Internal NSMode = 0
	External NSMode = 1
)

// ErrConflict is returned by Create when label already exists.
var ErrConflict = errors.New("store: label already exists")

// ErrMissing is returned when an operation targets a label that does
// not exist.
var ErrMissing = errors.New("store: label not found")

// ErrBadCredentials is returned by VerifyAndTouch on a wrong password.
var ErrBadCredentials = errors.New("store: bad credentials")

// User is the persisted row for one label.
type User struct {
	ID           int64
	Label        string
	PasswordHash string
	NSMode       NSMode
	ExternalNS   []string // 0..6 FQDNs, non-empty iff NSMode == External
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  *time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  label TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  ns_mode INTEGER NOT NULL DEFAULT 0,
  external_ns1 TEXT, external_ns2 TEXT, external_ns3 TEXT,
  external_ns4 TEXT, external_ns5 TEXT, external_ns6 TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  last_login_at TEXT
);`

// Store wraps a *sql.DB for the users table. All methods except Close
// take a context. No explicit transactions are used: a single mutex
// serializes every operation (VerifyAndTouch's read and update run
// under one hold of it) so sqlite never reports "database is locked"
// under concurrent requests.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if absent) the sqlite database at path and runs
// the migration DDL.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer; reads are serialized too for simplicity
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrating schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

const iso8601 = time.RFC3339

func (s *Store) Create(ctx context.Context, lbl, passwordHash string, now time.Time) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now.UTC().Format(iso8601)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (label, password_hash, ns_mode, created_at, updated_at) VALUES (?, ?, 0, ?, ?)`,
		lbl, passwordHash, ts, ts,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("store: creating %q: %w", lbl, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: reading inserted id: %w", err)
	}
	return &User{
		ID: id, Label: lbl, PasswordHash: passwordHash, NSMode: Internal,
		CreatedAt: now.UTC(), UpdatedAt: now.UTC(),
	}, nil
}

func (s *Store) Get(ctx context.Context, lbl string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, lbl)
}

func (s *Store) getLocked(ctx context.Context, lbl string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, label, password_hash, ns_mode,
       external_ns1, external_ns2, external_ns3, external_ns4, external_ns5, external_ns6,
       created_at, updated_at, last_login_at
FROM users WHERE label = ?`, lbl)

	var u User
	var ns [6]sql.NullString
	var createdAt, updatedAt string
	var lastLogin sql.NullString
	err := row.Scan(&u.ID, &u.Label, &u.PasswordHash, &u.NSMode,
		&ns[0], &ns[1], &ns[2], &ns[3], &ns[4], &ns[5],
		&createdAt, &updatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMissing
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading %q: %w", lbl, err)
	}
	for _, n := range ns {
		if n.Valid {
			u.ExternalNS = append(u.ExternalNS, n.String)
		}
	}
	u.CreatedAt, _ = time.Parse(iso8601, createdAt)
	u.UpdatedAt, _ = time.Parse(iso8601, updatedAt)
	if lastLogin.Valid {
		t, _ := time.Parse(iso8601, lastLogin.String)
		u.LastLoginAt = &t
	}
	return &u, nil
}

// VerifyAndTouch checks password against the stored hash and, on
// success, updates last_login_at and updated_at.
func (s *Store) VerifyAndTouch(ctx context.Context, lbl, password string, now time.Time) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.getLocked(ctx, lbl)
	if err != nil {
		return nil, err
	}
	ok, err := authn.Verify(u.PasswordHash, password)
	if err != nil {
		return nil, fmt.Errorf("store: verifying password for %q: %w", lbl, err)
	}
	if !ok {
		return nil, ErrBadCredentials
	}
	ts := now.UTC().Format(iso8601)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = ?, updated_at = ? WHERE label = ?`, ts, ts, lbl,
	); err != nil {
		return nil, fmt.Errorf("store: touching %q: %w", lbl, err)
	}
	nowCopy := now.UTC()
	u.LastLoginAt = &nowCopy
	u.UpdatedAt = nowCopy
	return u, nil
}

func (s *Store) SetExternal(ctx context.Context, lbl string, nsList []string, now time.Time) error {
	if len(nsList) < 1 || len(nsList) > 6 {
		return fmt.Errorf("store: external ns list must have 1..6 entries, got %d", len(nsList))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var slots [6]any
	for i := range slots {
		if i < len(nsList) {
			slots[i] = nsList[i]
		} else {
			slots[i] = nil
		}
	}
	ts := now.UTC().Format(iso8601)
	res, err := s.db.ExecContext(ctx, `
UPDATE users SET ns_mode = 1,
  external_ns1 = ?, external_ns2 = ?, external_ns3 = ?, external_ns4 = ?, external_ns5 = ?, external_ns6 = ?,
  updated_at = ?
WHERE label = ?`, slots[0], slots[1], slots[2], slots[3], slots[4], slots[5], ts, lbl)
	return finishUpdate(res, err, lbl)
}

func (s *Store) SetInternal(ctx context.Context, lbl string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now.UTC().Format(iso8601)
	res, err := s.db.ExecContext(ctx, `
UPDATE users SET ns_mode = 0,
  external_ns1 = NULL, external_ns2 = NULL, external_ns3 = NULL,
  external_ns4 = NULL, external_ns5 = NULL, external_ns6 = NULL,
  updated_at = ?
WHERE label = ?`, ts, lbl)
	return finishUpdate(res, err, lbl)
}

func (s *Store) SetPassword(ctx context.Context, lbl, newHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now.UTC().Format(iso8601)
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE label = ?`, newHash, ts, lbl)
	return finishUpdate(res, err, lbl)
}

func (s *Store) CountLabels(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting labels: %w", err)
	}
	return n, nil
}

func finishUpdate(res sql.Result, err error, lbl string) error {
	if err != nil {
		return fmt.Errorf("store: updating %q: %w", lbl, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: reading rows affected for %q: %w", lbl, err)
	}
	if n == 0 {
		return ErrMissing
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed: UNIQUE"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
