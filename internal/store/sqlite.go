package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/firefart/dmarcpipeline/internal/dispatch"
)

// SQLite keeps cursors, fingerprints and dead letters in a single sqlite
// database.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" || trimmed == ":memory:" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// an in memory database only lives as long as its connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	s := &SQLite{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS cursors (
            mailbox TEXT PRIMARY KEY,
            position TEXT NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
            id TEXT PRIMARY KEY,
            sink TEXT NOT NULL,
            reason TEXT NOT NULL,
            kind TEXT NOT NULL,
            fingerprint TEXT NOT NULL,
            attempts INTEGER NOT NULL,
            payload BLOB NOT NULL,
            created_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_fingerprint ON dead_letters(fingerprint);`,
		`CREATE TABLE IF NOT EXISTS fingerprints (
            fingerprint TEXT PRIMARY KEY,
            state TEXT NOT NULL,
            expires_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_fingerprints_expires_at ON fingerprints(expires_at);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context, mailbox string) (string, error) {
	var position string
	err := s.db.QueryRowContext(ctx, `SELECT position FROM cursors WHERE mailbox = ?`, mailbox).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load cursor: %w", err)
	}
	return position, nil
}

func (s *SQLite) Save(ctx context.Context, mailbox, position string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO cursors (mailbox, position, updated_at)
        VALUES (?, ?, ?)
        ON CONFLICT(mailbox) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at`,
		mailbox, position, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (s *SQLite) Store(ctx context.Context, e dispatch.Entry) error {
	row, err := newDeadLetterRow(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO dead_letters
        (id, sink, reason, kind, fingerprint, attempts, payload, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.id, row.sink, row.reason, row.kind, row.fingerprint, row.attempts, row.payload, row.createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns the most recent dead letters, newest first.
func (s *SQLite) DeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, sink, reason, kind, fingerprint, attempts, payload, created_at
        FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterRecord
	for rows.Next() {
		var r DeadLetterRecord
		var created int64
		if err := rows.Scan(&r.ID, &r.Sink, &r.Reason, &r.Kind, &r.Fingerprint, &r.Attempts, &r.Payload, &created); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
