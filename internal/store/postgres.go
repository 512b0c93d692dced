package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/firefart/dmarcpipeline/internal/dispatch"
)

// Postgres keeps cursors, fingerprints and dead letters in postgres, for
// deployments that run more than one instance.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS cursors (
			mailbox    TEXT PRIMARY KEY,
			position   TEXT NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS dead_letters (
			id          TEXT PRIMARY KEY,
			sink        TEXT NOT NULL,
			reason      TEXT NOT NULL,
			kind        TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			attempts    INTEGER NOT NULL,
			payload     JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dead_letters_fingerprint ON dead_letters(fingerprint);
		CREATE TABLE IF NOT EXISTS fingerprints (
			fingerprint TEXT PRIMARY KEY,
			state       TEXT NOT NULL,
			expires_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_fingerprints_expires_at ON fingerprints(expires_at);
	`)
	return err
}

func (p *Postgres) Load(ctx context.Context, mailbox string) (string, error) {
	var position string
	err := p.pool.QueryRow(ctx, `SELECT position FROM cursors WHERE mailbox = $1`, mailbox).Scan(&position)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load cursor: %w", err)
	}
	return position, nil
}

func (p *Postgres) Save(ctx context.Context, mailbox, position string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO cursors (mailbox, position)
		VALUES ($1, $2)
		ON CONFLICT (mailbox) DO UPDATE SET
			position   = EXCLUDED.position,
			updated_at = NOW()
	`, mailbox, position)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (p *Postgres) Store(ctx context.Context, e dispatch.Entry) error {
	row, err := newDeadLetterRow(e)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO dead_letters
			(id, sink, reason, kind, fingerprint, attempts, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, row.id, row.sink, row.reason, row.kind, row.fingerprint, row.attempts, string(row.payload), row.createdAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns the most recent dead letters, newest first.
func (p *Postgres) DeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, sink, reason, kind, fingerprint, attempts, payload::text, created_at
		FROM dead_letters
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterRecord
	for rows.Next() {
		var r DeadLetterRecord
		var payload string
		if err := rows.Scan(&r.ID, &r.Sink, &r.Reason, &r.Kind, &r.Fingerprint, &r.Attempts, &payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}
