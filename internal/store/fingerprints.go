package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/firefart/dmarcpipeline/internal/dedup"
)

const (
	fingerprintPending = "pending"
	fingerprintDone    = "done"
)

// purgeSchedule decides when expired fingerprints are deleted.
type purgeSchedule struct {
	mu   sync.Mutex
	last time.Time
}

func (p *purgeSchedule) due(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Sub(p.last) < dedup.SweepInterval {
		return false
	}
	p.last = now
	return true
}

// SQLiteFingerprints is a dedup.Deduplicator whose table lives in the
// sqlite database, so it survives a restart.
type SQLiteFingerprints struct {
	db       *sql.DB
	opts     dedup.Options
	schedule purgeSchedule
	now      func() time.Time
}

// Fingerprints returns a Deduplicator sharing the database connection.
func (s *SQLite) Fingerprints(opts dedup.Options) *SQLiteFingerprints {
	return &SQLiteFingerprints{
		db:   s.db,
		opts: opts.WithDefaults(),
		now:  time.Now,
	}
}

// CheckAndMark inserts a pending claim or takes over an expired row. The
// upsert only changes a row when the old one expired, so a zero row count
// means the fingerprint is still claimed or committed.
func (f *SQLiteFingerprints) CheckAndMark(ctx context.Context, fingerprint string) (dedup.Status, error) {
	now := f.now()
	if f.schedule.due(now) {
		if err := f.purge(ctx, now); err != nil {
			return dedup.New, err
		}
	}

	res, err := f.db.ExecContext(ctx, `INSERT INTO fingerprints (fingerprint, state, expires_at)
        VALUES (?, ?, ?)
        ON CONFLICT(fingerprint) DO UPDATE SET state = excluded.state, expires_at = excluded.expires_at
        WHERE fingerprints.expires_at <= ?`,
		fingerprint, fingerprintPending, now.Add(f.opts.Lease).UnixMilli(), now.UnixMilli())
	if err != nil {
		return dedup.New, fmt.Errorf("claim fingerprint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dedup.New, fmt.Errorf("claim fingerprint: %w", err)
	}
	if n == 0 {
		return dedup.Duplicate, nil
	}
	return dedup.New, nil
}

func (f *SQLiteFingerprints) Commit(ctx context.Context, fingerprint string) error {
	_, err := f.db.ExecContext(ctx, `INSERT INTO fingerprints (fingerprint, state, expires_at)
        VALUES (?, ?, ?)
        ON CONFLICT(fingerprint) DO UPDATE SET state = excluded.state, expires_at = excluded.expires_at`,
		fingerprint, fingerprintDone, f.now().Add(f.opts.Retention).UnixMilli())
	if err != nil {
		return fmt.Errorf("commit fingerprint: %w", err)
	}
	return nil
}

func (f *SQLiteFingerprints) Release(ctx context.Context, fingerprint string) error {
	_, err := f.db.ExecContext(ctx, `DELETE FROM fingerprints WHERE fingerprint = ? AND state = ?`,
		fingerprint, fingerprintPending)
	if err != nil {
		return fmt.Errorf("release fingerprint: %w", err)
	}
	return nil
}

// Len returns the number of rows, including expired ones not purged yet.
func (f *SQLiteFingerprints) Len(ctx context.Context) (int, error) {
	var n int
	if err := f.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fingerprints`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fingerprints: %w", err)
	}
	return n, nil
}

// purge deletes expired rows and then the rows closest to expiry until at
// most MaxEntries are left.
func (f *SQLiteFingerprints) purge(ctx context.Context, now time.Time) error {
	if _, err := f.db.ExecContext(ctx, `DELETE FROM fingerprints WHERE expires_at <= ?`, now.UnixMilli()); err != nil {
		return fmt.Errorf("purge fingerprints: %w", err)
	}
	n, err := f.Len(ctx)
	if err != nil {
		return err
	}
	if over := n - f.opts.MaxEntries; over > 0 {
		_, err := f.db.ExecContext(ctx, `DELETE FROM fingerprints WHERE fingerprint IN
            (SELECT fingerprint FROM fingerprints ORDER BY expires_at ASC LIMIT ?)`, over)
		if err != nil {
			return fmt.Errorf("trim fingerprints: %w", err)
		}
	}
	return nil
}

// PostgresFingerprints is a dedup.Deduplicator shared by every instance
// using the same postgres database.
type PostgresFingerprints struct {
	pool     *pgxpool.Pool
	opts     dedup.Options
	schedule purgeSchedule
	now      func() time.Time
}

// Fingerprints returns a Deduplicator sharing the connection pool.
func (p *Postgres) Fingerprints(opts dedup.Options) *PostgresFingerprints {
	return &PostgresFingerprints{
		pool: p.pool,
		opts: opts.WithDefaults(),
		now:  time.Now,
	}
}

func (f *PostgresFingerprints) CheckAndMark(ctx context.Context, fingerprint string) (dedup.Status, error) {
	now := f.now().UTC()
	if f.schedule.due(now) {
		if err := f.purge(ctx, now); err != nil {
			return dedup.New, err
		}
	}

	tag, err := f.pool.Exec(ctx, `
		INSERT INTO fingerprints (fingerprint, state, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (fingerprint) DO UPDATE SET
			state = EXCLUDED.state,
			expires_at = EXCLUDED.expires_at
		WHERE fingerprints.expires_at <= $4
	`, fingerprint, fingerprintPending, now.Add(f.opts.Lease), now)
	if err != nil {
		return dedup.New, fmt.Errorf("claim fingerprint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dedup.Duplicate, nil
	}
	return dedup.New, nil
}

func (f *PostgresFingerprints) Commit(ctx context.Context, fingerprint string) error {
	_, err := f.pool.Exec(ctx, `
		INSERT INTO fingerprints (fingerprint, state, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (fingerprint) DO UPDATE SET
			state = EXCLUDED.state,
			expires_at = EXCLUDED.expires_at
	`, fingerprint, fingerprintDone, f.now().UTC().Add(f.opts.Retention))
	if err != nil {
		return fmt.Errorf("commit fingerprint: %w", err)
	}
	return nil
}

func (f *PostgresFingerprints) Release(ctx context.Context, fingerprint string) error {
	_, err := f.pool.Exec(ctx, `DELETE FROM fingerprints WHERE fingerprint = $1 AND state = $2`,
		fingerprint, fingerprintPending)
	if err != nil {
		return fmt.Errorf("release fingerprint: %w", err)
	}
	return nil
}

func (f *PostgresFingerprints) purge(ctx context.Context, now time.Time) error {
	if _, err := f.pool.Exec(ctx, `DELETE FROM fingerprints WHERE expires_at <= $1`, now); err != nil {
		return fmt.Errorf("purge fingerprints: %w", err)
	}
	var n int
	if err := f.pool.QueryRow(ctx, `SELECT COUNT(*) FROM fingerprints`).Scan(&n); err != nil {
		return fmt.Errorf("count fingerprints: %w", err)
	}
	if over := n - f.opts.MaxEntries; over > 0 {
		_, err := f.pool.Exec(ctx, `
			DELETE FROM fingerprints WHERE fingerprint IN
				(SELECT fingerprint FROM fingerprints ORDER BY expires_at ASC LIMIT $1)
		`, over)
		if err != nil {
			return fmt.Errorf("trim fingerprints: %w", err)
		}
	}
	return nil
}
