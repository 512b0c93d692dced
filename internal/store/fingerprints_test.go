package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/firefart/dmarcpipeline/internal/dedup"
)

func newTestFingerprints(t *testing.T, opts dedup.Options) (*SQLiteFingerprints, *time.Time) {
	t.Helper()
	s, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	now := time.Unix(1700000000, 0)
	f := s.Fingerprints(opts)
	f.now = func() time.Time { return now }
	return f, &now
}

func mustStatus(t *testing.T, d dedup.Deduplicator, fp string, want dedup.Status) {
	t.Helper()
	got, err := d.CheckAndMark(context.Background(), fp)
	if err != nil {
		t.Fatalf("CheckAndMark(%s) error: %v", fp, err)
	}
	if got != want {
		t.Fatalf("CheckAndMark(%s) = %s, want %s", fp, got, want)
	}
}

func TestSQLiteFingerprintsLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f, now := newTestFingerprints(t, dedup.Options{Retention: time.Hour, Lease: time.Minute})

	mustStatus(t, f, "a", dedup.New)
	mustStatus(t, f, "a", dedup.Duplicate)

	// an abandoned claim can be taken over once the lease is gone
	*now = now.Add(2 * time.Minute)
	mustStatus(t, f, "a", dedup.New)

	if err := f.Commit(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(30 * time.Minute)
	mustStatus(t, f, "a", dedup.Duplicate)

	// releasing a committed fingerprint is a no-op
	if err := f.Release(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	mustStatus(t, f, "a", dedup.Duplicate)

	*now = now.Add(31 * time.Minute)
	mustStatus(t, f, "a", dedup.New)
}

func TestSQLiteFingerprintsRelease(t *testing.T) {
	t.Parallel()

	f, _ := newTestFingerprints(t, dedup.Options{})
	mustStatus(t, f, "a", dedup.New)
	if err := f.Release(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	mustStatus(t, f, "a", dedup.New)
}

func TestSQLiteFingerprintsRace(t *testing.T) {
	t.Parallel()

	f, _ := newTestFingerprints(t, dedup.Options{})
	for round := range 20 {
		fp := fmt.Sprintf("fingerprint-%d", round)
		results := make([]dedup.Status, 2)
		var wg sync.WaitGroup
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s, err := f.CheckAndMark(context.Background(), fp)
				if err != nil {
					t.Errorf("CheckAndMark() error: %v", err)
				}
				results[i] = s
			}()
		}
		wg.Wait()
		if (results[0] == dedup.New) == (results[1] == dedup.New) {
			t.Fatalf("round %d: got %v, want exactly one New", round, results)
		}
	}
}

func TestSQLiteFingerprintsBounded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f, now := newTestFingerprints(t, dedup.Options{Retention: time.Hour, Lease: time.Hour, MaxEntries: 3})
	for i := range 5 {
		mustStatus(t, f, fmt.Sprintf("fp-%d", i), dedup.New)
	}

	*now = now.Add(dedup.SweepInterval)
	mustStatus(t, f, "fp-new", dedup.New)
	n, err := f.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("got %d rows after purge, want 4", n)
	}

	// expired rows are purged
	*now = now.Add(2 * time.Hour)
	mustStatus(t, f, "fp-later", dedup.New)
	if n, err := f.Len(ctx); err != nil || n != 1 {
		t.Fatalf("Len() = %d, %v, want 1", n, err)
	}
}

func TestSQLiteFingerprintsSurviveRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	f := s.Fingerprints(dedup.Options{})
	mustStatus(t, f, "a", dedup.New)
	if err := f.Commit(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	mustStatus(t, s.Fingerprints(dedup.Options{}), "a", dedup.Duplicate)
}

func TestPostgresFingerprints(t *testing.T) {
	dsn := os.Getenv("DMARC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DMARC_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	p, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	fp := "fp-" + ulid.Make().String()
	f := p.Fingerprints(dedup.Options{})
	mustStatus(t, f, fp, dedup.New)
	mustStatus(t, f, fp, dedup.Duplicate)
	if err := f.Release(ctx, fp); err != nil {
		t.Fatal(err)
	}
	mustStatus(t, f, fp, dedup.New)
	if err := f.Commit(ctx, fp); err != nil {
		t.Fatal(err)
	}
	mustStatus(t, p.Fingerprints(dedup.Options{}), fp, dedup.Duplicate)
}
