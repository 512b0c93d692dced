package store

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/firefart/dmarcpipeline/internal/dispatch"
	"github.com/firefart/dmarcpipeline/internal/dmarc"
)

func testEntry(fp string) dispatch.Entry {
	return dispatch.Entry{
		ID:       ulid.Make(),
		Sink:     "siem",
		Reason:   "fatal: server returned HTTP 400",
		Attempts: 1,
		Report: dmarc.Report{
			Kind:        dmarc.KindAggregate,
			Fingerprint: fp,
			Aggregate:   &dmarc.AggregateReport{OrgName: "google.com", ReportID: "R1"},
		},
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

type cursorStore interface {
	Load(ctx context.Context, mailbox string) (string, error)
	Save(ctx context.Context, mailbox, position string) error
}

func testCursorStore(t *testing.T, s cursorStore) {
	t.Helper()
	ctx := context.Background()

	pos, err := s.Load(ctx, "unknown")
	if err != nil || pos != "" {
		t.Fatalf("Load(unknown) = %q, %v", pos, err)
	}
	if err := s.Save(ctx, "inbox", "1:10"); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "inbox", "1:12"); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "other", "a"); err != nil {
		t.Fatal(err)
	}
	if pos, err := s.Load(ctx, "inbox"); err != nil || pos != "1:12" {
		t.Fatalf("Load(inbox) = %q, %v", pos, err)
	}
	if pos, err := s.Load(ctx, "other"); err != nil || pos != "a" {
		t.Fatalf("Load(other) = %q, %v", pos, err)
	}
}

func TestSQLiteCursor(t *testing.T) {
	t.Parallel()

	s, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	testCursorStore(t, s)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "inbox", "42"); err != nil {
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
	if pos, err := s.Load(ctx, "inbox"); err != nil || pos != "42" {
		t.Fatalf("Load() after reopen = %q, %v", pos, err)
	}
}

func TestSQLiteDeadLetters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	first := testEntry("fp1")
	if err := s.Store(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.Store(ctx, first); err == nil {
		t.Fatal("expected error when storing the same entry twice")
	}
	if err := s.Store(ctx, testEntry("fp2")); err != nil {
		t.Fatal(err)
	}

	records, err := s.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	r := records[1]
	if r.ID != first.ID.String() || r.Sink != "siem" || r.Kind != "aggregate" || r.Fingerprint != "fp1" {
		t.Fatalf("unexpected record %+v", r)
	}
	if !r.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at = %s", r.CreatedAt)
	}
	var report dmarc.Report
	if err := json.Unmarshal(r.Payload, &report); err != nil {
		t.Fatal(err)
	}
	if report.Aggregate == nil || report.Aggregate.ReportID != "R1" {
		t.Fatalf("payload does not round trip: %s", r.Payload)
	}
}

func TestFileDeadLetters(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dead", "letters.jsonl")
	f, err := NewFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, fp := range []string{"fp1", "fp2"} {
		if err := f.Store(context.Background(), testEntry(fp)); err != nil {
			t.Fatal(err)
		}
	}

	fp, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer fp.Close()
	var entries []fileEntry
	scanner := bufio.NewScanner(fp)
	for scanner.Scan() {
		var e fileEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatal(err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 || entries[1].Fingerprint != "fp2" || entries[0].Sink != "siem" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestPostgres(t *testing.T) {
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

	mailbox := "test-" + ulid.Make().String()
	testCursorStore(t, &prefixed{p, mailbox})

	e := testEntry("fp-" + mailbox)
	if err := p.Store(ctx, e); err != nil {
		t.Fatal(err)
	}
	records, err := p.DeadLetters(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ID != e.ID.String() {
		t.Fatalf("unexpected records %+v", records)
	}
}

// prefixed isolates mailbox names on a shared database.
type prefixed struct {
	cursorStore
	prefix string
}

func (p *prefixed) Load(ctx context.Context, mailbox string) (string, error) {
	return p.cursorStore.Load(ctx, p.prefix+mailbox)
}

func (p *prefixed) Save(ctx context.Context, mailbox, position string) error {
	return p.cursorStore.Save(ctx, p.prefix+mailbox, position)
}
