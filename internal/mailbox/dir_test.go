package mailbox

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestDir(t *testing.T, files ...string) (*Dir, string) {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(root, f), []byte("Subject: "+f+"\r\n\r\nbody\r\n"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	d, err := NewDir("test", root, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewDir() error: %v", err)
	}
	return d, root
}

func TestDirListSince(t *testing.T) {
	t.Parallel()

	d, root := newTestDir(t, "003.eml", "001.eml", "002.eml", ".hidden")
	if err := os.Mkdir(filepath.Join(root, "Archive"), 0o750); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	refs, err := d.ListSince(ctx, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 || refs[0].ID != "001.eml" || refs[1].ID != "002.eml" {
		t.Fatalf("unexpected first page: %+v", refs)
	}

	refs, err = d.ListSince(ctx, refs[1].Position, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].ID != "003.eml" {
		t.Fatalf("unexpected second page: %+v", refs)
	}

	// listing again from the same cursor returns the same items
	again, err := d.ListSince(ctx, "002.eml", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 || again[0].ID != "003.eml" {
		t.Fatalf("re-listing is not idempotent: %+v", again)
	}
}

func TestDirFetch(t *testing.T) {
	t.Parallel()

	d, _ := newTestDir(t, "001.eml")
	ctx := context.Background()
	msg, err := d.Fetch(ctx, ItemRef{ID: "001.eml"})
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Data) != "Subject: 001.eml\r\n\r\nbody\r\n" {
		t.Fatalf("unexpected data %q", msg.Data)
	}

	if _, err := d.Fetch(ctx, ItemRef{ID: "../001.eml"}); err == nil {
		t.Fatal("expected error for item outside the directory")
	}
	if _, err := d.Fetch(ctx, ItemRef{ID: "missing.eml"}); err == nil {
		t.Fatal("expected error for missing item")
	}
}

func TestDirDisposition(t *testing.T) {
	t.Parallel()

	d, root := newTestDir(t, "001.eml", "002.eml", "003.eml")
	ctx := context.Background()

	if err := d.ApplyDisposition(ctx, ItemRef{ID: "001.eml"}, Disposition{Action: ActionMove, Folder: "Archive/Aggregate"}); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "Archive", "Aggregate", "001.eml")); err != nil {
		t.Fatalf("moved file not found: %v", err)
	}

	if err := d.ApplyDisposition(ctx, ItemRef{ID: "002.eml"}, Disposition{Action: ActionDelete}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "002.eml")); !os.IsNotExist(err) {
		t.Fatalf("deleted file still there: %v", err)
	}
	// deleting twice is fine
	if err := d.ApplyDisposition(ctx, ItemRef{ID: "002.eml"}, Disposition{Action: ActionDelete}); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	for _, a := range []Action{ActionNone, ActionMarkRead} {
		if err := d.ApplyDisposition(ctx, ItemRef{ID: "003.eml"}, Disposition{Action: a}); err != nil {
			t.Fatalf("%s: %v", a, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "003.eml")); err != nil {
		t.Fatalf("file touched by a no-op disposition: %v", err)
	}

	refs, err := d.ListSince(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].ID != "003.eml" {
		t.Fatalf("archive folder leaked into listing: %+v", refs)
	}
}
