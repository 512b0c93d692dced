package cursor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/firefart/dmarcpipeline/internal/dmarc"
	"github.com/firefart/dmarcpipeline/internal/mailbox"
)

type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, fmt.Sprintf(format, args...))
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.log)
}

type fakeMailbox struct {
	name   string
	items  []mailbox.ItemRef
	events *events
}

func newFakeMailbox(ev *events, n int) *fakeMailbox {
	mb := &fakeMailbox{name: "test", events: ev}
	for i := 1; i <= n; i++ {
		mb.items = append(mb.items, mailbox.ItemRef{
			ID:       fmt.Sprintf("m%d", i),
			Position: fmt.Sprintf("p%02d", i),
		})
	}
	return mb
}

func (f *fakeMailbox) Name() string { return f.name }

func (f *fakeMailbox) ListSince(_ context.Context, cursor string, limit int) ([]mailbox.ItemRef, error) {
	var out []mailbox.ItemRef
	for _, it := range f.items {
		if it.Position > cursor {
			out = append(out, it)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMailbox) Fetch(_ context.Context, ref mailbox.ItemRef) (mailbox.RawMessage, error) {
	return mailbox.RawMessage{Ref: ref}, nil
}

func (f *fakeMailbox) ApplyDisposition(_ context.Context, ref mailbox.ItemRef, d mailbox.Disposition) error {
	f.events.add("dispose %s %s", ref.ID, d)
	return nil
}

func (f *fakeMailbox) Close() error { return nil }

// recordingStore logs every save together with the state of the mailbox at
// that moment.
type recordingStore struct {
	*MemoryStore
	events  *events
	manager *Manager
	fail    bool
}

func (s *recordingStore) Save(ctx context.Context, name, position string) error {
	if s.fail {
		return errors.New("disk full")
	}
	s.events.add("save %s %s", position, s.manager.State(name))
	return s.MemoryStore.Save(ctx, name, position)
}

func setup(t *testing.T, n int, policy Policy) (*Manager, *fakeMailbox, *recordingStore, *events) {
	t.Helper()
	ev := &events{}
	store := &recordingStore{MemoryStore: NewMemoryStore(), events: ev}
	m := NewManager(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	store.manager = m
	mb := newFakeMailbox(ev, n)
	m.SetPolicy(mb.Name(), policy)
	return m, mb, store, ev
}

func TestBatchOutOfOrderCompletion(t *testing.T) {
	t.Parallel()

	m, mb, _, _ := setup(t, 3, Policy{})
	ctx := context.Background()

	b, err := m.List(ctx, mb, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	covered, pos, err := b.Complete(b.Items[1], Processed, dmarc.KindAggregate)
	if err != nil {
		t.Fatal(err)
	}
	if len(covered) != 0 || pos != "" {
		t.Fatalf("watermark moved past an unfinished item: %v %q", covered, pos)
	}

	covered, pos, err = b.Complete(b.Items[0], Processed, dmarc.KindAggregate)
	if err != nil {
		t.Fatal(err)
	}
	if len(covered) != 2 || pos != "p02" {
		t.Fatalf("expected watermark at p02 covering 2 items, got %q %v", pos, covered)
	}

	covered, pos, err = b.Complete(b.Items[2], Skipped, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(covered) != 1 || pos != "p03" {
		t.Fatalf("expected watermark at p03, got %q %v", pos, covered)
	}

	if _, _, err := b.Complete(b.Items[2], Processed, ""); err == nil {
		t.Fatal("expected error on double completion")
	}
	if _, _, err := b.Complete(mailbox.ItemRef{ID: "other"}, Processed, ""); err == nil {
		t.Fatal("expected error for unknown item")
	}
}

func TestFinishPersistsBeforeDisposition(t *testing.T) {
	t.Parallel()

	m, mb, _, ev := setup(t, 2, Policy{Action: mailbox.ActionMove, ArchiveFolder: "Archive"})
	ctx := context.Background()

	b, err := m.List(ctx, mb, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Finish(ctx, b.Items[0], Processed, dmarc.KindForensic); err != nil {
		t.Fatal(err)
	}
	if err := b.Finish(ctx, b.Items[1], Skipped, ""); err != nil {
		t.Fatal(err)
	}
	b.Close()

	want := []string{
		"save p01 ADVANCING",
		"dispose m1 move to Archive/Forensic",
		"save p02 SKIPPING",
		"dispose m2 move to Archive/Invalid",
	}
	if got := ev.all(); !slices.Equal(got, want) {
		t.Fatalf("unexpected event order:\n got %q\nwant %q", got, want)
	}
	if s := m.State(mb.Name()); s != StateIdle {
		t.Fatalf("state after close = %s", s)
	}
	if !b.Advanced() {
		t.Fatal("batch should report an advance")
	}
}

func TestFailedItemBlocksCursor(t *testing.T) {
	t.Parallel()

	m, mb, store, ev := setup(t, 3, Policy{Action: mailbox.ActionDelete})
	ctx := context.Background()

	b, err := m.List(ctx, mb, 10)
	if err != nil {
		t.Fatal(err)
	}
	for i, outcome := range []Outcome{Processed, Failed, Processed} {
		if err := b.Finish(ctx, b.Items[i], outcome, dmarc.KindAggregate); err != nil {
			t.Fatal(err)
		}
	}
	b.Close()

	if !b.Blocked() {
		t.Fatal("batch should be blocked")
	}
	pos, _ := store.Load(ctx, mb.Name())
	if pos != "p01" {
		t.Fatalf("cursor = %q, want p01", pos)
	}
	for _, e := range ev.all() {
		if e == "dispose m3 delete" || e == "dispose m2 delete" {
			t.Fatalf("item after the failure was disposed: %v", ev.all())
		}
	}

	// the failed item and everything after it are listed again
	b, err = m.List(ctx, mb, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if len(b.Items) != 2 || b.Items[0].ID != "m2" {
		t.Fatalf("unexpected re-listing: %+v", b.Items)
	}
}

func TestListWhileOpen(t *testing.T) {
	t.Parallel()

	m, mb, _, _ := setup(t, 1, Policy{})
	ctx := context.Background()

	b, err := m.List(ctx, mb, 10)
	if err != nil {
		t.Fatal(err)
	}
	if s := m.State(mb.Name()); s != StateProcessing {
		t.Fatalf("state = %s", s)
	}
	if _, err := m.List(ctx, mb, 10); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	b.Close()
	b, err = m.List(ctx, mb, 10)
	if err != nil {
		t.Fatalf("List after close: %v", err)
	}
	b.Close()
}

func TestSaveFailureKeepsMail(t *testing.T) {
	t.Parallel()

	m, mb, store, ev := setup(t, 1, Policy{Action: mailbox.ActionDelete})
	store.fail = true
	ctx := context.Background()

	b, err := m.List(ctx, mb, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if err := b.Finish(ctx, b.Items[0], Processed, dmarc.KindAggregate); err == nil {
		t.Fatal("expected error from a failing store")
	}
	if len(ev.all()) != 0 {
		t.Fatalf("mail disposed although the cursor was not saved: %v", ev.all())
	}
}

func TestRestartResumesFromStore(t *testing.T) {
	t.Parallel()

	m, mb, store, _ := setup(t, 3, Policy{})
	ctx := context.Background()

	b, err := m.List(ctx, mb, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Finish(ctx, b.Items[0], Processed, dmarc.KindAggregate); err != nil {
		t.Fatal(err)
	}
	b.Close()

	restarted := NewManager(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b, err = restarted.List(ctx, mb, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if len(b.Items) != 2 || b.Items[0].ID != "m2" {
		t.Fatalf("restart did not resume after m1: %+v", b.Items)
	}
}

func TestPolicyDisposition(t *testing.T) {
	t.Parallel()

	move := Policy{Action: mailbox.ActionMove, ArchiveFolder: "Archive"}
	tests := []struct {
		name    string
		policy  Policy
		outcome Outcome
		kind    dmarc.Kind
		want    mailbox.Disposition
	}{
		{"aggregate", move, Processed, dmarc.KindAggregate, mailbox.Disposition{Action: mailbox.ActionMove, Folder: "Archive/Aggregate"}},
		{"forensic", move, Processed, dmarc.KindForensic, mailbox.Disposition{Action: mailbox.ActionMove, Folder: "Archive/Forensic"}},
		{"skipped", move, Skipped, "", mailbox.Disposition{Action: mailbox.ActionMove, Folder: "Archive/Invalid"}},
		{"failed", move, Failed, dmarc.KindAggregate, mailbox.Disposition{Action: mailbox.ActionNone}},
		{"dry run", Policy{Action: mailbox.ActionDelete, DryRun: true}, Processed, dmarc.KindAggregate, mailbox.Disposition{Action: mailbox.ActionNone}},
		{"delete", Policy{Action: mailbox.ActionDelete}, Skipped, "", mailbox.Disposition{Action: mailbox.ActionDelete}},
		{"mark read", Policy{Action: mailbox.ActionMarkRead}, Processed, dmarc.KindAggregate, mailbox.Disposition{Action: mailbox.ActionMarkRead}},
		{"no policy", Policy{}, Processed, dmarc.KindAggregate, mailbox.Disposition{Action: mailbox.ActionNone}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.policy.Disposition(tc.outcome, tc.kind); got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}
