package dedup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemory(opts Options) (*Memory, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	m := NewMemory(opts)
	m.now = clock.Now
	return m, clock
}

func TestCheckAndMarkRace(t *testing.T) {
	t.Parallel()

	m := NewMemory(Options{})
	ctx := context.Background()

	for round := range 50 {
		fp := fmt.Sprintf("fingerprint-%d", round)
		var wg sync.WaitGroup
		results := make([]Status, 2)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s, err := m.CheckAndMark(ctx, fp)
				if err != nil {
					t.Errorf("CheckAndMark() error: %v", err)
				}
				results[i] = s
			}()
		}
		wg.Wait()

		newCount := 0
		for _, s := range results {
			if s == New {
				newCount++
			}
		}
		if newCount != 1 {
			t.Fatalf("round %d: got %d New results, want exactly 1 (%v)", round, newCount, results)
		}
	}
}

func TestCheckAndMarkSequential(t *testing.T) {
	t.Parallel()

	m, _ := newTestMemory(Options{})
	ctx := context.Background()

	s, err := m.CheckAndMark(ctx, "a")
	if err != nil || s != New {
		t.Fatalf("first CheckAndMark = %s, %v", s, err)
	}
	if err := m.Commit(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	s, err = m.CheckAndMark(ctx, "a")
	if err != nil || s != Duplicate {
		t.Fatalf("second CheckAndMark = %s, %v", s, err)
	}
}

func TestRetentionExpiry(t *testing.T) {
	t.Parallel()

	m, clock := newTestMemory(Options{Retention: time.Hour, Lease: time.Minute})
	ctx := context.Background()

	if s, _ := m.CheckAndMark(ctx, "a"); s != New {
		t.Fatalf("got %s", s)
	}
	if err := m.Commit(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	// the lease no longer applies once committed
	clock.Advance(30 * time.Minute)
	if s, _ := m.CheckAndMark(ctx, "a"); s != Duplicate {
		t.Fatalf("committed entry expired early: %s", s)
	}

	clock.Advance(31 * time.Minute)
	if s, _ := m.CheckAndMark(ctx, "a"); s != New {
		t.Fatalf("entry did not expire after retention: %s", s)
	}
}

func TestLeaseExpiry(t *testing.T) {
	t.Parallel()

	m, clock := newTestMemory(Options{Retention: time.Hour, Lease: time.Minute})
	ctx := context.Background()

	if s, _ := m.CheckAndMark(ctx, "a"); s != New {
		t.Fatalf("got %s", s)
	}
	if s, _ := m.CheckAndMark(ctx, "a"); s != Duplicate {
		t.Fatalf("pending claim not honoured: %s", s)
	}
	clock.Advance(2 * time.Minute)
	if s, _ := m.CheckAndMark(ctx, "a"); s != New {
		t.Fatalf("abandoned claim did not expire: %s", s)
	}
}

func TestRelease(t *testing.T) {
	t.Parallel()

	m, _ := newTestMemory(Options{})
	ctx := context.Background()

	if s, _ := m.CheckAndMark(ctx, "a"); s != New {
		t.Fatalf("got %s", s)
	}
	if err := m.Release(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if s, _ := m.CheckAndMark(ctx, "a"); s != New {
		t.Fatalf("released fingerprint still marked: %s", s)
	}

	// releasing a committed fingerprint is a no-op
	if err := m.Commit(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Release(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if s, _ := m.CheckAndMark(ctx, "a"); s != Duplicate {
		t.Fatalf("release removed a committed entry: %s", s)
	}
}

func TestMaxEntries(t *testing.T) {
	t.Parallel()

	m, clock := newTestMemory(Options{MaxEntries: 10})
	ctx := context.Background()

	for i := range 100 {
		clock.Advance(time.Second)
		fp := fmt.Sprintf("fp-%d", i)
		if s, _ := m.CheckAndMark(ctx, fp); s != New {
			t.Fatalf("%s: got %s", fp, s)
		}
		if err := m.Commit(ctx, fp); err != nil {
			t.Fatal(err)
		}
		if m.Len() > 10 {
			t.Fatalf("table grew to %d entries", m.Len())
		}
	}

	// the newest entries survive
	if s, _ := m.CheckAndMark(ctx, "fp-99"); s != Duplicate {
		t.Fatalf("newest entry was evicted: %s", s)
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	if New.String() != "new" || Duplicate.String() != "duplicate" {
		t.Fatalf("unexpected status names %q %q", New, Duplicate)
	}
}
