package dedup

import (
	"context"
	"sync"
	"time"
)

// SweepInterval is how often expired entries are purged.
const SweepInterval = time.Minute

type entryState int

const (
	statePending entryState = iota
	stateDone
)

type entry struct {
	state     entryState
	firstSeen time.Time
	expires   time.Time
}

// Memory is a process local Deduplicator. Entries expire after the
// retention window and the table never holds more than MaxEntries.
type Memory struct {
	mu        sync.Mutex
	entries   map[string]entry
	opts      Options
	lastSweep time.Time
	now       func() time.Time
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		entries: make(map[string]entry),
		opts:    opts.WithDefaults(),
		now:     time.Now,
	}
}

func (m *Memory) CheckAndMark(_ context.Context, fingerprint string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.lastSweep) >= SweepInterval {
		m.sweep(now)
	}

	if e, ok := m.entries[fingerprint]; ok && now.Before(e.expires) {
		return Duplicate, nil
	}

	if len(m.entries) >= m.opts.MaxEntries {
		m.sweep(now)
		if len(m.entries) >= m.opts.MaxEntries {
			m.evictOldest()
		}
	}
	m.entries[fingerprint] = entry{
		state:     statePending,
		firstSeen: now,
		expires:   now.Add(m.opts.Lease),
	}
	return New, nil
}

func (m *Memory) Commit(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[fingerprint]
	if !ok {
		e.firstSeen = now
	}
	e.state = stateDone
	e.expires = now.Add(m.opts.Retention)
	m.entries[fingerprint] = e
	return nil
}

func (m *Memory) Release(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[fingerprint]; ok && e.state == statePending {
		delete(m.entries, fingerprint)
	}
	return nil
}

// Len returns the number of entries, including expired ones that were not
// swept yet.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// must be called with the lock held
func (m *Memory) sweep(now time.Time) {
	for fp, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, fp)
		}
	}
	m.lastSweep = now
}

// must be called with the lock held
func (m *Memory) evictOldest() {
	var oldest string
	var oldestSeen time.Time
	for fp, e := range m.entries {
		if oldest == "" || e.firstSeen.Before(oldestSeen) {
			oldest = fp
			oldestSeen = e.firstSeen
		}
	}
	delete(m.entries, oldest)
}
