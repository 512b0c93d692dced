package cursor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/firefart/dmarcpipeline/internal/dmarc"
	"github.com/firefart/dmarcpipeline/internal/mailbox"
)

// ErrBusy is returned by List while the previous batch of the mailbox is
// still open.
var ErrBusy = errors.New("mailbox already has an open batch")

type mailboxState struct {
	// advance serializes cursor writes and dispositions of one mailbox
	advance sync.Mutex

	mu       sync.Mutex
	state    State
	position string
	loaded   bool
	open     bool
}

func (s *mailboxState) set(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Manager owns the cursors of all mailboxes. Different mailboxes advance
// independently, advances of one mailbox never overlap.
type Manager struct {
	store  Store
	policy map[string]Policy
	logger *slog.Logger

	mu        sync.Mutex
	mailboxes map[string]*mailboxState
}

func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		policy:    make(map[string]Policy),
		logger:    logger,
		mailboxes: make(map[string]*mailboxState),
	}
}

// SetPolicy configures the disposition policy of a mailbox. Mailboxes
// without a policy keep their mails untouched.
func (m *Manager) SetPolicy(mailboxName string, p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy[mailboxName] = p
}

func (m *Manager) Policy(mailboxName string) Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy[mailboxName]
}

func (m *Manager) mailbox(name string) *mailboxState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.mailboxes[name]
	if !ok {
		s = &mailboxState{}
		m.mailboxes[name] = s
	}
	return s
}

// State returns the current state of a mailbox.
func (m *Manager) State(mailboxName string) State {
	s := m.mailbox(mailboxName)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Position returns the last persisted position of a mailbox.
func (m *Manager) Position(ctx context.Context, mailboxName string) (string, error) {
	s := m.mailbox(mailboxName)
	return m.position(ctx, mailboxName, s)
}

func (m *Manager) position(ctx context.Context, name string, s *mailboxState) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.position, nil
	}
	pos, err := m.store.Load(ctx, name)
	if err != nil {
		return "", fmt.Errorf("could not load cursor of %s: %w", name, err)
	}
	s.position = pos
	s.loaded = true
	return pos, nil
}

// List loads the cursor of mb and lists up to limit items after it. The
// returned batch must be closed.
func (m *Manager) List(ctx context.Context, mb mailbox.Mailbox, limit int) (*Batch, error) {
	name := mb.Name()
	s := m.mailbox(name)

	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.open = true
	s.state = StateListing
	s.mu.Unlock()

	fail := func(err error) (*Batch, error) {
		s.mu.Lock()
		s.open = false
		s.state = StateIdle
		s.mu.Unlock()
		return nil, err
	}

	pos, err := m.position(ctx, name, s)
	if err != nil {
		return fail(err)
	}
	items, err := mb.ListSince(ctx, pos, limit)
	if err != nil {
		return fail(fmt.Errorf("could not list %s: %w", name, err))
	}
	m.logger.Debug("listed mailbox", slog.String("mailbox", name), slog.String("cursor", pos), slog.Int("items", len(items)))

	s.set(StateProcessing)
	b := &Batch{
		m:       m,
		mb:      mb,
		s:       s,
		Items:   items,
		index:   make(map[string]int, len(items)),
		results: make([]*Completed, len(items)),
		start:   pos,
	}
	for i, it := range items {
		b.index[it.ID] = i
	}
	return b, nil
}

// Advance persists a new position for a mailbox. Callers apply
// dispositions only after Advance returned.
func (m *Manager) Advance(ctx context.Context, mailboxName, position string, skipping bool) error {
	s := m.mailbox(mailboxName)
	if skipping {
		s.set(StateSkipping)
	} else {
		s.set(StateAdvancing)
	}
	defer s.set(StateProcessing)

	if err := m.store.Save(ctx, mailboxName, position); err != nil {
		return fmt.Errorf("could not save cursor of %s: %w", mailboxName, err)
	}
	s.mu.Lock()
	s.position = position
	s.loaded = true
	s.mu.Unlock()
	m.logger.Debug("cursor advanced", slog.String("mailbox", mailboxName), slog.String("cursor", position))
	return nil
}

// Dispose applies the disposition policy of mb to completed items.
// Failures are returned but do not undo the advance, so the mail stays
// where it is.
func (m *Manager) Dispose(ctx context.Context, mb mailbox.Mailbox, completed []Completed) error {
	policy := m.Policy(mb.Name())
	var result *multierror.Error
	for _, c := range completed {
		d := policy.Disposition(c.Outcome, c.Kind)
		if d.Action == mailbox.ActionNone {
			continue
		}
		if err := mb.ApplyDisposition(ctx, c.Item, d); err != nil {
			result = multierror.Append(result, fmt.Errorf("item %s: %w", c.Item.ID, err))
		}
	}
	return result.ErrorOrNil()
}

// Completed is an item whose outcome is known.
type Completed struct {
	Item    mailbox.ItemRef
	Outcome Outcome
	Kind    dmarc.Kind
}

// Batch is one listing of a mailbox. Items may complete in any order; the
// cursor only moves over a contiguous prefix of finished items.
type Batch struct {
	Items []mailbox.ItemRef

	m  *Manager
	mb mailbox.Mailbox
	s  *mailboxState

	mu      sync.Mutex
	index   map[string]int
	results []*Completed
	next    int
	blocked bool
	start   string
	last    string
}

// Complete records the outcome of an item. It returns the items the
// watermark moved over, in listing order, and the position after them. The
// position is empty when the watermark did not move.
func (b *Batch) Complete(item mailbox.ItemRef, outcome Outcome, kind dmarc.Kind) ([]Completed, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i, ok := b.index[item.ID]
	if !ok {
		return nil, "", fmt.Errorf("item %s is not part of this batch", item.ID)
	}
	if b.results[i] != nil {
		return nil, "", fmt.Errorf("item %s completed twice", item.ID)
	}
	b.results[i] = &Completed{Item: b.Items[i], Outcome: outcome, Kind: kind}

	if outcome == Failed && i >= b.next {
		b.blocked = true
	}

	var covered []Completed
	for b.next < len(b.results) {
		r := b.results[b.next]
		if r == nil || r.Outcome == Failed {
			break
		}
		covered = append(covered, *r)
		b.next++
	}
	if len(covered) == 0 {
		return nil, "", nil
	}
	pos := covered[len(covered)-1].Item.Position
	b.last = pos
	return covered, pos, nil
}

// Finish completes an item, advances the cursor and applies dispositions
// to everything the cursor moved over. Disposition errors are logged.
func (b *Batch) Finish(ctx context.Context, item mailbox.ItemRef, outcome Outcome, kind dmarc.Kind) error {
	b.s.advance.Lock()
	defer b.s.advance.Unlock()

	covered, pos, err := b.Complete(item, outcome, kind)
	if err != nil {
		return err
	}
	if pos == "" {
		return nil
	}

	skipping := true
	for _, c := range covered {
		if c.Outcome == Processed {
			skipping = false
		}
	}
	if err := b.m.Advance(ctx, b.mb.Name(), pos, skipping); err != nil {
		return err
	}
	if err := b.m.Dispose(ctx, b.mb, covered); err != nil {
		b.m.logger.Warn("could not apply disposition", slog.String("mailbox", b.mb.Name()), slog.String("error", err.Error()))
	}
	return nil
}

// Advanced reports whether the cursor moved during this batch.
func (b *Batch) Advanced() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last != "" && b.last != b.start
}

// Blocked reports whether a failed item stopped the cursor.
func (b *Batch) Blocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked
}

// Close returns the mailbox to IDLE. Items that never completed are listed
// again on the next poll.
func (b *Batch) Close() {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.s.open = false
	b.s.state = StateIdle
}
