// Package cursor tracks how far each mailbox has been processed and decides
// what happens to processed mails.
package cursor

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/firefart/dmarcpipeline/internal/dmarc"
	"github.com/firefart/dmarcpipeline/internal/mailbox"
)

type State int

const (
	StateIdle State = iota
	StateListing
	StateProcessing
	StateAdvancing
	StateSkipping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListing:
		return "LISTING"
	case StateProcessing:
		return "PROCESSING"
	case StateAdvancing:
		return "ADVANCING"
	case StateSkipping:
		return "SKIPPING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome is the result of processing one mailbox item.
type Outcome int

const (
	// Processed items had at least one valid report and every report was
	// delivered or dead-lettered.
	Processed Outcome = iota
	// Skipped items had no valid report. They are still marked processed.
	Skipped
	// Failed items hit a transient error. The cursor stops before them so
	// they are listed again on the next poll.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Store persists cursor positions. Load returns an empty position for an
// unknown mailbox.
type Store interface {
	Load(ctx context.Context, mailbox string) (string, error)
	Save(ctx context.Context, mailbox, position string) error
}

// MemoryStore keeps positions for the lifetime of the process.
type MemoryStore struct {
	mu        sync.Mutex
	positions map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]string),
	}
}

func (s *MemoryStore) Load(_ context.Context, mailbox string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[mailbox], nil
}

func (s *MemoryStore) Save(_ context.Context, mailbox, position string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[mailbox] = position
	return nil
}

const (
	folderAggregate = "Aggregate"
	folderForensic  = "Forensic"
	folderInvalid   = "Invalid"
)

// Policy decides the disposition of processed items.
type Policy struct {
	Action        mailbox.Action
	ArchiveFolder string
	// DryRun leaves every mail untouched.
	DryRun bool
}

// Disposition returns what to do with an item. Moved items are sorted into
// Aggregate, Forensic and Invalid sub folders of the archive folder.
func (p Policy) Disposition(outcome Outcome, kind dmarc.Kind) mailbox.Disposition {
	if p.DryRun || outcome == Failed || p.Action == "" {
		return mailbox.Disposition{Action: mailbox.ActionNone}
	}
	if p.Action != mailbox.ActionMove {
		return mailbox.Disposition{Action: p.Action}
	}

	sub := folderInvalid
	if outcome == Processed {
		switch kind {
		case dmarc.KindAggregate:
			sub = folderAggregate
		case dmarc.KindForensic:
			sub = folderForensic
		}
	}
	return mailbox.Disposition{
		Action: mailbox.ActionMove,
		Folder: path.Join(p.ArchiveFolder, sub),
	}
}
