// Package mailbox defines the interface report sources implement and a
// directory based source.
package mailbox

import (
	"context"
	"fmt"
	"time"
)

// ItemRef points at one message in a mailbox. Position is the cursor value
// that marks this item as processed; listing again with it returns only the
// items after it.
type ItemRef struct {
	ID       string
	Position string
	Subject  string
	Received time.Time
}

type RawMessage struct {
	Ref  ItemRef
	Data []byte
}

type Action string

const (
	ActionNone     Action = "none"
	ActionMarkRead Action = "markRead"
	ActionMove     Action = "move"
	ActionDelete   Action = "delete"
)

// Disposition is applied to an item after the cursor moved past it.
// Folder is only used by ActionMove.
type Disposition struct {
	Action Action
	Folder string
}

func (d Disposition) String() string {
	if d.Action == ActionMove {
		return fmt.Sprintf("%s to %s", d.Action, d.Folder)
	}
	return string(d.Action)
}

// Mailbox is a source of report mails. ListSince must be idempotent: it may
// return items that were already processed before a crash.
type Mailbox interface {
	Name() string
	// ListSince returns at most limit items after cursor in processing
	// order. An empty cursor lists from the beginning.
	ListSince(ctx context.Context, cursor string, limit int) ([]ItemRef, error)
	Fetch(ctx context.Context, ref ItemRef) (RawMessage, error)
	ApplyDisposition(ctx context.Context, ref ItemRef, d Disposition) error
	Close() error
}
