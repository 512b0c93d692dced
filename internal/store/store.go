// Package store persists mailbox cursors, dedup fingerprints and dead letters.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/firefart/dmarcpipeline/internal/dispatch"
)

// DeadLetterRecord is a stored dead letter as read back from a store.
type DeadLetterRecord struct {
	ID          string
	Sink        string
	Reason      string
	Kind        string
	Fingerprint string
	Attempts    int
	Payload     []byte
	CreatedAt   time.Time
}

type deadLetterRow struct {
	id          string
	sink        string
	reason      string
	kind        string
	fingerprint string
	attempts    int
	payload     []byte
	createdAt   time.Time
}

func newDeadLetterRow(e dispatch.Entry) (deadLetterRow, error) {
	payload, err := json.Marshal(e.Report)
	if err != nil {
		return deadLetterRow{}, fmt.Errorf("marshal report: %w", err)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return deadLetterRow{
		id:          e.ID.String(),
		sink:        e.Sink,
		reason:      e.Reason,
		kind:        string(e.Report.Kind),
		fingerprint: e.Report.Fingerprint,
		attempts:    e.Attempts,
		payload:     payload,
		createdAt:   created.UTC(),
	}, nil
}
