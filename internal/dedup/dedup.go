// Package dedup remembers report fingerprints so a report that is delivered
// twice is only counted once.
//
// A fingerprint goes through two states. CheckAndMark claims it as pending
// for the lease duration. Commit makes it permanent for the retention
// window once the report was dispatched. Release drops a pending claim so
// the report can be processed again after a failure.
package dedup

import (
	"context"
	"time"
)

const (
	DefaultRetention  = 14 * 24 * time.Hour
	DefaultLease      = 10 * time.Minute
	DefaultMaxEntries = 100_000
)

type Status int

const (
	New Status = iota
	Duplicate
)

func (s Status) String() string {
	switch s {
	case New:
		return "new"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Deduplicator is safe for concurrent use. CheckAndMark is atomic: two
// callers racing on the same fingerprint never both get New.
type Deduplicator interface {
	CheckAndMark(ctx context.Context, fingerprint string) (Status, error)
	Commit(ctx context.Context, fingerprint string) error
	Release(ctx context.Context, fingerprint string) error
}

type Options struct {
	Retention  time.Duration
	Lease      time.Duration
	MaxEntries int
}

// WithDefaults fills unset fields with the package defaults.
func (o Options) WithDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Lease <= 0 {
		o.Lease = DefaultLease
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	return o
}
