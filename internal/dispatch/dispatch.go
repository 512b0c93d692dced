// Package dispatch fans reports out to every configured sink.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"

	"github.com/firefart/dmarcpipeline/internal/dmarc"
	"github.com/firefart/dmarcpipeline/internal/metrics"
	"github.com/firefart/dmarcpipeline/internal/sink"
)

// Entry is a report a sink permanently failed to accept.
type Entry struct {
	ID        ulid.ULID
	Sink      string
	Reason    string
	Attempts  int
	Report    dmarc.Report
	CreatedAt time.Time
}

// DeadLetter keeps reports that could not be delivered.
type DeadLetter interface {
	Store(ctx context.Context, entry Entry) error
}

type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	return o
}

// Result describes the fate of one report at one sink.
type Result struct {
	Sink         string
	Fingerprint  string
	Attempts     int
	Delivered    bool
	DeadLettered bool
	Err          error
}

type Dispatcher struct {
	sinks  []sink.Sink
	dead   DeadLetter
	opts   Options
	logger *slog.Logger
	// sleep waits between attempts, replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func New(sinks []sink.Sink, dead DeadLetter, opts Options, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sinks:  sinks,
		dead:   dead,
		opts:   opts.withDefaults(),
		logger: logger,
		sleep:  sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns the wait before the given retry, starting at 0.
func (d *Dispatcher) Backoff(retry int) time.Duration {
	b := d.opts.InitialBackoff
	for range retry {
		b *= 2
		if b >= d.opts.MaxBackoff {
			return d.opts.MaxBackoff
		}
	}
	return b
}

// Dispatch delivers reports to all sinks. Every sink gets its own goroutine
// and sees the reports in the given order. A failing sink never holds up
// the others. The returned error is only set when a report could neither be
// delivered nor dead-lettered.
func (d *Dispatcher) Dispatch(ctx context.Context, reports []dmarc.Report) ([]Result, error) {
	if len(reports) == 0 || len(d.sinks) == 0 {
		return nil, nil
	}

	perSink := make([][]Result, len(d.sinks))
	errs := make([]error, len(d.sinks))
	var wg sync.WaitGroup
	for i, s := range d.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results := make([]Result, 0, len(reports))
			var result *multierror.Error
			for _, r := range reports {
				res, err := d.deliver(ctx, s, r)
				results = append(results, res)
				if err != nil {
					result = multierror.Append(result, err)
				}
			}
			perSink[i] = results
			errs[i] = result.ErrorOrNil()
		}()
	}
	wg.Wait()

	var all []Result
	for _, r := range perSink {
		all = append(all, r...)
	}
	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return all, result.ErrorOrNil()
}

// DispatchOne delivers a single report to all sinks.
func (d *Dispatcher) DispatchOne(ctx context.Context, report dmarc.Report) ([]Result, error) {
	return d.Dispatch(ctx, []dmarc.Report{report})
}

func (d *Dispatcher) deliver(ctx context.Context, s sink.Sink, report dmarc.Report) (Result, error) {
	res := Result{
		Sink:        s.Name(),
		Fingerprint: report.Fingerprint,
	}
	logger := d.logger.With(
		slog.String("sink", s.Name()),
		slog.String("fingerprint", report.Fingerprint),
		slog.String("report_id", report.ID()),
	)

	var lastErr error
	for attempt := range d.opts.MaxAttempts {
		if attempt > 0 {
			if err := d.sleep(ctx, d.Backoff(attempt-1)); err != nil {
				// shutting down, the item is picked up again on the next run
				res.Err = err
				return res, fmt.Errorf("delivery to %s interrupted: %w", s.Name(), err)
			}
		}
		res.Attempts = attempt + 1
		lastErr = s.Deliver(ctx, report)
		if lastErr == nil {
			res.Delivered = true
			metrics.Deliveries.WithLabelValues(s.Name(), "delivered").Inc()
			return res, nil
		}
		if errors.Is(lastErr, context.Canceled) && ctx.Err() != nil {
			res.Err = lastErr
			return res, fmt.Errorf("delivery to %s interrupted: %w", s.Name(), lastErr)
		}
		if sink.IsFatal(lastErr) {
			metrics.Deliveries.WithLabelValues(s.Name(), "fatal").Inc()
			break
		}
		metrics.Deliveries.WithLabelValues(s.Name(), "retry").Inc()
		logger.Warn("delivery failed", slog.Int("attempt", res.Attempts), slog.String("error", lastErr.Error()))
	}

	res.Err = lastErr
	entry := Entry{
		ID:        ulid.Make(),
		Sink:      s.Name(),
		Reason:    lastErr.Error(),
		Attempts:  res.Attempts,
		Report:    report,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.dead.Store(ctx, entry); err != nil {
		logger.Error("could not store dead letter", slog.String("error", err.Error()))
		return res, fmt.Errorf("could not dead-letter report %s for %s: %w", report.Fingerprint, s.Name(), err)
	}
	res.DeadLettered = true
	metrics.DeadLetters.WithLabelValues(s.Name()).Inc()
	logger.Error("report dead-lettered", slog.String("id", entry.ID.String()), slog.Int("attempts", res.Attempts), slog.String("reason", entry.Reason))
	return res, nil
}
