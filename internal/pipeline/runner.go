package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/firefart/dmarcpipeline/internal/cursor"
	"github.com/firefart/dmarcpipeline/internal/mailbox"
	"github.com/firefart/dmarcpipeline/internal/metrics"
)

type RunnerOptions struct {
	// Workers bounds the number of items processed at once over all
	// mailboxes.
	Workers       int
	BatchSize     int
	FetchInterval time.Duration
}

// Runner polls all mailboxes and feeds their items to a Processor.
type Runner struct {
	mailboxes []mailbox.Mailbox
	cursors   *cursor.Manager
	processor *Processor
	sem       *semaphore.Weighted
	opts      RunnerOptions
	logger    *slog.Logger
}

func NewRunner(mailboxes []mailbox.Mailbox, cursors *cursor.Manager, processor *Processor, opts RunnerOptions, logger *slog.Logger) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 30
	}
	if opts.FetchInterval <= 0 {
		opts.FetchInterval = time.Hour
	}
	return &Runner{
		mailboxes: mailboxes,
		cursors:   cursors,
		processor: processor,
		sem:       semaphore.NewWeighted(int64(opts.Workers)),
		opts:      opts,
		logger:    logger,
	}
}

// Run polls until ctx is canceled. Items already being processed when ctx
// is canceled are finished before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	// used to start the ticker immediately
	// otherwise it first runs after the first
	// period
	r.logger.Info("starting first run")
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error("run failed", slog.String("error", err.Error()))
	}
	r.logger.Info("first run finished")

	ticker := time.NewTicker(r.opts.FetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("context done")
			return nil
		case <-ticker.C:
			r.logger.Info("starting new run")
			if err := r.RunOnce(ctx); err != nil {
				// only log the error here so we keep the loop running
				r.logger.Error("run failed", slog.String("error", err.Error()))
			}
			r.logger.Info("run finished")
		}
	}
}

// RunOnce polls every mailbox until it has no more items to offer. A failing
// mailbox does not stop the others.
func (r *Runner) RunOnce(ctx context.Context) error {
	var mu sync.Mutex
	var result *multierror.Error

	var g errgroup.Group
	for _, mb := range r.mailboxes {
		g.Go(func() error {
			if err := r.pollMailbox(ctx, mb); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("mailbox %s: %w", mb.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

// run in batch sizes as some IMAP servers have pretty
// short timeouts
func (r *Runner) pollMailbox(ctx context.Context, mb mailbox.Mailbox) error {
	logger := r.logger.With(slog.String("mailbox", mb.Name()))
	for {
		if ctx.Err() != nil {
			return nil
		}
		logger.Debug("listing mailbox", slog.Int("batch_size", r.opts.BatchSize))
		batch, err := r.cursors.List(ctx, mb, r.opts.BatchSize)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		n := len(batch.Items)
		r.processBatch(ctx, mb, batch, logger)
		advanced, blocked := batch.Advanced(), batch.Blocked()
		batch.Close()

		logger.Info("processed batch", slog.Int("items", n), slog.Bool("blocked", blocked))
		if n < r.opts.BatchSize || !advanced || blocked {
			return nil
		}
	}
}

func (r *Runner) processBatch(ctx context.Context, mb mailbox.Mailbox, batch *cursor.Batch, logger *slog.Logger) {
	var wg sync.WaitGroup
	for _, item := range batch.Items {
		// stop intake on shutdown, unstarted items are listed again later
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.sem.Release(1)
			// in flight items run to completion
			ictx := context.WithoutCancel(ctx)

			res := r.processor.Process(ictx, mb, item)
			metrics.Items.WithLabelValues(mb.Name(), res.Outcome.String()).Inc()
			if res.Err != nil {
				logger.Warn("item finished with errors",
					slog.String("item", item.ID),
					slog.String("outcome", res.Outcome.String()),
					slog.String("error", res.Err.Error()),
				)
			}
			if err := batch.Finish(ictx, item, res.Outcome, res.Kind); err != nil {
				logger.Error("could not advance cursor", slog.String("item", item.ID), slog.String("error", err.Error()))
			}
		}()
	}
	wg.Wait()
}
