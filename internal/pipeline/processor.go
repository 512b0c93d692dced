// Package pipeline turns mailbox items into delivered reports.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/firefart/dmarcpipeline/internal/cursor"
	"github.com/firefart/dmarcpipeline/internal/dedup"
	"github.com/firefart/dmarcpipeline/internal/dispatch"
	"github.com/firefart/dmarcpipeline/internal/dmarc"
	"github.com/firefart/dmarcpipeline/internal/mailbox"
	"github.com/firefart/dmarcpipeline/internal/metrics"
)

const (
	DuplicatesDrop    = "drop"
	DuplicatesForward = "forward"

	ForensicDedupFingerprint = "fingerprint"
	ForensicDedupOff         = "off"
)

type Options struct {
	// Duplicates is DuplicatesDrop or DuplicatesForward.
	Duplicates string
	// ForensicDedup is ForensicDedupFingerprint or ForensicDedupOff.
	ForensicDedup string
	MaxReportSize int64
}

// Processor handles a single mailbox item end to end.
type Processor struct {
	dedup      dedup.Deduplicator
	normalizer *dmarc.Normalizer
	dispatcher *dispatch.Dispatcher
	opts       Options
	logger     *slog.Logger
}

func NewProcessor(d dedup.Deduplicator, n *dmarc.Normalizer, dispatcher *dispatch.Dispatcher, opts Options, logger *slog.Logger) *Processor {
	if opts.Duplicates == "" {
		opts.Duplicates = DuplicatesDrop
	}
	if opts.ForensicDedup == "" {
		opts.ForensicDedup = ForensicDedupFingerprint
	}
	return &Processor{
		dedup:      d,
		normalizer: n,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
	}
}

// Result is the outcome of one item.
type Result struct {
	Outcome cursor.Outcome
	// Kind of the first valid report, empty for skipped items
	Kind dmarc.Kind
	// Reports is the number of valid reports found in the item
	Reports int
	// Delivered is the number of reports handed to the sinks
	Delivered int
	// Err summarizes attachment level problems. It does not make the item
	// fail on its own.
	Err error
}

// Process fetches, parses and dispatches one item. Extraction and schema
// errors of single attachments are collected in Result.Err while the other
// attachments go on. The item fails when it cannot be fetched or a report
// could neither be delivered nor dead-lettered.
func (p *Processor) Process(ctx context.Context, mb mailbox.Mailbox, ref mailbox.ItemRef) Result {
	logger := p.logger.With(slog.String("mailbox", mb.Name()), slog.String("item", ref.ID))
	logger.Info("processing item", slog.String("subject", ref.Subject))

	raw, err := mb.Fetch(ctx, ref)
	if err != nil {
		metrics.Errors.WithLabelValues("fetch").Inc()
		return Result{Outcome: cursor.Failed, Err: fmt.Errorf("could not fetch item %s: %w", ref.ID, err)}
	}

	reports, itemErr := p.parse(ctx, mb.Name(), ref, raw.Data, logger)
	if len(reports) == 0 {
		logger.Info("item does not contain a valid dmarc report")
		return Result{Outcome: cursor.Skipped, Err: itemErr}
	}

	res := Result{
		Outcome: cursor.Processed,
		Kind:    reports[0].Kind,
		Reports: len(reports),
		Err:     itemErr,
	}

	var toSend []dmarc.Report
	var claimed []string
	for _, r := range reports {
		send, claim := p.checkDuplicate(ctx, r, logger)
		if claim {
			claimed = append(claimed, r.Fingerprint)
		}
		if send != nil {
			toSend = append(toSend, *send)
		}
	}

	if len(toSend) > 0 {
		if _, err := p.dispatcher.Dispatch(ctx, toSend); err != nil {
			// nothing may be marked as seen that was not stored anywhere
			for _, fp := range claimed {
				if err := p.dedup.Release(ctx, fp); err != nil {
					logger.Warn("could not release fingerprint", slog.String("fingerprint", fp), slog.String("error", err.Error()))
				}
			}
			res.Outcome = cursor.Failed
			res.Err = multierror.Append(itemErr, err)
			return res
		}
		res.Delivered = len(toSend)
	}

	for _, fp := range claimed {
		if err := p.dedup.Commit(ctx, fp); err != nil {
			logger.Warn("could not commit fingerprint", slog.String("fingerprint", fp), slog.String("error", err.Error()))
		}
	}
	return res
}

// parse extracts every attachment of an item and returns the valid reports.
func (p *Processor) parse(ctx context.Context, mailboxName string, ref mailbox.ItemRef, data []byte, logger *slog.Logger) ([]dmarc.Report, error) {
	var reports []dmarc.Report
	var result *multierror.Error

	for att, err := range dmarc.Extract(ref.ID, data, dmarc.ExtractOptions{MaxSize: p.opts.MaxReportSize}) {
		if err != nil {
			metrics.Errors.WithLabelValues("extract").Inc()
			logger.Warn("could not extract report", slog.String("error", err.Error()))
			result = multierror.Append(result, err)
			continue
		}
		attLogger := logger.With(slog.String("attachment", att.Filename))
		src := dmarc.Source{
			Mailbox:    mailboxName,
			ItemID:     ref.ID,
			Attachment: att.Filename,
		}

		report, err := p.parseAttachment(ctx, src, att)
		if err != nil {
			metrics.Errors.WithLabelValues("parse").Inc()
			attLogger.Warn("invalid report", slog.String("error", err.Error()))
			result = multierror.Append(result, fmt.Errorf("%s: %w", att.Filename, err))
			continue
		}
		metrics.Reports.WithLabelValues(string(report.Kind)).Inc()
		attLogger.Info("parsed report",
			slog.String("kind", string(report.Kind)),
			slog.String("org", report.OrgName()),
			slog.String("report_id", report.ID()),
			slog.String("fingerprint", report.Fingerprint),
		)
		reports = append(reports, report)
	}
	return reports, result.ErrorOrNil()
}

func (p *Processor) parseAttachment(ctx context.Context, src dmarc.Source, att dmarc.RawAttachment) (dmarc.Report, error) {
	switch att.Format {
	case dmarc.KindAggregate:
		fb, err := dmarc.ParseAggregate(att.Data)
		if err != nil {
			return dmarc.Report{}, err
		}
		r, err := p.normalizer.Aggregate(ctx, fb)
		if err != nil {
			return dmarc.Report{}, err
		}
		return dmarc.NewAggregate(src, r), nil
	case dmarc.KindForensic:
		fr, err := dmarc.ParseForensic(att.Data)
		if err != nil {
			return dmarc.Report{}, err
		}
		r, err := p.normalizer.Forensic(ctx, fr)
		if err != nil {
			return dmarc.Report{}, err
		}
		return dmarc.NewForensic(src, r), nil
	default:
		return dmarc.Report{}, fmt.Errorf("unknown report format %q", att.Format)
	}
}

// checkDuplicate returns the report to send, nil when it is dropped, and
// whether a fingerprint claim was taken that must be committed or released.
func (p *Processor) checkDuplicate(ctx context.Context, r dmarc.Report, logger *slog.Logger) (*dmarc.Report, bool) {
	if r.Kind == dmarc.KindForensic && p.opts.ForensicDedup == ForensicDedupOff {
		return &r, false
	}

	status, err := p.dedup.CheckAndMark(ctx, r.Fingerprint)
	if err != nil {
		// fail open
		metrics.Errors.WithLabelValues("dedup").Inc()
		logger.Warn("dedup check failed, treating report as new", slog.String("fingerprint", r.Fingerprint), slog.String("error", err.Error()))
		return &r, false
	}
	if status == dedup.New {
		return &r, true
	}

	metrics.Duplicates.WithLabelValues(string(r.Kind)).Inc()
	if p.opts.Duplicates == DuplicatesForward {
		logger.Info("forwarding duplicate report", slog.String("fingerprint", r.Fingerprint))
		d := r.AsDuplicate()
		return &d, false
	}
	logger.Info("dropping duplicate report", slog.String("fingerprint", r.Fingerprint), slog.String("report_id", r.ID()))
	return nil, false
}
