package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/redis/go-redis/v9"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/cursor"
	"github.com/firefart/dmarcpipeline/internal/dedup"
	"github.com/firefart/dmarcpipeline/internal/dispatch"
	"github.com/firefart/dmarcpipeline/internal/dmarc"
	"github.com/firefart/dmarcpipeline/internal/dns"
	"github.com/firefart/dmarcpipeline/internal/graph"
	"github.com/firefart/dmarcpipeline/internal/imap"
	"github.com/firefart/dmarcpipeline/internal/mailbox"
	"github.com/firefart/dmarcpipeline/internal/metrics"
	"github.com/firefart/dmarcpipeline/internal/pipeline"
	"github.com/firefart/dmarcpipeline/internal/sink"
	"github.com/firefart/dmarcpipeline/internal/store"

	// needed to handle other charsets too
	_ "github.com/emersion/go-message/charset"
)

type cliOptions struct {
	configFile string
	debug      bool
	dryRun     bool
	once       bool
}

func main() {
	var opts cliOptions
	flag.StringVar(&opts.configFile, "config", "", "Config File to use")
	flag.BoolVar(&opts.debug, "debug", false, "Print debug output")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "process reports but keep cursors and fingerprints in memory and leave all mails untouched")
	flag.BoolVar(&opts.once, "once", false, "poll all mailboxes once and exit")
	flag.Parse()

	logger := newLogger(opts.debug, os.Stdout)

	// a missing .env file is fine
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("could not load .env file", slog.String("error", err.Error()))
	}

	settings, err := config.GetConfig(config.Default(), opts.configFile)
	if err != nil {
		logger.Error("could not read config", slog.String("file", opts.configFile), slog.String("error", err.Error()))
		os.Exit(1)
	}

	// trap Ctrl+C and call cancel on the context
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, settings, opts); err != nil {
		logger.Error("error on run", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(debug bool, w io.Writer) *slog.Logger {
	logOpts := log.Options{
		ReportTimestamp: true,
		Level:           log.InfoLevel,
	}
	if debug {
		logOpts.Level = log.DebugLevel
		logOpts.ReportCaller = true
	}
	if f, ok := w.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
		logOpts.Formatter = log.JSONFormatter
	}
	return slog.New(log.NewWithOptions(w, logOpts))
}

func run(ctx context.Context, logger *slog.Logger, settings *config.Configuration, opts cliOptions) error {
	var closers []func() error
	defer func() {
		var result *multierror.Error
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](); cerr != nil {
				result = multierror.Append(result, cerr)
			}
		}
		if cerr := result.ErrorOrNil(); cerr != nil {
			logger.Error("error on shutdown", slog.String("error", cerr.Error()))
		}
	}()

	if opts.dryRun {
		logger.Info("dry run: cursors and fingerprints are kept in memory and mails are left untouched")
	}

	var enricher dmarc.Enricher
	if settings.DNS.Enabled {
		enricher = dns.New(settings.DNS, logger.With(slog.String("component", "dns")))
	}
	normalizer := dmarc.NewNormalizer(enricher, logger)

	dbs := newDatabases()
	closers = append(closers, dbs.Close)

	deduplicator, err := newDeduplicator(ctx, dbs, settings.Dedup, opts.dryRun)
	if err != nil {
		return err
	}
	if c, ok := deduplicator.(interface{ Close() error }); ok {
		closers = append(closers, c.Close)
	}

	cursorStore, deadLetters, err := newStores(ctx, dbs, settings, opts.dryRun)
	if err != nil {
		return err
	}

	var sinks []sink.Sink
	for _, sc := range settings.Sinks {
		s, err := sink.New(sc, logger)
		if err != nil {
			return fmt.Errorf("could not create sink %s: %w", sc.Name, err)
		}
		sinks = append(sinks, s)
		closers = append(closers, func() error { return sink.Close(s) })
	}

	dispatcher := dispatch.New(sinks, deadLetters, dispatch.Options{
		MaxAttempts:    settings.Retry.MaxAttempts,
		InitialBackoff: settings.Retry.InitialBackoff.Duration,
		MaxBackoff:     settings.Retry.MaxBackoff.Duration,
	}, logger.With(slog.String("component", "dispatch")))

	processor := pipeline.NewProcessor(deduplicator, normalizer, dispatcher, pipeline.Options{
		Duplicates:    settings.Duplicates,
		ForensicDedup: settings.ForensicDedup,
		MaxReportSize: settings.MaxReportSize,
	}, logger)

	cursors := cursor.NewManager(cursorStore, logger.With(slog.String("component", "cursor")))
	var mailboxes []mailbox.Mailbox
	for _, mc := range settings.Mailboxes {
		mb, err := newMailbox(ctx, mc, logger)
		if err != nil {
			return err
		}
		mailboxes = append(mailboxes, mb)
		closers = append(closers, mb.Close)
		cursors.SetPolicy(mb.Name(), cursor.Policy{
			Action:        mailbox.Action(mc.Disposition),
			ArchiveFolder: mc.ArchiveFolder,
			DryRun:        opts.dryRun,
		})
	}

	if settings.Metrics.Listen != "" {
		srv := startMetrics(settings.Metrics.Listen, logger)
		closers = append(closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logGoroutines(ctx, logger, opts.debug, 3*time.Second)

	runner := pipeline.NewRunner(mailboxes, cursors, processor, pipeline.RunnerOptions{
		Workers:       settings.Workers,
		BatchSize:     settings.BatchSize,
		FetchInterval: settings.FetchInterval.Duration,
	}, logger)

	if opts.once {
		return runner.RunOnce(ctx)
	}
	return runner.Run(ctx)
}

// databases opens every sqlite and postgres dsn once, so state,
// fingerprints and dead letters share a connection when they use the same
// database.
type databases struct {
	sqlites  map[string]*store.SQLite
	postgres map[string]*store.Postgres
	closers  []func() error
}

func newDatabases() *databases {
	return &databases{
		sqlites:  make(map[string]*store.SQLite),
		postgres: make(map[string]*store.Postgres),
	}
}

func (d *databases) sqlite(ctx context.Context, dsn string) (*store.SQLite, error) {
	if s, ok := d.sqlites[dsn]; ok {
		return s, nil
	}
	s, err := store.OpenSQLite(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open sqlite database: %w", err)
	}
	d.closers = append(d.closers, s.Close)
	d.sqlites[dsn] = s
	return s, nil
}

func (d *databases) postgresDB(ctx context.Context, dsn string) (*store.Postgres, error) {
	if p, ok := d.postgres[dsn]; ok {
		return p, nil
	}
	p, err := store.OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open postgres database: %w", err)
	}
	d.closers = append(d.closers, p.Close)
	d.postgres[dsn] = p
	return p, nil
}

func (d *databases) Close() error {
	var result *multierror.Error
	for _, c := range d.closers {
		if err := c(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// logGoroutines prints the number of goroutines in debug mode until ctx is
// done. It reports whether the ticker was started.
func logGoroutines(ctx context.Context, logger *slog.Logger, debug bool, interval time.Duration) bool {
	if !debug {
		return false
	}
	go func() {
		goRoutineTicker := time.NewTicker(interval)
		defer goRoutineTicker.Stop()
		for {
			select {
			case <-goRoutineTicker.C:
				logger.Debug("number of goroutines", slog.Int("count", runtime.NumGoroutine()))
			case <-ctx.Done():
				return
			}
		}
	}()
	return true
}

func newDeduplicator(ctx context.Context, dbs *databases, conf config.DedupConfig, dryRun bool) (dedup.Deduplicator, error) {
	opts := dedup.Options{
		Retention:  conf.Retention.Duration,
		Lease:      conf.Lease.Duration,
		MaxEntries: conf.MaxEntries,
	}
	// a dry run must not mark reports as seen for later real runs
	if dryRun {
		return dedup.NewMemory(opts), nil
	}
	switch conf.Backend {
	case "redis":
		redisOpts, err := redis.ParseURL(conf.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid dedup redis url: %w", err)
		}
		return dedup.NewRedis(redis.NewClient(redisOpts), opts), nil
	case "sqlite":
		s, err := dbs.sqlite(ctx, conf.DSN)
		if err != nil {
			return nil, err
		}
		return s.Fingerprints(opts), nil
	case "postgres":
		p, err := dbs.postgresDB(ctx, conf.DSN)
		if err != nil {
			return nil, err
		}
		return p.Fingerprints(opts), nil
	default:
		return dedup.NewMemory(opts), nil
	}
}

func newStores(ctx context.Context, dbs *databases, settings *config.Configuration, dryRun bool) (cursor.Store, dispatch.DeadLetter, error) {
	var cursorStore cursor.Store
	switch {
	case dryRun || settings.State.Backend == "memory":
		cursorStore = cursor.NewMemoryStore()
	case settings.State.Backend == "sqlite":
		s, err := dbs.sqlite(ctx, settings.State.DSN)
		if err != nil {
			return nil, nil, err
		}
		cursorStore = s
	case settings.State.Backend == "postgres":
		p, err := dbs.postgresDB(ctx, settings.State.DSN)
		if err != nil {
			return nil, nil, err
		}
		cursorStore = p
	default:
		return nil, nil, fmt.Errorf("unknown state backend %q", settings.State.Backend)
	}

	var deadLetters dispatch.DeadLetter
	switch settings.DeadLetter.Backend {
	case "sqlite":
		s, err := dbs.sqlite(ctx, settings.DeadLetter.DSN)
		if err != nil {
			return nil, nil, err
		}
		deadLetters = s
	case "postgres":
		p, err := dbs.postgresDB(ctx, settings.DeadLetter.DSN)
		if err != nil {
			return nil, nil, err
		}
		deadLetters = p
	default:
		f, err := store.NewFile(settings.DeadLetter.Path)
		if err != nil {
			return nil, nil, err
		}
		deadLetters = f
	}
	return cursorStore, deadLetters, nil
}

func newMailbox(ctx context.Context, conf config.MailboxConfig, logger *slog.Logger) (mailbox.Mailbox, error) {
	switch conf.Type {
	case "imap":
		return imap.New(conf.Name, *conf.IMAP, logger), nil
	case "graph":
		return graph.New(ctx, conf.Name, *conf.Graph, logger), nil
	case "dir":
		mb, err := mailbox.NewDir(conf.Name, conf.Dir.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("mailbox %s: %w", conf.Name, err)
		}
		return mb, nil
	default:
		return nil, fmt.Errorf("unknown mailbox type %q", conf.Type)
	}
}

func startMetrics(listen string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting metrics server", slog.String("listen", listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	return srv
}
