package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/dedup"
	"github.com/firefart/dmarcpipeline/internal/store"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogGoroutines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		debug bool
	}{
		{"debug", true},
		{"quiet", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			var buf syncBuffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			if started := logGoroutines(ctx, logger, tc.debug, 10*time.Millisecond); started != tc.debug {
				t.Fatalf("started = %t, want %t", started, tc.debug)
			}
			time.Sleep(200 * time.Millisecond)
			if logged := strings.Contains(buf.String(), "number of goroutines"); logged != tc.debug {
				t.Fatalf("logged = %t, want %t", logged, tc.debug)
			}
		})
	}
}

func TestNewDeduplicator(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "state.db")
	conf := config.DedupConfig{Backend: "sqlite", DSN: dsn}

	dbs := newDatabases()
	defer dbs.Close()

	d, err := newDeduplicator(ctx, dbs, conf, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.(*store.SQLiteFingerprints); !ok {
		t.Fatalf("got %T, want *store.SQLiteFingerprints", d)
	}
	// the state store shares the connection
	s, err := dbs.sqlite(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	if s != dbs.sqlites[dsn] || len(dbs.sqlites) != 1 {
		t.Fatal("database opened twice")
	}

	dry, err := newDeduplicator(ctx, dbs, conf, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := dry.(*dedup.Memory); !ok {
		t.Fatalf("dry run got %T, want *dedup.Memory", dry)
	}

	mem, err := newDeduplicator(ctx, dbs, config.DedupConfig{Backend: "memory"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := mem.(*dedup.Memory); !ok {
		t.Fatalf("got %T, want *dedup.Memory", mem)
	}
}
