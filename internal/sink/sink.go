// Package sink delivers normalized reports to downstream systems.
//
// Every sink classifies its errors: a RetryableError is worth another
// attempt, a FatalError never is. The same condition is always classified
// the same way. Errors that are neither count as retryable.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/dmarc"
)

const defaultTimeout = 30 * time.Second

type Sink interface {
	Name() string
	Deliver(ctx context.Context, report dmarc.Report) error
}

type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func Retryable(err error) error {
	return &RetryableError{Err: err}
}

func Fatal(err error) error {
	return &FatalError{Err: err}
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// httpStatusError classifies a non 2xx response. Timeouts, rate limits and
// server errors are retryable, every other client error is fatal.
func httpStatusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	err := fmt.Errorf("server returned HTTP %d", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return Retryable(err)
	default:
		return Fatal(err)
	}
}

// New builds the sink described by conf.
func New(conf config.SinkConfig, logger *slog.Logger) (Sink, error) {
	timeout := conf.Timeout.Duration
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger = logger.With(slog.String("sink", conf.Name))

	switch conf.Type {
	case "syslog":
		return NewSyslog(conf.Name, *conf.Syslog, logger), nil
	case "webhook":
		return NewWebhook(conf.Name, *conf.Webhook, &http.Client{Timeout: timeout}), nil
	case "elasticsearch":
		return NewElasticsearch(conf.Name, *conf.Elasticsearch, &http.Client{Timeout: timeout}), nil
	case "redis":
		opts, err := redis.ParseURL(conf.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url for sink %s: %w", conf.Name, err)
		}
		return NewRedisQueue(conf.Name, redis.NewClient(opts), conf.Redis.Queue, timeout, logger), nil
	case "file":
		return NewFile(conf.Name, *conf.File)
	default:
		return nil, fmt.Errorf("unknown sink type %q", conf.Type)
	}
}

// Close releases resources of sinks that hold any.
func Close(s Sink) error {
	if c, ok := s.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
