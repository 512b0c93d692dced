package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/firefart/dmarcpipeline/internal/dmarc"
)

// RedisQueue pushes reports to a redis list as Celery tasks, so python
// workers can consume them with `celery worker -Q <queue>`.
type RedisQueue struct {
	name    string
	rdb     *redis.Client
	queue   string
	timeout time.Duration
	logger  *slog.Logger
}

func NewRedisQueue(name string, rdb *redis.Client, queue string, timeout time.Duration, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		name:    name,
		rdb:     rdb,
		queue:   queue,
		timeout: timeout,
		logger:  logger,
	}
}

type celeryTask struct {
	ID      string  `json:"id"`
	Task    string  `json:"task"`
	Args    []any   `json:"args"`
	Kwargs  any     `json:"kwargs"`
	Retries int     `json:"retries"`
	ETA     *string `json:"eta"`
}

type celeryMessage struct {
	Body            string         `json:"body"`
	ContentEncoding string         `json:"content-encoding"`
	ContentType     string         `json:"content-type"`
	Headers         map[string]any `json:"headers"`
	Properties      map[string]any `json:"properties"`
}

func taskName(kind dmarc.Kind) string {
	return fmt.Sprintf("dmarc.tasks.process_%s_report", kind)
}

func (q *RedisQueue) Name() string {
	return q.name
}

func (q *RedisQueue) envelope(report dmarc.Report) ([]byte, string, error) {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return nil, "", fmt.Errorf("marshal report: %w", err)
	}

	taskID := uuid.New().String()
	task := taskName(report.Kind)
	taskBody, err := json.Marshal(celeryTask{
		ID:     taskID,
		Task:   task,
		Args:   []any{string(reportJSON)},
		Kwargs: map[string]any{},
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal celery task: %w", err)
	}

	msg, err := json.Marshal(celeryMessage{
		Body:            string(taskBody),
		ContentEncoding: "utf-8",
		ContentType:     "application/json",
		Headers: map[string]any{
			"lang":    "py",
			"task":    task,
			"id":      taskID,
			"retries": 0,
		},
		Properties: map[string]any{
			"correlation_id": taskID,
			"delivery_mode":  2,
			"delivery_tag":   taskID,
			"body_encoding":  "utf-8",
			"exchange":       q.queue,
			"routing_key":    q.queue,
			"delivery_info": map[string]string{
				"exchange":    q.queue,
				"routing_key": q.queue,
			},
		},
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal celery message: %w", err)
	}
	return msg, taskID, nil
}

func (q *RedisQueue) Deliver(ctx context.Context, report dmarc.Report) error {
	msg, taskID, err := q.envelope(report)
	if err != nil {
		return Fatal(err)
	}

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	// Celery uses LPUSH to the queue
	if err := q.rdb.LPush(ctx, q.queue, string(msg)).Err(); err != nil {
		return Retryable(fmt.Errorf("redis LPUSH: %w", err))
	}

	q.logger.Debug("published report to queue",
		slog.String("task_id", taskID),
		slog.String("fingerprint", report.Fingerprint),
		slog.String("queue", q.queue),
	)
	return nil
}

func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}
