package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

// DefaultQueue is the asynq queue price notifications are published to.
const DefaultQueue = "pricing"

// Task represents a job to be processed asynchronously.
type Task struct {
	Kind    string
	Payload []byte
	// IdempotencyKey deduplicates the task while it is pending or retained.
	IdempotencyKey string
	MaxAttempts    int
	Delay          time.Duration
}

// Enqueuer publishes tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, t Task) error
}

// Client publishes tasks to Redis through asynq.
type Client struct {
	C         *asynq.Client
	Queue     string
	Retention time.Duration
}

// NewClient connects to the Redis instance at redisURL.
func NewClient(redisURL string) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	return &Client{C: asynq.NewClient(opt), Queue: DefaultQueue, Retention: time.Hour}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.C == nil {
		return nil
	}
	return c.C.Close()
}

// Enqueue implements Enqueuer. A task whose idempotency key is already known
// is silently dropped.
func (c *Client) Enqueue(ctx context.Context, t Task) error {
	if c == nil || c.C == nil {
		return errors.New("queue: client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return errors.New("queue: task kind is required")
	}
	maxAttempts := t.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	queueName := c.Queue
	if queueName == "" {
		queueName = DefaultQueue
	}
	opts := []asynq.Option{
		asynq.Queue(queueName),
		asynq.MaxRetry(maxAttempts - 1),
	}
	if t.Delay > 0 {
		opts = append(opts, asynq.ProcessIn(t.Delay))
	}
	if t.IdempotencyKey != "" {
		opts = append(opts, asynq.TaskID(kind+":"+t.IdempotencyKey))
		if c.Retention > 0 {
			opts = append(opts, asynq.Retention(c.Retention))
		}
	}
	_, err := c.C.EnqueueContext(ctx, asynq.NewTask(kind, t.Payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", kind, err)
	}
	return nil
}

func sanitizeKind(kind string) string {
	kind = strings.TrimSpace(kind)
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		if c >= 'a' && c <= 'z' {
			continue
		}
		if c >= '0' && c <= '9' {
			continue
		}
		if c == '-' || c == '_' || c == ':' || c == '.' {
			continue
		}
		return ""
	}
	return kind
}
