package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-pricing/internal/resilience"
)

const maxRetryDelay = 10 * time.Minute

// HandlerFunc processes one task payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Worker consumes tasks for the registered kinds.
type Worker struct {
	RedisURL    string
	Queue       string
	Concurrency int
	RetryBase   time.Duration
	RetryJitter float64
	Logger      zerolog.Logger

	handlers map[string]HandlerFunc
}

// Handle registers fn for kind.
func (w *Worker) Handle(kind string, fn HandlerFunc) {
	if w.handlers == nil {
		w.handlers = map[string]HandlerFunc{}
	}
	w.handlers[kind] = fn
}

// Run processes tasks until ctx is done, then waits for in-flight tasks.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return errors.New("queue: no handlers registered")
	}
	opt, err := asynq.ParseRedisURI(w.RedisURL)
	if err != nil {
		return fmt.Errorf("queue: parse redis url: %w", err)
	}
	queueName := w.Queue
	if queueName == "" {
		queueName = DefaultQueue
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency:    max(w.Concurrency, 1),
		Queues:         map[string]int{queueName: 1},
		Logger:         zerologAdapter{l: w.Logger},
		RetryDelayFunc: w.retryDelay,
	})
	if err := srv.Start(w.Mux()); err != nil {
		return fmt.Errorf("queue: start worker: %w", err)
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

// Mux routes tasks to the registered handlers and records outcomes.
func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for kind, fn := range w.handlers {
		mux.HandleFunc(kind, func(ctx context.Context, t *asynq.Task) error {
			err := fn(ctx, t.Payload())
			switch {
			case err == nil:
				ProcessedTotal.WithLabelValues(kind, "ok").Inc()
			case errors.Is(err, asynq.SkipRetry):
				ProcessedTotal.WithLabelValues(kind, "dropped").Inc()
			default:
				ProcessedTotal.WithLabelValues(kind, "retry").Inc()
			}
			return err
		})
	}
	return mux
}

func (w *Worker) retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	base := w.RetryBase
	if base <= 0 {
		base = time.Second
	}
	if n > 16 {
		return maxRetryDelay
	}
	d := resilience.Backoff(base, n+1, w.RetryJitter)
	if d <= 0 {
		return maxRetryDelay
	}
	return min(d, maxRetryDelay)
}

type zerologAdapter struct {
	l zerolog.Logger
}

func (a zerologAdapter) Debug(args ...any) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a zerologAdapter) Info(args ...any)  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a zerologAdapter) Warn(args ...any)  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a zerologAdapter) Error(args ...any) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a zerologAdapter) Fatal(args ...any) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
