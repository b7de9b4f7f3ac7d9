package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/pos-pricing/internal/events"
	"github.com/noah-isme/pos-pricing/internal/queue"
)

// TaskWebhookDelivery is the queue kind of one (endpoint, event) delivery.
const TaskWebhookDelivery = "pricing:webhook.deliver"

// DeliveryTask is the queued payload. Secrets stay out of the queue; the
// worker looks them up by URL.
type DeliveryTask struct {
	EndpointURL string       `json:"endpointUrl"`
	Event       events.Event `json:"event"`
}

// QueueNotifier fans each price event out to every endpoint as a queued task.
type QueueNotifier struct {
	Queue       queue.Enqueuer
	Endpoints   []Endpoint
	MaxAttempts int
}

// Notify implements events.Notifier.
func (n QueueNotifier) Notify(ctx context.Context, ev events.Event) error {
	if n.Queue == nil {
		return nil
	}
	var joined error
	for _, ep := range n.Endpoints {
		payload, err := json.Marshal(DeliveryTask{EndpointURL: ep.URL, Event: ev})
		if err != nil {
			return err
		}
		err = n.Queue.Enqueue(ctx, queue.Task{
			Kind:           TaskWebhookDelivery,
			Payload:        payload,
			IdempotencyKey: replayKey(ep.URL, ev.ID.String()),
			MaxAttempts:    n.MaxAttempts,
		})
		if err != nil {
			joined = errors.Join(joined, fmt.Errorf("enqueue delivery to %s: %w", ep.URL, err))
		}
	}
	return joined
}

// DeliveryHandler returns the worker handler for TaskWebhookDelivery.
// Undecodable payloads, endpoints no longer configured and 4xx answers other
// than 408/429 are dropped rather than retried.
func DeliveryHandler(d *Dispatcher, endpoints []Endpoint) queue.HandlerFunc {
	byURL := make(map[string]Endpoint, len(endpoints))
	for _, ep := range endpoints {
		byURL[ep.URL] = ep
	}
	return func(ctx context.Context, payload []byte) error {
		var task DeliveryTask
		if err := json.Unmarshal(payload, &task); err != nil {
			return fmt.Errorf("decode delivery: %v: %w", err, asynq.SkipRetry)
		}
		ep, ok := byURL[task.EndpointURL]
		if !ok {
			return fmt.Errorf("endpoint %q not configured: %w", task.EndpointURL, asynq.SkipRetry)
		}
		status, err := d.Deliver(ctx, ep, task.Event)
		if err != nil && permanent(status) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
}

// permanent reports client errors a retry cannot fix.
func permanent(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}
