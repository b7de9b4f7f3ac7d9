package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/pos-pricing/internal/events"
)

// Endpoint is a POS terminal or back-office hook subscribed to price changes.
type Endpoint struct {
	URL    string
	Secret string
}

// ParseEndpoints reads "https://a/hook|secret,https://b/hook|secret2".
func ParseEndpoints(value string) ([]Endpoint, error) {
	var out []Endpoint
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		rawURL, secret, _ := strings.Cut(entry, "|")
		ep := Endpoint{URL: strings.TrimSpace(rawURL), Secret: strings.TrimSpace(secret)}
		if err := validateURL(ep.URL); err != nil {
			return nil, fmt.Errorf("webhook %q: %w", ep.URL, err)
		}
		out = append(out, ep)
	}
	return out, nil
}

// Doer sends HTTP requests; resilience.HTTPClient satisfies it.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// ReplayProtector guards against sending duplicate deliveries within a TTL.
type ReplayProtector interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Dispatcher delivers signed price events to endpoints.
type Dispatcher struct {
	HTTP      Doer
	Replay    ReplayProtector
	ReplayTTL time.Duration
	Now       func() time.Time
}

type webhookBody struct {
	EventID     string          `json:"eventId"`
	Topic       string          `json:"topic"`
	AggregateID string          `json:"tariffId"`
	Data        json.RawMessage `json:"data"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// Deliver posts ev to ep. Non-2xx answers are returned as errors so the
// queue retries them; a replayed delivery is reported as success.
func (d *Dispatcher) Deliver(ctx context.Context, ep Endpoint, ev events.Event) (int, error) {
	if d == nil || d.HTTP == nil {
		return 0, errors.New("notify: http client not configured")
	}
	ctx, span := otel.Tracer("notify.Dispatcher").Start(ctx, "Dispatcher.Deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.url", ep.URL),
		attribute.String("webhook.topic", ev.Topic),
		attribute.String("event.id", ev.ID.String()),
	)

	if err := validateURL(ep.URL); err != nil {
		span.RecordError(err)
		return 0, err
	}
	body, err := json.Marshal(webhookBody{
		EventID:     ev.ID.String(),
		Topic:       ev.Topic,
		AggregateID: ev.AggregateID,
		Data:        ev.Payload,
		OccurredAt:  ev.OccurredAt,
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	key := replayKey(ep.URL, ev.ID.String())
	if d.Replay != nil && d.ReplayTTL > 0 {
		ok, err := d.Replay.Acquire(ctx, key, d.ReplayTTL)
		if err != nil {
			span.RecordError(err)
			return 0, err
		}
		if !ok {
			span.AddEvent("delivery replay prevented")
			DeliveriesTotal.WithLabelValues("replayed").Inc()
			return http.StatusOK, nil
		}
	}

	status, err := d.send(ctx, ep, ev, body)
	if err != nil {
		span.RecordError(err)
		DeliveriesTotal.WithLabelValues("failed").Inc()
		if d.Replay != nil && d.ReplayTTL > 0 {
			_ = d.Replay.Release(context.WithoutCancel(ctx), key)
		}
		return status, err
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	DeliveriesTotal.WithLabelValues("delivered").Inc()
	return status, nil
}

func (d *Dispatcher) send(ctx context.Context, ep Endpoint, ev events.Event, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	ts := d.now().Unix()
	eventID := ev.ID.String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pos-pricing-webhooks/1.0")
	req.Header.Set("X-Event-ID", eventID)
	req.Header.Set("X-Event-Topic", ev.Topic)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Signature", ComputeSignature(ep.Secret, ts, eventID, body))

	resp, err := d.HTTP.Do(ctx, req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("notify: endpoint answered %s", resp.Status)
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("webhook url must be http or https")
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http webhook only allowed for localhost")
		}
	}
	return nil
}

// ComputeSignature calculates the webhook signature for the provided payload. The
// format is HMAC-SHA256 over "<ts>.<eventID>.<body>" using the endpoint secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func replayKey(endpointURL, eventID string) string {
	sum := sha256.Sum256([]byte(endpointURL))
	return "pricing:webhook:" + hex.EncodeToString(sum[:8]) + ":" + eventID
}
