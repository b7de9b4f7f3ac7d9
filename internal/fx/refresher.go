package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/pos-pricing/internal/resilience"
)

// Doer performs an outbound request. resilience.HTTPClient satisfies it.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Refresher pulls rates from an HTTP endpoint answering
// {"base":"EUR","rates":{"USD":1.08}} and merges them into Table.
type Refresher struct {
	Client   Doer
	Endpoint string
	Table    *Table
	Interval time.Duration
	Logger   zerolog.Logger
}

type ratesPayload struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

// NewHTTPClient returns a traced, retrying client guarded by a breaker.
func NewHTTPClient(timeout time.Duration, attempts int, backoff time.Duration, breaker *resilience.Breaker) resilience.HTTPClient {
	return resilience.HTTPClient{
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
		Breaker:     breaker,
		MaxAttempts: attempts,
		BaseBackoff: backoff,
		Jitter:      0.2,
		Timeout:     timeout,
	}
}

// Refresh fetches the endpoint once.
func (r *Refresher) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("fx: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.Client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("fx: fetch rates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fx: fetch rates: status %d", resp.StatusCode)
	}

	var payload ratesPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return fmt.Errorf("fx: decode rates: %w", err)
	}
	base := strings.TrimSpace(payload.Base)
	if base == "" {
		return fmt.Errorf("fx: response has no base currency")
	}
	update := make(map[Pair]decimal.Decimal, len(payload.Rates))
	for code, rate := range payload.Rates {
		if !rate.IsPositive() {
			continue
		}
		update[Pair{From: base, To: code}] = rate
	}
	r.Table.Merge(update, time.Now())
	r.Logger.Info().Str("base", strings.ToUpper(base)).Int("rates", len(update)).Msg("fx_rates_refreshed")
	return nil
}

// Run refreshes on every interval tick until ctx is done. Failures keep the
// previous rates.
func (r *Refresher) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	if err := r.Refresh(ctx); err != nil {
		r.Logger.Warn().Err(err).Msg("fx_refresh_failed")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.Logger.Warn().Err(err).Msg("fx_refresh_failed")
			}
		}
	}
}
