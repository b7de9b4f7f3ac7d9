package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/noah-isme/pos-pricing/internal/common"
)

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	Reset     time.Time
}

// Limiter counts hits per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Fixed is a fixed-window limiter backed by a ulule store.
type Fixed struct {
	l *limiter.Limiter
}

// NewStore returns a Redis store when client is set, otherwise a process-local one.
func NewStore(client *redis.Client, prefix string) (limiter.Store, error) {
	opts := limiter.StoreOptions{Prefix: prefix, CleanUpInterval: time.Minute}
	if client == nil {
		return memory.NewStoreWithOptions(opts), nil
	}
	return limiterredis.NewStoreWithOptions(client, opts)
}

// NewFixed allows max hits per key in every window.
func NewFixed(store limiter.Store, max int64, window time.Duration) *Fixed {
	return &Fixed{l: limiter.New(store, limiter.Rate{Period: window, Limit: max})}
}

// Allow implements Limiter.
func (f *Fixed) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := f.l.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:   !res.Reached,
		Limit:     res.Limit,
		Remaining: res.Remaining,
		Reset:     time.Unix(res.Reset, 0),
	}, nil
}

// Handler rejects callers above their quota with 429.
type Handler struct {
	Limiter Limiter
	// Key derives the bucket; nil uses KeyByStore.
	Key     func(*http.Request) string
	OnError func(error)
}

// KeyByStore buckets by X-Store-ID, falling back to the client address.
func KeyByStore(r *http.Request) string {
	if store := strings.TrimSpace(r.Header.Get("X-Store-ID")); store != "" {
		return "store:" + store
	}
	return "ip:" + common.ClientIP(r)
}

// Middleware implements chi middleware. Limiter failures let the request through.
func (h Handler) Middleware(next http.Handler) http.Handler {
	if h.Limiter == nil {
		return next
	}
	keyFn := h.Key
	if keyFn == nil {
		keyFn = KeyByStore
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := h.Limiter.Allow(r.Context(), keyFn(r))
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		headers.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))
		if !decision.Allowed {
			retryAfter := int(time.Until(decision.Reset).Seconds())
			headers.Set("Retry-After", strconv.Itoa(max(retryAfter, 0)))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
