package obs

import (
	"context"
	"net/http"
	"strings"
)

type ctxKey int

const (
	routePatternKey ctxKey = iota
)

// WithRoutePattern records the matched chi pattern so metrics and spans use
// low-cardinality route labels.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	return context.WithValue(ctx, routePatternKey, pattern)
}

// RoutePatternFromContext returns the recorded pattern or "".
func RoutePatternFromContext(ctx context.Context) string {
	pattern, _ := ctx.Value(routePatternKey).(string)
	return pattern
}

// StoreID returns the trimmed X-Store-ID header.
func StoreID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(StoreHeader))
}
