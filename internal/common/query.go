package common

import (
	"net/http"
	"strconv"
	"strings"
)

// QueryLimit reads the "limit" query parameter. Missing, malformed and
// out-of-range values fall back to def.
func QueryLimit(r *http.Request, def, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}
