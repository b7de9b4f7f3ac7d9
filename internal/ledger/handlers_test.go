package ledger_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-pricing/internal/events"
	"github.com/noah-isme/pos-pricing/internal/ledger"
	"github.com/noah-isme/pos-pricing/internal/store/memory"
)

func newRouter(h *ledger.Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1/tariffs", func(t chi.Router) {
		t.Get("/", h.List)
		t.Get("/{id}", h.Get)
		t.Get("/{id}/history", h.ListHistory)
		t.Put("/{id}/overrides/{productId}", h.SetOverride)
		t.Delete("/{id}/overrides/{productId}", h.ClearOverride)
		t.Post("/{id}/bulk-adjust", h.BulkAdjust)
	})
	return r
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func newTestHandler(t *testing.T, store ledger.Store, mem *memory.Store) http.Handler {
	t.Helper()
	bus := &events.Bus{Store: mem}
	return newRouter(&ledger.Handler{
		Ledger:  &ledger.Ledger{Store: store, Events: bus},
		Catalog: mem,
		History: mem,
	})
}

func TestHandlersOverrideLifecycle(t *testing.T) {
	mem := seed(t, false)
	router := newTestHandler(t, mem, mem)

	rec := do(router, http.MethodPut, "/api/v1/tariffs/retail/overrides/p1", `{"marginPct":"30"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var set struct {
		Data struct {
			Price     string `json:"price"`
			LockPrice bool   `json:"lockPrice"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &set))
	require.Equal(t, "153.4", set.Data.Price)
	require.True(t, set.Data.LockPrice)

	rec = do(router, http.MethodGet, "/api/v1/tariffs/retail", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"revision":1`)

	rec = do(router, http.MethodDelete, "/api/v1/tariffs/retail/overrides/p1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(router, http.MethodGet, "/api/v1/tariffs/retail/history?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Data []events.Event `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Data, 2)
	require.Equal(t, events.TopicOverrideCleared, history.Data[0].Topic)
	require.Equal(t, events.TopicOverrideSet, history.Data[1].Topic)

	rec = do(router, http.MethodGet, "/api/v1/tariffs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":"retail"`)
}

func TestHandlersErrorMapping(t *testing.T) {
	mem := seed(t, false)
	router := newTestHandler(t, mem, mem)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown tariff", http.MethodGet, "/api/v1/tariffs/ghost", "", http.StatusNotFound, "NOT_FOUND"},
		{"unknown product", http.MethodPut, "/api/v1/tariffs/retail/overrides/ghost", `{"price":"1"}`, http.StatusNotFound, "NOT_FOUND"},
		{"missing lock", http.MethodDelete, "/api/v1/tariffs/retail/overrides/p1", "", http.StatusNotFound, "NOT_FOUND"},
		{"both fields", http.MethodPut, "/api/v1/tariffs/retail/overrides/p1", `{"price":"1","marginPct":"2"}`, http.StatusBadRequest, "INVALID_EDIT"},
		{"margin on zero cost", http.MethodPut, "/api/v1/tariffs/retail/overrides/p3", `{"marginPct":"20"}`, http.StatusBadRequest, "INVALID_EDIT"},
		{"malformed", http.MethodPut, "/api/v1/tariffs/retail/overrides/p1", `{"price":`, http.StatusBadRequest, "BAD_REQUEST"},
		{"empty filter match", http.MethodPost, "/api/v1/tariffs/retail/bulk-adjust", `{"filter":{"category":"none"},"deltaPct":"5"}`, http.StatusBadRequest, "BULK_ADJUSTMENT_REJECTED"},
		{"missing delta", http.MethodPost, "/api/v1/tariffs/retail/bulk-adjust", `{"filter":{}}`, http.StatusBadRequest, "VALIDATION_FAILED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(router, tc.method, tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.Equal(t, tc.code, errorCode(t, rec))
		})
	}
}

func TestHandlersConflictMapsTo409(t *testing.T) {
	mem := seed(t, false)
	store := &conflictStore{Store: mem, conflicts: 100}
	router := newTestHandler(t, store, mem)

	rec := do(router, http.MethodPut, "/api/v1/tariffs/retail/overrides/p1", `{"price":"120"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "CONCURRENT_MODIFICATION", errorCode(t, rec))
}

func TestHandlersBulkAdjust(t *testing.T) {
	mem := seed(t, false)
	router := newTestHandler(t, mem, mem)

	rec := do(router, http.MethodPost, "/api/v1/tariffs/retail/bulk-adjust", `{"filter":{"category":"drinks"},"deltaPct":10}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Data []ledger.Adjustment `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	require.Equal(t, "2.75", resp.Data[0].NewPrice.StringFixed(2))

	list, err := mem.ListEvents(context.Background(), "retail", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, events.TopicBulkAdjusted, list[0].Topic)
}
