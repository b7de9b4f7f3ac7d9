package ledger

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-pricing/internal/common"
	"github.com/noah-isme/pos-pricing/internal/events"
	"github.com/noah-isme/pos-pricing/internal/pricing"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Catalog is the read side the admin endpoints need.
type Catalog interface {
	Tariffs(ctx context.Context) ([]pricing.Tariff, error)
	Tariff(ctx context.Context, id string) (pricing.Tariff, error)
	Products(ctx context.Context) ([]pricing.Product, error)
}

// History lists the events recorded for a tariff, newest first.
type History interface {
	ListEvents(ctx context.Context, aggregateID string, limit int) ([]events.Event, error)
}

// Handler exposes tariff administration endpoints.
type Handler struct {
	Ledger  *Ledger
	Catalog Catalog
	History History
}

type overrideRequest struct {
	Price     *decimal.Decimal `json:"price,omitempty"`
	MarginPct *decimal.Decimal `json:"marginPct,omitempty"`
}

type bulkAdjustRequest struct {
	Filter   Filter           `json:"filter"`
	DeltaPct *decimal.Decimal `json:"deltaPct" validate:"required"`
}

// List handles GET /api/v1/tariffs.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Catalog == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "tariff catalog not configured", nil)
		return
	}
	tariffs, err := h.Catalog.Tariffs(r.Context())
	if err != nil {
		common.WriteError(w, mapError(err))
		return
	}
	common.Data(w, http.StatusOK, tariffs)
}

// Get handles GET /api/v1/tariffs/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Catalog == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "tariff catalog not configured", nil)
		return
	}
	tariff, err := h.Catalog.Tariff(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, mapError(err))
		return
	}
	common.Data(w, http.StatusOK, tariff)
}

// ListHistory handles GET /api/v1/tariffs/{id}/history.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		common.JSONError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "price history not configured", nil)
		return
	}
	limit := common.QueryLimit(r, defaultHistoryLimit, maxHistoryLimit)
	items, err := h.History.ListEvents(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		common.WriteError(w, mapError(err))
		return
	}
	common.Data(w, http.StatusOK, items)
}

// SetOverride handles PUT /api/v1/tariffs/{id}/overrides/{productId}.
func (h *Handler) SetOverride(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "ledger not configured", nil)
		return
	}
	var req overrideRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	override, err := h.Ledger.SetOverride(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "productId"), Edit{
		Price:     req.Price,
		MarginPct: req.MarginPct,
	})
	if err != nil {
		common.WriteError(w, mapError(err))
		return
	}
	common.Data(w, http.StatusOK, override)
}

// ClearOverride handles DELETE /api/v1/tariffs/{id}/overrides/{productId}.
func (h *Handler) ClearOverride(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "ledger not configured", nil)
		return
	}
	if err := h.Ledger.ClearOverride(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "productId")); err != nil {
		common.WriteError(w, mapError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BulkAdjust handles POST /api/v1/tariffs/{id}/bulk-adjust. The filter runs
// against the catalog as read at request time.
func (h *Handler) BulkAdjust(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil || h.Catalog == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "ledger not configured", nil)
		return
	}
	var req bulkAdjustRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	products, err := h.Catalog.Products(r.Context())
	if err != nil {
		common.WriteError(w, mapError(err))
		return
	}
	adjustments, err := h.Ledger.BulkAdjust(r.Context(), chi.URLParam(r, "id"), products, req.Filter, *req.DeltaPct)
	if err != nil {
		common.WriteError(w, mapError(err))
		return
	}
	common.Data(w, http.StatusOK, adjustments)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrTariffNotFound), errors.Is(err, ErrProductNotFound), errors.Is(err, ErrOverrideNotFound):
		return common.NewAppError("NOT_FOUND", trimPrefix(err), http.StatusNotFound, err)
	case errors.Is(err, ErrInvalidEdit):
		return common.NewAppError("INVALID_EDIT", trimPrefix(err), http.StatusBadRequest, err)
	case errors.Is(err, ErrBulkAdjustmentRejected):
		return common.NewAppError("BULK_ADJUSTMENT_REJECTED", trimPrefix(err), http.StatusBadRequest, err)
	case errors.Is(err, ErrConcurrentModification):
		return common.NewAppError("CONCURRENT_MODIFICATION", "tariff was modified concurrently, retry", http.StatusConflict, err)
	default:
		return err
	}
}

func trimPrefix(err error) string {
	return strings.TrimPrefix(err.Error(), "ledger: ")
}
