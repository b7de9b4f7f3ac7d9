package prices

import (
	"errors"
	"net/http"

	"github.com/noah-isme/pos-pricing/internal/common"
	"github.com/noah-isme/pos-pricing/internal/pricing"
)

// Handler exposes the resolution endpoint.
type Handler struct {
	Svc *Service
}

// Resolve handles POST /api/v1/prices/resolve.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "pricing service not configured", nil)
		return
	}
	var req Request
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	resp, err := h.Svc.Resolve(r.Context(), req)
	if err != nil {
		common.WriteError(w, mapError(err))
		return
	}
	common.Data(w, http.StatusOK, resp)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrUnknownProduct):
		return common.NewAppError("UNKNOWN_PRODUCT", err.Error(), http.StatusUnprocessableEntity, err)
	case errors.Is(err, pricing.ErrCurrencyConversionFailed):
		return common.NewAppError("CURRENCY_CONVERSION_FAILED", "currency conversion failed", http.StatusBadGateway, err)
	default:
		return err
	}
}
