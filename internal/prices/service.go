package prices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-pricing/internal/obs"
	"github.com/noah-isme/pos-pricing/internal/pricing"
)

// ErrUnknownProduct is returned when a line names a product outside the catalog.
var ErrUnknownProduct = errors.New("prices: unknown product")

// Source yields the snapshot one request resolves against.
type Source interface {
	Snapshot(ctx context.Context) (pricing.Snapshot, error)
}

// Request prices a batch of products for one store at one instant.
type Request struct {
	StoreID string `json:"storeId" validate:"required"`
	// At defaults to the current time. It is read in the store time zone.
	At       *time.Time `json:"at,omitempty"`
	Currency string     `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	Lines    []Line     `json:"lines" validate:"required,min=1,max=500,dive"`
}

// Line is one product to price.
type Line struct {
	ProductID string `json:"productId" validate:"required"`
}

// Response carries one result per request line, in request order.
type Response struct {
	StoreID string                `json:"storeId"`
	At      time.Time             `json:"at"`
	Results []pricing.PriceResult `json:"results"`
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Source   Source
	Resolver pricing.Resolver
	// Location is the store time zone; nil means UTC.
	Location *time.Location
	Logger   *zerolog.Logger
	Now      func() time.Time
}

// Service answers price lookups from a single snapshot per request.
type Service struct {
	source   Source
	resolver pricing.Resolver
	loc      *time.Location
	logger   *zerolog.Logger
	now      func() time.Time
}

// NewService validates cfg and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Source == nil {
		return nil, errors.New("prices: source is required")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{source: cfg.Source, resolver: cfg.Resolver, loc: loc, logger: logger, now: now}, nil
}

// Resolve prices every line against the same snapshot. Unknown products fail
// the whole batch; currency failures are returned as pricing.ErrCurrencyConversionFailed.
func (s *Service) Resolve(ctx context.Context, req Request) (Response, error) {
	at := s.now()
	if req.At != nil {
		at = *req.At
	}
	at = at.In(s.loc)

	snap, err := s.source.Snapshot(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("load snapshot: %w", err)
	}

	storeID := strings.TrimSpace(req.StoreID)
	results := make([]pricing.PriceResult, 0, len(req.Lines))
	for _, line := range req.Lines {
		product, ok := snap.Products[line.ProductID]
		if !ok {
			return Response{}, fmt.Errorf("%w: %s", ErrUnknownProduct, line.ProductID)
		}
		result, err := s.resolver.Resolve(ctx, product, snap.Tariffs, pricing.ResolutionContext{
			ProductID: product.ID,
			StoreID:   storeID,
			At:        at,
			Currency:  req.Currency,
		})
		if err != nil {
			obs.IncResolution("error")
			return Response{}, err
		}
		s.record(storeID, result)
		results = append(results, result)
	}
	return Response{StoreID: storeID, At: at, Results: results}, nil
}

func (s *Service) record(storeID string, result pricing.PriceResult) {
	source := "base"
	if result.SourceTariffID != nil {
		source = "tariff"
	}
	obs.IncResolution(source)
	for _, w := range result.Warnings {
		obs.IncWarning(string(w.Code))
		s.logger.Warn().
			Str("code", string(w.Code)).
			Str("product_id", w.ProductID).
			Str("tariff_id", w.TariffID).
			Str("store_id", storeID).
			Msg("pricing_warning")
	}
}
