package pricing

import (
	"context"
	"errors"
	"fmt"
)

// Converter converts amounts between currencies.
type Converter interface {
	Convert(ctx context.Context, amount Money, from, to string) (Money, error)
}

// Resolver picks the winning tariff for a context and computes the final price.
// It holds no mutable state and is safe for concurrent use.
type Resolver struct {
	// BaseCurrency is the currency of Product.BasePrice.
	BaseCurrency string
	// Converter is optional; without it requests for a foreign currency fail.
	Converter Converter
}

// Resolve prices product for the given context against tariffs. Configuration
// defects degrade to the product base price with a warning; only currency
// conversion failures are returned as errors.
func (r Resolver) Resolve(ctx context.Context, product Product, tariffs []Tariff, rc ResolutionContext) (PriceResult, error) {
	winner, ok := SelectWinner(tariffs, rc.StoreID, rc.At)
	if !ok {
		return r.finish(ctx, r.basePrice(product, nil), rc)
	}

	result := PriceResult{
		ProductID:      product.ID,
		Currency:       r.tariffCurrency(winner),
		SourceTariffID: stringPtr(winner.ID),
	}
	if o, locked := winner.Override(product.ID); locked {
		result.Price = o.Price
		return r.finish(ctx, result, rc)
	}

	candidate, err := ComputeCandidate(product, winner, TariffIndex(tariffs), map[string]struct{}{})
	if err != nil {
		warning := Warning{
			Code:      warningCodeFor(err),
			TariffID:  winner.ID,
			ProductID: product.ID,
			Message:   err.Error(),
		}
		return r.finish(ctx, r.basePrice(product, append(candidate.Warnings, warning)), rc)
	}
	result.Price = Cents(Round(candidate.Price, winner.Rounding))
	result.Warnings = candidate.Warnings
	return r.finish(ctx, result, rc)
}

func (r Resolver) basePrice(product Product, warnings []Warning) PriceResult {
	return PriceResult{
		ProductID: product.ID,
		Price:     product.BasePrice,
		Currency:  normalizeCurrency(r.BaseCurrency),
		Warnings:  warnings,
	}
}

func (r Resolver) tariffCurrency(t Tariff) string {
	if code := normalizeCurrency(t.CurrencyCode); code != "" {
		return code
	}
	return normalizeCurrency(r.BaseCurrency)
}

func (r Resolver) finish(ctx context.Context, result PriceResult, rc ResolutionContext) (PriceResult, error) {
	want := normalizeCurrency(rc.Currency)
	if want == "" || want == result.Currency {
		return result, nil
	}
	if r.Converter == nil {
		return PriceResult{}, fmt.Errorf("%w: no converter for %s->%s", ErrCurrencyConversionFailed, result.Currency, want)
	}
	converted, err := r.Converter.Convert(ctx, result.Price, result.Currency, want)
	if err != nil {
		return PriceResult{}, fmt.Errorf("%w: %s->%s: %v", ErrCurrencyConversionFailed, result.Currency, want, err)
	}
	result.Price = Cents(converted)
	result.Currency = want
	return result, nil
}

func warningCodeFor(err error) WarningCode {
	switch {
	case errors.Is(err, ErrCyclicReference):
		return WarnCyclicReference
	case errors.Is(err, ErrNoManualOverride):
		return WarnNoManualOverride
	default:
		return WarnUnknownTariff
	}
}

func stringPtr(s string) *string {
	return &s
}
