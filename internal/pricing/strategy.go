package pricing

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Strategy is the formula family a tariff uses when no override is locked.
// The set is closed: Manual, CostPlus and Derived.
type Strategy interface {
	strategyKind() string
}

// Manual tariffs only price products that carry an explicit override.
type Manual struct{}

// CostPlus prices a product at cost marked up by MarginPct.
type CostPlus struct {
	MarginPct decimal.Decimal
}

// Derived prices a product relative to another tariff's price.
type Derived struct {
	BaseTariffID string
	FactorPct    decimal.Decimal
}

func (Manual) strategyKind() string   { return "manual" }
func (CostPlus) strategyKind() string { return "cost_plus" }
func (Derived) strategyKind() string  { return "derived" }

type strategyJSON struct {
	Type         string           `json:"type"`
	MarginPct    *decimal.Decimal `json:"marginPct,omitempty"`
	BaseTariffID string           `json:"baseTariffId,omitempty"`
	FactorPct    *decimal.Decimal `json:"factorPct,omitempty"`
}

// MarshalStrategy encodes a strategy as {"type": ..., params}.
func MarshalStrategy(s Strategy) ([]byte, error) {
	switch v := s.(type) {
	case nil, Manual:
		return json.Marshal(strategyJSON{Type: Manual{}.strategyKind()})
	case CostPlus:
		return json.Marshal(strategyJSON{Type: v.strategyKind(), MarginPct: &v.MarginPct})
	case Derived:
		return json.Marshal(strategyJSON{Type: v.strategyKind(), BaseTariffID: v.BaseTariffID, FactorPct: &v.FactorPct})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownStrategy, s)
	}
}

// UnmarshalStrategy decodes the output of MarshalStrategy. Empty input is Manual.
func UnmarshalStrategy(data []byte) (Strategy, error) {
	if len(data) == 0 || string(data) == "null" {
		return Manual{}, nil
	}
	var raw strategyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	switch raw.Type {
	case "", "manual":
		return Manual{}, nil
	case "cost_plus":
		s := CostPlus{}
		if raw.MarginPct != nil {
			s.MarginPct = *raw.MarginPct
		}
		return s, nil
	case "derived":
		if raw.BaseTariffID == "" {
			return nil, fmt.Errorf("%w: derived strategy requires baseTariffId", ErrUnknownStrategy)
		}
		s := Derived{BaseTariffID: raw.BaseTariffID}
		if raw.FactorPct != nil {
			s.FactorPct = *raw.FactorPct
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, raw.Type)
	}
}

// Candidate is an unrounded computed price plus any warnings raised on the way.
type Candidate struct {
	Price    Money
	Warnings []Warning
}

// ComputeCandidate computes the unrounded price of product under tariff's
// strategy. tariffs must contain every tariff a Derived chain can reach;
// visited carries the ids already on the chain and is never mutated.
func ComputeCandidate(product Product, tariff Tariff, tariffs map[string]Tariff, visited map[string]struct{}) (Candidate, error) {
	var (
		raw      Money
		warnings []Warning
	)
	switch s := tariff.Strategy.(type) {
	case nil, Manual:
		return Candidate{}, ErrNoManualOverride
	case CostPlus:
		raw = applyPct(product.Cost, s.MarginPct)
	case Derived:
		if _, seen := visited[s.BaseTariffID]; seen || s.BaseTariffID == tariff.ID {
			return Candidate{}, fmt.Errorf("%w: %s -> %s", ErrCyclicReference, tariff.ID, s.BaseTariffID)
		}
		base, ok := tariffs[s.BaseTariffID]
		if !ok {
			return Candidate{}, fmt.Errorf("%w: %s", ErrUnknownTariff, s.BaseTariffID)
		}
		next := make(map[string]struct{}, len(visited)+1)
		for id := range visited {
			next[id] = struct{}{}
		}
		next[tariff.ID] = struct{}{}

		var basePrice Money
		if o, locked := base.Override(product.ID); locked {
			basePrice = o.Price
		} else {
			inner, err := ComputeCandidate(product, base, tariffs, next)
			if err != nil {
				return Candidate{}, err
			}
			basePrice = inner.Price
			warnings = append(warnings, inner.Warnings...)
		}
		raw = applyPct(basePrice, s.FactorPct)
	default:
		return Candidate{}, fmt.Errorf("%w: %T", ErrUnknownStrategy, s)
	}

	if raw.IsNegative() {
		warnings = append(warnings, Warning{
			Code:      WarnNegativePriceClamped,
			TariffID:  tariff.ID,
			ProductID: product.ID,
			Message:   fmt.Sprintf("computed price %s clamped to 0", raw.String()),
		})
		raw = decimal.Zero
	}
	return Candidate{Price: raw, Warnings: warnings}, nil
}

// applyPct returns amount * (1 + pct/100).
func applyPct(amount Money, pct decimal.Decimal) Money {
	return amount.Mul(decimal.NewFromInt(1).Add(pct.Div(hundred)))
}
