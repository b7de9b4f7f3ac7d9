package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"

	"github.com/noah-isme/pos-pricing/internal/pricing"
)

//go:embed fixture.json
var defaultFixture []byte

// Fixture is the on-disk seed format.
type Fixture struct {
	Products []pricing.Product `json:"products"`
	Tariffs  []pricing.Tariff  `json:"tariffs"`
}

// Target receives seeded rows.
type Target interface {
	UpsertProduct(ctx context.Context, p pricing.Product) error
	UpsertTariff(ctx context.Context, t pricing.Tariff) error
}

func decodeFixture(r io.Reader) (Fixture, error) {
	var f Fixture
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	return f, validateFixture(f)
}

// validateFixture rejects derived references to tariffs missing from the file.
func validateFixture(f Fixture) error {
	ids := make(map[string]struct{}, len(f.Tariffs))
	for _, t := range f.Tariffs {
		ids[t.ID] = struct{}{}
	}
	for _, t := range f.Tariffs {
		d, ok := t.Strategy.(pricing.Derived)
		if !ok {
			continue
		}
		if _, found := ids[d.BaseTariffID]; !found {
			return fmt.Errorf("tariff %s derives from unknown tariff %s", t.ID, d.BaseTariffID)
		}
	}
	return nil
}

// apply writes products first so tariff items can reference them.
func apply(ctx context.Context, target Target, f Fixture) error {
	for _, p := range f.Products {
		if err := target.UpsertProduct(ctx, p); err != nil {
			return fmt.Errorf("product %s: %w", p.ID, err)
		}
	}
	for _, t := range f.Tariffs {
		if err := target.UpsertTariff(ctx, t); err != nil {
			return fmt.Errorf("tariff %s: %w", t.ID, err)
		}
	}
	return nil
}
