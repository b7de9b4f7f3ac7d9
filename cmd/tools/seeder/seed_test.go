package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-pricing/internal/pricing"
	"github.com/noah-isme/pos-pricing/internal/store/memory"
)

func TestDefaultFixtureSeedsAndResolves(t *testing.T) {
	fixture, err := decodeFixture(bytes.NewReader(defaultFixture))
	require.NoError(t, err)

	ctx := context.Background()
	mem := memory.New()
	require.NoError(t, apply(ctx, mem, fixture))

	snap, err := mem.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Products, 5)
	require.Len(t, snap.Tariffs, 3)

	general, ok := snap.Tariff("general")
	require.True(t, ok)
	require.Equal(t, pricing.RoundEnding99, general.Rounding)

	// Friday 23:30 at the harbour store hits the overnight manual tariff.
	at := time.Date(2026, 3, 6, 23, 30, 0, 0, time.UTC)
	res, err := pricing.Resolver{BaseCurrency: "USD"}.Resolve(ctx, snap.Products["draft-beer"], snap.Tariffs, pricing.ResolutionContext{
		ProductID: "draft-beer", StoreID: "harbour", At: at,
	})
	require.NoError(t, err)
	require.Equal(t, "late-night", *res.SourceTariffID)
	require.Equal(t, "4.50", res.Price.StringFixed(2))
}

func TestDecodeFixtureRejectsDanglingDerived(t *testing.T) {
	_, err := decodeFixture(strings.NewReader(`{"tariffs":[{"id":"a","strategy":{"type":"derived","baseTariffId":"missing"}}]}`))
	require.ErrorContains(t, err, "unknown tariff missing")
}
