// Package store selects the persistence backend for products, tariffs and
// price events.
package store

import (
	"context"
	"fmt"

	"github.com/noah-isme/pos-pricing/internal/events"
	"github.com/noah-isme/pos-pricing/internal/ledger"
	"github.com/noah-isme/pos-pricing/internal/pricing"
	"github.com/noah-isme/pos-pricing/internal/store/memory"
	"github.com/noah-isme/pos-pricing/internal/store/postgres"
)

// Store is implemented by every backend.
type Store interface {
	ledger.Store
	events.EventStore
	Snapshot(ctx context.Context) (pricing.Snapshot, error)
	Tariffs(ctx context.Context) ([]pricing.Tariff, error)
	Products(ctx context.Context) ([]pricing.Product, error)
	UpsertProduct(ctx context.Context, p pricing.Product) error
	UpsertTariff(ctx context.Context, t pricing.Tariff) error
	ListEvents(ctx context.Context, aggregateID string, limit int) ([]events.Event, error)
	Ping(ctx context.Context) error
}

var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

// Open returns the Postgres store for a non-empty databaseURL, running the
// embedded migrations first when migrate is set. An empty URL selects the
// in-memory store. The returned func releases the backend.
func Open(ctx context.Context, databaseURL string, migrate bool) (Store, func(), error) {
	if databaseURL == "" {
		return memory.New(), func() {}, nil
	}
	if migrate {
		if err := postgres.Migrate(databaseURL); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	pg, err := postgres.Open(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

// Kind names the backend for logs.
func Kind(databaseURL string) string {
	if databaseURL == "" {
		return "memory"
	}
	return "postgres"
}
