package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/noah-isme/pos-pricing/internal/events"
	"github.com/noah-isme/pos-pricing/internal/ledger"
	"github.com/noah-isme/pos-pricing/internal/pricing"
)

// state is never mutated once published.
type state struct {
	products map[string]pricing.Product
	tariffs  map[string]pricing.Tariff
}

// Store keeps products and tariffs in process. Writers publish a new state and
// swap the pointer, so readers never wait on them.
type Store struct {
	current atomic.Pointer[state]

	mu     sync.RWMutex
	events []events.Event
}

// New constructs an empty store.
func New() *Store {
	s := &Store{}
	s.current.Store(&state{
		products: map[string]pricing.Product{},
		tariffs:  map[string]pricing.Tariff{},
	})
	return s
}

// Snapshot returns the current immutable view. Callers must not modify it.
func (s *Store) Snapshot(_ context.Context) (pricing.Snapshot, error) {
	st := s.current.Load()
	tariffs := slices.Collect(maps.Values(st.tariffs))
	slices.SortFunc(tariffs, func(a, b pricing.Tariff) int { return cmp.Compare(a.ID, b.ID) })
	return pricing.Snapshot{Products: st.products, Tariffs: tariffs}, nil
}

// Tariff returns one tariff including its overrides.
func (s *Store) Tariff(_ context.Context, id string) (pricing.Tariff, error) {
	t, ok := s.current.Load().tariffs[id]
	if !ok {
		return pricing.Tariff{}, fmt.Errorf("%w: %s", ledger.ErrTariffNotFound, id)
	}
	return t, nil
}

// Tariffs lists all tariffs ordered by id.
func (s *Store) Tariffs(ctx context.Context) ([]pricing.Tariff, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Tariffs, nil
}

// Product returns one catalog product.
func (s *Store) Product(_ context.Context, id string) (pricing.Product, error) {
	p, ok := s.current.Load().products[id]
	if !ok {
		return pricing.Product{}, fmt.Errorf("%w: %s", ledger.ErrProductNotFound, id)
	}
	return p, nil
}

// Products lists the catalog ordered by id.
func (s *Store) Products(_ context.Context) ([]pricing.Product, error) {
	products := slices.Collect(maps.Values(s.current.Load().products))
	slices.SortFunc(products, func(a, b pricing.Product) int { return cmp.Compare(a.ID, b.ID) })
	return products, nil
}

// UpsertProduct creates or replaces a product.
func (s *Store) UpsertProduct(_ context.Context, p pricing.Product) error {
	return s.swap(func(old *state) (*state, error) {
		next := &state{products: maps.Clone(old.products), tariffs: old.tariffs}
		next.products[p.ID] = p
		return next, nil
	})
}

// UpsertTariff creates or replaces a tariff configuration. Overrides on the
// given tariff replace the stored ones and the revision moves forward.
func (s *Store) UpsertTariff(_ context.Context, t pricing.Tariff) error {
	return s.swap(func(old *state) (*state, error) {
		next := &state{products: old.products, tariffs: maps.Clone(old.tariffs)}
		if prev, ok := old.tariffs[t.ID]; ok {
			t.Revision = prev.Revision + 1
		}
		t.Items = maps.Clone(t.Items)
		next.tariffs[t.ID] = t
		return next, nil
	})
}

// Commit implements ledger.Store.
func (s *Store) Commit(_ context.Context, c ledger.Commit) error {
	return s.swap(func(old *state) (*state, error) {
		t, ok := old.tariffs[c.TariffID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ledger.ErrTariffNotFound, c.TariffID)
		}
		if t.Revision != c.ExpectedRevision {
			return nil, ledger.ErrConcurrentModification
		}
		next := &state{products: old.products, tariffs: maps.Clone(old.tariffs)}
		t.Items = maps.Clone(c.Items)
		t.Revision++
		next.tariffs[t.ID] = t

		if len(c.BasePrices) > 0 {
			next.products = maps.Clone(old.products)
			for id, price := range c.BasePrices {
				p, ok := next.products[id]
				if !ok {
					return nil, fmt.Errorf("%w: %s", ledger.ErrProductNotFound, id)
				}
				p.BasePrice = price
				next.products[id] = p
			}
		}
		return next, nil
	})
}

// swap publishes build's result, retrying when another writer won the race.
func (s *Store) swap(build func(old *state) (*state, error)) error {
	for {
		old := s.current.Load()
		next, err := build(old)
		if err != nil {
			return err
		}
		if s.current.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// InsertEvent implements events.EventStore.
func (s *Store) InsertEvent(_ context.Context, event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// ListEvents returns the most recent events for an aggregate, newest first.
func (s *Store) ListEvents(_ context.Context, aggregateID string, limit int) ([]events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]events.Event, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].AggregateID == aggregateID {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

// Ping always succeeds for the in-process store.
func (s *Store) Ping(context.Context) error { return nil }
