package ledger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-pricing/internal/events"
	"github.com/noah-isme/pos-pricing/internal/obs"
	"github.com/noah-isme/pos-pricing/internal/pricing"
)

var nopLogger = zerolog.Nop()

// Commit is the unit of work written back for one tariff. Items replaces the
// tariff's override map; BasePrices, when set, updates product base prices in
// the same atomic write.
type Commit struct {
	TariffID         string
	ExpectedRevision int64
	Items            map[string]pricing.Override
	BasePrices       map[string]pricing.Money
}

// Store captures the persistence operations the ledger needs.
type Store interface {
	Tariff(ctx context.Context, id string) (pricing.Tariff, error)
	Product(ctx context.Context, id string) (pricing.Product, error)
	// Commit applies c atomically or returns ErrConcurrentModification when
	// the tariff revision no longer equals c.ExpectedRevision.
	Commit(ctx context.Context, c Commit) error
}

// Locker serialises writers of the same tariff across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Emitter publishes price change events.
type Emitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Invalidator drops cached resolution snapshots after a commit.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Edit is an administrative change to one override. Exactly one field is set.
type Edit struct {
	Price     *pricing.Money
	MarginPct *decimal.Decimal
}

// Adjustment reports the price a bulk adjustment wrote for one product.
type Adjustment struct {
	ProductID string        `json:"productId"`
	OldPrice  pricing.Money `json:"oldPrice"`
	NewPrice  pricing.Money `json:"newPrice"`
}

// PriceChange is the payload of ledger events.
type PriceChange struct {
	TariffID  string         `json:"tariffId"`
	ProductID string         `json:"productId"`
	OldPrice  *pricing.Money `json:"oldPrice,omitempty"`
	NewPrice  *pricing.Money `json:"newPrice,omitempty"`
	Reason    string         `json:"reason"`
	BaseSync  bool           `json:"baseSync"`
}

// Ledger owns administrative edits of tariff overrides.
type Ledger struct {
	Store      Store
	Locker     Locker
	LockTTL    time.Duration
	MaxRetries int
	Events     Emitter
	Cache      Invalidator
	Logger     *zerolog.Logger
	Now        func() time.Time
}

// SetOverride locks a price for productID in tariffID, re-deriving the other
// side of the margin/price formula from the stored cost base and tax.
func (l *Ledger) SetOverride(ctx context.Context, tariffID, productID string, edit Edit) (pricing.Override, error) {
	if (edit.Price == nil) == (edit.MarginPct == nil) {
		return pricing.Override{}, fmt.Errorf("%w: exactly one of price or marginPct must be set", ErrInvalidEdit)
	}
	productID = strings.TrimSpace(productID)
	var (
		result pricing.Override
		change PriceChange
	)
	err := l.mutate(ctx, "set_override", tariffID, func(ctx context.Context, tariff pricing.Tariff) (Commit, error) {
		product, err := l.Store.Product(ctx, productID)
		if err != nil {
			return Commit{}, err
		}
		current, exists := tariff.Items[productID]
		next := pricing.Override{
			ProductID: productID,
			LockPrice: true,
			CostBase:  product.Cost,
			TaxPct:    taxFor(tariff, product),
			UpdatedAt: l.now().UTC(),
		}
		if exists {
			next.CostBase = current.CostBase
			next.TaxPct = current.TaxPct
		}

		switch {
		case edit.Price != nil:
			if edit.Price.IsNegative() {
				return Commit{}, fmt.Errorf("%w: price must not be negative", ErrInvalidEdit)
			}
			price := pricing.Cents(*edit.Price)
			next.Price = price
			next.MarginPct, _ = MarginFromPrice(price, next.CostBase, next.TaxPct)
		default:
			if !next.CostBase.IsPositive() {
				return Commit{}, fmt.Errorf("%w: margin edit needs a positive cost base", ErrInvalidEdit)
			}
			next.MarginPct = *edit.MarginPct
			next.Price = PriceFromMargin(next.CostBase, next.MarginPct, next.TaxPct)
			if next.Price.IsNegative() {
				return Commit{}, fmt.Errorf("%w: margin %s yields a negative price", ErrInvalidEdit, next.MarginPct)
			}
		}

		items := maps.Clone(tariff.Items)
		if items == nil {
			items = make(map[string]pricing.Override, 1)
		}
		items[productID] = next
		commit := Commit{Items: items}
		if tariff.General {
			commit.BasePrices = map[string]pricing.Money{productID: next.Price}
		}

		result = next
		change = PriceChange{TariffID: tariff.ID, ProductID: productID, NewPrice: &next.Price, Reason: "manual", BaseSync: tariff.General}
		if exists && current.LockPrice {
			old := current.Price
			change.OldPrice = &old
		}
		return commit, nil
	})
	if err != nil {
		return pricing.Override{}, err
	}
	l.emit(ctx, events.TopicOverrideSet, tariffID, change)
	return result, nil
}

// ClearOverride removes the price lock for productID so resolution reverts to
// the tariff strategy.
func (l *Ledger) ClearOverride(ctx context.Context, tariffID, productID string) error {
	productID = strings.TrimSpace(productID)
	var change PriceChange
	err := l.mutate(ctx, "clear_override", tariffID, func(_ context.Context, tariff pricing.Tariff) (Commit, error) {
		current, ok := tariff.Override(productID)
		if !ok {
			return Commit{}, fmt.Errorf("%w: %s/%s", ErrOverrideNotFound, tariff.ID, productID)
		}
		items := maps.Clone(tariff.Items)
		delete(items, productID)
		old := current.Price
		change = PriceChange{TariffID: tariff.ID, ProductID: productID, OldPrice: &old, Reason: "cleared"}
		return Commit{Items: items}, nil
	})
	if err != nil {
		return err
	}
	l.emit(ctx, events.TopicOverrideCleared, tariffID, change)
	return nil
}

// BulkAdjust locks basePrice * (1 + deltaPct/100) for every product in the
// supplied snapshot matching filter. Either every matched product is written
// or none is. Prices are computed from the products as stored at commit time;
// a matched product that no longer satisfies the filter fails the call with
// ErrConcurrentModification.
func (l *Ledger) BulkAdjust(ctx context.Context, tariffID string, products []pricing.Product, filter Filter, deltaPct decimal.Decimal) ([]Adjustment, error) {
	matched := make([]pricing.Product, 0, len(products))
	for _, p := range products {
		if filter.Match(p) {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		l.count("bulk_adjust", "rejected")
		return nil, fmt.Errorf("%w: filter matched no products", ErrBulkAdjustmentRejected)
	}
	factor := one.Add(deltaPct.Div(hundred))
	var (
		adjustments []Adjustment
		changes     []PriceChange
	)
	err := l.mutate(ctx, "bulk_adjust", tariffID, func(ctx context.Context, tariff pricing.Tariff) (Commit, error) {
		adjustments = adjustments[:0]
		changes = changes[:0]
		items := maps.Clone(tariff.Items)
		if items == nil {
			items = make(map[string]pricing.Override, len(matched))
		}
		var basePrices map[string]pricing.Money
		if tariff.General {
			basePrices = make(map[string]pricing.Money, len(matched))
		}
		now := l.now().UTC()
		for _, seen := range matched {
			p, err := l.Store.Product(ctx, seen.ID)
			if err != nil {
				return Commit{}, err
			}
			if !filter.Match(p) {
				return Commit{}, fmt.Errorf("%w: product %s no longer matches the filter", ErrConcurrentModification, p.ID)
			}
			raw := p.BasePrice.Mul(factor)
			if raw.IsNegative() {
				return Commit{}, fmt.Errorf("%w: product %s would be priced at %s", ErrBulkAdjustmentRejected, p.ID, raw.StringFixed(2))
			}
			price := pricing.Cents(raw)
			next := pricing.Override{
				ProductID: p.ID,
				Price:     price,
				LockPrice: true,
				CostBase:  p.Cost,
				TaxPct:    taxFor(tariff, p),
				UpdatedAt: now,
			}
			if current, ok := tariff.Items[p.ID]; ok {
				next.CostBase = current.CostBase
				next.TaxPct = current.TaxPct
			}
			next.MarginPct, _ = MarginFromPrice(price, next.CostBase, next.TaxPct)
			items[p.ID] = next
			if basePrices != nil {
				basePrices[p.ID] = price
			}
			adjustments = append(adjustments, Adjustment{ProductID: p.ID, OldPrice: p.BasePrice, NewPrice: price})
			old, newPrice := p.BasePrice, price
			changes = append(changes, PriceChange{TariffID: tariff.ID, ProductID: p.ID, OldPrice: &old, NewPrice: &newPrice, Reason: "bulk", BaseSync: tariff.General})
		}
		return Commit{Items: items, BasePrices: basePrices}, nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(adjustments, func(a, b Adjustment) int { return strings.Compare(a.ProductID, b.ProductID) })
	l.emit(ctx, events.TopicBulkAdjusted, tariffID, map[string]any{
		"deltaPct": deltaPct,
		"filter":   filter,
		"changes":  changes,
	})
	return adjustments, nil
}

// mutate runs a read-compute-commit cycle for one tariff, retrying on
// revision conflicts. Under a Locker the whole cycle holds the tariff lock.
func (l *Ledger) mutate(ctx context.Context, op, tariffID string, build func(context.Context, pricing.Tariff) (Commit, error)) error {
	if l == nil || l.Store == nil {
		return errors.New("ledger: store not configured")
	}
	tariffID = strings.TrimSpace(tariffID)
	logger := l.logger().With().Str("operation", op).Str("tariff_id", tariffID).Logger()

	run := func(ctx context.Context) error {
		attempts := l.maxRetries() + 1
		for attempt := 1; attempt <= attempts; attempt++ {
			tariff, err := l.Store.Tariff(ctx, tariffID)
			if err != nil {
				return err
			}
			commit, err := build(ctx, tariff)
			if err != nil {
				return err
			}
			commit.TariffID = tariff.ID
			commit.ExpectedRevision = tariff.Revision
			err = l.Store.Commit(ctx, commit)
			if err == nil {
				logger.Info().Int64("revision", tariff.Revision+1).Int("items", len(commit.Items)).Msg("ledger_commit")
				return nil
			}
			if !errors.Is(err, ErrConcurrentModification) {
				return err
			}
			obs.IncLedgerConflict()
			logger.Warn().Int("attempt", attempt).Int64("revision", tariff.Revision).Msg("ledger_conflict")
		}
		return fmt.Errorf("%w: tariff %s changed during %d attempts", ErrConcurrentModification, tariffID, attempts)
	}

	var err error
	if l.Locker != nil {
		err = l.Locker.WithLock(ctx, lockKey(tariffID), l.lockTTL(), run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		l.count(op, resultLabel(err))
		return err
	}
	l.count(op, "ok")
	if l.Cache != nil {
		if cacheErr := l.Cache.Invalidate(ctx); cacheErr != nil {
			logger.Error().Err(cacheErr).Msg("invalidate snapshot cache")
		}
	}
	return nil
}

func (l *Ledger) emit(ctx context.Context, topic, tariffID string, payload any) {
	if l.Events == nil {
		return
	}
	if _, err := l.Events.Emit(ctx, topic, tariffID, payload); err != nil {
		l.logger().Error().Err(err).Str("topic", topic).Str("tariff_id", tariffID).Msg("emit price event")
	}
}

func (l *Ledger) count(op, result string) {
	obs.IncLedgerMutation(op, result)
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Ledger) logger() *zerolog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return &nopLogger
}

func (l *Ledger) maxRetries() int {
	if l.MaxRetries < 0 {
		return 0
	}
	if l.MaxRetries == 0 {
		return 3
	}
	return l.MaxRetries
}

func (l *Ledger) lockTTL() time.Duration {
	if l.LockTTL <= 0 {
		return 10 * time.Second
	}
	return l.LockTTL
}

func lockKey(tariffID string) string {
	return "pricing:tariff:" + tariffID + ":edit"
}

func taxFor(t pricing.Tariff, p pricing.Product) decimal.Decimal {
	if t.TaxIncluded {
		return p.SalesTaxPct
	}
	return decimal.Zero
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrBulkAdjustmentRejected), errors.Is(err, ErrInvalidEdit):
		return "rejected"
	case errors.Is(err, ErrTariffNotFound), errors.Is(err, ErrProductNotFound), errors.Is(err, ErrOverrideNotFound):
		return "not_found"
	default:
		return "error"
	}
}
