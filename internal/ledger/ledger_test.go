package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-pricing/internal/events"
	"github.com/noah-isme/pos-pricing/internal/ledger"
	"github.com/noah-isme/pos-pricing/internal/pricing"
	"github.com/noah-isme/pos-pricing/internal/store/memory"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

type captureEmitter struct {
	mu     sync.Mutex
	topics []string
}

func (c *captureEmitter) Emit(_ context.Context, topic, aggregateID string, _ any) (events.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	return events.Event{Topic: topic, AggregateID: aggregateID}, nil
}

type mutexLocker struct {
	mu   sync.Mutex
	keys []string
}

func (m *mutexLocker) WithLock(ctx context.Context, key string, _ time.Duration, fn func(context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return fn(ctx)
}

type countingCache struct{ calls int }

func (c *countingCache) Invalidate(context.Context) error {
	c.calls++
	return nil
}

func seed(t *testing.T, general bool) *memory.Store {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.UpsertProduct(ctx, pricing.Product{ID: "p1", Name: "Espresso", Category: "drinks", BasePrice: dec("2.50"), Cost: dec("100"), SalesTaxPct: dec("18")}))
	require.NoError(t, store.UpsertProduct(ctx, pricing.Product{ID: "p2", Name: "Latte", Category: "drinks", BasePrice: dec("3.20"), Cost: dec("1.10"), SalesTaxPct: dec("10")}))
	require.NoError(t, store.UpsertProduct(ctx, pricing.Product{ID: "p3", Name: "Croissant", Category: "bakery", BasePrice: dec("1.80"), Cost: dec("0")}))
	require.NoError(t, store.UpsertTariff(ctx, pricing.Tariff{
		ID: "retail", Name: "Retail", Active: true, General: general, TaxIncluded: true,
		Strategy: pricing.CostPlus{MarginPct: dec("30")},
		Scope:    pricing.Scope{StoreIDs: []string{pricing.AllStores}},
	}))
	return store
}

func TestPriceMarginFormulas(t *testing.T) {
	price := ledger.PriceFromMargin(dec("100"), dec("30"), dec("18"))
	require.Equal(t, "153.40", price.StringFixed(2))

	margin, ok := ledger.MarginFromPrice(dec("153.40"), dec("100"), dec("18"))
	require.True(t, ok)
	require.True(t, margin.Sub(dec("30")).Abs().LessThan(dec("0.0001")), margin.String())

	_, ok = ledger.MarginFromPrice(dec("10"), decimal.Zero, dec("18"))
	require.False(t, ok)
}

func TestSetOverrideMarginEdit(t *testing.T) {
	store := seed(t, false)
	l := &ledger.Ledger{Store: store}
	o, err := l.SetOverride(context.Background(), "retail", "p1", ledger.Edit{MarginPct: decPtr("30")})
	require.NoError(t, err)
	require.True(t, o.LockPrice)
	require.Equal(t, "153.40", o.Price.StringFixed(2))
	require.True(t, o.TaxPct.Equal(dec("18")))
	require.True(t, ledger.Consistent(o))

	tariff, err := store.Tariff(context.Background(), "retail")
	require.NoError(t, err)
	require.Equal(t, int64(1), tariff.Revision)
	stored, ok := tariff.Override("p1")
	require.True(t, ok)
	require.True(t, stored.Price.Equal(o.Price))
}

func TestSetOverridePriceEditKeepsInvariant(t *testing.T) {
	store := seed(t, false)
	l := &ledger.Ledger{Store: store}
	prices := []string{"0", "1.10", "99.99", "118", "153.40", "1234.56", "7.333"}
	for _, p := range prices {
		o, err := l.SetOverride(context.Background(), "retail", "p1", ledger.Edit{Price: decPtr(p)})
		require.NoError(t, err, p)
		require.True(t, ledger.Consistent(o), "price %s margin %s", o.Price, o.MarginPct)
		require.True(t, ledger.PriceFromMargin(o.CostBase, o.MarginPct, o.TaxPct).Equal(o.Price), p)
	}
}

func TestSetOverrideKeepsSnapshottedCost(t *testing.T) {
	ctx := context.Background()
	store := seed(t, false)
	l := &ledger.Ledger{Store: store}
	_, err := l.SetOverride(ctx, "retail", "p1", ledger.Edit{MarginPct: decPtr("10")})
	require.NoError(t, err)

	p, err := store.Product(ctx, "p1")
	require.NoError(t, err)
	p.Cost = dec("500")
	require.NoError(t, store.UpsertProduct(ctx, p))

	o, err := l.SetOverride(ctx, "retail", "p1", ledger.Edit{MarginPct: decPtr("20")})
	require.NoError(t, err)
	require.True(t, o.CostBase.Equal(dec("100")))
}

func TestSetOverrideValidation(t *testing.T) {
	ctx := context.Background()
	store := seed(t, false)
	l := &ledger.Ledger{Store: store}

	_, err := l.SetOverride(ctx, "retail", "p1", ledger.Edit{})
	require.ErrorIs(t, err, ledger.ErrInvalidEdit)
	_, err = l.SetOverride(ctx, "retail", "p1", ledger.Edit{Price: decPtr("1"), MarginPct: decPtr("1")})
	require.ErrorIs(t, err, ledger.ErrInvalidEdit)
	_, err = l.SetOverride(ctx, "retail", "p1", ledger.Edit{Price: decPtr("-1")})
	require.ErrorIs(t, err, ledger.ErrInvalidEdit)
	_, err = l.SetOverride(ctx, "retail", "p1", ledger.Edit{Price: decPtr("-0.004")})
	require.ErrorIs(t, err, ledger.ErrInvalidEdit, "sign is checked before rounding to cents")
	_, err = l.SetOverride(ctx, "retail", "p1", ledger.Edit{MarginPct: decPtr("-120")})
	require.ErrorIs(t, err, ledger.ErrInvalidEdit)
	_, err = l.SetOverride(ctx, "missing", "p1", ledger.Edit{Price: decPtr("1")})
	require.ErrorIs(t, err, ledger.ErrTariffNotFound)
	_, err = l.SetOverride(ctx, "retail", "missing", ledger.Edit{Price: decPtr("1")})
	require.ErrorIs(t, err, ledger.ErrProductNotFound)

	// zero cost base: price edits are accepted without a margin, margin edits are not
	o, err := l.SetOverride(ctx, "retail", "p3", ledger.Edit{Price: decPtr("2.00")})
	require.NoError(t, err)
	require.True(t, o.MarginPct.IsZero())
	_, err = l.SetOverride(ctx, "retail", "p3", ledger.Edit{MarginPct: decPtr("10")})
	require.ErrorIs(t, err, ledger.ErrInvalidEdit)

	tariff, err := store.Tariff(ctx, "retail")
	require.NoError(t, err)
	require.Equal(t, int64(1), tariff.Revision, "only the successful edit commits")
}

func TestSetOverrideGeneralSyncsBasePrice(t *testing.T) {
	ctx := context.Background()
	store := seed(t, true)
	emitter := &captureEmitter{}
	cache := &countingCache{}
	l := &ledger.Ledger{Store: store, Events: emitter, Cache: cache}

	_, err := l.SetOverride(ctx, "retail", "p2", ledger.Edit{Price: decPtr("3.50")})
	require.NoError(t, err)
	p, err := store.Product(ctx, "p2")
	require.NoError(t, err)
	require.Equal(t, "3.50", p.BasePrice.StringFixed(2))
	require.Equal(t, []string{events.TopicOverrideSet}, emitter.topics)
	require.Equal(t, 1, cache.calls)
}

func TestClearOverride(t *testing.T) {
	ctx := context.Background()
	store := seed(t, false)
	emitter := &captureEmitter{}
	l := &ledger.Ledger{Store: store, Events: emitter}

	require.ErrorIs(t, l.ClearOverride(ctx, "retail", "p1"), ledger.ErrOverrideNotFound)

	_, err := l.SetOverride(ctx, "retail", "p1", ledger.Edit{Price: decPtr("150")})
	require.NoError(t, err)
	require.NoError(t, l.ClearOverride(ctx, "retail", "p1"))

	tariff, err := store.Tariff(ctx, "retail")
	require.NoError(t, err)
	_, ok := tariff.Override("p1")
	require.False(t, ok)
	require.Equal(t, []string{events.TopicOverrideSet, events.TopicOverrideCleared}, emitter.topics)

	product, err := store.Product(ctx, "p1")
	require.NoError(t, err)
	res, err := pricing.Resolver{BaseCurrency: "EUR"}.Resolve(ctx, product, []pricing.Tariff{tariff}, pricing.ResolutionContext{StoreID: "S1", At: time.Now()})
	require.NoError(t, err)
	require.Equal(t, "130.00", res.Price.StringFixed(2), "resolution reverts to the strategy")
}

func TestBulkAdjust(t *testing.T) {
	ctx := context.Background()
	store := seed(t, false)
	l := &ledger.Ledger{Store: store}
	products, err := store.Products(ctx)
	require.NoError(t, err)

	adjustments, err := l.BulkAdjust(ctx, "retail", products, ledger.Filter{Category: "DRINKS"}, dec("10"))
	require.NoError(t, err)
	require.Len(t, adjustments, 2)
	require.Equal(t, "p1", adjustments[0].ProductID)
	require.Equal(t, "2.75", adjustments[0].NewPrice.StringFixed(2))
	require.Equal(t, "p2", adjustments[1].ProductID)
	require.Equal(t, "3.52", adjustments[1].NewPrice.StringFixed(2))

	tariff, err := store.Tariff(ctx, "retail")
	require.NoError(t, err)
	for _, a := range adjustments {
		o, ok := tariff.Override(a.ProductID)
		require.True(t, ok)
		require.True(t, o.Price.Equal(a.NewPrice))
		require.True(t, ledger.Consistent(o))
	}
	p1, err := store.Product(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "2.50", p1.BasePrice.StringFixed(2), "non-general tariff leaves base prices alone")
}

func TestBulkAdjustGeneralSyncsBasePrices(t *testing.T) {
	ctx := context.Background()
	store := seed(t, true)
	l := &ledger.Ledger{Store: store}
	products, err := store.Products(ctx)
	require.NoError(t, err)

	_, err = l.BulkAdjust(ctx, "retail", products, ledger.Filter{Search: "latte"}, dec("-50"))
	require.NoError(t, err)
	p2, err := store.Product(ctx, "p2")
	require.NoError(t, err)
	require.Equal(t, "1.60", p2.BasePrice.StringFixed(2))
}

func TestBulkAdjustAtomic(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	for i := 0; i < 10; i++ {
		base := dec("10")
		if i == 7 {
			base = dec("-1")
		}
		require.NoError(t, store.UpsertProduct(ctx, pricing.Product{ID: fmt.Sprintf("p%02d", i), Category: "snacks", BasePrice: base, Cost: dec("5")}))
	}
	require.NoError(t, store.UpsertTariff(ctx, pricing.Tariff{ID: "general", General: true, Strategy: pricing.Manual{}}))
	l := &ledger.Ledger{Store: store}
	products, err := store.Products(ctx)
	require.NoError(t, err)

	_, err = l.BulkAdjust(ctx, "general", products, ledger.Filter{Category: "snacks"}, dec("5"))
	require.ErrorIs(t, err, ledger.ErrBulkAdjustmentRejected)

	tariff, err := store.Tariff(ctx, "general")
	require.NoError(t, err)
	require.Empty(t, tariff.Items)
	require.Equal(t, int64(0), tariff.Revision)
	after, err := store.Products(ctx)
	require.NoError(t, err)
	require.Equal(t, products, after)

	_, err = l.BulkAdjust(ctx, "general", products, ledger.Filter{Category: "nothing"}, dec("5"))
	require.ErrorIs(t, err, ledger.ErrBulkAdjustmentRejected)
}

type conflictStore struct {
	*memory.Store
	conflicts int
	commits   int
}

func (c *conflictStore) Commit(ctx context.Context, commit ledger.Commit) error {
	c.commits++
	if c.conflicts > 0 {
		c.conflicts--
		return ledger.ErrConcurrentModification
	}
	return c.Store.Commit(ctx, commit)
}

func TestMutationRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	store := &conflictStore{Store: seed(t, false), conflicts: 2}
	l := &ledger.Ledger{Store: store, MaxRetries: 3}
	_, err := l.SetOverride(ctx, "retail", "p1", ledger.Edit{Price: decPtr("120")})
	require.NoError(t, err)
	require.Equal(t, 3, store.commits)

	store.conflicts = 10
	store.commits = 0
	_, err = l.SetOverride(ctx, "retail", "p1", ledger.Edit{Price: decPtr("121")})
	require.ErrorIs(t, err, ledger.ErrConcurrentModification)
	require.Equal(t, 4, store.commits)
}

// interleavingStore lets another writer commit between the ledger's first
// read and its first commit.
type interleavingStore struct {
	*memory.Store
	before func()
}

func (s *interleavingStore) Commit(ctx context.Context, commit ledger.Commit) error {
	if s.before != nil {
		before := s.before
		s.before = nil
		before()
	}
	return s.Store.Commit(ctx, commit)
}

func TestBulkAdjustRetryRereadsProducts(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	require.NoError(t, mem.UpsertProduct(ctx, pricing.Product{ID: "p1", Name: "Espresso", Category: "drinks", BasePrice: dec("100"), Cost: dec("50")}))
	require.NoError(t, mem.UpsertTariff(ctx, pricing.Tariff{ID: "general", General: true, Strategy: pricing.Manual{}}))
	products, err := mem.Products(ctx)
	require.NoError(t, err)

	other := &ledger.Ledger{Store: mem}
	store := &interleavingStore{Store: mem, before: func() {
		_, err := other.BulkAdjust(ctx, "general", products, ledger.Filter{Category: "drinks"}, dec("10"))
		require.NoError(t, err)
	}}
	l := &ledger.Ledger{Store: store}

	adjustments, err := l.BulkAdjust(ctx, "general", products, ledger.Filter{Category: "drinks"}, dec("10"))
	require.NoError(t, err)
	require.Len(t, adjustments, 1)
	require.Equal(t, "110.00", adjustments[0].OldPrice.StringFixed(2))
	require.Equal(t, "121.00", adjustments[0].NewPrice.StringFixed(2))

	p1, err := mem.Product(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "121.00", p1.BasePrice.StringFixed(2), "both adjustments apply")
	tariff, err := mem.Tariff(ctx, "general")
	require.NoError(t, err)
	require.Equal(t, int64(2), tariff.Revision)
}

func TestBulkAdjustRejectsProductThatLeftFilter(t *testing.T) {
	ctx := context.Background()
	store := seed(t, false)
	products, err := store.Products(ctx)
	require.NoError(t, err)
	require.NoError(t, store.UpsertProduct(ctx, pricing.Product{ID: "p2", Name: "Latte", Category: "bakery", BasePrice: dec("3.20"), Cost: dec("1.10")}))

	l := &ledger.Ledger{Store: store}
	_, err = l.BulkAdjust(ctx, "retail", products, ledger.Filter{Category: "drinks"}, dec("10"))
	require.ErrorIs(t, err, ledger.ErrConcurrentModification)

	tariff, err := store.Tariff(ctx, "retail")
	require.NoError(t, err)
	require.Empty(t, tariff.Items)
}

func TestStaleRevisionRejected(t *testing.T) {
	ctx := context.Background()
	store := seed(t, false)
	err := store.Commit(ctx, ledger.Commit{TariffID: "retail", ExpectedRevision: 5})
	require.True(t, errors.Is(err, ledger.ErrConcurrentModification))
}

func TestConcurrentEditsSerialised(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	ids := make([]string, 0, 16)
	for i := 0; i < 16; i++ {
		id := fmt.Sprintf("p%02d", i)
		ids = append(ids, id)
		require.NoError(t, store.UpsertProduct(ctx, pricing.Product{ID: id, BasePrice: dec("1"), Cost: dec("1")}))
	}
	require.NoError(t, store.UpsertTariff(ctx, pricing.Tariff{ID: "retail", Strategy: pricing.Manual{}}))
	locker := &mutexLocker{}
	l := &ledger.Ledger{Store: store, Locker: locker}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := l.SetOverride(ctx, "retail", id, ledger.Edit{MarginPct: decPtr("25")})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	tariff, err := store.Tariff(ctx, "retail")
	require.NoError(t, err)
	require.Len(t, tariff.Items, len(ids))
	require.Equal(t, int64(len(ids)), tariff.Revision)
	require.Len(t, locker.keys, len(ids))
	require.Equal(t, "pricing:tariff:retail:edit", locker.keys[0])
}

func TestFilterMatch(t *testing.T) {
	p := pricing.Product{ID: "sku-42", Name: "Iced Tea", Category: "Drinks"}
	require.True(t, ledger.Filter{}.Match(p))
	require.True(t, ledger.Filter{Category: "drinks", Search: "tea"}.Match(p))
	require.True(t, ledger.Filter{Search: "SKU-4"}.Match(p))
	require.False(t, ledger.Filter{Category: "bakery"}.Match(p))
	require.False(t, ledger.Filter{ProductIDs: []string{"sku-1"}}.Match(p))
	require.True(t, ledger.Filter{ProductIDs: []string{"sku-1", "sku-42"}}.Match(p))
}
