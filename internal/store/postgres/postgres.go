package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/pos-pricing/internal/events"
	"github.com/noah-isme/pos-pricing/internal/ledger"
	"github.com/noah-isme/pos-pricing/internal/obs"
	"github.com/noah-isme/pos-pricing/internal/pricing"
)

const foreignKeyViolation = "23503"

// Store persists products, tariffs and price events in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open creates a traced connection pool for databaseURL and verifies it.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.ConnConfig.Tracer = obs.PGXTracer{}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(pool), nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const productColumns = `id, name, category, base_price, cost, sales_tax_pct, purchase_tax_pct`

const tariffColumns = `id, name, active, general, currency_code, tax_included, strategy, rounding, store_ids, priority, schedule, revision`

// Snapshot reads the catalog and all tariffs in one repeatable-read transaction.
func (s *Store) Snapshot(ctx context.Context) (pricing.Snapshot, error) {
	var snap pricing.Snapshot
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		products, err := queryProducts(ctx, tx)
		if err != nil {
			return err
		}
		tariffs, err := queryTariffs(ctx, tx, "")
		if err != nil {
			return err
		}
		snap.Products = make(map[string]pricing.Product, len(products))
		for _, p := range products {
			snap.Products[p.ID] = p
		}
		snap.Tariffs = tariffs
		return nil
	})
	if err != nil {
		return pricing.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	return snap, nil
}

// Products lists the catalog ordered by id.
func (s *Store) Products(ctx context.Context) ([]pricing.Product, error) {
	return queryProducts(ctx, s.pool)
}

// Product returns one product.
func (s *Store) Product(ctx context.Context, id string) (pricing.Product, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pricing.Product{}, fmt.Errorf("%w: %s", ledger.ErrProductNotFound, id)
	}
	return p, err
}

// Tariffs lists all tariffs with their overrides, ordered by id.
func (s *Store) Tariffs(ctx context.Context) ([]pricing.Tariff, error) {
	return queryTariffs(ctx, s.pool, "")
}

// Tariff returns one tariff with its overrides.
func (s *Store) Tariff(ctx context.Context, id string) (pricing.Tariff, error) {
	tariffs, err := queryTariffs(ctx, s.pool, id)
	if err != nil {
		return pricing.Tariff{}, err
	}
	if len(tariffs) == 0 {
		return pricing.Tariff{}, fmt.Errorf("%w: %s", ledger.ErrTariffNotFound, id)
	}
	return tariffs[0], nil
}

// UpsertProduct creates or replaces a product.
func (s *Store) UpsertProduct(ctx context.Context, p pricing.Product) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO products (id, name, category, base_price, cost, sales_tax_pct, purchase_tax_pct, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			base_price = EXCLUDED.base_price,
			cost = EXCLUDED.cost,
			sales_tax_pct = EXCLUDED.sales_tax_pct,
			purchase_tax_pct = EXCLUDED.purchase_tax_pct,
			updated_at = now()
	`, p.ID, p.Name, p.Category, p.BasePrice.String(), p.Cost.String(), p.SalesTaxPct.String(), p.PurchaseTaxPct.String())
	if err != nil {
		return fmt.Errorf("upsert product %s: %w", p.ID, err)
	}
	return nil
}

// UpsertTariff creates or replaces a tariff and its overrides. Existing
// tariffs move to the next revision.
func (s *Store) UpsertTariff(ctx context.Context, t pricing.Tariff) error {
	strategy, err := pricing.MarshalStrategy(t.Strategy)
	if err != nil {
		return err
	}
	schedule, err := json.Marshal(t.Schedule)
	if err != nil {
		return err
	}
	storeIDs := t.Scope.StoreIDs
	if storeIDs == nil {
		storeIDs = []string{}
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO tariffs (id, name, active, general, currency_code, tax_included, strategy, rounding, store_ids, priority, schedule, revision, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, now())
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				active = EXCLUDED.active,
				general = EXCLUDED.general,
				currency_code = EXCLUDED.currency_code,
				tax_included = EXCLUDED.tax_included,
				strategy = EXCLUDED.strategy,
				rounding = EXCLUDED.rounding,
				store_ids = EXCLUDED.store_ids,
				priority = EXCLUDED.priority,
				schedule = EXCLUDED.schedule,
				revision = tariffs.revision + 1,
				updated_at = now()
		`, t.ID, t.Name, t.Active, t.General, t.CurrencyCode, t.TaxIncluded, strategy, t.Rounding.String(), storeIDs, t.Scope.Priority, schedule)
		if err != nil {
			return fmt.Errorf("upsert tariff %s: %w", t.ID, err)
		}
		return replaceItems(ctx, tx, t.ID, t.Items)
	})
}

// Commit implements ledger.Store. The revision check and the writes share one
// transaction.
func (s *Store) Commit(ctx context.Context, c ledger.Commit) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE tariffs SET revision = revision + 1, updated_at = now() WHERE id = $1 AND revision = $2`, c.TariffID, c.ExpectedRevision)
		if err != nil {
			return fmt.Errorf("bump revision: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tariffs WHERE id = $1)`, c.TariffID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: %s", ledger.ErrTariffNotFound, c.TariffID)
			}
			return ledger.ErrConcurrentModification
		}

		if err := replaceItems(ctx, tx, c.TariffID, c.Items); err != nil {
			return err
		}
		for id, price := range c.BasePrices {
			tag, err := tx.Exec(ctx, `UPDATE products SET base_price = $2::numeric, updated_at = now() WHERE id = $1`, id, price.String())
			if err != nil {
				return fmt.Errorf("sync base price %s: %w", id, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: %s", ledger.ErrProductNotFound, id)
			}
		}
		return nil
	})
}

func replaceItems(ctx context.Context, tx pgx.Tx, tariffID string, items map[string]pricing.Override) error {
	if _, err := tx.Exec(ctx, `DELETE FROM tariff_items WHERE tariff_id = $1`, tariffID); err != nil {
		return fmt.Errorf("clear overrides: %w", err)
	}
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for pid, o := range items {
		updatedAt := o.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO tariff_items (tariff_id, product_id, price, lock_price, cost_base, margin_pct, tax_pct, updated_at)
			VALUES ($1, $2, $3::numeric, $4, $5::numeric, $6::numeric, $7::numeric, $8)
		`, tariffID, pid, o.Price.String(), o.LockPrice, o.CostBase.String(), o.MarginPct.StringFixed(6), o.TaxPct.String(), updatedAt)
	}
	results := tx.SendBatch(ctx, batch)
	for range items {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
				return fmt.Errorf("%w: %s", ledger.ErrProductNotFound, pgErr.Detail)
			}
			return fmt.Errorf("write override: %w", err)
		}
	}
	return results.Close()
}

// InsertEvent implements events.EventStore.
func (s *Store) InsertEvent(ctx context.Context, e events.Event) error {
	payload := []byte(e.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO price_events (id, topic, aggregate_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ID, e.Topic, e.AggregateID, payload, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert price event: %w", err)
	}
	return nil
}

// ListEvents returns the latest events for an aggregate, newest first.
func (s *Store) ListEvents(ctx context.Context, aggregateID string, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, topic, aggregate_id, payload, occurred_at
		FROM price_events
		WHERE aggregate_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, aggregateID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (events.Event, error) {
		var (
			e       events.Event
			payload []byte
		)
		if err := row.Scan(&e.ID, &e.Topic, &e.AggregateID, &payload, &e.OccurredAt); err != nil {
			return events.Event{}, err
		}
		e.Payload = json.RawMessage(payload)
		e.OccurredAt = e.OccurredAt.UTC()
		return e, nil
	})
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryProducts(ctx context.Context, q querier) ([]pricing.Product, error) {
	rows, err := q.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (pricing.Product, error) {
		return scanProduct(row)
	})
}

func scanProduct(row pgx.Row) (pricing.Product, error) {
	var p pricing.Product
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.BasePrice, &p.Cost, &p.SalesTaxPct, &p.PurchaseTaxPct)
	return p, err
}

// queryTariffs loads tariffs and their overrides; an empty id loads all.
func queryTariffs(ctx context.Context, q querier, id string) ([]pricing.Tariff, error) {
	rows, err := q.Query(ctx, `SELECT `+tariffColumns+` FROM tariffs WHERE ($1::text = '' OR id = $1) ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list tariffs: %w", err)
	}
	tariffs, err := pgx.CollectRows(rows, scanTariff)
	if err != nil {
		return nil, err
	}
	if len(tariffs) == 0 {
		return tariffs, nil
	}

	index := make(map[string]int, len(tariffs))
	for i, t := range tariffs {
		index[t.ID] = i
	}
	itemRows, err := q.Query(ctx, `
		SELECT tariff_id, product_id, price, lock_price, cost_base, margin_pct, tax_pct, updated_at
		FROM tariff_items
		WHERE ($1::text = '' OR tariff_id = $1)
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var (
			tariffID string
			o        pricing.Override
		)
		if err := itemRows.Scan(&tariffID, &o.ProductID, &o.Price, &o.LockPrice, &o.CostBase, &o.MarginPct, &o.TaxPct, &o.UpdatedAt); err != nil {
			return nil, err
		}
		i, ok := index[tariffID]
		if !ok {
			continue
		}
		if tariffs[i].Items == nil {
			tariffs[i].Items = make(map[string]pricing.Override)
		}
		o.UpdatedAt = o.UpdatedAt.UTC()
		tariffs[i].Items[o.ProductID] = o
	}
	return tariffs, itemRows.Err()
}

func scanTariff(row pgx.CollectableRow) (pricing.Tariff, error) {
	var (
		t        pricing.Tariff
		strategy []byte
		rounding string
		schedule []byte
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Active, &t.General, &t.CurrencyCode, &t.TaxIncluded, &strategy, &rounding, &t.Scope.StoreIDs, &t.Scope.Priority, &schedule, &t.Revision); err != nil {
		return pricing.Tariff{}, err
	}
	var err error
	if t.Strategy, err = pricing.UnmarshalStrategy(strategy); err != nil {
		return pricing.Tariff{}, fmt.Errorf("tariff %s: %w", t.ID, err)
	}
	if t.Rounding, err = pricing.ParseRoundingRule(rounding); err != nil {
		return pricing.Tariff{}, fmt.Errorf("tariff %s: %w", t.ID, err)
	}
	if len(schedule) > 0 {
		if err := json.Unmarshal(schedule, &t.Schedule); err != nil {
			return pricing.Tariff{}, fmt.Errorf("tariff %s schedule: %w", t.ID, err)
		}
	}
	return t, nil
}
