package pricing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Money represents a monetary amount in the currency's major unit.
type Money = decimal.Decimal

// AllStores is the scope wildcard matching every store.
const AllStores = "ALL"

// Product is the catalog view used for pricing.
type Product struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Category       string          `json:"category"`
	BasePrice      Money           `json:"basePrice"`
	Cost           Money           `json:"cost"`
	SalesTaxPct    decimal.Decimal `json:"salesTaxPct"`
	PurchaseTaxPct decimal.Decimal `json:"purchaseTaxPct"`
}

// Override is an explicit price lock for one (tariff, product) pair.
type Override struct {
	ProductID string          `json:"productId"`
	Price     Money           `json:"price"`
	LockPrice bool            `json:"lockPrice"`
	CostBase  Money           `json:"costBase"`
	MarginPct decimal.Decimal `json:"marginPct"`
	TaxPct    decimal.Decimal `json:"taxPct"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Scope limits a tariff to a set of stores and ranks it against others.
type Scope struct {
	StoreIDs []string `json:"storeIds"`
	Priority int      `json:"priority"`
}

// Tariff is a named, schedulable, priority-ranked price list.
type Tariff struct {
	ID           string
	Name         string
	Active       bool
	General      bool
	CurrencyCode string
	TaxIncluded  bool
	Strategy     Strategy
	Rounding     RoundingRule
	Scope        Scope
	Schedule     Schedule
	Items        map[string]Override
	// Revision versions Items for optimistic concurrency.
	Revision int64
}

// Override returns the locked override for productID, if any.
func (t Tariff) Override(productID string) (Override, bool) {
	o, ok := t.Items[productID]
	if !ok || !o.LockPrice {
		return Override{}, false
	}
	return o, true
}

type tariffJSON struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Active       bool                `json:"active"`
	General      bool                `json:"general"`
	CurrencyCode string              `json:"currencyCode"`
	TaxIncluded  bool                `json:"taxIncluded"`
	Strategy     json.RawMessage     `json:"strategy"`
	Rounding     RoundingRule        `json:"rounding"`
	Scope        Scope               `json:"scope"`
	Schedule     Schedule            `json:"schedule"`
	Items        map[string]Override `json:"items,omitempty"`
	Revision     int64               `json:"revision"`
}

// MarshalJSON encodes the strategy as a tagged object.
func (t Tariff) MarshalJSON() ([]byte, error) {
	strategy, err := MarshalStrategy(t.Strategy)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tariffJSON{
		ID:           t.ID,
		Name:         t.Name,
		Active:       t.Active,
		General:      t.General,
		CurrencyCode: t.CurrencyCode,
		TaxIncluded:  t.TaxIncluded,
		Strategy:     strategy,
		Rounding:     t.Rounding,
		Scope:        t.Scope,
		Schedule:     t.Schedule,
		Items:        t.Items,
		Revision:     t.Revision,
	})
}

// UnmarshalJSON decodes a tariff produced by MarshalJSON.
func (t *Tariff) UnmarshalJSON(data []byte) error {
	var raw tariffJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	strategy, err := UnmarshalStrategy(raw.Strategy)
	if err != nil {
		return fmt.Errorf("tariff %s: %w", raw.ID, err)
	}
	*t = Tariff{
		ID:           raw.ID,
		Name:         raw.Name,
		Active:       raw.Active,
		General:      raw.General,
		CurrencyCode: raw.CurrencyCode,
		TaxIncluded:  raw.TaxIncluded,
		Strategy:     strategy,
		Rounding:     raw.Rounding,
		Scope:        raw.Scope,
		Schedule:     raw.Schedule,
		Items:        raw.Items,
		Revision:     raw.Revision,
	}
	return nil
}

// ResolutionContext identifies what is being priced, where and when.
type ResolutionContext struct {
	ProductID string
	StoreID   string
	At        time.Time
	// Currency is the requested output currency; empty keeps the source currency.
	Currency string
}

// WarningCode classifies non-fatal resolution events.
type WarningCode string

const (
	WarnNegativePriceClamped WarningCode = "NEGATIVE_PRICE_CLAMPED"
	WarnCyclicReference      WarningCode = "CYCLIC_REFERENCE"
	WarnNoManualOverride     WarningCode = "NO_MANUAL_OVERRIDE"
	WarnUnknownTariff        WarningCode = "UNKNOWN_TARIFF"
)

// Warning is a non-fatal event surfaced alongside a resolved price.
type Warning struct {
	Code      WarningCode `json:"code"`
	TariffID  string      `json:"tariffId,omitempty"`
	ProductID string      `json:"productId,omitempty"`
	Message   string      `json:"message"`
}

// PriceResult is the outcome of one resolution.
type PriceResult struct {
	ProductID      string    `json:"productId"`
	Price          Money     `json:"price"`
	Currency       string    `json:"currency"`
	SourceTariffID *string   `json:"sourceTariffId,omitempty"`
	Warnings       []Warning `json:"warnings,omitempty"`
}

// Snapshot is an immutable view of the catalog and tariffs read by one resolution.
type Snapshot struct {
	Products map[string]Product `json:"products"`
	Tariffs  []Tariff           `json:"tariffs"`
}

// Tariff looks up a tariff by id.
func (s Snapshot) Tariff(id string) (Tariff, bool) {
	for _, t := range s.Tariffs {
		if t.ID == id {
			return t, true
		}
	}
	return Tariff{}, false
}

// TariffIndex maps tariffs by id.
func TariffIndex(tariffs []Tariff) map[string]Tariff {
	out := make(map[string]Tariff, len(tariffs))
	for _, t := range tariffs {
		out[t.ID] = t
	}
	return out
}

func normalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
