package fx

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// ErrRateNotFound is returned when neither a direct nor an inverse rate exists.
var ErrRateNotFound = errors.New("fx: rate not found")

// Pair is an ordered currency pair; one From buys Rate units of To.
type Pair struct {
	From string
	To   string
}

func (p Pair) String() string { return p.From + ":" + p.To }

type rates struct {
	byPair    map[Pair]decimal.Decimal
	updatedAt time.Time
}

// Table is a concurrency safe rate table. Updates replace the whole table.
type Table struct {
	current atomic.Pointer[rates]
}

// NewTable builds a table seeded with the given rates.
func NewTable(seed map[Pair]decimal.Decimal) *Table {
	t := &Table{}
	t.Replace(seed, time.Now())
	return t
}

// Replace swaps in a new set of rates.
func (t *Table) Replace(byPair map[Pair]decimal.Decimal, at time.Time) {
	next := &rates{byPair: make(map[Pair]decimal.Decimal, len(byPair)), updatedAt: at}
	for p, r := range byPair {
		next.byPair[normalize(p)] = r
	}
	t.current.Store(next)
}

// Merge adds or replaces rates, keeping the ones not mentioned.
func (t *Table) Merge(byPair map[Pair]decimal.Decimal, at time.Time) {
	for {
		old := t.current.Load()
		next := &rates{byPair: maps.Clone(old.byPair), updatedAt: at}
		for p, r := range byPair {
			next.byPair[normalize(p)] = r
		}
		if t.current.CompareAndSwap(old, next) {
			return
		}
	}
}

// Rate returns how many units of to one unit of from buys.
func (t *Table) Rate(from, to string) (decimal.Decimal, error) {
	p := normalize(Pair{From: from, To: to})
	if p.From == p.To {
		return decimal.NewFromInt(1), nil
	}
	r := t.current.Load()
	if rate, ok := r.byPair[p]; ok && rate.IsPositive() {
		return rate, nil
	}
	if inverse, ok := r.byPair[Pair{From: p.To, To: p.From}]; ok && inverse.IsPositive() {
		return decimal.NewFromInt(1).Div(inverse), nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrRateNotFound, p)
}

// Convert implements pricing.Converter. The result is not rounded.
func (t *Table) Convert(_ context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	rate, err := t.Rate(from, to)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate), nil
}

// UpdatedAt reports when the table last changed.
func (t *Table) UpdatedAt() time.Time {
	return t.current.Load().updatedAt
}

// Len returns the number of stored pairs.
func (t *Table) Len() int {
	return len(t.current.Load().byPair)
}

// ParseRates reads "EUR:USD=1.08,EUR:GBP=0.86".
func ParseRates(value string) (map[Pair]decimal.Decimal, error) {
	out := map[Pair]decimal.Decimal{}
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		pairText, rateText, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("fx: malformed rate %q", entry)
		}
		from, to, ok := strings.Cut(pairText, ":")
		if !ok || strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
			return nil, fmt.Errorf("fx: malformed pair %q", pairText)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(rateText))
		if err != nil {
			return nil, fmt.Errorf("fx: rate %q: %w", entry, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("fx: rate %q must be positive", entry)
		}
		out[normalize(Pair{From: from, To: to})] = rate
	}
	return out, nil
}

func normalize(p Pair) Pair {
	return Pair{
		From: strings.ToUpper(strings.TrimSpace(p.From)),
		To:   strings.ToUpper(strings.TrimSpace(p.To)),
	}
}
