package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-pricing/internal/pricing"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
	// epsilon is one minor currency unit.
	epsilon = decimal.New(1, -2)
)

// PriceFromMargin returns costBase * (1 + marginPct/100) * (1 + taxPct/100),
// rounded to cents.
func PriceFromMargin(costBase pricing.Money, marginPct, taxPct decimal.Decimal) pricing.Money {
	raw := costBase.
		Mul(one.Add(marginPct.Div(hundred))).
		Mul(one.Add(taxPct.Div(hundred)))
	return pricing.Cents(raw)
}

// MarginFromPrice inverts PriceFromMargin holding costBase and taxPct fixed.
// The margin is undefined for a zero cost base; ok reports that case.
func MarginFromPrice(price, costBase pricing.Money, taxPct decimal.Decimal) (margin decimal.Decimal, ok bool) {
	if !costBase.IsPositive() {
		return decimal.Zero, false
	}
	net := price.Div(one.Add(taxPct.Div(hundred)))
	return net.Sub(costBase).Div(costBase).Mul(hundred), true
}

// Consistent reports whether o satisfies the price formula within one cent.
// Overrides without a positive cost base carry no margin and always pass.
func Consistent(o pricing.Override) bool {
	if !o.CostBase.IsPositive() {
		return true
	}
	return PriceFromMargin(o.CostBase, o.MarginPct, o.TaxPct).Sub(o.Price).Abs().LessThanOrEqual(epsilon)
}
