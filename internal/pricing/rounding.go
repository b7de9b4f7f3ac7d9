package pricing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RoundingRule selects how a resolved price is rounded.
type RoundingRule int

const (
	RoundNone RoundingRule = iota
	RoundEnding99
	RoundCeilingToUnit
)

var ninetyNineCents = decimal.New(99, -2)

// String implements fmt.Stringer.
func (r RoundingRule) String() string {
	switch r {
	case RoundNone:
		return "none"
	case RoundEnding99:
		return "ending_99"
	case RoundCeilingToUnit:
		return "ceiling_to_unit"
	default:
		return "unknown"
	}
}

// ParseRoundingRule accepts the String form of a rule; empty means RoundNone.
func ParseRoundingRule(value string) (RoundingRule, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "none":
		return RoundNone, nil
	case "ending_99", "ending99":
		return RoundEnding99, nil
	case "ceiling_to_unit", "ceilingtounit", "ceiling":
		return RoundCeilingToUnit, nil
	default:
		return RoundNone, fmt.Errorf("pricing: unknown rounding rule %q", value)
	}
}

// MarshalJSON encodes the rule as its string name.
func (r RoundingRule) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a rule from its string name.
func (r *RoundingRule) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRoundingRule(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Round applies rule to a final price. It is never applied to intermediate
// strategy results.
func Round(price Money, rule RoundingRule) Money {
	switch rule {
	case RoundEnding99:
		return price.Floor().Add(ninetyNineCents)
	case RoundCeilingToUnit:
		return price.Ceil()
	default:
		return price
	}
}

// Cents normalises an amount to two decimals, half away from zero.
func Cents(amount Money) Money {
	return amount.Round(2)
}
