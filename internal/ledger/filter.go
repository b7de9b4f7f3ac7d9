package ledger

import (
	"strings"

	"github.com/noah-isme/pos-pricing/internal/pricing"
)

// Filter selects the products a bulk adjustment applies to. All set criteria
// must match; a zero Filter matches every product.
type Filter struct {
	Category   string   `json:"category,omitempty"`
	Search     string   `json:"search,omitempty"`
	ProductIDs []string `json:"productIds,omitempty"`
}

// Match reports whether p satisfies the filter.
func (f Filter) Match(p pricing.Product) bool {
	if c := strings.TrimSpace(f.Category); c != "" && !strings.EqualFold(c, p.Category) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		if !strings.Contains(strings.ToLower(p.Name), q) && !strings.Contains(strings.ToLower(p.ID), q) {
			return false
		}
	}
	if len(f.ProductIDs) > 0 {
		found := false
		for _, id := range f.ProductIDs {
			if id == p.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
