package pricing

import (
	"cmp"
	"slices"
	"time"
)

// SelectWinner returns the highest priority tariff active for storeID at the
// given instant. Equal priorities fall back to the lexically smaller id.
func SelectWinner(tariffs []Tariff, storeID string, at time.Time) (Tariff, bool) {
	active := make([]Tariff, 0, len(tariffs))
	for _, t := range tariffs {
		if IsActive(t, storeID, at) {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return Tariff{}, false
	}
	slices.SortFunc(active, func(a, b Tariff) int {
		if c := cmp.Compare(b.Scope.Priority, a.Scope.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return active[0], true
}
