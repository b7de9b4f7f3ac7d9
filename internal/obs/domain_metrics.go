package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PriceResolutionsTotal counts resolutions by price source (tariff, base, error).
	PriceResolutionsTotal *prometheus.CounterVec
	// PricingWarningsTotal counts non-fatal resolution warnings by code.
	PricingWarningsTotal *prometheus.CounterVec
	// LedgerMutationsTotal counts override ledger operations by outcome.
	LedgerMutationsTotal *prometheus.CounterVec
	// LedgerConflictsTotal counts optimistic concurrency conflicts seen by writers.
	LedgerConflictsTotal prometheus.Counter
	// SnapshotCacheTotal counts snapshot cache lookups by result (hit, miss, error).
	SnapshotCacheTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers pricing Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PriceResolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_resolutions_total",
			Help:      "Count of price resolutions by source.",
		}, []string{"source"})
		PricingWarningsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pricing_warnings_total",
			Help:      "Count of non-fatal pricing warnings by code.",
		}, []string{"code"})
		LedgerMutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_mutations_total",
			Help:      "Count of override ledger mutations by operation and result.",
		}, []string{"operation", "result"})
		LedgerConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_conflicts_total",
			Help:      "Number of optimistic concurrency conflicts on tariff edits.",
		})
		SnapshotCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_total",
			Help:      "Count of pricing snapshot cache lookups by result.",
		}, []string{"result"})

		mustRegisterCollector(reg, PriceResolutionsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PriceResolutionsTotal = v
			}
		})
		mustRegisterCollector(reg, PricingWarningsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PricingWarningsTotal = v
			}
		})
		mustRegisterCollector(reg, LedgerMutationsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				LedgerMutationsTotal = v
			}
		})
		mustRegisterCollector(reg, LedgerConflictsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				LedgerConflictsTotal = v
			}
		})
		mustRegisterCollector(reg, SnapshotCacheTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				SnapshotCacheTotal = v
			}
		})
	})
}

// IncResolution records a resolution outcome when metrics are registered.
func IncResolution(source string) {
	if PriceResolutionsTotal != nil {
		PriceResolutionsTotal.WithLabelValues(source).Inc()
	}
}

// IncWarning records a pricing warning when metrics are registered.
func IncWarning(code string) {
	if PricingWarningsTotal != nil {
		PricingWarningsTotal.WithLabelValues(code).Inc()
	}
}

// IncLedgerMutation records a ledger mutation outcome when metrics are registered.
func IncLedgerMutation(operation, result string) {
	if LedgerMutationsTotal != nil {
		LedgerMutationsTotal.WithLabelValues(operation, result).Inc()
	}
}

// IncLedgerConflict records an optimistic concurrency conflict.
func IncLedgerConflict() {
	if LedgerConflictsTotal != nil {
		LedgerConflictsTotal.Inc()
	}
}

// IncSnapshotCache records a snapshot cache lookup result.
func IncSnapshotCache(result string) {
	if SnapshotCacheTotal != nil {
		SnapshotCacheTotal.WithLabelValues(result).Inc()
	}
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register metric: %w", err))
	}
}
