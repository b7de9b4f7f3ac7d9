package queue

import "github.com/prometheus/client_golang/prometheus"

var ProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pricing_queue_processed_total",
		Help: "Tasks processed by the worker grouped by outcome",
	},
	[]string{"kind", "status"},
)

func init() {
	prometheus.MustRegister(ProcessedTotal)
}
