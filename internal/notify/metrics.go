package notify

import "github.com/prometheus/client_golang/prometheus"

// DeliveriesTotal counts webhook delivery attempts by result.
var DeliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pricing_webhook_deliveries_total",
		Help: "Price change webhook deliveries grouped by result",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(DeliveriesTotal)
}
