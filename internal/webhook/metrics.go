package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prepflow_webhook_deliveries_total",
		Help: "Delivery attempts that reached the endpoint and got a 2xx.",
	})
	failedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prepflow_webhook_failures_total",
		Help: "Delivery attempts that exhausted retries or failed terminally.",
	})
	retriedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prepflow_webhook_retries_total",
		Help: "Delivery attempts rescheduled for another try.",
	})
	disabledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prepflow_webhook_autodisabled_total",
		Help: "Webhooks auto-disabled after consecutive failures.",
	})
)
