package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prepflow_outbox_events_published_total",
		Help: "Outbox events successfully published to the realtime channel.",
	})
	failedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prepflow_outbox_events_failed_total",
		Help: "Outbox events marked failed with a permanent error.",
	})
	skippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prepflow_outbox_events_skipped_total",
		Help: "Outbox events left pending after a transport failure.",
	})
	oversizedWarnTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prepflow_outbox_events_oversized_warn_total",
		Help: "Events published above the warning size threshold.",
	})
	oldestPendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prepflow_outbox_oldest_pending_seconds",
		Help: "Age of the oldest pending outbox event.",
	})
)
