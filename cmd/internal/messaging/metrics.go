package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_messages_sent_total",
		Help: "Messages durably persisted via MessageService.Send.",
	})

	metricRecentCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_cache_recent_hits_total",
		Help: "Page-1 list reads served from the recent-message cache.",
	})

	metricRecentCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_cache_recent_misses_total",
		Help: "Page-1 list reads that fell through to the durable store.",
	})

	metricCacheErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_cache_errors_total",
		Help: "Cache operations that failed and were swallowed on the durable path.",
	})

	metricReadsMarked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_messages_marked_read_total",
		Help: "Messages transitioned unread to read.",
	})
)
