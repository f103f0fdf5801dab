// Package telemetry exposes prometheus instrumentation for the sync
// engine and the reference server. Metrics are registered on the default
// registry; the server serves them on /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmsync_messages_sent_total",
		Help: "Messages accepted for optimistic send",
	})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmsync_send_failures_total",
		Help: "Message writes that exhausted their retry budget",
	})

	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmsync_retries_total",
		Help: "Retry attempts scheduled by the retry coordinator",
	})

	ReconcilePasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmsync_reconcile_passes_total",
		Help: "Remote snapshots merged into local projections",
	})

	MessagesAdopted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmsync_messages_adopted_total",
		Help: "Optimistic messages matched to a canonical remote copy",
	})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmsync_cache_hits_total",
		Help: "Cold-start cache reads that produced a projection",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmsync_cache_misses_total",
		Help: "Cold-start cache reads with no (or unreadable) entry",
	})

	CacheWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmsync_cache_writes_total",
		Help: "Debounced cache persists actually flushed to disk",
	})

	ReceiptBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmsync_receipt_batches_total",
		Help: "Read-receipt batches written to the remote store",
	})

	ReceiptMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmsync_receipt_messages_total",
		Help: "Messages marked read across all receipt batches",
	})

	LiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dmsync_live_subscriptions",
		Help: "Currently attached realtime subscriptions",
	})

	DegradedRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dmsync_degraded_rooms",
		Help: "Rooms serving stale data after reattachment gave up",
	})

	ServerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dmsync_server_requests_total",
		Help: "Reference server HTTP requests",
	}, []string{"method", "route", "status"})

	ServerStreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dmsync_server_stream_clients",
		Help: "WebSocket feed clients connected to the reference server",
	})
)
