package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markethub_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "status"},
	)

	// Connection metrics
	ConnectionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "markethub_connections_opened_total",
			Help: "Total websocket connections accepted",
		},
	)

	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "markethub_connections_active",
			Help: "Live websocket connections",
		},
	)

	SlowConsumersClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "markethub_slow_consumers_closed_total",
			Help: "Connections closed because their send buffer was full",
		},
	)

	// Business metrics
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markethub_messages_processed_total",
			Help: "Messages appended to room history",
		},
		[]string{"room_kind"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markethub_deliveries_total",
			Help: "Per-connection event deliveries",
		},
		[]string{"result"}, // "ok" or "failed"
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markethub_rate_limit_hits_total",
			Help: "Inbound events rejected by the rate limiter",
		},
		[]string{"kind"},
	)

	CapacityPressure = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markethub_capacity_pressure_total",
			Help: "Insertions that hit a capacity bound, and evictions",
		},
		[]string{"collection", "outcome"}, // outcome: "evicted" or "rejected"
	)

	// Maintenance metrics
	MaintenanceRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "markethub_maintenance_runs_total",
			Help: "Completed maintenance passes",
		},
	)

	MaintenanceStepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markethub_maintenance_step_failures_total",
			Help: "Maintenance steps that returned an error or panicked",
		},
		[]string{"step"},
	)

	MaintenanceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "markethub_maintenance_duration_seconds",
			Help:    "Duration of a full maintenance pass",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	// State gauges, refreshed by the stats maintenance step
	ResidentRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "markethub_rooms",
			Help: "Resident rooms",
		},
	)

	SupportQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "markethub_support_queue_size",
			Help: "Support requests held in the queue",
		},
	)

	BufferedMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "markethub_buffered_messages",
			Help: "Messages held across all room histories",
		},
	)

	TypingEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "markethub_typing_entries",
			Help: "Live typing indicators",
		},
	)

	Utilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "markethub_capacity_utilization_percent",
			Help: "Capacity utilization of bounded collections",
		},
		[]string{"collection"},
	)

	ProcessRSS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "markethub_process_rss_bytes",
			Help: "Resident set size of the hub process",
		},
	)
)
