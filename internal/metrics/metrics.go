// Package metrics provides Prometheus instrumentation for the bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, for the admin HTTP surface.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Gateway connection metrics.
var (
	GatewayState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_gateway_state",
		Help: "Current gateway lifecycle state (0=connecting,1=authenticating,2=ready,3=running,4=closed).",
	}, []string{"platform"})

	GatewayReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_gateway_reconnects_total",
		Help: "Total number of gateway reconnect attempts.",
	}, []string{"platform"})

	GatewayEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_gateway_events_total",
		Help: "Total number of gateway events received.",
	}, []string{"platform", "type"})

	GatewayEventsDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_gateway_events_deduped_total",
		Help: "Total number of gateway events dropped as duplicates.",
	}, []string{"platform"})
)

// Relay metrics.
var (
	RelayedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_relayed_messages_total",
		Help: "Total number of messages relayed.",
	}, []string{"direction", "result"})

	EchoGuardHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_echo_guard_hits_total",
		Help: "Total number of events suppressed by the echo guard.",
	}, []string{"kind"})

	RelayQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_relay_queue_depth",
		Help: "Number of relay tasks queued per channel pair.",
	}, []string{"channel_link"})
)

// Outage recovery metrics.
var (
	RecoveryGapFilledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_recovery_gap_filled_total",
		Help: "Total number of messages backfilled during outage recovery.",
	}, []string{"direction"})
)

// Migration metrics.
var (
	MigrationRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_migration_requests_total",
		Help: "Total number of migration requests by outcome.",
	}, []string{"auth_method", "outcome"})

	MigrationItemsExecutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_migration_items_executed_total",
		Help: "Total number of objects created during migration execution.",
	}, []string{"kind"})
)

// Archive metrics.
var (
	ArchiveMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_archive_messages_total",
		Help: "Total number of messages exported or imported.",
	}, []string{"direction", "job_id"})

	ArchiveJobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_archive_jobs_active",
		Help: "Number of archive jobs currently running.",
	})
)

// Push fan-out metrics.
var (
	PushSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_push_sent_total",
		Help: "Total number of push notifications sent, by transport and result.",
	}, []string{"transport", "result"})

	PushDevicesEvictedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_push_devices_evicted_total",
		Help: "Total number of push device registrations evicted after an unregistered response.",
	}, []string{"transport"})
)

// Rate limit metrics.
var (
	RateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_rate_limit_wait_seconds",
		Help:    "Time spent waiting on a rate-limit bucket before a request was sent.",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform", "bucket"})
)
