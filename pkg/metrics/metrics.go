package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EnvelopesConsumed counts bus envelopes by outcome (handled, duplicate, malformed, failed)
	EnvelopesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_envelopes_consumed_total",
			Help: "Bus envelopes consumed by outcome",
		},
		[]string{"outcome"},
	)

	// EnvelopesPublished counts producer results
	EnvelopesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_envelopes_published_total",
			Help: "Bus envelopes published by status",
		},
		[]string{"status"},
	)

	// Emissions counts frames queued to local connections
	Emissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_emissions_total",
			Help: "Events emitted to local connections by event name",
		},
		[]string{"event"},
	)

	// DroppedEmissions counts frames dropped because a send buffer was full
	DroppedEmissions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_dropped_emissions_total",
			Help: "Events dropped on full connection buffers",
		},
	)

	// RelayedEvents counts pub/sub events handled by this process
	RelayedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_relayed_total",
			Help: "Pub/sub events relayed by channel and status",
		},
		[]string{"channel", "status"},
	)

	// PendingOps counts offline queue operations
	PendingOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_pending_operations_total",
			Help: "Offline pending queue operations by type",
		},
		[]string{"op"},
	)

	// HandleLatency tracks envelope handling time
	HandleLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_envelope_handle_seconds",
			Help:    "Time spent handling one bus envelope",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
