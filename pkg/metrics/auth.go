package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthRequests tracks connection authentication attempts by source and status
	AuthRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_auth_requests_total",
			Help: "Total number of connection auth attempts by token source and status",
		},
		[]string{"source", "status"},
	)

	// ActiveConnections tracks the number of authenticated connections on this process
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Number of authenticated connections held by this process",
		},
	)

	// TokenErrors tracks JWT token validation errors
	TokenErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_token_errors_total",
			Help: "Total number of token validation errors by type",
		},
		[]string{"error_type"},
	)
)
