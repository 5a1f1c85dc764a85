package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ControlChannels           = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "portmux_control_channels", Help: "Attached control channels by tunnel kind"}, []string{"kind"})
	LogicalConnections        = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "portmux_logical_connections", Help: "Live multiplexed connections"}, []string{"kind"})
	ConnectionsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portmux_connections_total", Help: "Multiplexed connections opened"}, []string{"kind"})
	ConnectionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "portmux_connection_duration_seconds", Help: "Logical connection lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	BytesRelayedTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portmux_bytes_relayed_total", Help: "Bytes relayed through tunnels"}, []string{"direction"})
	DroppedEnvelopesTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portmux_dropped_envelopes_total", Help: "Envelopes dropped by reason"}, []string{"reason"})
	PendingRequests           = promauto.NewGauge(prometheus.GaugeOpts{Name: "portmux_pending_requests", Help: "HTTP requests waiting for a tunneled response"})
	RequestTimeoutTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "portmux_request_timeout_total", Help: "Tunneled requests that timed out"})
	RequestDurationSeconds    = promauto.NewHistogram(prometheus.HistogramOpts{Name: "portmux_request_duration_seconds", Help: "Round trip of tunneled HTTP requests", Buckets: prometheus.DefBuckets})
	UpstreamRequestsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portmux_upstream_requests_total", Help: "Agent calls to the local target by status class"}, []string{"class"})
	ErrorsTotal               = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portmux_errors_total", Help: "Errors by type"}, []string{"type"})
)
