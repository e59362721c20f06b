package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnel_active_sessions", Help: "Currently relayed sessions"})
	OpenPorts              = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnel_open_public_ports", Help: "Public listeners currently bound"})
	ControlConnected       = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnel_control_connected", Help: "1 while a control session is established"})
	FramesTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnel_frames_total", Help: "Frames by type and direction"}, []string{"type", "dir"})
	BytesRelayedTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnel_bytes_relayed_total", Help: "Payload bytes relayed by direction"}, []string{"dir"})
	DigestFailuresTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnel_digest_failures_total", Help: "Frames dropped on digest mismatch"})
	SessionsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnel_sessions_total", Help: "Sessions opened"})
	ReconnectsTotal        = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnel_reconnects_total", Help: "Starter reconnect attempts"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnel_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tunnel_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
