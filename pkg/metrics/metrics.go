// Package metrics exposes Prometheus collectors for the tunnel client.
//
// Collectors are registered with the default registry on first import; the
// thi-tunnel command serves them with promhttp when -metrics-addr is set.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TunnelsOpened = promauto.NewCounter(prometheus.CounterOpts{Name: "thi_tunnel_connections_opened_total", Help: "Tunnel connections created"})
	TunnelsClosed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "thi_tunnel_connections_closed_total", Help: "Tunnel connections closed by reason"}, []string{"reason"})
	HandshakeSecs = promauto.NewHistogram(prometheus.HistogramOpts{Name: "thi_tunnel_handshake_seconds", Help: "Relay open plus TLS handshake duration", Buckets: prometheus.ExponentialBuckets(0.01, 2, 12)})
	Requests      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "thi_tunnel_requests_total", Help: "Tunneled requests by outcome"}, []string{"outcome"})
	RequestSecs   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "thi_tunnel_request_seconds", Help: "Dispatch to response duration", Buckets: prometheus.ExponentialBuckets(0.01, 2, 12)})
	QueueDepth    = promauto.NewGauge(prometheus.GaugeOpts{Name: "thi_tunnel_queue_depth", Help: "Requests queued or in flight across connections"})
	RelayFrames   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "thi_tunnel_relay_frames_total", Help: "Relay frames by direction"}, []string{"direction"})
	CacheLookups  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "thi_tunnel_cache_lookups_total", Help: "Cache lookups by cache and result"}, []string{"cache", "result"})
	SessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "thi_tunnel_session_events_total", Help: "Session lifecycle events"}, []string{"event"})
	RelaySessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "thi_tunnel_relay_sessions", Help: "Open relay sessions (relay server side)"})
)

// Request outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeParseError  = "parse_error"
	OutcomeTimeout     = "timeout"
	OutcomeClosed      = "closed"
	OutcomeTransport   = "transport_error"
	OutcomeVerifyError = "verification_error"
)

// Cache lookup results.
const (
	CacheHit       = "hit"
	CacheMiss      = "miss"
	CacheCoalesced = "coalesced"
	CacheBackoff   = "backoff"
	CacheFailure   = "failure"
)

// Session events.
const (
	SessionLogin   = "login"
	SessionGuest   = "guest"
	SessionRenew   = "renew"
	SessionRetry   = "retry"
	SessionLogout  = "logout"
	SessionFailure = "failure"
)
