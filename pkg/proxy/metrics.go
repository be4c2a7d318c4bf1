package proxy

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pshima/interlope/pkg/certificates"
)

// Metrics holds the proxy's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	acceptErrors      prometheus.Counter
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	upstreamErrors    prometheus.Counter
	tunnels           *prometheus.CounterVec
	handshakeErrors   prometheus.Counter
	websocketFrames   *prometheus.CounterVec

	certs atomic.Pointer[certificates.CertificateStore]
}

// Tunnel modes recorded in interlope_tunnels_total.
const (
	tunnelIntercept   = "intercept"
	tunnelPassthrough = "passthrough"
	tunnelRelay       = "relay"
)

// NewMetrics creates the collectors and registers them with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "interlope",
			Name:      "connections_active",
			Help:      "Client connections currently being served.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "interlope",
			Name:      "connections_total",
			Help:      "Client connections accepted.",
		}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "interlope",
			Name:      "accept_errors_total",
			Help:      "Transient listener accept failures.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interlope",
			Name:      "requests_total",
			Help:      "Proxied HTTP exchanges by protocol and response status class.",
		}, []string{"protocol", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "interlope",
			Name:      "request_duration_seconds",
			Help:      "Time from request read to response headers written.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"protocol"}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "interlope",
			Name:      "upstream_errors_total",
			Help:      "Exchanges answered with a gateway error because the origin failed.",
		}),
		tunnels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interlope",
			Name:      "tunnels_total",
			Help:      "CONNECT tunnels by handling mode.",
		}, []string{"mode"}),
		handshakeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "interlope",
			Name:      "tls_handshake_errors_total",
			Help:      "Client TLS handshakes that failed inside intercepted tunnels.",
		}),
		websocketFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interlope",
			Name:      "websocket_frames_total",
			Help:      "WebSocket frames seen by the bridge.",
		}, []string{"direction", "action"}),
	}

	certGauge := func(name, help string, value func(certificates.CacheStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "interlope",
			Subsystem: "certificates",
			Name:      name,
			Help:      help,
		}, func() float64 {
			store := m.certs.Load()
			if store == nil {
				return 0
			}
			return value(store.GetCacheStats())
		})
	}
	certCounter := func(name, help string, value func(certificates.CacheStats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "interlope",
			Subsystem: "certificates",
			Name:      name,
			Help:      help,
		}, func() float64 {
			store := m.certs.Load()
			if store == nil {
				return 0
			}
			return float64(value(store.GetCacheStats()))
		})
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.connectionsActive,
			m.connectionsTotal,
			m.acceptErrors,
			m.requests,
			m.requestDuration,
			m.upstreamErrors,
			m.tunnels,
			m.handshakeErrors,
			m.websocketFrames,
			certGauge("cached", "Leaf certificates in the cache.", func(s certificates.CacheStats) float64 {
				return float64(s.TotalCertificates)
			}),
			certCounter("hits_total", "Leaf certificate cache hits.", func(s certificates.CacheStats) uint64 {
				return s.Hits
			}),
			certCounter("misses_total", "Leaf certificate cache misses.", func(s certificates.CacheStats) uint64 {
				return s.Misses
			}),
			certCounter("failures_total", "Leaf certificate issuance failures.", func(s certificates.CacheStats) uint64 {
				return s.Failures
			}),
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Metrics) observeCertificates(store *certificates.CertificateStore) {
	if m == nil || store == nil {
		return
	}
	m.certs.Store(store)
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) acceptFailed() {
	if m == nil {
		return
	}
	m.acceptErrors.Inc()
}

func (m *Metrics) requestDone(protocol string, status int, start time.Time) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(protocol, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(protocol).Observe(time.Since(start).Seconds())
}

func (m *Metrics) upstreamFailed() {
	if m == nil {
		return
	}
	m.upstreamErrors.Inc()
}

func (m *Metrics) tunnelOpened(mode string) {
	if m == nil {
		return
	}
	m.tunnels.WithLabelValues(mode).Inc()
}

func (m *Metrics) handshakeFailed() {
	if m == nil {
		return
	}
	m.handshakeErrors.Inc()
}

func (m *Metrics) frame(direction string, forwarded bool) {
	if m == nil {
		return
	}
	action := "forwarded"
	if !forwarded {
		action = "dropped"
	}
	m.websocketFrames.WithLabelValues(direction, action).Inc()
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
