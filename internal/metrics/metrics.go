package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
// Methods are safe to call on a nil *Metrics so that components can run without it.
type Metrics struct {
	// Connection tracking
	ActiveConnections atomic.Int64
	ActiveSessions    atomic.Int64

	framesProcessed prometheus.Counter
	framesDropped   prometheus.Counter
	frameErrors     *prometheus.CounterVec
	detections      *prometheus.CounterVec
	inference       prometheus.Histogram
	frameDuration   prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	m.framesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "salt_frames_processed_total",
		Help: "Frames that completed the detection pipeline",
	})
	m.framesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "salt_frames_dropped_total",
		Help: "Frames dropped because the connection inbox was full or rate limited",
	})
	m.frameErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "salt_frame_errors_total",
		Help: "Message handling errors by wire code",
	}, []string{"code"})
	m.detections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "salt_detections_total",
		Help: "Detections emitted after NMS by class",
	}, []string{"class"})
	m.inference = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "salt_inference_duration_seconds",
		Help:    "Model inference latency",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	})
	m.frameDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "salt_frame_duration_seconds",
		Help:    "End to end frame processing latency",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	})

	m.registry.MustRegister(
		m.framesProcessed,
		m.framesDropped,
		m.frameErrors,
		m.detections,
		m.inference,
		m.frameDuration,
	)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "salt_active_connections",
			Help: "Open stream connections",
		},
		func() float64 { return float64(m.ActiveConnections.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "salt_active_sessions",
			Help: "Connections with an active detection session",
		},
		func() float64 { return float64(m.ActiveSessions.Load()) },
	))
}

// FrameProcessed records one completed frame.
func (m *Metrics) FrameProcessed(d time.Duration) {
	if m == nil {
		return
	}
	m.framesProcessed.Inc()
	m.frameDuration.Observe(d.Seconds())
}

// FrameDropped records a frame rejected by backpressure.
func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

// MessageError records an error event sent to a client.
func (m *Metrics) MessageError(code string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

// Detections adds n detections of the given class.
func (m *Metrics) Detections(class string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.detections.WithLabelValues(class).Add(float64(n))
}

// InferenceLatency records a model call.
func (m *Metrics) InferenceLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.inference.Observe(d.Seconds())
}

// ConnectionOpened and ConnectionClosed track the active connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.ActiveConnections.Add(1)
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.ActiveConnections.Add(-1)
	}
}

// SessionStarted and SessionEnded track the active session gauge.
func (m *Metrics) SessionStarted() {
	if m != nil {
		m.ActiveSessions.Add(1)
	}
}

func (m *Metrics) SessionEnded() {
	if m != nil {
		m.ActiveSessions.Add(-1)
	}
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
