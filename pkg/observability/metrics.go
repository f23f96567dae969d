package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Envelope outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeDropped   = "dropped"
	OutcomeFailed    = "failed"
)

var (
	// Runtime metrics
	envelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrt_envelopes_total",
			Help: "Total number of envelopes processed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrt_dispatch_duration_seconds",
			Help:    "Agent dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentrt_queue_depth",
			Help: "Number of envelopes waiting to be processed",
		},
	)

	outstandingDispatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentrt_outstanding_dispatches",
			Help: "Number of popped envelopes whose dispatch has not completed",
		},
	)

	// Host metrics
	hostClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentrt_host_clients",
			Help: "Number of connected worker clients",
		},
	)

	hostFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrt_host_frames_total",
			Help: "Total number of frames handled by the host",
		},
		[]string{"kind", "direction"},
	)

	hostRateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentrt_host_rate_limited_total",
			Help: "Total number of inbound frames delayed by the per-client rate limit",
		},
	)

	// Worker metrics
	workerPendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentrt_worker_pending_requests",
			Help: "Number of requests awaiting a response from the host",
		},
	)

	workerReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrt_worker_reconnects_total",
			Help: "Total number of worker reconnect attempts",
		},
		[]string{"status"},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default Prometheus registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			envelopesTotal,
			dispatchDuration,
			queueDepth,
			outstandingDispatches,
			hostClients,
			hostFramesTotal,
			hostRateLimitedTotal,
			workerPendingRequests,
			workerReconnectsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordEnvelope records one processed envelope.
func RecordEnvelope(kind, outcome string) {
	envelopesTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordDispatch records the time an agent spent handling an envelope.
func RecordDispatch(kind string, duration time.Duration) {
	dispatchDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetQueueDepth sets the queue depth gauge
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetOutstanding sets the outstanding dispatch gauge
func SetOutstanding(n int64) {
	outstandingDispatches.Set(float64(n))
}

// SetHostClients sets the connected clients gauge
func SetHostClients(n int) {
	hostClients.Set(float64(n))
}

// RecordHostFrame counts a frame received ("in") or queued ("out") by the host.
func RecordHostFrame(kind, direction string) {
	hostFramesTotal.WithLabelValues(kind, direction).Inc()
}

// RecordRateLimited counts a delayed inbound frame.
func RecordRateLimited() {
	hostRateLimitedTotal.Inc()
}

// SetWorkerPending sets the pending request gauge
func SetWorkerPending(n int) {
	workerPendingRequests.Set(float64(n))
}

// RecordWorkerReconnect counts a reconnect attempt by status ("success" or "failure").
func RecordWorkerReconnect(status string) {
	workerReconnectsTotal.WithLabelValues(status).Inc()
}
