package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coloc",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"component", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coloc",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"component", "method", "route", "status"},
	)
	shareAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coloc",
			Subsystem: "launcher",
			Name:      "share_attempts_total",
			Help:      "Share-and-localize attempts by outcome.",
		},
		[]string{"outcome"},
	)
	shareDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coloc",
			Subsystem: "launcher",
			Name:      "share_attempt_duration_seconds",
			Help:      "Share-and-localize attempt duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)
	flows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coloc",
			Subsystem: "launcher",
			Name:      "flows_total",
			Help:      "Colocation flows by flow and outcome.",
		},
		[]string{"flow", "outcome"},
	)
	droppedReplies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coloc",
			Subsystem: "launcher",
			Name:      "dropped_replies_total",
			Help:      "Share replies dropped because no attempt was waiting.",
		},
	)
	directoryMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coloc",
			Subsystem: "directory",
			Name:      "mutations_total",
			Help:      "Mutations applied by the directory authority.",
		},
		[]string{"op"},
	)
	relayFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coloc",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Frames handled by the relay by route and result.",
		},
		[]string{"route", "result"},
	)
	relaySessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coloc",
			Subsystem: "relay",
			Name:      "sessions",
			Help:      "Peer sessions currently joined to the relay.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			shareAttempts, shareDuration, flows, droppedReplies,
			directoryMutations,
			relayFrames, relaySessions,
		)
	})
}

func RecordHTTPRequest(component, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(component, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(component, method, route, statusLabel).Observe(duration.Seconds())
}

func RecordShareAttempt(outcome string, duration time.Duration) {
	RegisterMetrics()
	shareAttempts.WithLabelValues(outcome).Inc()
	shareDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordFlow(flow string, success bool) {
	RegisterMetrics()
	outcome := "failed"
	if success {
		outcome = "aligned"
	}
	flows.WithLabelValues(flow, outcome).Inc()
}

func RecordDroppedReply() {
	RegisterMetrics()
	droppedReplies.Inc()
}

func RecordDirectoryMutation(op string) {
	RegisterMetrics()
	directoryMutations.WithLabelValues(op).Inc()
}

func RecordRelayFrame(route, result string) {
	RegisterMetrics()
	relayFrames.WithLabelValues(route, result).Inc()
}

func SetRelaySessions(n int) {
	RegisterMetrics()
	relaySessions.Set(float64(n))
}
