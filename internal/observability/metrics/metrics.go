package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	RatchetOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratchet_operations_total",
			Help: "Session engine operations by outcome.",
		},
		[]string{"service", "operation", "result"},
	)

	ReplayRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_rejections_total",
			Help: "Decrypted messages dropped by the replay guard.",
		},
		[]string{"service", "reason"},
	)

	DHRatchetStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dh_ratchet_steps_total",
			Help: "Diffie-Hellman ratchet steps observed on stored sessions.",
		},
		[]string{"service"},
	)

	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Sessions currently persisted.",
		},
		[]string{"service"},
	)

	AuthenticationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authentication_attempts_total",
			Help: "Bearer token validations by method and result.",
		},
		[]string{"service", "method", "result"},
	)
)

func MustRegister(serviceName string) {
	labels := prometheus.Labels{"service": serviceName}
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(labels)
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(labels).(*prometheus.HistogramVec)
	RatchetOperationsTotal = RatchetOperationsTotal.MustCurryWith(labels)
	ReplayRejectionsTotal = ReplayRejectionsTotal.MustCurryWith(labels)
	DHRatchetStepsTotal = DHRatchetStepsTotal.MustCurryWith(labels)
	SessionsActive = SessionsActive.MustCurryWith(labels)
	AuthenticationAttemptsTotal = AuthenticationAttemptsTotal.MustCurryWith(labels)

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		RatchetOperationsTotal,
		ReplayRejectionsTotal,
		DHRatchetStepsTotal,
		SessionsActive,
		AuthenticationAttemptsTotal,
	)
}
