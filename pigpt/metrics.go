package pigpt

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "pigpt"

const (
	outcomeOK         = "ok"
	outcomeReset      = "reset"
	outcomeBusy       = "busy"
	outcomeStorage    = "storage_error"
	outcomeCompletion = "completion_error"
	outcomeCanceled   = "canceled"
	outcomeError      = "error"
)

// Metrics holds the prometheus collectors for the bot. Each PiGPT has
// its own registry, so multiple instances (as in tests) don't collide.
type Metrics struct {
	Registry *prometheus.Registry

	turns          *prometheus.CounterVec
	tokensUsed     prometheus.Histogram
	admissionWait  prometheus.Histogram
	activeWorkers  prometheus.Gauge
	relayRequests  *prometheus.CounterVec
	discordReplies *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "turns_total",
				Help:      "Conversation turns handled, by outcome",
			},
			[]string{"outcome"},
		),
		tokensUsed: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "turn_tokens",
				Help:      "Total tokens reported by the backend per turn",
				Buckets:   prometheus.ExponentialBuckets(64, 2, 8),
			},
		),
		admissionWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "admission_wait_seconds",
				Help:      "Time messages waited for rate limit admission",
				Buckets:   prometheus.DefBuckets,
			},
		),
		activeWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "user_workers",
				Help:      "Per-user workers currently running",
			},
		),
		relayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "relay_requests_total",
				Help:      "Relay requests, by response status code",
			},
			[]string{"code"},
		),
		discordReplies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "discord_replies_total",
				Help:      "Discord messages answered, by delivery",
			},
			[]string{"delivery"},
		),
	}
	m.Registry.MustRegister(
		m.turns,
		m.tokensUsed,
		m.admissionWait,
		m.activeWorkers,
		m.relayRequests,
		m.discordReplies,
	)
	return m
}
