package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	// Escrow engine
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transaction_transitions_total",
			Help: "Total accepted state transitions",
		},
		[]string{"state"},
	)
	TransitionsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transaction_transitions_rejected_total",
			Help: "Total rejected (illegal) state transitions",
		},
	)
	SubscriberFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transaction_subscriber_failures_total",
			Help: "Total subscriber callbacks that panicked",
		},
	)

	// Negotiation bot
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "negotiation_sessions_active",
			Help: "Currently open negotiation sessions",
		},
	)
	BotMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "negotiation_bot_messages_total",
			Help: "Total messages emitted by the negotiation bot",
		},
	)

	// Worker queue
	WorkerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_queue_depth",
			Help: "Current worker queue depth",
		},
	)
)

var Handler = promhttp.Handler

func Init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(TransitionsRejected)
	prometheus.MustRegister(SubscriberFailures)
	prometheus.MustRegister(ActiveSessions)
	prometheus.MustRegister(BotMessagesTotal)
	prometheus.MustRegister(WorkerQueueDepth)
}
