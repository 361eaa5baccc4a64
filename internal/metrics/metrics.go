// Package metrics holds the process-wide Prometheus collectors. Served at
// GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "madgate_fetch_jobs_total",
		Help: "Fetch jobs processed, by outcome.",
	}, []string{"outcome"})

	MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "madgate_messages_ingested_total",
		Help: "Messages persisted, by ingestion source.",
	}, []string{"source"})

	POP3Retries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "madgate_pop3_retries_total",
		Help: "POP3 attempts beyond the first, across all executions.",
	})

	POP3PoolInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "madgate_pop3_pool_in_flight",
		Help: "Executions currently holding a pool slot.",
	})

	POP3Throttled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "madgate_pop3_throttled_total",
		Help: "Executions rejected by the per-host throttle window.",
	})

	SMTPDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "madgate_smtp_deliveries_total",
		Help: "Inbound SMTP delivery attempts, by outcome.",
	}, []string{"outcome"})

	TokensSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "madgate_tokens_swept_total",
		Help: "Active tokens transitioned to expired by the background sweep.",
	})
)
