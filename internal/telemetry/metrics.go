// Package telemetry provides observability primitives for the bot gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveConnections *prometheus.GaugeVec
	AuthRejects       *prometheus.CounterVec
	BillingDenials    *prometheus.CounterVec
	CommerceDuration  *prometheus.HistogramVec
	StreamedRuns      prometheus.Counter
	TokensProcessed   *prometheus.CounterVec
	UsageQueueLength  prometheus.GaugeFunc
}

// NewMetrics creates and registers all metrics with the given registerer.
// usageQueueLen is polled on scrape for the usage-queue gauge.
func NewMetrics(reg prometheus.Registerer, usageQueueLen func() int) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botgw",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "botgw",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "botgw",
			Name:      "active_connections",
			Help:      "Currently connected WebSocket peers by role.",
		}, []string{"role"}),

		AuthRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botgw",
			Name:      "auth_rejects_total",
			Help:      "Total rejected authentication attempts.",
		}, []string{"reason"}),

		BillingDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botgw",
			Name:      "billing_denials_total",
			Help:      "Total billing gate denials.",
		}, []string{"kind"}),

		CommerceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "botgw",
			Name:                            "commerce_duration_seconds",
			Help:                            "Commerce back end call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"operation"}),

		StreamedRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "botgw",
			Name:      "streamed_runs_total",
			Help:      "Total agent runs served over SSE.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botgw",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),
	}

	if usageQueueLen == nil {
		usageQueueLen = func() int { return 0 }
	}
	m.UsageQueueLength = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "botgw",
		Name:      "usage_queue_length",
		Help:      "Current number of queued usage records.",
	}, func() float64 { return float64(usageQueueLen()) })

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveConnections,
		m.AuthRejects,
		m.BillingDenials,
		m.CommerceDuration,
		m.StreamedRuns,
		m.TokensProcessed,
		m.UsageQueueLength,
	)

	return m
}
