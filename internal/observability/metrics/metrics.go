package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the service-level prometheus collectors.
type Metrics struct {
	ledgerOps      *prometheus.CounterVec
	webhookEvents  *prometheus.CounterVec
	retryOutcomes  *prometheus.CounterVec
	investigations *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ledgerOps: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "casefile_ledger_operations_total",
			Help: "Ledger mutations by operation and result.",
		}, []string{"operation", "result"}),
		webhookEvents: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "casefile_webhook_events_total",
			Help: "Payment webhook events by type and result.",
		}, []string{"event_type", "result"}),
		retryOutcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "casefile_payment_retries_total",
			Help: "Payment retry attempts by outcome.",
		}, []string{"outcome"}),
		investigations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "casefile_investigations_total",
			Help: "Investigations by terminal result.",
		}, []string{"result", "refunded"}),
		stageDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "casefile_agent_stage_duration_seconds",
			Help:    "Duration of each generation stage.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"agent"}),
		httpRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "casefile_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "casefile_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

func (m *Metrics) RecordLedgerOp(operation, result string) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) RecordWebhookEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) RecordRetryOutcome(outcome string) {
	if m == nil {
		return
	}
	m.retryOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordInvestigation(result string, refunded bool) {
	if m == nil {
		return
	}
	m.investigations.WithLabelValues(result, strconv.FormatBool(refunded)).Inc()
}

func (m *Metrics) ObserveStageDuration(agent string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(agent).Observe(d.Seconds())
}

// GinMiddleware records request counts and latency per route.
func GinMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		m.httpRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}
