package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the booking saga collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	sagaSteps           *prometheus.CounterVec
	sagaStepDuration    *prometheus.HistogramVec
	bookingTransitions  *prometheus.CounterVec
	amendmentOutcomes   *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sagaSteps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_step_total",
				Help: "Settlement saga step attempts by outcome",
			},
			[]string{"step", "outcome"},
		),
		sagaStepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "saga_step_duration_seconds",
				Help:    "Settlement saga step duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		bookingTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booking_transition_total",
				Help: "Booking status transitions",
			},
			[]string{"from", "to"},
		),
		amendmentOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amendment_outcome_total",
				Help: "Amendment approval outcomes",
			},
			[]string{"outcome"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booking_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "booking_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// ObserveSagaStep records one step attempt
func (m *Metrics) ObserveSagaStep(step, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sagaSteps.WithLabelValues(step, outcome).Inc()
	m.sagaStepDuration.WithLabelValues(step).Observe(elapsed.Seconds())
}

// BookingTransition records a status change
func (m *Metrics) BookingTransition(from, to string) {
	if m == nil {
		return
	}
	m.bookingTransitions.WithLabelValues(from, to).Inc()
}

// AmendmentOutcome records an approval outcome
func (m *Metrics) AmendmentOutcome(outcome string) {
	if m == nil {
		return
	}
	m.amendmentOutcomes.WithLabelValues(outcome).Inc()
}

// Middleware records request counts and latency per route template
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
