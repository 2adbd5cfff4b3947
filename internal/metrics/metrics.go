// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smsup"

type Metrics struct {
	OTPSends          *prometheus.CounterVec
	OTPVerifications  *prometheus.CounterVec
	GatewayAttempts   *prometheus.CounterVec
	CreditSyncs       *prometheus.CounterVec
	RateLimitDecision *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers every collector with a fresh registry. Tests get isolated
// counters by calling New per test.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		OTPSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "otp_sends_total",
			Help: "OTP send requests by outcome.",
		}, []string{"result"}),
		OTPVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "otp_verifications_total",
			Help: "OTP verification attempts by outcome.",
		}, []string{"result"}),
		GatewayAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sms_gateway_attempts_total",
			Help: "Individual SMS gateway HTTP attempts by outcome.",
		}, []string{"result"}),
		CreditSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "credit_syncs_total",
			Help: "Credit sync requests by outcome and source (cache or api).",
		}, []string{"result", "source"}),
		RateLimitDecision: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ratelimit_decisions_total",
			Help: "Rate limiter decisions.",
		}, []string{"decision"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
		gatherer: reg,
	}

	reg.MustRegister(m.OTPSends, m.OTPVerifications, m.GatewayAttempts,
		m.CreditSyncs, m.RateLimitDecision, m.HTTPDuration)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(route, status string, elapsed time.Duration) {
	m.HTTPDuration.WithLabelValues(route, status).Observe(elapsed.Seconds())
}

// The helpers below accept a nil receiver so components can run without metrics.

func (m *Metrics) Send(result string) {
	if m != nil {
		m.OTPSends.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Verification(result string) {
	if m != nil {
		m.OTPVerifications.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) GatewayAttempt(result string) {
	if m != nil {
		m.GatewayAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) CreditSync(result, source string) {
	if m != nil {
		m.CreditSyncs.WithLabelValues(result, source).Inc()
	}
}

func (m *Metrics) RateLimit(decision string) {
	if m != nil {
		m.RateLimitDecision.WithLabelValues(decision).Inc()
	}
}
