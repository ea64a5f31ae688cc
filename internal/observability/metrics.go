package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "inspect_session"

// Metrics exposes client-side counters for requests, refreshes and locking.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	attemptFailures *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	lockContention  *prometheus.CounterVec
	served          *prometheus.CounterVec
}

// NewMetrics registers collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Responses received from the API, by endpoint and status.",
		}, []string{"endpoint", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of successful API attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		attemptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_attempt_failures_total",
			Help:      "Transport failures and timeouts of single request attempts.",
		}, []string{"endpoint"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Completed refresh cycles, by resulting scheduler status.",
		}, []string{"outcome"}),
		lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Lock acquisition attempts that found the lock held or lost the re-check.",
		}, []string{"key"}),
		served: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_requests_total",
			Help:      "Requests answered by the local status endpoint, by route and status.",
		}, []string{"route", "status"}),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.requestDuration, m.attemptFailures, m.refreshes, m.lockContention, m.served)
	}
	return m
}

// RecordRequest counts a response received from endpoint.
func (m *Metrics) RecordRequest(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordAttemptFailure counts a failed attempt against endpoint.
func (m *Metrics) RecordAttemptFailure(endpoint string) {
	if m == nil {
		return
	}
	m.attemptFailures.WithLabelValues(endpoint).Inc()
}

// RecordRefresh counts a finished refresh cycle.
func (m *Metrics) RecordRefresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

// RecordLockContention counts a lost acquisition attempt on key.
func (m *Metrics) RecordLockContention(key string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(key).Inc()
}

// RecordServed counts a request answered by the status endpoint.
func (m *Metrics) RecordServed(route string, status int) {
	if m == nil {
		return
	}
	m.served.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
