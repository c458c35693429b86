// Package metrics exposes Prometheus collectors for the report service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	reportsCreatedTotal        prometheus.Counter
	admissionRejectionsTotal   *prometheus.CounterVec
	instancesTotal             *prometheus.CounterVec
	stepAttemptsTotal          *prometheus.CounterVec
	repliesInsertedTotal       prometheus.Counter
	evaluationsEmittedTotal    prometheus.Counter
	activeWorkers              prometheus.Gauge
	providerWaitSeconds        *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		reportsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "reportd_reports_created_total",
			Help: "Total number of reports admitted.",
		})
		admissionRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "reportd_admission_rejections_total",
			Help: "Report submissions rejected, labeled by reason.",
		}, []string{"reason"})
		instancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "reportd_orchestrator_instances_total",
			Help: "Orchestrator instances finished, labeled by result.",
		}, []string{"result"})
		stepAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "reportd_step_attempts_total",
			Help: "Workflow step attempts, labeled by step and result.",
		}, []string{"step", "result"})
		repliesInsertedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "reportd_replies_inserted_total",
			Help: "Net-new replies stored across all reports.",
		})
		evaluationsEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "reportd_evaluations_emitted_total",
			Help: "reply.evaluate events handed to the publisher.",
		})
		activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "reportd_active_workers",
			Help: "Number of workers currently running an orchestrator instance.",
		})
		providerWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reportd_provider_wait_seconds",
			Help:    "Time spent waiting on the scrape provider rate limiter.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"host"})
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"})
		httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"})
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveReportCreated counts an admitted report.
func ObserveReportCreated() {
	Init()
	reportsCreatedTotal.Inc()
}

// ObserveAdmissionRejection counts a rejected submission.
func ObserveAdmissionRejection(reason string) {
	Init()
	admissionRejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveInstance counts a finished orchestrator instance.
func ObserveInstance(result string) {
	Init()
	instancesTotal.WithLabelValues(result).Inc()
}

// ObserveStepAttempt counts one attempt of a workflow step.
func ObserveStepAttempt(step, result string) {
	Init()
	stepAttemptsTotal.WithLabelValues(step, result).Inc()
}

// AddRepliesInserted adds n to the inserted replies counter.
func AddRepliesInserted(n int) {
	Init()
	if n > 0 {
		repliesInsertedTotal.Add(float64(n))
	}
}

// AddEvaluationsEmitted adds n to the emitted evaluations counter.
func AddEvaluationsEmitted(n int) {
	Init()
	if n > 0 {
		evaluationsEmittedTotal.Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveProviderWait records time spent blocked on the provider rate limiter.
func ObserveProviderWait(host string, d time.Duration) {
	Init()
	providerWaitSeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
