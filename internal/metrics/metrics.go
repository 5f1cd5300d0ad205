// Package metrics exposes Prometheus instrumentation for DocChat.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docchat"

// Outcome label values
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
	OutcomeEmpty   = "empty"
	OutcomeLimited = "rate_limited"
)

// Metrics holds every collector on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	uploads        *prometheus.CounterVec
	filesExtracted *prometheus.CounterVec
	questions      *prometheus.CounterVec
	indexBuild     prometheus.Histogram
	query          prometheus.Histogram
	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
}

// New creates the collectors and registers them with a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload cycles by outcome",
		}, []string{"outcome"}),
		filesExtracted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_extracted_total",
			Help:      "Recognized archive files by format and extraction outcome",
		}, []string{"format", "outcome"}),
		questions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "questions_total",
			Help:      "Questions by outcome",
		}, []string{"outcome"}),
		indexBuild: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "index_build_seconds",
			Help:      "Time spent building a session index",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		query: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_seconds",
			Help:      "Time spent answering a question",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveUpload counts one finished upload cycle
func (m *Metrics) ObserveUpload(outcome string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
}

// ObserveFile counts one extracted or skipped file
func (m *Metrics) ObserveFile(format, outcome string) {
	if m == nil {
		return
	}
	m.filesExtracted.WithLabelValues(format, outcome).Inc()
}

// ObserveQuestion counts one question
func (m *Metrics) ObserveQuestion(outcome string) {
	if m == nil {
		return
	}
	m.questions.WithLabelValues(outcome).Inc()
}

// ObserveIndexBuild records the duration of an index build
func (m *Metrics) ObserveIndexBuild(d time.Duration) {
	if m == nil {
		return
	}
	m.indexBuild.Observe(d.Seconds())
}

// ObserveQuery records the duration of a query
func (m *Metrics) ObserveQuery(d time.Duration) {
	if m == nil {
		return
	}
	m.query.Observe(d.Seconds())
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(route, method).Observe(d.Seconds())
}
