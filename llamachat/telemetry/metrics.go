// Package telemetry exposes Prometheus metrics for the chat runtime.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
)

const namespace = "llamachat"

// Reply outcomes recorded by llamachat_replies_total.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeDegraded = "degraded"
)

// Metrics collects the runtime's Prometheus metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	replies            *prometheus.CounterVec
	completionDuration prometheus.Histogram
	promptChars        prometheus.Histogram
	spanDuration       *prometheus.HistogramVec
	spanErrors         *prometheus.CounterVec
	engineReady        prometheus.Gauge
	loadAttempts       *prometheus.CounterVec
}

// NewMetrics creates a new Metrics collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Replies produced, by outcome.",
		}, []string{"outcome"}),
		completionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Engine completion latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		promptChars: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prompt_chars",
			Help:      "Size of assembled prompts in bytes.",
			Buckets:   prometheus.ExponentialBuckets(256, 2, 10),
		}),
		spanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "span_duration_seconds",
			Help:      "Duration of traced spans.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"span"}),
		spanErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "span_errors_total",
			Help:      "Spans that finished with an error.",
		}, []string{"span"}),
		engineReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_ready",
			Help:      "1 when a model is loaded, 0 in degraded mode.",
		}),
		loadAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_load_attempts_total",
			Help:      "Model load attempts, by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.replies,
		m.completionDuration,
		m.promptChars,
		m.spanDuration,
		m.spanErrors,
		m.engineReady,
		m.loadAttempts,
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordLoad records one model load attempt and the resulting engine state.
func (m *Metrics) RecordLoad(ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	m.loadAttempts.WithLabelValues(result).Inc()
	m.SetEngineReady(ok)
}

func (m *Metrics) SetEngineReady(ready bool) {
	if ready {
		m.engineReady.Set(1)
	} else {
		m.engineReady.Set(0)
	}
}

// RecordReply counts one reply by outcome.
func (m *Metrics) RecordReply(outcome string) {
	m.replies.WithLabelValues(outcome).Inc()
}

// Tracer returns a Tracer that turns orchestrator spans and events into metrics.
func (m *Metrics) Tracer() ports.Tracer { return &metricsTracer{m: m} }

type metricsTracer struct {
	m *Metrics
}

func (t *metricsTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	start := time.Now()
	return ctx, func(err error) {
		t.m.spanDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			t.m.spanErrors.WithLabelValues(name).Inc()
		}
	}
}

func (t *metricsTracer) Event(ctx context.Context, name string, attrs map[string]any) {
	switch name {
	case "completion_success":
		t.m.RecordReply(OutcomeSuccess)
		if ms, ok := attrs["latency_ms"].(int64); ok {
			t.m.completionDuration.Observe(float64(ms) / 1000)
		}
		if n, ok := attrs["prompt_chars"].(int); ok {
			t.m.promptChars.Observe(float64(n))
		}
	case "completion_failure":
		t.m.RecordReply(OutcomeFailed)
	case "degraded_response":
		t.m.RecordReply(OutcomeDegraded)
	}
}

var _ ports.Tracer = (*metricsTracer)(nil)
