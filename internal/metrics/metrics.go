// Package metrics 提供 Prometheus 指标注册与采集。
//
// 指标一览:
//   - gateway_tasks_total{type,status}      — 终态任务计数
//   - gateway_tasks_inflight                — 在途任务数
//   - gateway_venue_requests_total{op,outcome} — 交易所调用计数
//   - gateway_venue_request_seconds{op}     — 交易所调用耗时
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 聚合网关的全部指标。
type Metrics struct {
	registry *prometheus.Registry

	tasksTotal    *prometheus.CounterVec
	tasksInflight prometheus.Gauge
	venueRequests *prometheus.CounterVec
	venueLatency  *prometheus.HistogramVec
}

// New 创建并注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tasks_total",
				Help: "Terminal task records by operation type and final status",
			},
			[]string{"type", "status"},
		),
		tasksInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_tasks_inflight",
				Help: "Order tasks currently running",
			},
		),
		venueRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_venue_requests_total",
				Help: "Venue API calls by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		venueLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_venue_request_seconds",
				Help:    "Venue API call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
	}

	m.registry.MustRegister(m.tasksTotal, m.tasksInflight, m.venueRequests, m.venueLatency)
	return m
}

// Handler 返回 /metrics 的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TaskStarted 记录任务进入在途状态。
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksInflight.Inc()
}

// TaskFinished 记录任务终态。
func (m *Metrics) TaskFinished(taskType, status string) {
	if m == nil {
		return
	}
	m.tasksInflight.Dec()
	m.tasksTotal.WithLabelValues(taskType, status).Inc()
}

// VenueRequest 记录一次交易所调用。
func (m *Metrics) VenueRequest(op, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.venueRequests.WithLabelValues(op, outcome).Inc()
	m.venueLatency.WithLabelValues(op).Observe(seconds)
}
