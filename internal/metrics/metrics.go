// Package metrics exposes the orchestrator's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles all collectors on one registry.
type Metrics struct {
	registry *prometheus.Registry

	OrdersSubmitted     *prometheus.CounterVec
	OrdersRejected      *prometheus.CounterVec
	OrderRetries        *prometheus.CounterVec
	PipValueFallbacks   *prometheus.CounterVec
	CacheStaleServes    *prometheus.CounterVec
	SmartExits          *prometheus.CounterVec
	BreakEvenPromotions *prometheus.CounterVec
	AnalysisRounds      *prometheus.CounterVec
	BotsRunning         prometheus.Gauge
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.OrdersSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_submitted_total",
		Help: "Orders submitted to a broker, by account and symbol.",
	}, []string{"account", "symbol"})
	m.OrdersRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_rejected_total",
		Help: "Orders finally rejected after the retry loop, by reason kind.",
	}, []string{"account", "kind"})
	m.OrderRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "order_retries_total",
		Help: "Retry attempts inside the order pipeline, by reason kind.",
	}, []string{"account", "kind"})
	m.PipValueFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pip_value_fallback_total",
		Help: "Sizings that used the conservative pip-value defaults because the broker spec lacked tick data.",
	}, []string{"account", "symbol"})
	m.CacheStaleServes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_stale_serves_total",
		Help: "Responses served from stale cache during rate-limit blackouts.",
	}, []string{"account", "class"})
	m.SmartExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smart_exits_total",
		Help: "Positions closed by the smart-exit drawdown rule.",
	}, []string{"account", "symbol"})
	m.BreakEvenPromotions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "break_even_promotions_total",
		Help: "Stops moved to entry after the break-even trigger.",
	}, []string{"account", "symbol"})
	m.AnalysisRounds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analysis_rounds_total",
		Help: "Completed per-symbol analysis rounds.",
	}, []string{"account"})
	m.BotsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bots_running",
		Help: "Bots currently in the RUNNING state.",
	})

	m.registry.MustRegister(
		m.OrdersSubmitted, m.OrdersRejected, m.OrderRetries,
		m.PipValueFallbacks, m.CacheStaleServes, m.SmartExits,
		m.BreakEvenPromotions, m.AnalysisRounds, m.BotsRunning,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
