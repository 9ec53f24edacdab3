// Package metrics holds the Prometheus collectors shared by all agents.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors. A nil *Metrics is valid and records
// nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	registry *prometheus.Registry

	MessagesHandled *prometheus.CounterVec
	HandleDuration  *prometheus.HistogramVec
	AgentFailures   *prometheus.CounterVec
	AgentRestarts   *prometheus.CounterVec
	AgentState      *prometheus.GaugeVec
	Opportunities   *prometheus.CounterVec
	Decisions       *prometheus.CounterVec
	Trades          *prometheus.CounterVec
	AlertsSent      *prometheus.CounterVec
	Halted          prometheus.Gauge
	PortfolioValue  prometheus.Gauge
	Allocation      *prometheus.GaugeVec
	Observations    *prometheus.CounterVec
	UpstreamErrors  *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	StreamClients   prometheus.Gauge
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		MessagesHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyswarm_messages_handled_total",
				Help: "Bus messages handled by agent and channel",
			},
			[]string{"agent", "channel"},
		),
		HandleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polyswarm_handle_duration_seconds",
				Help:    "Time spent in an agent's message handler",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"agent"},
		),
		AgentFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyswarm_agent_failures_total",
				Help: "Handler or tick failures by agent",
			},
			[]string{"agent"},
		),
		AgentRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyswarm_agent_restarts_total",
				Help: "Supervised agent loop restarts",
			},
			[]string{"agent"},
		),
		AgentState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polyswarm_agent_up",
				Help: "1 while the agent loop is running, 0 otherwise",
			},
			[]string{"agent"},
		),
		Opportunities: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyswarm_opportunities_total",
				Help: "Opportunities emitted by type",
			},
			[]string{"type"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyswarm_decisions_total",
				Help: "Risk decisions by outcome and deciding rule",
			},
			[]string{"approved", "rule"},
		),
		Trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyswarm_trades_total",
				Help: "Terminal trades by status and executor mode",
			},
			[]string{"status", "mode"},
		),
		AlertsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyswarm_alerts_sent_total",
				Help: "Notifications delivered by transport and priority",
			},
			[]string{"transport", "priority"},
		),
		Halted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "polyswarm_trading_halted",
				Help: "1 while the risk guardian has trading halted",
			},
		),
		PortfolioValue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "polyswarm_portfolio_value_usd",
				Help: "Portfolio value tracked by the risk guardian",
			},
		),
		Allocation: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polyswarm_strategy_allocation_pct",
				Help: "Capital allocation percent by strategy",
			},
			[]string{"strategy"},
		),
		Observations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyswarm_observations_total",
				Help: "Market snapshots and oracle quotes published by source",
			},
			[]string{"kind", "source"},
		),
		UpstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyswarm_upstream_errors_total",
				Help: "Failed calls to external data sources",
			},
			[]string{"source"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polyswarm_http_request_duration_seconds",
				Help:    "HTTP API latency by route and status code",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "code"},
		),
		StreamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "polyswarm_stream_clients",
				Help: "Connected event stream websocket clients",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MessagesHandled,
		m.HandleDuration,
		m.AgentFailures,
		m.AgentRestarts,
		m.AgentState,
		m.Opportunities,
		m.Decisions,
		m.Trades,
		m.AlertsSent,
		m.Halted,
		m.PortfolioValue,
		m.Allocation,
		m.Observations,
		m.UpstreamErrors,
		m.HTTPDuration,
		m.StreamClients,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Handled(agent, channel string, took time.Duration) {
	if m == nil {
		return
	}
	m.MessagesHandled.WithLabelValues(agent, channel).Inc()
	m.HandleDuration.WithLabelValues(agent).Observe(took.Seconds())
}

func (m *Metrics) Failure(agent string) {
	if m == nil {
		return
	}
	m.AgentFailures.WithLabelValues(agent).Inc()
}

func (m *Metrics) Restart(agent string) {
	if m == nil {
		return
	}
	m.AgentRestarts.WithLabelValues(agent).Inc()
}

func (m *Metrics) Up(agent string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.AgentState.WithLabelValues(agent).Set(v)
}

func (m *Metrics) Opportunity(kind string) {
	if m == nil {
		return
	}
	m.Opportunities.WithLabelValues(kind).Inc()
}

func (m *Metrics) Decision(approved bool, rule string) {
	if m == nil {
		return
	}
	label := "false"
	if approved {
		label = "true"
	}
	m.Decisions.WithLabelValues(label, rule).Inc()
}

func (m *Metrics) Trade(status, mode string) {
	if m == nil {
		return
	}
	m.Trades.WithLabelValues(status, mode).Inc()
}

func (m *Metrics) AlertSent(transport, priority string) {
	if m == nil {
		return
	}
	m.AlertsSent.WithLabelValues(transport, priority).Inc()
}

func (m *Metrics) Risk(halted bool, value float64) {
	if m == nil {
		return
	}
	h := 0.0
	if halted {
		h = 1
	}
	m.Halted.Set(h)
	m.PortfolioValue.Set(value)
}

func (m *Metrics) Allocated(strategy string, pct float64) {
	if m == nil {
		return
	}
	m.Allocation.WithLabelValues(strategy).Set(pct)
}

func (m *Metrics) Observed(kind, source string, n int) {
	if m == nil {
		return
	}
	m.Observations.WithLabelValues(kind, source).Add(float64(n))
}

func (m *Metrics) UpstreamError(source string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(source).Inc()
}

// HTTPRequest records one API request. route is the matched mux pattern.
func (m *Metrics) HTTPRequest(route string, code int, took time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.HTTPDuration.WithLabelValues(route, strconv.Itoa(code)).Observe(took.Seconds())
}

func (m *Metrics) StreamClientsSet(n int) {
	if m == nil {
		return
	}
	m.StreamClients.Set(float64(n))
}
