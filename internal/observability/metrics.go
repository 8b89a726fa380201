// Package observability holds the Prometheus metrics exported on /metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks:
//   - model calls by provider, model and result
//   - tool executions by venue and status
//   - token and dollar spend per model
//   - WebSocket traffic by message type
//   - turn outcomes and live sessions
//
// It implements llm.Recorder, so an engine reports into it directly:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	engine.SetRecorder(metrics)
type Metrics struct {
	// ModelCallDuration measures one streamed model response in seconds.
	// Labels: provider, model, result (stop|tool_calls|incomplete|error|interrupted)
	ModelCallDuration *prometheus.HistogramVec

	// ModelCallCounter counts model calls.
	// Labels: provider, model, result
	ModelCallCounter *prometheus.CounterVec

	// TokensUsed tracks provider-reported token consumption.
	// Labels: model, type (input|output)
	TokensUsed *prometheus.CounterVec

	// CostDollars accumulates the computed cost of every model call.
	// Labels: model
	CostDollars *prometheus.CounterVec

	// ToolExecutionCounter counts tool calls.
	// Labels: tool_name, venue (server|client|flow|unknown), status
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures server tool execution in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// WSMessages counts WebSocket messages.
	// Labels: direction (inbound|outbound), type
	WSMessages *prometheus.CounterVec

	// TurnOutcomes counts finished turns.
	// Labels: outcome
	TurnOutcomes *prometheus.CounterVec

	// ActiveSessions is the number of open connections.
	ActiveSessions prometheus.Gauge

	// HTTPRequestCounter counts REST requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates every metric and registers it with reg. Tests pass a
// fresh prometheus.NewRegistry(); the server uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ModelCallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nohup_model_call_duration_seconds",
				Help:    "Duration of streamed model responses in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model", "result"},
		),

		ModelCallCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nohup_model_calls_total",
				Help: "Total number of model calls by provider, model and result",
			},
			[]string{"provider", "model", "result"},
		),

		TokensUsed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nohup_tokens_total",
				Help: "Total number of tokens used by model and type",
			},
			[]string{"model", "type"},
		),

		CostDollars: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nohup_cost_dollars_total",
				Help: "Computed model spend in US dollars",
			},
			[]string{"model"},
		),

		ToolExecutionCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nohup_tool_executions_total",
				Help: "Total number of tool calls by tool name, venue and status",
			},
			[]string{"tool_name", "venue", "status"},
		),

		ToolExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nohup_tool_execution_duration_seconds",
				Help:    "Duration of server tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"tool_name"},
		),

		WSMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nohup_ws_messages_total",
				Help: "WebSocket messages by direction and type",
			},
			[]string{"direction", "type"},
		),

		TurnOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nohup_turn_outcomes_total",
				Help: "Finished turns by outcome",
			},
			[]string{"outcome"},
		),

		ActiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "nohup_active_sessions",
				Help: "Number of open agent sessions",
			},
		),

		HTTPRequestCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nohup_http_requests_total",
				Help: "REST requests by method, path and status code",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// ModelCall implements llm.Recorder.
func (m *Metrics) ModelCall(provider, model, result string, d time.Duration) {
	m.ModelCallCounter.WithLabelValues(provider, model, result).Inc()
	m.ModelCallDuration.WithLabelValues(provider, model, result).Observe(d.Seconds())
}

// ToolCall implements llm.Recorder. Only server executions carry a
// meaningful duration.
func (m *Metrics) ToolCall(tool, venue, status string, d time.Duration) {
	m.ToolExecutionCounter.WithLabelValues(tool, venue, status).Inc()
	if venue == "server" {
		m.ToolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
	}
}

// Tokens implements llm.Recorder.
func (m *Metrics) Tokens(model string, input, output int) {
	if input > 0 {
		m.TokensUsed.WithLabelValues(model, "input").Add(float64(input))
	}
	if output > 0 {
		m.TokensUsed.WithLabelValues(model, "output").Add(float64(output))
	}
}

// Cost implements llm.Recorder.
func (m *Metrics) Cost(model string, dollars float64) {
	if dollars > 0 {
		m.CostDollars.WithLabelValues(model).Add(dollars)
	}
}

// MessageReceived counts an inbound WebSocket message.
func (m *Metrics) MessageReceived(msgType string) {
	m.WSMessages.WithLabelValues("inbound", msgType).Inc()
}

// MessageSent counts an outbound WebSocket message.
func (m *Metrics) MessageSent(msgType string) {
	m.WSMessages.WithLabelValues("outbound", msgType).Inc()
}

// TurnFinished counts a finished turn.
func (m *Metrics) TurnFinished(outcome string) {
	m.TurnOutcomes.WithLabelValues(outcome).Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() { m.ActiveSessions.Inc() }

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() { m.ActiveSessions.Dec() }

// HTTPRequest counts a REST request.
func (m *Metrics) HTTPRequest(method, path, statusCode string) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
}
