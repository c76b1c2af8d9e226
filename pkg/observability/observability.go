// Package observability provides tracing and metrics helpers for the turn
// pipeline and the LLM providers.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanLLMRequest = "loom.llm.request"
	SpanTurn       = "loom.chat.turn"
	SpanToolCall   = "loom.tool.call"
	SpanSearch     = "loom.search.request"
)

// Attribute keys.
const (
	AttrLLMModel        = "llm.model"
	AttrLLMProvider     = "llm.provider"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrToolName        = "tool.name"
	AttrChatID          = "chat.id"
)

// GetTracer returns a named tracer from the global provider. With no SDK
// installed this is a no-op tracer, so call sites never need nil checks.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Metrics holds the Prometheus instruments for the core pipeline.
type Metrics struct {
	TurnsTotal      *prometheus.CounterVec
	LLMCallDuration *prometheus.HistogramVec
	LLMTokensTotal  *prometheus.CounterVec
	ToolCallsTotal  *prometheus.CounterVec
	SearchTotal     *prometheus.CounterVec
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitGlobalMetrics registers the pipeline metrics on the given registerer
// and installs them as the process-wide default. Subsequent calls are
// no-ops.
func InitGlobalMetrics(reg prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics(reg)
	})
	return globalMetrics
}

// GetGlobalMetrics returns the installed metrics, or nil when metrics are
// disabled. Callers must nil-check.
func GetGlobalMetrics() *Metrics {
	return globalMetrics
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_turns_total",
			Help: "Chat turns processed, by resolved model and terminal state.",
		}, []string{"model", "state"}),
		LLMCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_llm_call_duration_seconds",
			Help:    "Latency of upstream LLM calls.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"model", "status"}),
		LLMTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_llm_tokens_total",
			Help: "Tokens consumed by upstream LLM calls.",
		}, []string{"model", "direction"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tool_calls_total",
			Help: "Tool invocations, by tool name and status.",
		}, []string{"tool", "status"}),
		SearchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_search_requests_total",
			Help: "Web search requests, by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(m.TurnsTotal, m.LLMCallDuration, m.LLMTokensTotal, m.ToolCallsTotal, m.SearchTotal)
	return m
}

// RecordLLMCall records latency and token counts for one LLM call.
func (m *Metrics) RecordLLMCall(model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.LLMCallDuration.WithLabelValues(model, status).Observe(duration.Seconds())
	if inputTokens > 0 {
		m.LLMTokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

// RecordToolCall records one tool invocation outcome.
func (m *Metrics) RecordToolCall(tool string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordTurn records a completed or failed turn.
func (m *Metrics) RecordTurn(model, state string) {
	m.TurnsTotal.WithLabelValues(model, state).Inc()
}

// RecordSearch records one search request outcome.
func (m *Metrics) RecordSearch(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SearchTotal.WithLabelValues(status).Inc()
}
