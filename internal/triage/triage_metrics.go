package triage

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/warden/internal/routing"
)

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	RunsTotal            *prometheus.CounterVec
	RunDuration          *prometheus.HistogramVec
	DecisionsTotal       *prometheus.CounterVec
	DecisionConfidence   prometheus.Histogram
	LLMCallsTotal        *prometheus.CounterVec
	LLMTokensIn          prometheus.Counter
	LLMTokensOut         prometheus.Counter
	LLMDuration          *prometheus.HistogramVec
	ToolCallsTotal       *prometheus.CounterVec
	ToolDuration         *prometheus.HistogramVec
	ToolOutputBytes      *prometheus.HistogramVec
	HistoryWriteFailures prometheus.Counter
	RuleErrorsTotal      prometheus.Counter
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_triage_runs_total",
			Help: "Triage runs by trigger and result.",
		}, []string{"trigger", "result"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_triage_run_duration_seconds",
			Help:    "Duration of triage runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}, []string{"trigger"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_triage_decisions_total",
			Help: "Triage decisions by path.",
		}, []string{"path"}),
		DecisionConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_triage_decision_confidence",
			Help:    "Classifier confidence of non-degraded decisions.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10), // 0.1 .. 1.0
		}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_llm_calls_total",
			Help: "LLM provider calls by phase and status.",
		}, []string{"phase", "status"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 0.25s .. ~64s
		}, []string{"phase"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_tool_calls_total",
			Help: "Tool executions by tool name and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_tool_duration_seconds",
			Help:    "Duration of tool executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 8), // 50ms .. ~6.4s
		}, []string{"tool"}),
		ToolOutputBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_tool_output_bytes",
			Help:    "Size of tool output in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64B .. ~1MB
		}, []string{"tool"}),
		HistoryWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_history_write_failures_total",
			Help: "Triage runs whose effect was applied but whose audit entry could not be written.",
		}),
		RuleErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_routing_rule_errors_total",
			Help: "Routing rules skipped because they were malformed or failed to evaluate.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.DecisionsTotal,
		m.DecisionConfidence,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.ToolCallsTotal,
		m.ToolDuration,
		m.ToolOutputBytes,
		m.HistoryWriteFailures,
		m.RuleErrorsTotal,
	)

	return m
}

// DecisionHooks returns hooks that feed the LLM, tool and decision metrics.
func (m *Metrics) DecisionHooks() DecisionHooks {
	return DecisionHooks{
		OnLLMCall: func(phase string, in, out int, duration float64, err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			m.LLMCallsTotal.WithLabelValues(phase, status).Inc()
			m.LLMTokensIn.Add(float64(in))
			m.LLMTokensOut.Add(float64(out))
			m.LLMDuration.WithLabelValues(phase).Observe(duration)
		},
		OnToolCall: func(name string, duration float64, _, outputBytes int, isError bool) {
			status := "success"
			if isError {
				status = "error"
			}
			m.ToolCallsTotal.WithLabelValues(name, status).Inc()
			m.ToolDuration.WithLabelValues(name).Observe(duration)
			m.ToolOutputBytes.WithLabelValues(name).Observe(float64(outputBytes))
		},
		OnDecision: func(d *Decision) {
			m.DecisionsTotal.WithLabelValues(d.Path).Inc()
			if !d.Degraded {
				m.DecisionConfidence.Observe(d.Confidence)
			}
		},
	}
}

// PipelineHooks returns hooks that feed the run and audit metrics.
func (m *Metrics) PipelineHooks() PipelineHooks {
	return PipelineHooks{
		OnRun: func(trigger Trigger, result string, duration float64) {
			m.RunsTotal.WithLabelValues(string(trigger), result).Inc()
			m.RunDuration.WithLabelValues(string(trigger)).Observe(duration)
		},
		OnHistoryWriteFailure: func() {
			m.HistoryWriteFailures.Inc()
		},
	}
}

// RoutingHooks returns hooks that count skipped routing rules.
func (m *Metrics) RoutingHooks() routing.Hooks {
	return routing.Hooks{
		OnRuleError: func(*routing.RuleError) { m.RuleErrorsTotal.Inc() },
	}
}
