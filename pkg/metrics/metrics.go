// Package metrics exposes Prometheus collectors for tasker and gateway
// activity. All observe methods are nil-receiver safe so components can be
// wired without metrics in tests.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label values for the llm_requests and llm_request_duration operation label.
const (
	OperationAnswer   = "answer"
	OperationCompress = "compress"
)

// Label values for attempts_processed_total.
const (
	AttemptOutcomeCompleted = "completed"
	AttemptOutcomeAborted   = "aborted"
	AttemptOutcomeError     = "error"
)

// Metrics bundles the collectors reported by the tasker and the LLM gateway.
type Metrics struct {
	polls              prometheus.Counter
	attemptsProcessed  *prometheus.CounterVec
	claims             *prometheus.CounterVec
	testResults        *prometheus.CounterVec
	llmRequests        *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokens          *prometheus.CounterVec
	attemptDuration    prometheus.Histogram
}

// New constructs a Metrics instance registered with reg (the default
// registerer when nil). Collectors already present in the registry are
// reused, so repeated construction (multiple pools in one process, unit
// tests sharing the default registry) does not panic. Any other
// registration error panics, mirroring promauto semantics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &Metrics{
		polls: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "comprev",
			Name:      "polls_total",
			Help:      "Number of poll cycles executed by tasker workers.",
		})),
		attemptsProcessed: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comprev",
			Name:      "attempts_processed_total",
			Help:      "Attempts processed by outcome (completed, aborted, error).",
		}, []string{"outcome"})),
		claims: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comprev",
			Name:      "claims_total",
			Help:      "Test-result claim attempts by outcome (won, lost).",
		}, []string{"outcome"})),
		testResults: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comprev",
			Name:      "test_results_total",
			Help:      "Finalized test results by terminal status (valid, failed).",
		}, []string{"status"})),
		llmRequests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comprev",
			Name:      "llm_requests_total",
			Help:      "LLM gateway requests by operation and outcome (ok, error).",
		}, []string{"operation", "outcome"})),
		llmRequestDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "comprev",
			Name:      "llm_request_duration_seconds",
			Help:      "LLM gateway request latency by operation.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"operation"})),
		llmTokens: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comprev",
			Name:      "llm_tokens_total",
			Help:      "Tokens reported by the provider by operation and kind (prompt, completion).",
		}, []string{"operation", "kind"})),
		attemptDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "comprev",
			Name:      "attempt_duration_seconds",
			Help:      "Wall time spent processing one attempt.",
			Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
		})),
	}
}

// register adds c to reg, reusing the existing collector when one with the
// same descriptor is already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(C)
		}
		panic(err)
	}
	return c
}

// IncPoll counts one worker poll cycle.
func (m *Metrics) IncPoll() {
	if m == nil {
		return
	}
	m.polls.Inc()
}

// IncAttemptProcessed counts one processed attempt with its outcome.
func (m *Metrics) IncAttemptProcessed(outcome string) {
	if m == nil {
		return
	}
	m.attemptsProcessed.WithLabelValues(outcome).Inc()
}

// IncClaim counts one claim attempt.
func (m *Metrics) IncClaim(won bool) {
	if m == nil {
		return
	}
	outcome := "lost"
	if won {
		outcome = "won"
	}
	m.claims.WithLabelValues(outcome).Inc()
}

// IncTestResult counts one finalized result by terminal status.
func (m *Metrics) IncTestResult(status string) {
	if m == nil {
		return
	}
	m.testResults.WithLabelValues(status).Inc()
}

// ObserveLLMRequest records one gateway request with its outcome and latency.
func (m *Metrics) ObserveLLMRequest(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.llmRequests.WithLabelValues(operation, outcome).Inc()
	m.llmRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// AddLLMTokens records provider-reported token usage for one request.
func (m *Metrics) AddLLMTokens(operation string, promptTokens, completionTokens int64) {
	if m == nil {
		return
	}
	m.llmTokens.WithLabelValues(operation, "prompt").Add(float64(promptTokens))
	m.llmTokens.WithLabelValues(operation, "completion").Add(float64(completionTokens))
}

// ObserveAttemptDuration records wall time spent on one attempt.
func (m *Metrics) ObserveAttemptDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.attemptDuration.Observe(d.Seconds())
}
