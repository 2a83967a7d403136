package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OutcomeSuccess labels evaluations that produced a payload. Failures use the
// domain error kind as their outcome.
const OutcomeSuccess = "success"

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	evaluationCounter    metric.Int64Counter
	evaluationFailures   metric.Int64Counter
	evaluationLatency    metric.Float64Histogram
	documentResolveCount metric.Int64Counter
)

// EvaluationMetrics captures the fields needed to record one pipeline execution.
type EvaluationMetrics struct {
	Rule     string
	Format   string
	Outcome  string
	Duration time.Duration
}

// RecordEvaluation emits counters and histograms describing one execution.
func RecordEvaluation(ctx context.Context, m EvaluationMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("rule.ref", m.Rule),
		attribute.String("rule.format", m.Format),
		attribute.String("evaluation.outcome", m.Outcome),
	}

	evaluationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Outcome != OutcomeSuccess {
		evaluationFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	if m.Duration > 0 {
		evaluationLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

// RecordResolve counts a document resolution attempt.
func RecordResolve(ctx context.Context, rule, outcome string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	documentResolveCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rule.ref", rule),
		attribute.String("resolve.outcome", outcome),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis.rules")

		evaluationCounter, metricsInitErr = meter.Int64Counter(
			"rules.evaluations_total",
			metric.WithDescription("Rule executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		evaluationFailures, metricsInitErr = meter.Int64Counter(
			"rules.evaluation_failures_total",
			metric.WithDescription("Rule executions that ended in an error"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		documentResolveCount, metricsInitErr = meter.Int64Counter(
			"rules.document_resolves_total",
			metric.WithDescription("Decision document resolutions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		evaluationLatency, metricsInitErr = meter.Float64Histogram(
			"rules.evaluation.duration_ms",
			metric.WithDescription("Observed end-to-end execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
