package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()
	return reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func sumFor(t *testing.T, metrics map[string]metricdata.Metrics, name string) metricdata.Sum[int64] {
	t.Helper()

	m, ok := metrics[name]
	if !ok {
		t.Fatalf("missing %s metric", name)
	}
	data, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for %s", name)
	}
	return data
}

func TestRecordEvaluation(t *testing.T) {
	reader := installManualReader(t)
	ctx := context.Background()

	RecordEvaluation(ctx, EvaluationMetrics{
		Rule:     "test_rule.json",
		Format:   "json",
		Outcome:  OutcomeSuccess,
		Duration: 40 * time.Millisecond,
	})
	RecordEvaluation(ctx, EvaluationMetrics{
		Rule:     "test_rule.json",
		Format:   "json",
		Outcome:  "evaluation_error",
		Duration: 10 * time.Millisecond,
	})

	metrics := collect(t, reader)

	total := sumFor(t, metrics, "rules.evaluations_total")
	if len(total.DataPoints) != 2 {
		t.Fatalf("expected 2 datapoints, got %d", len(total.DataPoints))
	}
	for _, dp := range total.DataPoints {
		if dp.Value != 1 {
			t.Fatalf("expected count 1 per outcome, got %d", dp.Value)
		}
		if value, ok := dp.Attributes.Value(attribute.Key("rule.ref")); !ok || value.AsString() != "test_rule.json" {
			t.Fatalf("expected rule.ref attribute test_rule.json, got %v", value)
		}
	}

	failures := sumFor(t, metrics, "rules.evaluation_failures_total")
	if len(failures.DataPoints) != 1 {
		t.Fatalf("expected 1 failure datapoint, got %d", len(failures.DataPoints))
	}
	if value, ok := failures.DataPoints[0].Attributes.Value(attribute.Key("evaluation.outcome")); !ok || value.AsString() != "evaluation_error" {
		t.Fatalf("expected failure outcome evaluation_error, got %v", value)
	}

	hist, ok := metrics["rules.evaluation.duration_ms"]
	if !ok {
		t.Fatalf("missing rules.evaluation.duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	var count uint64
	var sum float64
	for _, dp := range histData.DataPoints {
		count += dp.Count
		sum += dp.Sum
	}
	if count != 2 {
		t.Fatalf("expected histogram count 2, got %d", count)
	}
	if sum != 50 {
		t.Fatalf("expected histogram sum 50, got %v", sum)
	}
}

func TestRecordResolve(t *testing.T) {
	reader := installManualReader(t)
	ctx := context.Background()

	RecordResolve(ctx, "a.rego", OutcomeSuccess)
	RecordResolve(ctx, "a.rego", OutcomeSuccess)
	RecordResolve(ctx, "missing.json", "artifact_not_found")

	resolves := sumFor(t, collect(t, reader), "rules.document_resolves_total")
	values := map[string]int64{}
	for _, dp := range resolves.DataPoints {
		ref, _ := dp.Attributes.Value(attribute.Key("rule.ref"))
		values[ref.AsString()] = dp.Value
	}
	if values["a.rego"] != 2 {
		t.Fatalf("expected 2 resolves for a.rego, got %d", values["a.rego"])
	}
	if values["missing.json"] != 1 {
		t.Fatalf("expected 1 resolve for missing.json, got %d", values["missing.json"])
	}
}

func TestRecordDecision(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, succeeded := tracer.Start(context.Background(), "execute")
	RecordDecision(succeeded, DecisionSpanInfo{
		Rule:       "test_rule.json",
		Format:     "json",
		Entrypoint: "rules/decision",
		Digest:     "sha256:abc",
		Outcome:    OutcomeSuccess,
	}, nil)
	succeeded.End()

	_, failed := tracer.Start(context.Background(), "execute")
	RecordDecision(failed, DecisionSpanInfo{Rule: "missing.json", Outcome: "artifact_not_found"}, errors.New("not found"))
	failed.End()

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}

	attrs := attribute.NewSet(spans[0].Attributes()...)
	if value, ok := attrs.Value(attribute.Key("rule.entrypoint")); !ok || value.AsString() != "rules/decision" {
		t.Fatalf("expected rule.entrypoint rules/decision, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("rule.digest")); !ok || value.AsString() != "sha256:abc" {
		t.Fatalf("expected rule.digest sha256:abc, got %v", value)
	}
	if spans[0].Status().Code != codes.Ok {
		t.Fatalf("expected ok status, got %v", spans[0].Status())
	}

	if spans[1].Status().Code != codes.Error || spans[1].Status().Description != "artifact_not_found" {
		t.Fatalf("expected error status artifact_not_found, got %v", spans[1].Status())
	}
	failedAttrs := attribute.NewSet(spans[1].Attributes()...)
	if _, ok := failedAttrs.Value(attribute.Key("rule.digest")); ok {
		t.Fatalf("did not expect rule.digest on failed span")
	}
	if len(spans[1].Events()) != 1 || spans[1].Events()[0].Name != "exception" {
		t.Fatalf("expected recorded exception event, got %v", spans[1].Events())
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestSamplerFor(t *testing.T) {
	for _, ratio := range []float64{0, 1, 2, -1} {
		if got := samplerFor(ratio).Description(); got != sdktrace.ParentBased(sdktrace.AlwaysSample()).Description() {
			t.Fatalf("ratio %v: unexpected sampler %s", ratio, got)
		}
	}
	if got := samplerFor(0.25).Description(); got == sdktrace.ParentBased(sdktrace.AlwaysSample()).Description() {
		t.Fatalf("ratio 0.25 should not sample everything")
	}
}

func TestSetupProviderWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("setup provider: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
