package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DecisionSpanInfo describes an execution for span annotation.
type DecisionSpanInfo struct {
	Rule       string
	Format     string
	Entrypoint string
	Digest     string
	Outcome    string
}

// RecordDecision annotates the provided span with the execution outcome. The
// context document and payload are never attached.
func RecordDecision(span trace.Span, info DecisionSpanInfo, err error) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("rule.ref", info.Rule),
		attribute.String("evaluation.outcome", info.Outcome),
	)
	if info.Format != "" {
		span.SetAttributes(attribute.String("rule.format", info.Format))
	}
	if info.Entrypoint != "" {
		span.SetAttributes(attribute.String("rule.entrypoint", info.Entrypoint))
	}
	if info.Digest != "" {
		span.SetAttributes(attribute.String("rule.digest", info.Digest))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, info.Outcome)
		return
	}
	span.SetStatus(codes.Ok, "")
}
