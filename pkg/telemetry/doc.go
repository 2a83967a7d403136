// Package telemetry wires OpenTelemetry exporters and meters for the rule service.
//
// It centralises trace provider setup and offers helpers that record evaluation
// metrics and annotate spans with rule and outcome metadata, so operators can
// correlate failures with the documents that produced them.
package telemetry
