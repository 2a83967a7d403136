package domain

import (
	"context"
	"time"
)

// DefaultRule is the rule reference used when a request does not name one.
const DefaultRule = "test_rule.json"

// DocumentFormat identifies the on-disk encoding of a decision document.
type DocumentFormat string

const (
	FormatJSON DocumentFormat = "json"
	FormatYAML DocumentFormat = "yaml"
	FormatRego DocumentFormat = "rego"
)

// DecisionDocument is a loaded decision artifact: the Rego modules, the
// entrypoint to query and optional static data. Documents are immutable once
// loaded and may be shared across concurrent evaluations.
type DecisionDocument struct {
	Ref        string            `json:"ref" yaml:"ref"`
	Path       string            `json:"path" yaml:"path"`
	Format     DocumentFormat    `json:"format" yaml:"format"`
	Name       string            `json:"name" yaml:"name"`
	Entrypoint string            `json:"entrypoint" yaml:"entrypoint"`
	Modules    map[string]string `json:"modules" yaml:"modules"`
	Data       map[string]any    `json:"data" yaml:"data"`
	Digest     string            `json:"digest" yaml:"digest"`
	LoadedAt   time.Time         `json:"loaded_at" yaml:"loaded_at"`
}

// Result represents the outcome of a decision evaluation. Payload is forwarded
// to callers verbatim.
type Result struct {
	Payload  any
	Duration time.Duration
}

// DocumentLocator resolves rule references into decision documents.
type DocumentLocator interface {
	Resolve(ctx context.Context, ref string) (*DecisionDocument, error)
}

// Evaluator executes a decision document against a context document.
type Evaluator interface {
	Evaluate(ctx context.Context, doc *DecisionDocument, input any) (Result, error)
}
