// Package engine implements the rule execution pipeline and its HTTP surface.
//
// Architecture:
//
// executor.go     - Execution pipeline (Executor: decode, parse, resolve, evaluate)
// http_handler.go - HTTP integration layer (Handler, routes, CORS, status policy)
// metrics.go      - Prometheus request, outcome and cache metrics
//
// The package owns no rule semantics. Documents come from a domain.DocumentLocator
// and are evaluated by a domain.Evaluator; the executor only sequences the steps
// and classifies failures.
package engine
