// Package domain defines the core types and interfaces of the rule execution service.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library: decision documents, evaluation results, the error taxonomy
// shared by the pipeline and the HTTP layer, and the locator/evaluator interfaces
// that storage and policy implement.
//
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
