// Package policy evaluates decision documents with the Open Policy Agent (OPA)
// engine.
//
// The Engine compiles each document's Rego modules into a prepared query for the
// document's entrypoint and evaluates it against the caller's context document.
// It is intentionally decoupled from HTTP and filesystem concerns: documents come
// from a domain.DocumentLocator, and the evaluation payload is returned untouched
// so the pipeline can forward it verbatim.
package policy
