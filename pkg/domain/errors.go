package domain

import (
	"context"
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrDecode            = errors.New("request body is not valid utf-8")
	ErrParse             = errors.New("request body is not valid json")
	ErrArtifactNotFound  = errors.New("decision artifact not found")
	ErrArtifactInvalid   = errors.New("decision artifact invalid")
	ErrRuleOutsideRoot   = errors.New("rule reference escapes the rules folder")
	ErrEvaluation        = errors.New("decision evaluation failed")
	ErrDecisionUndefined = errors.New("decision undefined for context")
	ErrConfigInvalid     = errors.New("invalid configuration")
)

// ErrorKind is the machine-readable classification of a pipeline failure.
type ErrorKind string

const (
	KindDecode            ErrorKind = "decode_error"
	KindParse             ErrorKind = "parse_error"
	KindRuleOutsideRoot   ErrorKind = "rule_outside_root"
	KindArtifactNotFound  ErrorKind = "artifact_not_found"
	KindArtifactInvalid   ErrorKind = "artifact_invalid"
	KindEvaluation        ErrorKind = "evaluation_error"
	KindDecisionUndefined ErrorKind = "decision_undefined"
	KindTimeout           ErrorKind = "timeout"
	KindCanceled          ErrorKind = "canceled"
	KindInternal          ErrorKind = "internal_error"
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Kind    ErrorKind
	Message string
}

// NewError builds a DomainError whose chain contains both the sentinel and the cause,
// so errors.Is matches either of them.
func NewError(kind ErrorKind, sentinel, cause error) *DomainError {
	var err error
	switch {
	case sentinel != nil && cause != nil:
		err = fmt.Errorf("%w: %w", sentinel, cause)
	case sentinel != nil:
		err = sentinel
	default:
		err = cause
	}
	return &DomainError{Err: err, Kind: kind}
}

// WithMessage sets a human-readable detail that replaces the wrapped error text.
func (e *DomainError) WithMessage(format string, args ...any) *DomainError {
	e.Message = fmt.Sprintf(format, args...)
	return e
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Bare context errors map to timeout/canceled; anything
// unrecognised is internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *DomainError
	if errors.As(err, &de) && de.Kind != "" {
		return de.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrDecode):
		return KindDecode
	case errors.Is(err, ErrParse):
		return KindParse
	case errors.Is(err, ErrRuleOutsideRoot):
		return KindRuleOutsideRoot
	case errors.Is(err, ErrArtifactNotFound):
		return KindArtifactNotFound
	case errors.Is(err, ErrArtifactInvalid):
		return KindArtifactInvalid
	case errors.Is(err, ErrDecisionUndefined):
		return KindDecisionUndefined
	case errors.Is(err, ErrEvaluation):
		return KindEvaluation
	default:
		return KindInternal
	}
}

// InfoMessage is the body of the liveness endpoint.
type InfoMessage struct {
	Message string `json:"message"`
}

// ErrorResponse defines the JSON error model returned by the execution endpoint.
// Message carries the same human-readable description older callers read; Kind is
// the stable machine-readable classification.
type ErrorResponse struct {
	Message   string    `json:"message"`
	Kind      ErrorKind `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"` // Optional trace/correlation ID
}
