package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-rules/pkg/domain"
	"github.com/polisai/polis-rules/pkg/telemetry"
)

// Request is one execution: a rule reference and the raw context document.
type Request struct {
	Rule string
	Body []byte
}

// ExecutorConfig holds dependencies for creating an Executor.
type ExecutorConfig struct {
	Locator   domain.DocumentLocator
	Evaluator domain.Evaluator
	// EvalTimeout bounds resolution plus evaluation. Zero disables the bound.
	EvalTimeout time.Duration
	Logger      *slog.Logger
}

// Executor runs the request-to-decision pipeline. It is safe for concurrent use;
// the only shared state lives in the locator and the evaluator.
type Executor struct {
	locator     domain.DocumentLocator
	evaluator   domain.Evaluator
	evalTimeout time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewExecutor creates an executor with the given configuration.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Locator == nil {
		panic("engine: document locator is required")
	}
	if cfg.Evaluator == nil {
		panic("engine: evaluator is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		locator:     cfg.Locator,
		evaluator:   cfg.Evaluator,
		evalTimeout: cfg.EvalTimeout,
		logger:      logger,
		tracer:      otel.Tracer(telemetry.TracerName),
	}
}

// Execute decodes the body, resolves the rule and evaluates it. Every failure is
// a *domain.DomainError whose Kind drives the HTTP status.
func (e *Executor) Execute(ctx context.Context, req Request) (domain.Result, error) {
	rule := strings.TrimSpace(req.Rule)
	if rule == "" {
		rule = domain.DefaultRule
	}

	ctx, span := e.tracer.Start(ctx, "rules.execute", trace.WithAttributes(
		attribute.String("rule.ref", rule),
		attribute.Int("request.body_bytes", len(req.Body)),
	))
	defer span.End()

	start := time.Now()
	info := telemetry.DecisionSpanInfo{Rule: rule}

	result, err := e.execute(ctx, rule, req.Body, &info)

	info.Outcome = telemetry.OutcomeSuccess
	if err != nil {
		info.Outcome = string(domain.KindOf(err))
	}
	duration := time.Since(start)

	telemetry.RecordDecision(span, info, err)
	telemetry.RecordEvaluation(ctx, telemetry.EvaluationMetrics{
		Rule:     rule,
		Format:   info.Format,
		Outcome:  info.Outcome,
		Duration: duration,
	})

	if err != nil {
		e.logger.Debug("rule execution failed",
			"rule", rule,
			"kind", info.Outcome,
			"duration", duration,
			"error", err,
		)
		return domain.Result{}, err
	}

	e.logger.Debug("rule executed",
		"rule", rule,
		"entrypoint", info.Entrypoint,
		"duration", duration,
	)
	result.Duration = duration
	return result, nil
}

func (e *Executor) execute(ctx context.Context, rule string, body []byte, info *telemetry.DecisionSpanInfo) (domain.Result, error) {
	input, err := decodeContext(body)
	if err != nil {
		return domain.Result{}, err
	}

	if e.evalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.evalTimeout)
		defer cancel()
	}

	doc, err := e.locator.Resolve(ctx, rule)
	if err != nil {
		telemetry.RecordResolve(ctx, rule, string(domain.KindOf(err)))
		return domain.Result{}, asDomainError(err)
	}
	telemetry.RecordResolve(ctx, rule, telemetry.OutcomeSuccess)

	info.Format = string(doc.Format)
	info.Entrypoint = doc.Entrypoint
	info.Digest = doc.Digest

	result, err := e.evaluator.Evaluate(ctx, doc, input)
	if err != nil {
		return domain.Result{}, asDomainError(err)
	}
	return result, nil
}

// decodeContext validates body as UTF-8 and parses exactly one JSON value from it.
// Numbers are kept as json.Number so integer precision survives evaluation.
func decodeContext(body []byte) (any, error) {
	if offset := invalidUTF8Offset(body); offset >= 0 {
		return nil, domain.NewError(domain.KindDecode, domain.ErrDecode, nil).
			WithMessage("request body is not valid utf-8: invalid byte 0x%02x at offset %d", body[offset], offset)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var input any
	if err := dec.Decode(&input); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		return nil, domain.NewError(domain.KindParse, domain.ErrParse, err).
			WithMessage("request body is not valid json: %v", err)
	}

	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		cause := errors.New("unexpected data after top-level value")
		return nil, domain.NewError(domain.KindParse, domain.ErrParse, cause).
			WithMessage("request body is not valid json: %v at offset %d", cause, dec.InputOffset())
	}

	return input, nil
}

// invalidUTF8Offset returns the offset of the first byte that does not start a
// valid UTF-8 sequence, or -1 when b is valid.
func invalidUTF8Offset(b []byte) int {
	if utf8.Valid(b) {
		return -1
	}
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}
	return -1
}

// asDomainError keeps domain errors as they are and classifies anything else,
// so collaborators that return bare errors still map to a stable kind.
func asDomainError(err error) error {
	var de *domain.DomainError
	if errors.As(err, &de) {
		return err
	}
	kind := domain.KindOf(err)
	if kind == domain.KindInternal {
		return domain.NewError(kind, nil, err).WithMessage("rule execution failed: %v", err)
	}
	return domain.NewError(kind, nil, err)
}

