package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"

	"github.com/polisai/polis-rules/pkg/domain"
	"github.com/polisai/polis-rules/pkg/policy"
	"github.com/polisai/polis-rules/pkg/storage"
)

const echoRule = `{
	"name": "echo",
	"entrypoint": "echo/result",
	"modules": {
		"echo.rego": "package echo\n\nresult := {\"input\": input, \"greeting\": data.greeting}\n"
	},
	"data": {"greeting": "hello"}
}`

const adultRule = `package rules

default allowed := false

allowed if input.age >= 18
`

const partialRule = `package partial

verdict := "ok" if input.ready
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeRuleFile(t *testing.T, root, ref, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(ref))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// newRulesFolder lays out the rules used across the engine tests.
func newRulesFolder(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeRuleFile(t, root, domain.DefaultRule, echoRule)
	writeRuleFile(t, root, "adult.rego", adultRule)
	writeRuleFile(t, root, "partial.rego", partialRule)
	writeRuleFile(t, root, "broken.json", `{"modules": {"x.rego": "package x\n\nx if {{"}}`)
	writeRuleFile(t, root, "tiers.yaml", "entrypoint: tiers/limit\nmodules:\n  tiers.rego: |\n    package tiers\n\n    limit := data.tiers[input.tier].max\n"+
		"data:\n  tiers:\n    gold: {max: 10}\n")
	writeRuleFile(t, root, "intkeys.yaml", "entrypoint: d/out\nmodules:\n  d.rego: |\n    package d\n\n    out := data.tbl\ndata:\n  tbl:\n    1: one\n")
	return root
}

func newTestExecutor(t *testing.T, root string, timeout time.Duration) *Executor {
	t.Helper()
	loader, err := storage.NewFilesystemLoader(storage.FilesystemLoaderOptions{
		Root:         root,
		KeepInMemory: true,
		Logger:       discardLogger(),
	})
	require.NoError(t, err)

	return NewExecutor(ExecutorConfig{
		Locator:     loader,
		Evaluator:   policy.NewEngine(policy.EngineOptions{Logger: discardLogger()}),
		EvalTimeout: timeout,
		Logger:      discardLogger(),
	})
}

func marshalPayload(t *testing.T, result domain.Result) string {
	t.Helper()
	encoded, err := json.Marshal(result.Payload)
	require.NoError(t, err)
	return string(encoded)
}

func TestExecutePassesContextThrough(t *testing.T) {
	executor := newTestExecutor(t, newRulesFolder(t), 0)

	body := `{"customer": {"id": 12345678901234567, "tags": ["a", "b"]}, "total": 10.5}`
	result, err := executor.Execute(context.Background(), Request{Rule: domain.DefaultRule, Body: []byte(body)})
	require.NoError(t, err)

	assert.JSONEq(t, `{"input": `+body+`, "greeting": "hello"}`, marshalPayload(t, result))
	assert.Contains(t, marshalPayload(t, result), "12345678901234567", "integer precision is preserved")
	assert.Positive(t, result.Duration)
}

func TestExecuteDefaultRule(t *testing.T) {
	executor := newTestExecutor(t, newRulesFolder(t), 0)
	body := []byte(`{"x": 1}`)

	implicit, err := executor.Execute(context.Background(), Request{Body: body})
	require.NoError(t, err)
	explicit, err := executor.Execute(context.Background(), Request{Rule: domain.DefaultRule, Body: body})
	require.NoError(t, err)

	assert.Equal(t, marshalPayload(t, explicit), marshalPayload(t, implicit))
}

func TestExecuteIdempotent(t *testing.T) {
	executor := newTestExecutor(t, newRulesFolder(t), 0)
	req := Request{Rule: "adult.rego", Body: []byte(`{"age": 30}`)}

	first, err := executor.Execute(context.Background(), req)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := executor.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, marshalPayload(t, first), marshalPayload(t, again))
	}
	assert.JSONEq(t, `{"allowed": true}`, marshalPayload(t, first))
}

func TestExecuteErrors(t *testing.T) {
	executor := newTestExecutor(t, newRulesFolder(t), 0)

	tests := []struct {
		name     string
		req      Request
		kind     domain.ErrorKind
		sentinel error
		contains string
	}{
		{
			name:     "invalid utf-8",
			req:      Request{Body: []byte{'{', '"', 0xff, '"', '}'}},
			kind:     domain.KindDecode,
			sentinel: domain.ErrDecode,
			contains: "offset 2",
		},
		{
			name:     "malformed json",
			req:      Request{Body: []byte(`{"a":`)},
			kind:     domain.KindParse,
			sentinel: domain.ErrParse,
			contains: "unexpected EOF",
		},
		{
			name:     "empty body",
			req:      Request{Body: nil},
			kind:     domain.KindParse,
			sentinel: domain.ErrParse,
			contains: "empty body",
		},
		{
			name:     "trailing data",
			req:      Request{Body: []byte(`{"a": 1} {"b": 2}`)},
			kind:     domain.KindParse,
			sentinel: domain.ErrParse,
			contains: "after top-level value",
		},
		{
			name:     "missing rule",
			req:      Request{Rule: "nope.json", Body: []byte(`{}`)},
			kind:     domain.KindArtifactNotFound,
			sentinel: domain.ErrArtifactNotFound,
			contains: "nope.json",
		},
		{
			name:     "escaping rule",
			req:      Request{Rule: "../outside.json", Body: []byte(`{}`)},
			kind:     domain.KindRuleOutsideRoot,
			sentinel: domain.ErrRuleOutsideRoot,
		},
		{
			name:     "invalid artifact",
			req:      Request{Rule: "broken.json", Body: []byte(`{}`)},
			kind:     domain.KindArtifactInvalid,
			sentinel: domain.ErrArtifactInvalid,
		},
		{
			name:     "undefined decision",
			req:      Request{Rule: "partial.rego", Body: []byte(`{"ready": false}`)},
			kind:     domain.KindDecisionUndefined,
			sentinel: domain.ErrDecisionUndefined,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executor.Execute(context.Background(), tt.req)
			require.Error(t, err)

			var de *domain.DomainError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.kind, de.Kind)
			assert.ErrorIs(t, err, tt.sentinel)
			if tt.contains != "" {
				assert.Contains(t, err.Error(), tt.contains)
			}
		})
	}
}

func TestExecuteParseStopsBeforeResolve(t *testing.T) {
	locator := &recordingLocator{}
	executor := NewExecutor(ExecutorConfig{
		Locator:   locator,
		Evaluator: &stubEvaluator{},
		Logger:    discardLogger(),
	})

	_, err := executor.Execute(context.Background(), Request{Body: []byte("not json")})
	require.ErrorIs(t, err, domain.ErrParse)
	assert.Zero(t, locator.calls, "a malformed body never reaches the rule store")
}

func TestExecuteCanceled(t *testing.T) {
	executor := newTestExecutor(t, newRulesFolder(t), 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := executor.Execute(ctx, Request{Rule: "adult.rego", Body: []byte(`{"age": 1}`)})
	require.Error(t, err)
	assert.Equal(t, domain.KindCanceled, domain.KindOf(err))
}

func TestExecuteTimeout(t *testing.T) {
	executor := NewExecutor(ExecutorConfig{
		Locator:     &recordingLocator{doc: &domain.DecisionDocument{Ref: "slow.json"}},
		Evaluator:   &stubEvaluator{block: true},
		EvalTimeout: 20 * time.Millisecond,
		Logger:      discardLogger(),
	})

	_, err := executor.Execute(context.Background(), Request{Rule: "slow.json", Body: []byte(`{}`)})
	require.Error(t, err)
	assert.Equal(t, domain.KindTimeout, domain.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecuteClassifiesBareErrors(t *testing.T) {
	executor := NewExecutor(ExecutorConfig{
		Locator:   &recordingLocator{doc: &domain.DecisionDocument{Ref: "x.json"}},
		Evaluator: &stubEvaluator{err: errors.New("boom")},
		Logger:    discardLogger(),
	})

	_, err := executor.Execute(context.Background(), Request{Rule: "x.json", Body: []byte(`{}`)})
	require.Error(t, err)

	var de *domain.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.KindInternal, de.Kind)
	assert.Contains(t, err.Error(), "boom")
}

func TestExecuteRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	executor := newTestExecutor(t, newRulesFolder(t), 0)
	_, err := executor.Execute(context.Background(), Request{Rule: "adult.rego", Body: []byte(`{"age": 20}`)})
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "rules.execute", spans[0].Name())

	attrs := attribute.NewSet(spans[0].Attributes()...)
	format, ok := attrs.Value("rule.format")
	require.True(t, ok)
	assert.Equal(t, "rego", format.AsString())
	outcome, ok := attrs.Value("evaluation.outcome")
	require.True(t, ok)
	assert.Equal(t, "success", outcome.AsString())
}

func TestInvalidUTF8Offset(t *testing.T) {
	assert.Equal(t, -1, invalidUTF8Offset([]byte("héllo")))
	assert.Equal(t, -1, invalidUTF8Offset(nil))
	assert.Equal(t, 0, invalidUTF8Offset([]byte{0x80}))
	assert.Equal(t, 3, invalidUTF8Offset([]byte{'a', 0xc3, 0xa9, 0xe2, 0x82}))
}

// Any body that is not valid UTF-8 is rejected as a decode error at the offset
// utf8 reports, and never reaches JSON parsing.
func TestDecodeContextRejectsInvalidUTF8(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prefix := rapid.StringMatching(`[ -~]{0,16}`).Draw(t, "prefix")
		bad := rapid.SampledFrom([]byte{0x80, 0xbf, 0xc0, 0xc1, 0xf5, 0xff}).Draw(t, "bad")
		suffix := rapid.SliceOfN(rapid.Byte(), 0, 16).Draw(t, "suffix")

		body := append(append([]byte(prefix), bad), suffix...)
		_, err := decodeContext(body)
		if err == nil {
			t.Fatalf("expected decode error for %q", body)
		}
		if domain.KindOf(err) != domain.KindDecode {
			t.Fatalf("expected decode kind, got %s (%v)", domain.KindOf(err), err)
		}
	})
}

// Arbitrary bytes never panic and are always classified as success, decode or parse.
func TestDecodeContextTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		body := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "body")

		_, err := decodeContext(body)
		switch kind := domain.KindOf(err); {
		case err == nil:
			if !utf8.Valid(body) {
				t.Fatalf("accepted invalid utf-8 %q", body)
			}
		case kind == domain.KindDecode:
			if utf8.Valid(body) {
				t.Fatalf("valid utf-8 %q reported as decode error", body)
			}
		case kind == domain.KindParse:
		default:
			t.Fatalf("unexpected kind %s for %q", kind, body)
		}
	})
}

type recordingLocator struct {
	calls int
	doc   *domain.DecisionDocument
}

func (l *recordingLocator) Resolve(_ context.Context, ref string) (*domain.DecisionDocument, error) {
	l.calls++
	if l.doc == nil {
		return nil, domain.NewError(domain.KindArtifactNotFound, domain.ErrArtifactNotFound, nil).
			WithMessage("rule %q not found", ref)
	}
	return l.doc, nil
}

type stubEvaluator struct {
	block bool
	err   error
}

func (s *stubEvaluator) Evaluate(ctx context.Context, _ *domain.DecisionDocument, input any) (domain.Result, error) {
	if s.block {
		<-ctx.Done()
		return domain.Result{}, ctx.Err()
	}
	if s.err != nil {
		return domain.Result{}, s.err
	}
	return domain.Result{Payload: input}, nil
}
