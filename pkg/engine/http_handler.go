package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-rules/pkg/domain"
)

const (
	// HeaderRequestID carries the per-request correlation ID.
	HeaderRequestID = "X-Request-ID"

	// WelcomeMessage is served on GET /.
	WelcomeMessage = "Welcome to Zen Engine!"

	// DefaultMaxBodyBytes bounds the context document when no limit is configured.
	DefaultMaxBodyBytes int64 = 10 << 20

	// StatusClientClosedRequest is reported when the caller went away mid-execution.
	StatusClientClosedRequest = 499
)

type requestIDContextKey struct{}

// HandlerConfig holds configuration for creating a Handler.
type HandlerConfig struct {
	Executor     *Executor
	Metrics      *Metrics
	Logger       *slog.Logger
	MaxBodyBytes int64
}

// Handler exposes the execution pipeline over HTTP.
type Handler struct {
	executor     *Executor
	metrics      *Metrics
	logger       *slog.Logger
	maxBodyBytes int64
	handler      http.Handler
}

// NewHandler builds the routed, CORS-enabled handler. Metrics are optional; when
// present they are served on /metrics and fed by the request middleware.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Executor == nil {
		panic("engine: executor is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	h := &Handler{
		executor:     cfg.Executor,
		metrics:      cfg.Metrics,
		logger:       logger,
		maxBodyBytes: maxBody,
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	var root http.Handler = mux
	if h.metrics != nil {
		root = h.metrics.MetricsMiddleware(root)
	}
	h.handler = h.withRequestID(h.withCORS(root))

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *Handler) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.handleWelcome)
	mux.HandleFunc("POST /execute_rule", h.handleExecute)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
}

func (h *Handler) handleWelcome(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, domain.InfoMessage{Message: WelcomeMessage})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rule := r.URL.Query().Get("rule")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			derr := domain.NewError(domain.KindDecode, domain.ErrDecode, err).
				WithMessage("request body exceeds %d bytes", tooLarge.Limit)
			h.writeErrorResponse(ctx, w, http.StatusRequestEntityTooLarge, derr)
			return
		}
		derr := domain.NewError(domain.KindDecode, domain.ErrDecode, err).
			WithMessage("failed to read request body: %v", err)
		h.writeErrorResponse(ctx, w, statusForError(derr), derr)
		return
	}

	start := time.Now()
	result, err := h.executor.Execute(ctx, Request{Rule: rule, Body: body})
	outcome := "success"
	if err != nil {
		outcome = string(domain.KindOf(err))
	}
	if h.metrics != nil {
		h.metrics.RecordExecution(outcome, time.Since(start))
	}

	if err != nil {
		h.writeErrorResponse(ctx, w, statusForError(err), err)
		return
	}

	encoded, err := json.Marshal(result.Payload)
	if err != nil {
		derr := domain.NewError(domain.KindInternal, nil, err).
			WithMessage("failed to encode decision: %v", err)
		h.writeErrorResponse(ctx, w, http.StatusInternalServerError, derr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(append(encoded, '\n')); err != nil {
		h.logger.Debug("failed to write decision", "request_id", RequestIDFromContext(ctx), "error", err)
	}
}

// statusForError maps an error kind to the HTTP status returned to callers.
func statusForError(err error) int {
	switch domain.KindOf(err) {
	case domain.KindDecode, domain.KindParse, domain.KindRuleOutsideRoot:
		return http.StatusBadRequest
	case domain.KindArtifactNotFound:
		return http.StatusNotFound
	case domain.KindDecisionUndefined:
		return http.StatusUnprocessableEntity
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorDetail returns the generic description of the failure class. Causes are
// only logged because they may name paths inside the rules folder.
func errorDetail(err error) string {
	for _, sentinel := range []error{
		domain.ErrDecode,
		domain.ErrParse,
		domain.ErrRuleOutsideRoot,
		domain.ErrArtifactNotFound,
		domain.ErrArtifactInvalid,
		domain.ErrDecisionUndefined,
		domain.ErrEvaluation,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ""
}

// writeErrorResponse writes the structured error body and logs the failure.
func (h *Handler) writeErrorResponse(ctx context.Context, w http.ResponseWriter, status int, err error) {
	requestID := RequestIDFromContext(ctx)
	kind := domain.KindOf(err)

	// OpenTelemetry trace ID
	var traceID string
	if span := trace.SpanFromContext(ctx); span != nil {
		if sc := span.SpanContext(); sc.IsValid() {
			traceID = sc.TraceID().String()
		}
	}

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	if kind == domain.KindCanceled {
		level = slog.LevelInfo
	}
	h.logger.Log(ctx, level, "rule execution request failed",
		"request_id", requestID,
		"status", status,
		"kind", kind,
		"error", err,
	)

	h.writeJSON(w, status, domain.ErrorResponse{
		Message:   err.Error(),
		Kind:      kind,
		Detail:    errorDetail(err),
		RequestID: requestID,
		TraceID:   traceID,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to encode response", "error", err)
	}
}

const defaultAllowedHeaders = "Content-Type, Authorization, X-Request-ID, Traceparent, Tracestate"

// withCORS allows any origin and any requested header. Preflight requests are answered directly.
func (h *Handler) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
			w.Header().Set("Access-Control-Allow-Headers", requested)
			w.Header().Add("Vary", "Access-Control-Request-Headers")
		} else {
			w.Header().Set("Access-Control-Allow-Headers", defaultAllowedHeaders)
		}
		w.Header().Set("Access-Control-Expose-Headers", HeaderRequestID)

		if r.Method == http.MethodOptions {
			h.logger.Debug("Handling CORS preflight", "origin", origin, "headers", r.Header.Get("Access-Control-Request-Headers"))
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := extractRequestID(r)
		w.Header().Set(HeaderRequestID, requestID)

		ctx := context.WithValue(r.Context(), requestIDContextKey{}, requestID)
		h.logger.Debug("received HTTP request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractRequestID keeps a caller-supplied ID when it is short and printable,
// otherwise generates a new UUIDv4.
func extractRequestID(r *http.Request) string {
	if headerID := strings.TrimSpace(r.Header.Get(HeaderRequestID)); headerID != "" && len(headerID) <= 128 && isPrintableASCII(headerID) {
		return headerID
	}
	return uuid.New().String()
}

func isPrintableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// RequestIDFromContext extracts the request ID from the request context.
func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return requestID
	}
	return ""
}

// statusRecorder wraps http.ResponseWriter to capture the status code and
// prevent multiple WriteHeader calls.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.ResponseWriter.WriteHeader(code)
		r.wroteHeader = true
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	return hijacker.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
