package policy

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage/inmem"

	"github.com/polisai/polis-rules/pkg/domain"
)

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// CacheMaxEntries bounds the compiled query cache (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Engine evaluates decision documents using an embedded OPA instance. Compiled
// queries are cached per document digest and entrypoint, so unchanged documents
// are only compiled once regardless of how often they are re-read from disk.
type Engine struct {
	cache  *queryCache
	logger *slog.Logger
}

var _ domain.Evaluator = (*Engine)(nil)

const defaultCacheCapacity = 256

// NewEngine constructs an Engine.
func NewEngine(opts EngineOptions) *Engine {
	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	var cache *queryCache
	if maxEntries > 0 {
		cache = newQueryCache(maxEntries)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{cache: cache, logger: logger}
}

// Evaluate executes doc against input and returns the value of the entrypoint.
func (e *Engine) Evaluate(ctx context.Context, doc *domain.DecisionDocument, input any) (domain.Result, error) {
	if doc == nil {
		return domain.Result{}, domain.NewError(domain.KindArtifactInvalid, domain.ErrArtifactInvalid, errors.New("nil decision document"))
	}

	if ctxErr := contextError(ctx); ctxErr != nil {
		return domain.Result{}, ctxErr
	}

	start := time.Now()

	prepared, err := e.getPreparedQuery(ctx, doc)
	if err != nil {
		if ctxErr := contextError(ctx); ctxErr != nil {
			return domain.Result{}, ctxErr
		}
		return domain.Result{}, domain.NewError(domain.KindArtifactInvalid, domain.ErrArtifactInvalid, err).
			WithMessage("rule %q failed to compile: %v", doc.Ref, err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		if ctxErr := contextError(ctx); ctxErr != nil {
			return domain.Result{}, ctxErr
		}
		return domain.Result{}, domain.NewError(domain.KindEvaluation, domain.ErrEvaluation, err).
			WithMessage("rule %q evaluation failed: %v", doc.Ref, err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return domain.Result{}, domain.NewError(domain.KindDecisionUndefined, domain.ErrDecisionUndefined, nil).
			WithMessage("rule %q produced no decision for entrypoint %q", doc.Ref, doc.Entrypoint)
	}

	return domain.Result{
		Payload:  results[0].Expressions[0].Value,
		Duration: time.Since(start),
	}, nil
}

// Forget drops compiled queries for the given rule references. Safe to call concurrently.
func (e *Engine) Forget(refs ...string) {
	if e.cache == nil || len(refs) == 0 {
		return
	}
	e.cache.RemoveRefs(refs)
}

// FlushCache clears all compiled queries. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// Cached reports the number of compiled queries held.
func (e *Engine) Cached() int {
	if e.cache == nil {
		return 0
	}
	return e.cache.Len()
}

func (e *Engine) getPreparedQuery(ctx context.Context, doc *domain.DecisionDocument) (*rego.PreparedEvalQuery, error) {
	key := doc.Digest + "\x00" + doc.Entrypoint

	if e.cache != nil && doc.Digest != "" {
		if prepared, ok := e.cache.Get(key); ok {
			return prepared, nil
		}
	}

	query, err := entrypointQuery(doc.Entrypoint)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(doc.Modules))
	for name := range doc.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := make([]func(*rego.Rego), 0, len(names)+2)
	opts = append(opts, rego.Query(query))
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, doc.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		opts = append(opts, rego.ParsedModule(module))
	}
	if len(doc.Data) > 0 {
		opts = append(opts, rego.Store(inmem.NewFromObject(doc.Data)))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Compiled decision document", "rule", doc.Ref, "entrypoint", doc.Entrypoint, "digest", doc.Digest)

	if e.cache == nil || doc.Digest == "" {
		return &prepared, nil
	}
	// Another goroutine may have already prepared the query; respect first entry.
	return e.cache.Add(key, doc.Ref, &prepared), nil
}

// entrypointQuery turns "rules/decision" into the query "data.rules.decision".
func entrypointQuery(entrypoint string) (string, error) {
	ref := ast.DefaultRootRef.Copy()
	for _, part := range strings.Split(entrypoint, "/") {
		if part = strings.TrimSpace(part); part != "" {
			ref = ref.Append(ast.StringTerm(part))
		}
	}
	if len(ref) < 2 {
		return "", errors.New("decision document requires an entrypoint")
	}
	return ref.String(), nil
}

func contextError(ctx context.Context) error {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewError(domain.KindTimeout, nil, err).WithMessage("evaluation timed out: %v", err)
	case errors.Is(err, context.Canceled):
		return domain.NewError(domain.KindCanceled, nil, err).WithMessage("evaluation canceled: %v", err)
	default:
		return nil
	}
}

type queryCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	ref   string
	value *rego.PreparedEvalQuery
}

func newQueryCache(capacity int) *queryCache {
	return &queryCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *queryCache) Get(key string) (*rego.PreparedEvalQuery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cacheItem).value, true
}

// Add stores value unless key is already present, and returns the stored query.
func (c *queryCache) Add(key, ref string, value *rego.PreparedEvalQuery) *rego.PreparedEvalQuery {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(cacheItem).value
	}

	elem := c.order.PushFront(cacheItem{key: key, ref: ref, value: value})
	c.entries[key] = elem

	if c.order.Len() > c.max {
		if tail := c.order.Back(); tail != nil {
			c.order.Remove(tail)
			delete(c.entries, tail.Value.(cacheItem).key)
		}
	}
	return value
}

func (c *queryCache) RemoveRefs(refs []string) {
	drop := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		drop[ref] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.entries {
		if _, ok := drop[elem.Value.(cacheItem).ref]; ok {
			c.order.Remove(elem)
			delete(c.entries, key)
		}
	}
}

func (c *queryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}

func (c *queryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.order.Len()
}
