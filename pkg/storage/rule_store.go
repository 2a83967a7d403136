// Package storage resolves rule references to decision documents stored on the
// local filesystem, confining every lookup to the configured rules folder and
// optionally keeping loaded documents in memory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/polisai/polis-rules/pkg/domain"
)

// CacheObserver receives the outcome of every cache lookup.
type CacheObserver interface {
	RecordCacheLookup(hit bool)
}

// FilesystemLoaderOptions control how the loader reads the rules folder.
type FilesystemLoaderOptions struct {
	// Root is the rules folder. Relative paths are resolved against the working directory.
	Root string
	// KeepInMemory retains loaded documents and serves later lookups from memory.
	KeepInMemory bool
	Observer     CacheObserver
	Logger       *slog.Logger
}

// FilesystemLoader implements domain.DocumentLocator over a directory tree.
type FilesystemLoader struct {
	root         string
	keepInMemory bool
	cache        *MemoryDocumentCache
	observer     CacheObserver
	logger       *slog.Logger

	// testHookLoaded runs after a document is read and before it is cached.
	testHookLoaded func(key string)
}

var _ domain.DocumentLocator = (*FilesystemLoader)(nil)

// NewFilesystemLoader validates the root and constructs a loader.
func NewFilesystemLoader(opts FilesystemLoaderOptions) (*FilesystemLoader, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, errors.New("filesystem loader requires a root directory")
	}

	abs, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve rules folder: %w", err)
	}
	// Symlinks in the root itself are trusted; symlinks below it must stay inside.
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve rules folder: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat rules folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("rules folder %q is not a directory", root)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &FilesystemLoader{
		root:         root,
		keepInMemory: opts.KeepInMemory,
		cache:        NewMemoryDocumentCache(),
		observer:     opts.Observer,
		logger:       logger,
	}, nil
}

// Root returns the canonical rules folder.
func (l *FilesystemLoader) Root() string {
	return l.root
}

// KeepInMemory reports whether documents are cached.
func (l *FilesystemLoader) KeepInMemory() bool {
	return l.keepInMemory
}

// Resolve loads the decision document named by ref.
func (l *FilesystemLoader) Resolve(ctx context.Context, ref string) (*domain.DecisionDocument, error) {
	key, err := CanonicalRef(ref)
	if err != nil {
		return nil, domain.NewError(domain.KindRuleOutsideRoot, domain.ErrRuleOutsideRoot, err).
			WithMessage("rule %q rejected: %v", ref, err)
	}

	var generation uint64
	if l.keepInMemory {
		if doc, ok := l.cache.Get(key); ok {
			l.observe(true)
			return doc, nil
		}
		l.observe(false)
		generation = l.cache.Generation()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := l.load(key)
	if err != nil {
		return nil, err
	}
	if l.testHookLoaded != nil {
		l.testHookLoaded(key)
	}

	// A document read across a concurrent invalidation may be stale: serve it
	// without retaining it.
	if l.keepInMemory && !l.cache.PutIfCurrent(doc, generation) {
		l.logger.Debug("Decision document changed while loading, not cached", "rule", key)
	}
	l.logger.Debug("Decision document loaded", "rule", key, "format", doc.Format, "digest", doc.Digest)
	return doc, nil
}

// Invalidate drops ref, and anything below it, from the cache.
func (l *FilesystemLoader) Invalidate(ref string) []string {
	key, err := CanonicalRef(ref)
	if err != nil {
		return nil
	}
	return l.cache.Delete(key)
}

// Purge drops every cached document and returns the dropped references.
func (l *FilesystemLoader) Purge() []string {
	return l.cache.Purge()
}

// Cached reports the number of documents held in memory.
func (l *FilesystemLoader) Cached() int {
	return l.cache.Len()
}

func (l *FilesystemLoader) load(key string) (*domain.DecisionDocument, error) {
	joined := filepath.Join(l.root, filepath.FromSlash(key))

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return nil, notFound(key, err)
	}
	if !within(l.root, resolved) {
		return nil, domain.NewError(domain.KindRuleOutsideRoot, domain.ErrRuleOutsideRoot, nil).
			WithMessage("rule %q resolves outside the rules folder", key)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, notFound(key, err)
	}
	if info.IsDir() {
		return nil, notFound(key, errors.New("is a directory"))
	}

	// #nosec G304 -- path is confined to the rules folder above
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, notFound(key, err)
	}

	doc, err := DecodeDocument(key, data)
	if err != nil {
		return nil, domain.NewError(domain.KindArtifactInvalid, domain.ErrArtifactInvalid, err).
			WithMessage("rule %q is invalid: %v", key, err)
	}
	doc.Path = resolved
	doc.LoadedAt = time.Now()
	return doc, nil
}

func (l *FilesystemLoader) observe(hit bool) {
	if l.observer != nil {
		l.observer.RecordCacheLookup(hit)
	}
}

func notFound(key string, err error) error {
	msg := "rule %q not found"
	if !errors.Is(err, fs.ErrNotExist) {
		msg = "rule %q not readable"
	}
	// The cause stays in the chain for logs; it names the absolute path, so it
	// is kept out of the message returned to callers.
	return domain.NewError(domain.KindArtifactNotFound, domain.ErrArtifactNotFound, err).
		WithMessage(msg, key)
}

// CanonicalRef cleans a rule reference into the slash-separated key used for
// caching. References that are empty, absolute or climb above the root are rejected.
func CanonicalRef(ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return "", errors.New("empty rule reference")
	}
	if strings.ContainsRune(trimmed, 0) {
		return "", errors.New("rule reference contains a NUL byte")
	}

	slashed := strings.ReplaceAll(trimmed, "\\", "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(trimmed) || filepath.VolumeName(trimmed) != "" {
		return "", errors.New("absolute rule reference")
	}

	cleaned := filepath.ToSlash(filepath.Clean(filepath.FromSlash(slashed)))
	if cleaned == "." {
		return "", errors.New("empty rule reference")
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("rule reference escapes the rules folder")
	}
	return cleaned, nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
