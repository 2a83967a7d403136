package storage

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-rules/pkg/domain"
)

func TestMemoryDocumentCacheGetPut(t *testing.T) {
	cache := NewMemoryDocumentCache()

	_, ok := cache.Get("a.rego")
	assert.False(t, ok)

	first := &domain.DecisionDocument{Ref: "a.rego", Digest: "1"}
	cache.Put(first)
	got, ok := cache.Get("a.rego")
	require.True(t, ok)
	assert.Same(t, first, got)

	cache.Put(&domain.DecisionDocument{Ref: "a.rego", Digest: "2"})
	got, _ = cache.Get("a.rego")
	assert.Equal(t, "2", got.Digest)
	assert.Equal(t, 1, cache.Len())
}

func TestMemoryDocumentCacheDeleteSubtree(t *testing.T) {
	cache := NewMemoryDocumentCache()
	for _, ref := range []string{"team/a.rego", "team/nested/b.json", "teams.rego", "other.json"} {
		cache.Put(&domain.DecisionDocument{Ref: ref})
	}

	removed := cache.Delete("team")
	sort.Strings(removed)
	assert.Equal(t, []string{"team/a.rego", "team/nested/b.json"}, removed)
	assert.Equal(t, 2, cache.Len())

	assert.Equal(t, []string{"other.json"}, cache.Delete("other.json"))
	assert.Empty(t, cache.Delete("missing.json"))

	cache.Put(&domain.DecisionDocument{Ref: "again.json"})
	assert.Equal(t, []string{"again.json"}, cache.Purge())
	assert.Zero(t, cache.Len())
}

func TestMemoryDocumentCachePutIfCurrent(t *testing.T) {
	cache := NewMemoryDocumentCache()

	generation := cache.Generation()
	assert.True(t, cache.PutIfCurrent(&domain.DecisionDocument{Ref: "a.rego"}, generation))

	stale := cache.Generation()
	assert.Empty(t, cache.Delete("b.rego"), "nothing cached under b.rego")
	assert.False(t, cache.PutIfCurrent(&domain.DecisionDocument{Ref: "b.rego"}, stale))
	_, ok := cache.Get("b.rego")
	assert.False(t, ok)

	stale = cache.Generation()
	cache.Purge()
	assert.False(t, cache.PutIfCurrent(&domain.DecisionDocument{Ref: "a.rego"}, stale))
	assert.Zero(t, cache.Len())

	assert.True(t, cache.PutIfCurrent(&domain.DecisionDocument{Ref: "a.rego"}, cache.Generation()))
	assert.Equal(t, 1, cache.Len())
}
