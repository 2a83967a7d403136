package storage

import (
	"strings"
	"sync"

	"github.com/polisai/polis-rules/pkg/domain"
)

// MemoryDocumentCache is an in-memory store of loaded decision documents keyed by
// canonical rule reference. Documents are immutable once stored, so concurrent
// readers share them without copying.
type MemoryDocumentCache struct {
	mu   sync.RWMutex
	docs map[string]*domain.DecisionDocument
	// generation advances on every Delete and Purge, including ones that
	// remove nothing.
	generation uint64
}

// NewMemoryDocumentCache creates a new MemoryDocumentCache.
func NewMemoryDocumentCache() *MemoryDocumentCache {
	return &MemoryDocumentCache{
		docs: make(map[string]*domain.DecisionDocument),
	}
}

// Get retrieves a document from memory.
func (c *MemoryDocumentCache) Get(ref string) (*domain.DecisionDocument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	doc, ok := c.docs[ref]
	return doc, ok
}

// Put stores a document, replacing any previous entry for the same reference.
func (c *MemoryDocumentCache) Put(doc *domain.DecisionDocument) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.docs[doc.Ref] = doc
}

// Generation returns the current invalidation generation. Capture it before
// reading a document from its source and pass it to PutIfCurrent.
func (c *MemoryDocumentCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.generation
}

// PutIfCurrent stores doc only if no invalidation happened since generation was
// observed. It reports whether the document was stored.
func (c *MemoryDocumentCache) PutIfCurrent(doc *domain.DecisionDocument, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation != generation {
		return false
	}
	c.docs[doc.Ref] = doc
	return true
}

// Delete removes ref and every entry below it when ref names a directory.
// It returns the removed references.
func (c *MemoryDocumentCache) Delete(ref string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	var removed []string
	prefix := ref + "/"
	for key := range c.docs {
		if key == ref || strings.HasPrefix(key, prefix) {
			delete(c.docs, key)
			removed = append(removed, key)
		}
	}
	return removed
}

// Purge drops every cached document and returns the dropped references.
func (c *MemoryDocumentCache) Purge() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	removed := make([]string, 0, len(c.docs))
	for key := range c.docs {
		removed = append(removed, key)
	}
	c.docs = make(map[string]*domain.DecisionDocument)
	return removed
}

// Len reports the number of cached documents.
func (c *MemoryDocumentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.docs)
}
