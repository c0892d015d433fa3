package indexer

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// PageRef identifies one logical document in a source's current listing.
// IDs must be stable across runs; the diff depends on it.
type PageRef struct {
	ID   string
	Name string
	URL  string
}

// SourceAdapter exposes a content source to the indexer: a cheap full listing
// plus a per-page content export.
type SourceAdapter interface {
	// GetPages returns the source's current full page listing for a collection.
	GetPages(ctx context.Context, collection string) ([]PageRef, error)
	// ExportPage returns the page's current text content.
	ExportPage(ctx context.Context, pageID string) (string, error)
}

// Registry resolves a collection name to its source adapter by name prefix.
// The longest registered prefix wins, so "docs_internal" can override a
// general "docs" registration.
type Registry struct {
	adapters map[string]SourceAdapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]SourceAdapter)}
}

// Register binds a collection-name prefix to an adapter. Re-registering a
// prefix replaces the previous adapter.
func (r *Registry) Register(prefix string, adapter SourceAdapter) {
	r.adapters[prefix] = adapter
}

// Lookup returns the adapter whose prefix matches the collection name.
func (r *Registry) Lookup(collection string) (SourceAdapter, error) {
	prefixes := make([]string, 0, len(r.adapters))
	for prefix := range r.adapters {
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool {
		return len(prefixes[i]) > len(prefixes[j])
	})

	for _, prefix := range prefixes {
		if strings.HasPrefix(collection, prefix) {
			return r.adapters[prefix], nil
		}
	}
	return nil, fmt.Errorf("no source adapter registered for collection %q", collection)
}
