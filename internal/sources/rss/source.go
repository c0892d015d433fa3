// Package rss adapts an RSS/Atom feed as a content source, both for
// scheduled staging runs and for diff-aware indexing.
package rss

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"kbpipeline/internal/indexer"
	"kbpipeline/internal/pipeline"
	"kbpipeline/internal/scheduler"
)

// checkpointLastSeen is the checkpoint key holding the newest published
// timestamp staged so far, RFC 3339.
const checkpointLastSeen = "last_seen_published"

// Source fetches items from an RSS/Atom feed.
type Source struct {
	name   string
	url    string
	parser *gofeed.Parser

	mu      sync.Mutex
	content map[string]string
	refs    []indexer.PageRef
}

// New creates a new RSS source.
func New(name, url string) *Source {
	return &Source{
		name:    name,
		url:     url,
		parser:  gofeed.NewParser(),
		content: make(map[string]string),
	}
}

func (s *Source) Name() string {
	return s.name
}

// Fetch streams feed entries newer than the checkpoint. Initial pulls and
// backfills emit the whole feed.
func (s *Source) Fetch(ctx context.Context, runType scheduler.RunType, checkpoint map[string]string, out chan<- pipeline.Item) (map[string]string, error) {
	feed, err := s.parser.ParseURLWithContext(s.url, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", s.url, err)
	}

	var lastSeen time.Time
	if raw, ok := checkpoint[checkpointLastSeen]; ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			lastSeen = t
		}
	}

	maxPublished := lastSeen
	for _, entry := range feed.Items {
		published := publishedTime(entry)
		if runType == scheduler.RunResync && !lastSeen.IsZero() && !published.After(lastSeen) {
			continue
		}
		if published.After(maxPublished) {
			maxPublished = published
		}

		item := pipeline.NewRecord(stableID(entry.Link), entryText(entry), map[string]string{
			"source":    s.name,
			"title":     entry.Title,
			"link":      entry.Link,
			"published": published.UTC().Format(time.RFC3339),
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case out <- item:
		}
	}

	next := map[string]string{}
	if !maxPublished.IsZero() {
		next[checkpointLastSeen] = maxPublished.UTC().Format(time.RFC3339)
	}
	return next, nil
}

// GetPages lists the feed's current entries as pages and caches their text
// for ExportPage.
func (s *Source) GetPages(ctx context.Context, collection string) ([]indexer.PageRef, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]indexer.PageRef, len(s.refs))
	copy(refs, s.refs)
	return refs, nil
}

// ExportPage returns an entry's text, re-fetching the feed if the id is not
// in the cache from the last listing.
func (s *Source) ExportPage(ctx context.Context, pageID string) (string, error) {
	s.mu.Lock()
	text, ok := s.content[pageID]
	s.mu.Unlock()
	if ok {
		return text, nil
	}

	if err := s.refresh(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	text, ok = s.content[pageID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("page %s not present in feed %s", pageID, s.url)
	}
	return text, nil
}

func (s *Source) refresh(ctx context.Context) error {
	feed, err := s.parser.ParseURLWithContext(s.url, ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", s.url, err)
	}

	content := make(map[string]string, len(feed.Items))
	refs := make([]indexer.PageRef, 0, len(feed.Items))
	for _, entry := range feed.Items {
		id := stableID(entry.Link)
		content[id] = entryText(entry)
		refs = append(refs, indexer.PageRef{
			ID:   id,
			Name: entry.Title,
			URL:  entry.Link,
		})
	}

	s.mu.Lock()
	s.content = content
	s.refs = refs
	s.mu.Unlock()
	return nil
}

// stableID derives a stable page id from the entry link. The id is a
// name-based UUID so the vector store accepts it as a point id.
func stableID(link string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(link)).String()
}

func entryText(entry *gofeed.Item) string {
	summary := entry.Description
	if summary == "" {
		summary = entry.Content
	}
	if summary == "" {
		return entry.Title
	}
	return entry.Title + "\n\n" + summary
}

func publishedTime(entry *gofeed.Item) time.Time {
	if entry.PublishedParsed != nil {
		return *entry.PublishedParsed
	}
	if entry.UpdatedParsed != nil {
		return *entry.UpdatedParsed
	}
	return time.Now()
}
