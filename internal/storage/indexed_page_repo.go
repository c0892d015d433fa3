package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// IndexedPageStore defines the interface for indexed-page records.
type IndexedPageStore interface {
	// ListByCollection returns all indexed pages for a collection, keyed by page id.
	ListByCollection(ctx context.Context, collection string) (map[string]IndexedPage, error)
	// Upsert inserts or replaces an indexed-page record.
	Upsert(ctx context.Context, page IndexedPage) error
	// Delete removes indexed-page records by page id.
	Delete(ctx context.Context, collection string, pageIDs []string) error
}

// IndexedPageRepo provides indexed-page operations backed by SQLite.
// It implements the IndexedPageStore interface.
type IndexedPageRepo struct {
	db *sql.DB
}

// NewIndexedPageRepo creates a new IndexedPageRepo.
func NewIndexedPageRepo(db *sql.DB) *IndexedPageRepo {
	return &IndexedPageRepo{db: db}
}

// ListByCollection returns all indexed pages for a collection, keyed by page id.
func (r *IndexedPageRepo) ListByCollection(ctx context.Context, collection string) (map[string]IndexedPage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT page_id, collection, content_hash, indexed_at, embedding_version
		 FROM indexed_pages WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexed pages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	pages := make(map[string]IndexedPage)
	for rows.Next() {
		var page IndexedPage
		if err := rows.Scan(&page.PageID, &page.Collection, &page.ContentHash, &page.IndexedAt, &page.EmbeddingVersion); err != nil {
			return nil, fmt.Errorf("failed to scan indexed page: %w", err)
		}
		pages[page.PageID] = page
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return pages, nil
}

// Upsert inserts or replaces an indexed-page record. This is the durability
// boundary for a page write: it must be called after the vector and columnar
// writes succeed, so a crash before it leaves the page re-detectable.
func (r *IndexedPageRepo) Upsert(ctx context.Context, page IndexedPage) error {
	indexedAt := page.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO indexed_pages (page_id, collection, content_hash, indexed_at, embedding_version)
		 VALUES (?, ?, ?, ?, ?)`,
		page.PageID, page.Collection, page.ContentHash, indexedAt, page.EmbeddingVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert indexed page %s: %w", page.PageID, err)
	}
	return nil
}

// Delete removes indexed-page records by page id.
func (r *IndexedPageRepo) Delete(ctx context.Context, collection string, pageIDs []string) error {
	if len(pageIDs) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(pageIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(pageIDs)+1)
	args = append(args, collection)
	for _, id := range pageIDs {
		args = append(args, id)
	}

	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM indexed_pages WHERE collection = ? AND page_id IN (%s)", placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to delete indexed pages: %w", err)
	}
	return nil
}
