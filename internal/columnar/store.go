// Package columnar writes indexed pages to per-collection SQLite tables so
// the same documents are independently queryable outside the vector store.
package columnar

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Row is one indexed page in a collection's table.
type Row struct {
	ID          string
	Name        string
	URL         string
	Content     string
	ContentHash string
	IndexedAt   time.Time
}

// Store defines the interface for the columnar backend.
type Store interface {
	// EnsureTable creates the collection's table if absent. Idempotent.
	EnsureTable(ctx context.Context, collection string) error
	// UpsertRows inserts or replaces rows keyed by id.
	UpsertRows(ctx context.Context, collection string, rows []Row) error
	// DeleteByID removes rows by id.
	DeleteByID(ctx context.Context, collection string, ids []string) error
}

// SQLiteStore implements Store on a shared SQLite database, one table per
// collection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// tableName maps a collection name to its table name. Collection names come
// from configuration, but they still get sanitized since table names cannot
// be bound as parameters.
func tableName(collection string) string {
	var b strings.Builder
	b.WriteString("col_")
	for _, r := range strings.ToLower(collection) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// EnsureTable creates the collection's table if absent.
func (s *SQLiteStore) EnsureTable(ctx context.Context, collection string) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		indexed_at DATETIME NOT NULL
	);`, tableName(collection))

	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to ensure table for %s: %w", collection, err)
	}
	return nil
}

// UpsertRows inserts or replaces rows keyed by id.
func (s *SQLiteStore) UpsertRows(ctx context.Context, collection string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO %s (id, name, url, content, content_hash, indexed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`, tableName(collection)))
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	for _, row := range rows {
		indexedAt := row.IndexedAt
		if indexedAt.IsZero() {
			indexedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, row.ID, row.Name, row.URL, row.Content, row.ContentHash, indexedAt); err != nil {
			return fmt.Errorf("failed to upsert row %s: %w", row.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// DeleteByID removes rows by id.
func (s *SQLiteStore) DeleteByID(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE id IN (%s)", tableName(collection), placeholders), args...)
	if err != nil {
		return fmt.Errorf("failed to delete rows: %w", err)
	}
	return nil
}
