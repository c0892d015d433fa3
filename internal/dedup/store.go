// Package dedup is a content-hash gate: "have I seen this exact content
// before". Dedup is content-based, not id-based — two items with different
// ids but identical derived content hash are the same logical content.
package dedup

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Store defines the deduplication gate.
type Store interface {
	// CheckAndMark returns true (duplicate) if hash was already recorded,
	// otherwise records it and returns false (new). Atomic under concurrent
	// calls: exactly one caller observes "new" per distinct hash.
	CheckAndMark(ctx context.Context, hash, id string) (bool, error)
	// Flush commits buffered records to durable storage. Call it at the end
	// of a fetch cycle, not per item.
	Flush(ctx context.Context) error
}

// HashContent returns the canonical content hash (sha256 hex) used by both
// the staging runner and the indexer diff.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

type record struct {
	hash string
	id   string
	seen time.Time
}

// SQLiteStore implements Store with write-behind buffering. Checks are
// answered from an in-memory set seeded from the dedup_records table;
// inserts are buffered and written in one transaction on Flush.
type SQLiteStore struct {
	db        *sql.DB
	namespace string

	mu      sync.Mutex
	seen    map[string]struct{}
	pending []record
}

// NewSQLiteStore creates a dedup store for one namespace, loading previously
// persisted hashes so dedup survives process restarts between runs.
func NewSQLiteStore(ctx context.Context, db *sql.DB, namespace string) (*SQLiteStore, error) {
	s := &SQLiteStore{
		db:        db,
		namespace: namespace,
		seen:      make(map[string]struct{}),
	}

	rows, err := db.QueryContext(ctx,
		"SELECT content_hash FROM dedup_records WHERE namespace = ?", namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to load dedup records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("failed to scan dedup record: %w", err)
		}
		s.seen[hash] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return s, nil
}

// CheckAndMark returns true if hash was already recorded, otherwise records
// it and returns false. The check-then-insert is done under one lock so
// concurrent workers cannot both admit the same hash.
func (s *SQLiteStore) CheckAndMark(ctx context.Context, hash, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[hash]; ok {
		return true, nil
	}
	s.seen[hash] = struct{}{}
	s.pending = append(s.pending, record{hash: hash, id: id, seen: time.Now().UTC()})
	return false, nil
}

// Flush writes buffered records in one transaction. INSERT OR IGNORE keeps
// the first-sighting row if another process persisted the same hash first.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dedup flush: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO dedup_records (namespace, content_hash, canonical_id, first_seen_at)
		 VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare dedup insert: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	for _, rec := range batch {
		if _, err := stmt.ExecContext(ctx, s.namespace, rec.hash, rec.id, rec.seen); err != nil {
			return fmt.Errorf("failed to flush dedup record %s: %w", rec.hash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dedup flush: %w", err)
	}
	return nil
}
