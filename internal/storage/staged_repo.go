package storage

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_document_store.go -package=mocks kbpipeline/internal/storage DocumentStore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// DocumentStore defines the interface for staged-document operations.
type DocumentStore interface {
	// StageBatch inserts or replaces a batch of staged documents in one transaction.
	StageBatch(ctx context.Context, docs []*StagedDocument) error
	// ListPending returns up to limit PENDING documents, oldest first.
	ListPending(ctx context.Context, limit int) ([]*StagedDocument, error)
	// MarkInProgress transitions the given documents to IN_PROGRESS.
	MarkInProgress(ctx context.Context, ids []string) error
	// MarkCompleted transitions a document to COMPLETED.
	MarkCompleted(ctx context.Context, id string) error
	// MarkFailed transitions a document to FAILED and records the error message.
	MarkFailed(ctx context.Context, id string, errMsg string) error
	// RetryFailed moves FAILED documents with retry_count below maxRetries back
	// to PENDING, incrementing retry_count. Returns the number of documents moved.
	RetryFailed(ctx context.Context, maxRetries int) (int, error)
}

// StagedDocRepo provides staged-document operations backed by SQLite.
// It implements the DocumentStore interface.
type StagedDocRepo struct {
	db *sql.DB
}

// NewStagedDocRepo creates a new StagedDocRepo.
func NewStagedDocRepo(db *sql.DB) *StagedDocRepo {
	return &StagedDocRepo{db: db}
}

// StageBatch inserts or replaces a batch of staged documents in one transaction.
// Re-staging an existing id overwrites the previous row (idempotent per item id).
func (r *StagedDocRepo) StageBatch(ctx context.Context, docs []*StagedDocument) error {
	if len(docs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO staged_documents
			(id, source, collection, text, metadata, status, chunk_index, total_chunks, created_at, updated_at, retry_count, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	now := time.Now().UTC()
	for _, doc := range docs {
		if (doc.ChunkIndex == nil) != (doc.TotalChunks == nil) {
			return fmt.Errorf("document %s: chunk_index and total_chunks must both be set or both be nil", doc.ID)
		}

		meta, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for %s: %w", doc.ID, err)
		}

		status := doc.Status
		if status == "" {
			status = StatusPending
		}
		createdAt := doc.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}

		_, err = stmt.ExecContext(ctx,
			doc.ID, doc.Source, doc.Collection, doc.Text, string(meta), string(status),
			doc.ChunkIndex, doc.TotalChunks, createdAt, now, doc.RetryCount, doc.ErrorMessage,
		)
		if err != nil {
			return fmt.Errorf("failed to stage document %s: %w", doc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit staged batch: %w", err)
	}
	return nil
}

// ListPending returns up to limit PENDING documents, oldest first.
func (r *StagedDocRepo) ListPending(ctx context.Context, limit int) ([]*StagedDocument, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, source, collection, text, metadata, status, chunk_index, total_chunks,
			created_at, updated_at, retry_count, COALESCE(error_message, '')
		 FROM staged_documents WHERE status = ? ORDER BY created_at LIMIT ?`,
		string(StatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending documents: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var docs []*StagedDocument
	for rows.Next() {
		doc, err := scanStagedDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return docs, nil
}

// GetByID gets a staged document by its ID. Returns ErrNotFound if not found.
func (r *StagedDocRepo) GetByID(ctx context.Context, id string) (*StagedDocument, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, source, collection, text, metadata, status, chunk_index, total_chunks,
			created_at, updated_at, retry_count, COALESCE(error_message, '')
		 FROM staged_documents WHERE id = ?`, id)

	doc, err := scanStagedDocument(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// MarkInProgress transitions the given documents to IN_PROGRESS.
func (r *StagedDocRepo) MarkInProgress(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := r.setStatus(ctx, id, StatusInProgress, ""); err != nil {
			return err
		}
	}
	return nil
}

// MarkCompleted transitions a document to COMPLETED.
func (r *StagedDocRepo) MarkCompleted(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusCompleted, "")
}

// MarkFailed transitions a document to FAILED and records the error message.
func (r *StagedDocRepo) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return r.setStatus(ctx, id, StatusFailed, errMsg)
}

func (r *StagedDocRepo) setStatus(ctx context.Context, id string, status EmbeddingStatus, errMsg string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE staged_documents SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update status for %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RetryFailed moves FAILED documents with retry_count below maxRetries back to
// PENDING, incrementing retry_count. Returns the number of documents moved.
func (r *StagedDocRepo) RetryFailed(ctx context.Context, maxRetries int) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE staged_documents
		 SET status = ?, retry_count = retry_count + 1, updated_at = ?
		 WHERE status = ? AND retry_count < ?`,
		string(StatusPending), time.Now().UTC(), string(StatusFailed), maxRetries,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed documents: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(affected), nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanStagedDocument.
type scanner interface {
	Scan(dest ...any) error
}

func scanStagedDocument(s scanner) (*StagedDocument, error) {
	var doc StagedDocument
	var meta string
	var status string
	var chunkIndex, totalChunks sql.NullInt64

	err := s.Scan(&doc.ID, &doc.Source, &doc.Collection, &doc.Text, &meta, &status,
		&chunkIndex, &totalChunks, &doc.CreatedAt, &doc.UpdatedAt, &doc.RetryCount, &doc.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan staged document: %w", err)
	}

	doc.Status = EmbeddingStatus(status)
	if chunkIndex.Valid {
		v := int(chunkIndex.Int64)
		doc.ChunkIndex = &v
	}
	if totalChunks.Valid {
		v := int(totalChunks.Int64)
		doc.TotalChunks = &v
	}
	if err := json.Unmarshal([]byte(meta), &doc.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata for %s: %w", doc.ID, err)
	}
	return &doc, nil
}
