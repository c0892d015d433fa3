package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// JobStore defines the interface for indexing jobs and their error log.
type JobStore interface {
	// Create inserts a new job record.
	Create(ctx context.Context, job *IndexingJob) error
	// Update replaces the mutable fields of a job record.
	Update(ctx context.Context, job *IndexingJob) error
	// Get returns a job by id. Returns ErrNotFound if not found.
	Get(ctx context.Context, id string) (*IndexingJob, error)
	// ListByCollection returns jobs for a collection, most recent first.
	ListByCollection(ctx context.Context, collection string, limit int) ([]*IndexingJob, error)
	// AppendError appends a row to the job's error log.
	AppendError(ctx context.Context, jobErr *IndexingError) error
	// ListErrors returns the error log for a job, oldest first.
	ListErrors(ctx context.Context, jobID string) ([]*IndexingError, error)
}

// JobRepo provides indexing-job operations backed by SQLite.
// It implements the JobStore interface.
type JobRepo struct {
	db *sql.DB
}

// NewJobRepo creates a new JobRepo.
func NewJobRepo(db *sql.DB) *JobRepo {
	return &JobRepo{db: db}
}

// Create inserts a new job record.
func (r *JobRepo) Create(ctx context.Context, job *IndexingJob) error {
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO indexing_jobs
			(id, collection, status, started_at, completed_at, total_pages, indexed_pages, failed_pages, current_page_id, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Collection, string(job.Status), job.StartedAt, job.CompletedAt,
		job.TotalPages, job.IndexedPages, job.FailedPages, job.CurrentPageID, job.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

// Update replaces the mutable fields of a job record.
func (r *JobRepo) Update(ctx context.Context, job *IndexingJob) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE indexing_jobs SET
			status = ?, completed_at = ?, total_pages = ?, indexed_pages = ?,
			failed_pages = ?, current_page_id = ?, error_message = ?
		 WHERE id = ?`,
		string(job.Status), job.CompletedAt, job.TotalPages, job.IndexedPages,
		job.FailedPages, job.CurrentPageID, job.ErrorMessage, job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
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

// Get returns a job by id. Returns ErrNotFound if not found.
func (r *JobRepo) Get(ctx context.Context, id string) (*IndexingJob, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, collection, status, started_at, completed_at, total_pages,
			indexed_pages, failed_pages, COALESCE(current_page_id, ''), COALESCE(error_message, '')
		 FROM indexing_jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListByCollection returns jobs for a collection, most recent first.
func (r *JobRepo) ListByCollection(ctx context.Context, collection string, limit int) ([]*IndexingJob, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, collection, status, started_at, completed_at, total_pages,
			indexed_pages, failed_pages, COALESCE(current_page_id, ''), COALESCE(error_message, '')
		 FROM indexing_jobs WHERE collection = ? ORDER BY started_at DESC LIMIT ?`,
		collection, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var jobs []*IndexingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return jobs, nil
}

// AppendError appends a row to the job's error log.
func (r *JobRepo) AppendError(ctx context.Context, jobErr *IndexingError) error {
	occurredAt := jobErr.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO indexing_errors (job_id, page_id, page_name, error_message, stack_trace, occurred_at, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		jobErr.JobID, jobErr.PageID, jobErr.PageName, jobErr.ErrorMessage, jobErr.StackTrace, occurredAt, jobErr.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to append indexing error for job %s: %w", jobErr.JobID, err)
	}
	return nil
}

// ListErrors returns the error log for a job, oldest first.
func (r *JobRepo) ListErrors(ctx context.Context, jobID string) ([]*IndexingError, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, job_id, COALESCE(page_id, ''), COALESCE(page_name, ''), error_message,
			COALESCE(stack_trace, ''), occurred_at, retry_count
		 FROM indexing_errors WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexing errors: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var errs []*IndexingError
	for rows.Next() {
		var e IndexingError
		if err := rows.Scan(&e.ID, &e.JobID, &e.PageID, &e.PageName, &e.ErrorMessage, &e.StackTrace, &e.OccurredAt, &e.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan indexing error: %w", err)
		}
		errs = append(errs, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return errs, nil
}

func scanJob(s scanner) (*IndexingJob, error) {
	var job IndexingJob
	var status string
	var completedAt sql.NullTime

	err := s.Scan(&job.ID, &job.Collection, &status, &job.StartedAt, &completedAt,
		&job.TotalPages, &job.IndexedPages, &job.FailedPages, &job.CurrentPageID, &job.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Status = JobStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}
