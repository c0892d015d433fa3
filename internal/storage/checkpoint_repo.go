package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CheckpointStore defines the interface for per-source run metadata.
type CheckpointStore interface {
	// Load returns the run metadata for a source, or a zero record (with the
	// source name set) if none has been recorded yet.
	Load(ctx context.Context, sourceName string) (*RunMetadata, error)
	// RecordSuccess records a successful run: accumulates item counters, resets
	// consecutive_failures to zero and replaces the checkpoint data.
	RecordSuccess(ctx context.Context, sourceName string, itemsProcessed, itemsFailed int64, checkpointData map[string]string) error
	// RecordFailure records a failed run attempt, incrementing consecutive_failures by one.
	RecordFailure(ctx context.Context, sourceName string) error
}

// CheckpointRepo provides run-metadata operations backed by SQLite.
// It implements the CheckpointStore interface.
type CheckpointRepo struct {
	db *sql.DB
}

// NewCheckpointRepo creates a new CheckpointRepo.
func NewCheckpointRepo(db *sql.DB) *CheckpointRepo {
	return &CheckpointRepo{db: db}
}

// Load returns the run metadata for a source, or a zero record if none exists.
func (r *CheckpointRepo) Load(ctx context.Context, sourceName string) (*RunMetadata, error) {
	var md RunMetadata
	var lastSuccess, lastAttempt sql.NullTime
	var checkpointData string

	err := r.db.QueryRowContext(ctx,
		`SELECT source_name, last_successful_run, last_attempted_run,
			total_items_processed, total_items_failed, consecutive_failures, checkpoint_data
		 FROM source_runs WHERE source_name = ?`, sourceName,
	).Scan(&md.SourceName, &lastSuccess, &lastAttempt,
		&md.TotalItemsProcessed, &md.TotalItemsFailed, &md.ConsecutiveFailures, &checkpointData)

	if err == sql.ErrNoRows {
		return &RunMetadata{SourceName: sourceName, CheckpointData: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run metadata for %s: %w", sourceName, err)
	}

	if lastSuccess.Valid {
		t := lastSuccess.Time
		md.LastSuccessfulRun = &t
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		md.LastAttemptedRun = &t
	}
	if err := json.Unmarshal([]byte(checkpointData), &md.CheckpointData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint data for %s: %w", sourceName, err)
	}
	if md.CheckpointData == nil {
		md.CheckpointData = map[string]string{}
	}
	return &md, nil
}

// RecordSuccess records a successful run. Item counters accumulate, the
// checkpoint data is replaced wholesale, and consecutive_failures resets to zero.
func (r *CheckpointRepo) RecordSuccess(ctx context.Context, sourceName string, itemsProcessed, itemsFailed int64, checkpointData map[string]string) error {
	if checkpointData == nil {
		checkpointData = map[string]string{}
	}
	data, err := json.Marshal(checkpointData)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint data: %w", err)
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO source_runs
			(source_name, last_successful_run, last_attempted_run, total_items_processed, total_items_failed, consecutive_failures, checkpoint_data)
		 VALUES (?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT(source_name) DO UPDATE SET
			last_successful_run = excluded.last_successful_run,
			last_attempted_run = excluded.last_attempted_run,
			total_items_processed = source_runs.total_items_processed + excluded.total_items_processed,
			total_items_failed = source_runs.total_items_failed + excluded.total_items_failed,
			consecutive_failures = 0,
			checkpoint_data = excluded.checkpoint_data`,
		sourceName, now, now, itemsProcessed, itemsFailed, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to record success for %s: %w", sourceName, err)
	}
	return nil
}

// RecordFailure records a failed run attempt. Counters and checkpoint data
// are untouched; consecutive_failures increments by exactly one.
func (r *CheckpointRepo) RecordFailure(ctx context.Context, sourceName string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO source_runs
			(source_name, last_attempted_run, consecutive_failures)
		 VALUES (?, ?, 1)
		 ON CONFLICT(source_name) DO UPDATE SET
			last_attempted_run = excluded.last_attempted_run,
			consecutive_failures = source_runs.consecutive_failures + 1`,
		sourceName, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record failure for %s: %w", sourceName, err)
	}
	return nil
}
