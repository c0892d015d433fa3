package storage

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// New opens a SQLite database connection at the given path.
// It enables foreign keys and sets connection pool settings.
func New(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys (disabled by default in SQLite)
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Verify connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate runs database migrations to create the required tables.
// It is idempotent and can be run multiple times safely.
func Migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS staged_documents (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			collection TEXT NOT NULL,
			text TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'PENDING',
			chunk_index INTEGER,
			total_chunks INTEGER,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			error_message TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_staged_documents_status
			ON staged_documents (status, created_at);`,
		`CREATE TABLE IF NOT EXISTS dedup_records (
			namespace TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			canonical_id TEXT NOT NULL,
			first_seen_at DATETIME NOT NULL,
			PRIMARY KEY (namespace, content_hash)
		);`,
		`CREATE TABLE IF NOT EXISTS source_runs (
			source_name TEXT PRIMARY KEY,
			last_successful_run DATETIME,
			last_attempted_run DATETIME,
			total_items_processed INTEGER NOT NULL DEFAULT 0,
			total_items_failed INTEGER NOT NULL DEFAULT 0,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			checkpoint_data TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE TABLE IF NOT EXISTS indexed_pages (
			page_id TEXT NOT NULL,
			collection TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			indexed_at DATETIME NOT NULL,
			embedding_version TEXT NOT NULL,
			PRIMARY KEY (page_id, collection)
		);`,
		`CREATE TABLE IF NOT EXISTS indexing_jobs (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			total_pages INTEGER NOT NULL DEFAULT 0,
			indexed_pages INTEGER NOT NULL DEFAULT 0,
			failed_pages INTEGER NOT NULL DEFAULT 0,
			current_page_id TEXT,
			error_message TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS indexing_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			page_id TEXT,
			page_name TEXT,
			error_message TEXT NOT NULL,
			stack_trace TEXT,
			occurred_at DATETIME NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (job_id) REFERENCES indexing_jobs(id)
		);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
