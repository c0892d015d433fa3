// Package indexer brings a collection's index state into agreement with its
// source's current document set. Content hashing skips unchanged pages, and
// each indexed page is written to both the vector store and the columnar
// store under the same stable id.
package indexer

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"kbpipeline/internal/columnar"
	"kbpipeline/internal/contextutil"
	"kbpipeline/internal/dedup"
	"kbpipeline/internal/kb"
	"kbpipeline/internal/storage"
	"kbpipeline/internal/vectorstore"
)

// Embedder generates embedding vectors for text.
type Embedder interface {
	// EmbedTexts embeds a batch of texts, one vector per input, same order.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedText embeds a single text.
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Config holds indexer tuning parameters.
type Config struct {
	// BatchSize is the number of pages processed per batch. Defaults to 32.
	BatchSize int
	// WriteConcurrency bounds simultaneous page exports and backend writes
	// within a batch. Defaults to 4.
	WriteConcurrency int
	// EmbeddingVersion tags indexed-page records with the embedding model
	// version so a model upgrade can force re-indexing.
	EmbeddingVersion string
}

// Indexer orchestrates diff-aware indexing of collections.
type Indexer struct {
	registry   *Registry
	pages      storage.IndexedPageStore
	jobs       storage.JobStore
	embedder   Embedder
	vectors    vectorstore.VectorStore
	columns    columnar.Store
	kbWriter   *kb.Writer
	vectorSize int
	config     Config
}

// NewIndexer creates a new Indexer. kbWriter may be nil to disable the
// knowledge base mirror.
func NewIndexer(
	registry *Registry,
	pages storage.IndexedPageStore,
	jobs storage.JobStore,
	embedder Embedder,
	vectors vectorstore.VectorStore,
	columns columnar.Store,
	kbWriter *kb.Writer,
	vectorSize int,
	config Config,
) *Indexer {
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}
	if config.WriteConcurrency <= 0 {
		config.WriteConcurrency = 4
	}
	return &Indexer{
		registry:   registry,
		pages:      pages,
		jobs:       jobs,
		embedder:   embedder,
		vectors:    vectors,
		columns:    columns,
		kbWriter:   kbWriter,
		vectorSize: vectorSize,
		config:     config,
	}
}

// StartJob creates a running job record for a collection. Callers that want
// asynchronous indexing create the job first so its id can be returned
// immediately, then call Run.
func (ix *Indexer) StartJob(ctx context.Context, collection string) (*storage.IndexingJob, error) {
	job := &storage.IndexingJob{
		ID:         uuid.New().String(),
		Collection: collection,
		Status:     storage.JobRunning,
		StartedAt:  time.Now().UTC(),
	}
	if err := ix.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// IndexCollection creates a job and runs it to completion.
func (ix *Indexer) IndexCollection(ctx context.Context, collection string, fullReindex bool) (*storage.IndexingJob, error) {
	job, err := ix.StartJob(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := ix.Run(ctx, job, fullReindex); err != nil {
		return job, err
	}
	return job, nil
}

// Run executes an already-created job and records its terminal status.
// Page-level failures are logged against the job and do not fail the run;
// only listing/diff failures do.
func (ix *Indexer) Run(ctx context.Context, job *storage.IndexingJob, fullReindex bool) error {
	logger := contextutil.LoggerFromContext(ctx)

	runErr := ix.run(ctx, job, fullReindex)
	now := time.Now().UTC()
	job.CompletedAt = &now
	job.CurrentPageID = ""

	if runErr != nil {
		job.Status = storage.JobFailed
		job.ErrorMessage = runErr.Error()
		if err := ix.jobs.Update(ctx, job); err != nil {
			logger.ErrorContext(ctx, "failed to record job failure", "job_id", job.ID, "error", err)
		}
		logger.ErrorContext(ctx, "indexing job failed", "job_id", job.ID, "collection", job.Collection, "error", runErr)
		return runErr
	}

	job.Status = storage.JobCompleted
	if err := ix.jobs.Update(ctx, job); err != nil {
		logger.ErrorContext(ctx, "failed to record job completion", "job_id", job.ID, "error", err)
	}
	logger.InfoContext(ctx, "indexing job completed",
		"job_id", job.ID, "collection", job.Collection,
		"total", job.TotalPages, "indexed", job.IndexedPages, "failed", job.FailedPages)
	return nil
}

func (ix *Indexer) run(ctx context.Context, job *storage.IndexingJob, fullReindex bool) error {
	logger := contextutil.LoggerFromContext(ctx)
	collection := job.Collection

	adapter, err := ix.registry.Lookup(collection)
	if err != nil {
		return err
	}

	if err := ix.vectors.EnsureCollection(ctx, collection, ix.vectorSize); err != nil {
		return fmt.Errorf("failed to ensure vector collection: %w", err)
	}
	if err := ix.columns.EnsureTable(ctx, collection); err != nil {
		return fmt.Errorf("failed to ensure columnar table: %w", err)
	}

	listing, err := adapter.GetPages(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to list source pages: %w", err)
	}

	d, err := ix.diff(ctx, adapter, collection, listing, fullReindex)
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "computed collection diff",
		"collection", collection, "total", len(listing),
		"to_index", len(d.work), "deleted", len(d.deleted), "unchanged", d.unchanged)

	if len(d.deleted) > 0 {
		if err := ix.vectors.Delete(ctx, collection, d.deleted); err != nil {
			return fmt.Errorf("failed to delete removed pages from vector store: %w", err)
		}
		if err := ix.columns.DeleteByID(ctx, collection, d.deleted); err != nil {
			return fmt.Errorf("failed to delete removed pages from columnar store: %w", err)
		}
		if err := ix.pages.Delete(ctx, collection, d.deleted); err != nil {
			return fmt.Errorf("failed to delete indexed-page records: %w", err)
		}
	}

	job.TotalPages = len(d.work)
	if err := ix.jobs.Update(ctx, job); err != nil {
		logger.WarnContext(ctx, "failed to update job totals", "job_id", job.ID, "error", err)
	}

	for start := 0; start < len(d.work); start += ix.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + ix.config.BatchSize
		if end > len(d.work) {
			end = len(d.work)
		}
		batch := d.work[start:end]

		indexed, failed := ix.processBatch(ctx, job, adapter, batch, d.content)

		job.IndexedPages += indexed
		job.FailedPages += failed
		job.CurrentPageID = batch[len(batch)-1].ID
		if err := ix.jobs.Update(ctx, job); err != nil {
			logger.WarnContext(ctx, "failed to update job progress", "job_id", job.ID, "error", err)
		}
	}

	return nil
}

// collectionDiff is the outcome of comparing a source listing against the
// indexed-page records.
type collectionDiff struct {
	work      []PageRef
	deleted   []string
	unchanged int
	// content caches page text exported during hash comparison so the batch
	// phase does not export the same page twice.
	content map[string]string
}

func (ix *Indexer) diff(ctx context.Context, adapter SourceAdapter, collection string, listing []PageRef, fullReindex bool) (*collectionDiff, error) {
	logger := contextutil.LoggerFromContext(ctx)

	indexed, err := ix.pages.ListByCollection(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexed pages: %w", err)
	}

	listed := make(map[string]struct{}, len(listing))
	for _, page := range listing {
		listed[page.ID] = struct{}{}
	}

	d := &collectionDiff{content: make(map[string]string)}
	for id := range indexed {
		if _, ok := listed[id]; !ok {
			d.deleted = append(d.deleted, id)
		}
	}

	if fullReindex {
		d.work = listing
		return d, nil
	}

	for _, page := range listing {
		record, ok := indexed[page.ID]
		if !ok {
			d.work = append(d.work, page)
			continue
		}
		if record.EmbeddingVersion != ix.config.EmbeddingVersion {
			d.work = append(d.work, page)
			continue
		}

		text, err := adapter.ExportPage(ctx, page.ID)
		if err != nil {
			// Treat the page as modified; the batch export retries it and
			// records the failure against the job if it persists.
			logger.WarnContext(ctx, "failed to export page during diff",
				"collection", collection, "page_id", page.ID, "error", err)
			d.work = append(d.work, page)
			continue
		}
		if dedup.HashContent(text) != record.ContentHash {
			d.content[page.ID] = text
			d.work = append(d.work, page)
		} else {
			d.unchanged++
		}
	}
	return d, nil
}

// processBatch exports, embeds, and writes one batch of pages. Returns the
// number of pages indexed and failed; per-page failures are logged against
// the job and never abort the batch.
func (ix *Indexer) processBatch(ctx context.Context, job *storage.IndexingJob, adapter SourceAdapter, batch []PageRef, contentCache map[string]string) (indexed, failed int) {
	texts, exportFailed := ix.exportBatch(ctx, job, adapter, batch, contentCache)
	failed += exportFailed

	exported := make([]PageRef, 0, len(batch))
	for _, page := range batch {
		if _, ok := texts[page.ID]; ok {
			exported = append(exported, page)
		}
	}
	if len(exported) == 0 {
		return indexed, failed
	}

	vectors, embedFailed := ix.embedBatch(ctx, job, exported, texts)
	failed += embedFailed

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, ix.config.WriteConcurrency)

	for _, page := range exported {
		vec, ok := vectors[page.ID]
		if !ok {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(page PageRef, text string, vec []float32) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					failed++
					mu.Unlock()
					ix.recordPageError(ctx, job.ID, page, fmt.Errorf("panic: %v", r), string(debug.Stack()))
				}
			}()

			if err := ix.writePage(ctx, job.Collection, page, text, vec); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				ix.recordPageError(ctx, job.ID, page, err, "")
				return
			}
			mu.Lock()
			indexed++
			mu.Unlock()
			ix.mirrorPage(ctx, job.Collection, page, text)
		}(page, texts[page.ID], vec)
	}
	wg.Wait()

	return indexed, failed
}

// exportBatch fetches page content with bounded parallelism, reusing content
// cached by the diff. Pages whose export fails are dropped from the batch
// after recording the error.
func (ix *Indexer) exportBatch(ctx context.Context, job *storage.IndexingJob, adapter SourceAdapter, batch []PageRef, contentCache map[string]string) (map[string]string, int) {
	texts := make(map[string]string, len(batch))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var failed int
	sem := make(chan struct{}, ix.config.WriteConcurrency)

	for _, page := range batch {
		if text, ok := contentCache[page.ID]; ok {
			texts[page.ID] = text
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(page PageRef) {
			defer wg.Done()
			defer func() { <-sem }()

			text, err := adapter.ExportPage(ctx, page.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				ix.recordPageError(ctx, job.ID, page, fmt.Errorf("failed to export page: %w", err), "")
				return
			}
			texts[page.ID] = text
		}(page)
	}
	wg.Wait()

	return texts, failed
}

// embedBatch embeds all page texts in one call, falling back to per-page
// embedding if the batch call fails.
func (ix *Indexer) embedBatch(ctx context.Context, job *storage.IndexingJob, pages []PageRef, texts map[string]string) (map[string][]float32, int) {
	logger := contextutil.LoggerFromContext(ctx)

	batchTexts := make([]string, len(pages))
	for i, page := range pages {
		batchTexts[i] = texts[page.ID]
	}

	vectors := make(map[string][]float32, len(pages))
	embeddings, err := ix.embedder.EmbedTexts(ctx, batchTexts)
	if err == nil {
		for i, page := range pages {
			vectors[page.ID] = embeddings[i]
		}
		return vectors, 0
	}

	logger.WarnContext(ctx, "batch embedding failed, falling back to per-page",
		"job_id", job.ID, "batch_size", len(pages), "error", err)

	var failed int
	for _, page := range pages {
		vec, err := ix.embedder.EmbedText(ctx, texts[page.ID])
		if err != nil {
			failed++
			ix.recordPageError(ctx, job.ID, page, fmt.Errorf("failed to embed page: %w", err), "")
			continue
		}
		vectors[page.ID] = vec
	}
	return vectors, failed
}

// writePage writes one page to both backends and then commits its
// indexed-page record. The record commit is last: a crash before it leaves
// the page re-detectable as new or modified on the next run.
func (ix *Indexer) writePage(ctx context.Context, collection string, page PageRef, text string, vec []float32) error {
	now := time.Now().UTC()
	hash := dedup.HashContent(text)

	point := vectorstore.Point{
		ID:  page.ID,
		Vec: vec,
		Meta: map[string]any{
			"name":       page.Name,
			"url":        page.URL,
			"collection": collection,
		},
	}
	if err := ix.vectors.Upsert(ctx, collection, []vectorstore.Point{point}); err != nil {
		return fmt.Errorf("failed to write vector: %w", err)
	}

	row := columnar.Row{
		ID:          page.ID,
		Name:        page.Name,
		URL:         page.URL,
		Content:     text,
		ContentHash: hash,
		IndexedAt:   now,
	}
	if err := ix.columns.UpsertRows(ctx, collection, []columnar.Row{row}); err != nil {
		return fmt.Errorf("failed to write columnar row: %w", err)
	}

	record := storage.IndexedPage{
		PageID:           page.ID,
		Collection:       collection,
		ContentHash:      hash,
		IndexedAt:        now,
		EmbeddingVersion: ix.config.EmbeddingVersion,
	}
	if err := ix.pages.Upsert(ctx, record); err != nil {
		return fmt.Errorf("failed to commit indexed-page record: %w", err)
	}
	return nil
}

// mirrorPage posts the page to the knowledge base. Mirror failures are
// logged and never fail indexing.
func (ix *Indexer) mirrorPage(ctx context.Context, collection string, page PageRef, text string) {
	if ix.kbWriter == nil {
		return
	}
	logger := contextutil.LoggerFromContext(ctx)

	go func() {
		mirrorCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		_, err := ix.kbWriter.CreateOrUpdatePage(mirrorCtx, kb.PageRequest{
			SourceType: collection,
			Category:   collection,
			Title:      page.Name,
			Content:    text,
			Metadata: map[string]string{
				"page_id": page.ID,
				"url":     page.URL,
			},
		})
		if err != nil {
			logger.WarnContext(mirrorCtx, "knowledge base mirror failed",
				"collection", collection, "page_id", page.ID, "error", err)
		}
	}()
}

func (ix *Indexer) recordPageError(ctx context.Context, jobID string, page PageRef, pageErr error, stack string) {
	logger := contextutil.LoggerFromContext(ctx)
	logger.ErrorContext(ctx, "failed to index page",
		"job_id", jobID, "page_id", page.ID, "page_name", page.Name, "error", pageErr)

	record := &storage.IndexingError{
		JobID:        jobID,
		PageID:       page.ID,
		PageName:     page.Name,
		ErrorMessage: pageErr.Error(),
		StackTrace:   stack,
		OccurredAt:   time.Now().UTC(),
	}
	if err := ix.jobs.AppendError(ctx, record); err != nil {
		logger.ErrorContext(ctx, "failed to record indexing error", "job_id", jobID, "error", err)
	}
}
