package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func setupTestDB(t *testing.T) *testDB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	if err := Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return &testDB{
		docs:        NewStagedDocRepo(db),
		checkpoints: NewCheckpointRepo(db),
		pages:       NewIndexedPageRepo(db),
		jobs:        NewJobRepo(db),
	}
}

type testDB struct {
	docs        *StagedDocRepo
	checkpoints *CheckpointRepo
	pages       *IndexedPageRepo
	jobs        *JobRepo
}

func intPtr(v int) *int { return &v }

func TestStageBatch_RoundTrip(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	docs := []*StagedDocument{
		{
			ID:         "doc-1",
			Source:     "feed",
			Collection: "rss_news",
			Text:       "hello",
			Metadata:   map[string]string{"link": "http://example.com/1"},
		},
		{
			ID:          "doc-2-chunk-0",
			Source:      "docs",
			Collection:  "docs_eng",
			Text:        "part one",
			ChunkIndex:  intPtr(0),
			TotalChunks: intPtr(2),
		},
	}
	if err := s.docs.StageBatch(ctx, docs); err != nil {
		t.Fatalf("StageBatch() error = %v", err)
	}

	pending, err := s.docs.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	got, err := s.docs.GetByID(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want PENDING default", got.Status)
	}
	if got.Metadata["link"] != "http://example.com/1" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if got.ChunkIndex != nil || got.TotalChunks != nil {
		t.Error("unchunked document has chunk fields set")
	}

	chunked, err := s.docs.GetByID(ctx, "doc-2-chunk-0")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if chunked.ChunkIndex == nil || *chunked.ChunkIndex != 0 || chunked.TotalChunks == nil || *chunked.TotalChunks != 2 {
		t.Errorf("chunk fields = %v/%v, want 0/2", chunked.ChunkIndex, chunked.TotalChunks)
	}
}

func TestStageBatch_RejectsHalfSetChunkFields(t *testing.T) {
	s := setupTestDB(t)

	err := s.docs.StageBatch(context.Background(), []*StagedDocument{
		{ID: "bad", Source: "feed", Collection: "c", Text: "x", ChunkIndex: intPtr(0)},
	})
	if err == nil {
		t.Fatal("StageBatch() error = nil, want chunk-field validation error")
	}

	// The whole batch is one transaction, so nothing was staged.
	pending, listErr := s.docs.ListPending(context.Background(), 10)
	if listErr != nil {
		t.Fatalf("ListPending() error = %v", listErr)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0 after rejected batch", len(pending))
	}
}

func TestStageBatch_ReplacesExistingID(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if err := s.docs.StageBatch(ctx, []*StagedDocument{{ID: "doc-1", Source: "feed", Collection: "c", Text: "v1"}}); err != nil {
		t.Fatalf("StageBatch() error = %v", err)
	}
	if err := s.docs.StageBatch(ctx, []*StagedDocument{{ID: "doc-1", Source: "feed", Collection: "c", Text: "v2"}}); err != nil {
		t.Fatalf("StageBatch() replace error = %v", err)
	}

	got, err := s.docs.GetByID(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Text != "v2" {
		t.Errorf("text = %q, want v2", got.Text)
	}
}

func TestStatusTransitions(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if err := s.docs.StageBatch(ctx, []*StagedDocument{
		{ID: "a", Source: "feed", Collection: "c", Text: "x"},
		{ID: "b", Source: "feed", Collection: "c", Text: "y"},
	}); err != nil {
		t.Fatalf("StageBatch() error = %v", err)
	}

	if err := s.docs.MarkInProgress(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("MarkInProgress() error = %v", err)
	}
	if err := s.docs.MarkCompleted(ctx, "a"); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if err := s.docs.MarkFailed(ctx, "b", "embed timeout"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	a, _ := s.docs.GetByID(ctx, "a")
	b, _ := s.docs.GetByID(ctx, "b")
	if a.Status != StatusCompleted {
		t.Errorf("a status = %s, want COMPLETED", a.Status)
	}
	if b.Status != StatusFailed || b.ErrorMessage != "embed timeout" {
		t.Errorf("b = %s %q, want FAILED with message", b.Status, b.ErrorMessage)
	}

	if err := s.docs.MarkCompleted(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkCompleted(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRetryFailed_BoundedByRetryCount(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if err := s.docs.StageBatch(ctx, []*StagedDocument{
		{ID: "a", Source: "feed", Collection: "c", Text: "x"},
		{ID: "b", Source: "feed", Collection: "c", Text: "y", RetryCount: 3},
	}); err != nil {
		t.Fatalf("StageBatch() error = %v", err)
	}
	if err := s.docs.MarkFailed(ctx, "a", "boom"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if err := s.docs.MarkFailed(ctx, "b", "boom"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	// b has exhausted its retries; only a moves back to PENDING.
	moved, err := s.docs.RetryFailed(ctx, 3)
	if err != nil {
		t.Fatalf("RetryFailed() error = %v", err)
	}
	if moved != 1 {
		t.Errorf("moved = %d, want 1", moved)
	}

	a, _ := s.docs.GetByID(ctx, "a")
	if a.Status != StatusPending || a.RetryCount != 1 {
		t.Errorf("a = %s retry %d, want PENDING retry 1", a.Status, a.RetryCount)
	}
	b, _ := s.docs.GetByID(ctx, "b")
	if b.Status != StatusFailed {
		t.Errorf("b status = %s, want FAILED", b.Status)
	}
}

func TestCheckpoint_LoadAbsentReturnsZeroRecord(t *testing.T) {
	s := setupTestDB(t)

	md, err := s.checkpoints.Load(context.Background(), "feed")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if md.SourceName != "feed" {
		t.Errorf("source name = %q, want feed", md.SourceName)
	}
	if md.LastSuccessfulRun != nil || md.ConsecutiveFailures != 0 {
		t.Errorf("zero record = %+v", md)
	}
	if md.CheckpointData == nil {
		t.Error("checkpoint data = nil, want empty map")
	}
}

func TestCheckpoint_Monotonicity(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	// Interleave successes and failures; totals accumulate, and
	// consecutive_failures tracks only the trailing failures.
	steps := []struct {
		success             bool
		processed, failed   int64
		wantProcessed       int64
		wantFailed          int64
		wantConsecFailures  int
	}{
		{success: true, processed: 10, failed: 1, wantProcessed: 10, wantFailed: 1, wantConsecFailures: 0},
		{success: false, wantProcessed: 10, wantFailed: 1, wantConsecFailures: 1},
		{success: false, wantProcessed: 10, wantFailed: 1, wantConsecFailures: 2},
		{success: true, processed: 5, failed: 0, wantProcessed: 15, wantFailed: 1, wantConsecFailures: 0},
		{success: false, wantProcessed: 15, wantFailed: 1, wantConsecFailures: 1},
	}

	for i, step := range steps {
		if step.success {
			if err := s.checkpoints.RecordSuccess(ctx, "feed", step.processed, step.failed, map[string]string{"step": "x"}); err != nil {
				t.Fatalf("step %d: RecordSuccess() error = %v", i, err)
			}
		} else {
			if err := s.checkpoints.RecordFailure(ctx, "feed"); err != nil {
				t.Fatalf("step %d: RecordFailure() error = %v", i, err)
			}
		}

		md, err := s.checkpoints.Load(ctx, "feed")
		if err != nil {
			t.Fatalf("step %d: Load() error = %v", i, err)
		}
		if md.TotalItemsProcessed != step.wantProcessed {
			t.Errorf("step %d: total processed = %d, want %d", i, md.TotalItemsProcessed, step.wantProcessed)
		}
		if md.TotalItemsFailed != step.wantFailed {
			t.Errorf("step %d: total failed = %d, want %d", i, md.TotalItemsFailed, step.wantFailed)
		}
		if md.ConsecutiveFailures != step.wantConsecFailures {
			t.Errorf("step %d: consecutive failures = %d, want %d", i, md.ConsecutiveFailures, step.wantConsecFailures)
		}
	}
}

func TestCheckpoint_DataReplacedOnSuccess(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if err := s.checkpoints.RecordSuccess(ctx, "feed", 1, 0, map[string]string{"cursor": "a", "page": "1"}); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	if err := s.checkpoints.RecordSuccess(ctx, "feed", 1, 0, map[string]string{"cursor": "b"}); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}

	md, err := s.checkpoints.Load(ctx, "feed")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if md.CheckpointData["cursor"] != "b" {
		t.Errorf("cursor = %q, want b", md.CheckpointData["cursor"])
	}
	if _, ok := md.CheckpointData["page"]; ok {
		t.Error("stale checkpoint key survived a replace")
	}
}

func TestIndexedPages_UpsertListDelete(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if err := s.pages.Upsert(ctx, IndexedPage{PageID: "p1", Collection: "docs", ContentHash: "h1", EmbeddingVersion: "v1"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := s.pages.Upsert(ctx, IndexedPage{PageID: "p2", Collection: "docs", ContentHash: "h2", EmbeddingVersion: "v1"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	// Same page id in another collection is a distinct record.
	if err := s.pages.Upsert(ctx, IndexedPage{PageID: "p1", Collection: "rss", ContentHash: "h9", EmbeddingVersion: "v1"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	pages, err := s.pages.ListByCollection(ctx, "docs")
	if err != nil {
		t.Fatalf("ListByCollection() error = %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(pages))
	}
	if pages["p1"].ContentHash != "h1" {
		t.Errorf("p1 hash = %q, want h1", pages["p1"].ContentHash)
	}

	// Upsert replaces the hash in place.
	if err := s.pages.Upsert(ctx, IndexedPage{PageID: "p1", Collection: "docs", ContentHash: "h1b", EmbeddingVersion: "v2"}); err != nil {
		t.Fatalf("Upsert() replace error = %v", err)
	}
	pages, _ = s.pages.ListByCollection(ctx, "docs")
	if pages["p1"].ContentHash != "h1b" || pages["p1"].EmbeddingVersion != "v2" {
		t.Errorf("p1 after replace = %+v", pages["p1"])
	}

	if err := s.pages.Delete(ctx, "docs", []string{"p1"}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	pages, _ = s.pages.ListByCollection(ctx, "docs")
	if len(pages) != 1 {
		t.Errorf("pages after delete = %d, want 1", len(pages))
	}

	other, _ := s.pages.ListByCollection(ctx, "rss")
	if len(other) != 1 {
		t.Errorf("rss pages = %d, want 1 (delete must be collection-scoped)", len(other))
	}
}

func TestJobs_LifecycleAndErrorLog(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	job := &IndexingJob{ID: "job-1", Collection: "docs", Status: JobRunning}
	if err := s.jobs.Create(ctx, job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	job.TotalPages = 10
	job.IndexedPages = 4
	job.CurrentPageID = "p4"
	if err := s.jobs.Update(ctx, job); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := s.jobs.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != JobRunning || got.IndexedPages != 4 || got.CurrentPageID != "p4" {
		t.Errorf("job = %+v", got)
	}

	if err := s.jobs.AppendError(ctx, &IndexingError{JobID: "job-1", PageID: "p5", PageName: "Five", ErrorMessage: "boom"}); err != nil {
		t.Fatalf("AppendError() error = %v", err)
	}
	if err := s.jobs.AppendError(ctx, &IndexingError{JobID: "job-1", PageID: "p6", PageName: "Six", ErrorMessage: "also boom"}); err != nil {
		t.Fatalf("AppendError() error = %v", err)
	}

	errs, err := s.jobs.ListErrors(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListErrors() error = %v", err)
	}
	if len(errs) != 2 {
		t.Fatalf("errors = %d, want 2", len(errs))
	}
	if errs[0].PageID != "p5" || errs[1].PageID != "p6" {
		t.Errorf("error order = %s, %s, want p5 then p6", errs[0].PageID, errs[1].PageID)
	}

	if _, err := s.jobs.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.jobs.Update(ctx, &IndexingJob{ID: "missing", Status: JobFailed}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func TestJobs_ListByCollection(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"j1", "j2", "j3"} {
		if err := s.jobs.Create(ctx, &IndexingJob{ID: id, Collection: "docs", Status: JobCompleted}); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}
	if err := s.jobs.Create(ctx, &IndexingJob{ID: "other", Collection: "rss", Status: JobCompleted}); err != nil {
		t.Fatalf("Create(other) error = %v", err)
	}

	jobs, err := s.jobs.ListByCollection(ctx, "docs", 2)
	if err != nil {
		t.Fatalf("ListByCollection() error = %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("jobs = %d, want 2 (limit applied)", len(jobs))
	}
	for _, job := range jobs {
		if job.Collection != "docs" {
			t.Errorf("job %s collection = %s, want docs", job.ID, job.Collection)
		}
	}
}
