package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"kbpipeline/internal/chunk"
	"kbpipeline/internal/contextutil"
	"kbpipeline/internal/dedup"
	"kbpipeline/internal/pipeline"
	"kbpipeline/internal/storage"
)

// DefaultBatchSize is the staged-document flush threshold.
const DefaultBatchSize = 100

// stagingSink consumes pipeline items and stages them durably: dedup gate,
// optional chunking, then batched writes to the staged-document store.
type stagingSink struct {
	source        string
	collection    string
	needsChunking bool
	policy        chunk.Policy
	docs          storage.DocumentStore
	dedup         dedup.Store
	batchSize     int

	mu    sync.Mutex
	batch []*storage.StagedDocument

	duplicates atomic.Int64
}

func newStagingSink(spec SourceSpec, docs storage.DocumentStore, dedupStore dedup.Store) *stagingSink {
	batchSize := spec.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	policy := spec.Policy
	if policy.TokenBudget <= 0 {
		policy = chunk.DefaultPolicy()
	}
	return &stagingSink{
		source:        spec.Source.Name(),
		collection:    spec.Collection,
		needsChunking: spec.NeedsChunking,
		policy:        policy,
		docs:          docs,
		dedup:         dedupStore,
		batchSize:     batchSize,
	}
}

// Write stages one item. Duplicate content is counted and skipped. A batch
// flush happens inline once the threshold is reached.
func (s *stagingSink) Write(ctx context.Context, item pipeline.Item) error {
	logger := contextutil.LoggerFromContext(ctx)

	hash := dedup.HashContent(item.Text())
	duplicate, err := s.dedup.CheckAndMark(ctx, hash, item.ID())
	if err != nil {
		return fmt.Errorf("dedup check failed for item %s: %w", item.ID(), err)
	}
	if duplicate {
		s.duplicates.Add(1)
		logger.DebugContext(ctx, "skipping duplicate content", "source", s.source, "item_id", item.ID())
		return nil
	}

	docs := s.buildDocuments(item)

	s.mu.Lock()
	s.batch = append(s.batch, docs...)
	var flush []*storage.StagedDocument
	if len(s.batch) >= s.batchSize {
		flush = s.batch
		s.batch = nil
	}
	s.mu.Unlock()

	if flush != nil {
		if err := s.docs.StageBatch(ctx, flush); err != nil {
			// Restore the batch so a later threshold flush or
			// FlushRemainder retries every buffered document.
			s.mu.Lock()
			s.batch = append(flush, s.batch...)
			s.mu.Unlock()
			return fmt.Errorf("failed to stage batch: %w", err)
		}
	}
	return nil
}

// FlushRemainder stages whatever is left after the source is exhausted.
func (s *stagingSink) FlushRemainder(ctx context.Context) error {
	s.mu.Lock()
	flush := s.batch
	s.batch = nil
	s.mu.Unlock()

	if len(flush) == 0 {
		return nil
	}
	if err := s.docs.StageBatch(ctx, flush); err != nil {
		return fmt.Errorf("failed to stage final batch: %w", err)
	}
	return nil
}

// Duplicates returns the number of items skipped by the dedup gate.
func (s *stagingSink) Duplicates() int64 {
	return s.duplicates.Load()
}

// buildDocuments turns one item into one staged document, or one per chunk
// when the source needs chunking and the text exceeds the token budget.
func (s *stagingSink) buildDocuments(item pipeline.Item) []*storage.StagedDocument {
	now := time.Now().UTC()

	if s.needsChunking && s.policy.NeedsSplit(item.Text()) {
		pieces := s.policy.Split(item.Text())
		docs := make([]*storage.StagedDocument, 0, len(pieces))
		for _, piece := range pieces {
			idx := piece.Index
			total := piece.Total
			docs = append(docs, &storage.StagedDocument{
				ID:          chunk.ChunkID(item.ID(), piece.Index),
				Source:      s.source,
				Collection:  s.collection,
				Text:        piece.Text,
				Metadata:    item.Metadata(),
				Status:      storage.StatusPending,
				ChunkIndex:  &idx,
				TotalChunks: &total,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
		return docs
	}

	return []*storage.StagedDocument{{
		ID:         item.ID(),
		Source:     s.source,
		Collection: s.collection,
		Text:       item.Text(),
		Metadata:   item.Metadata(),
		Status:     storage.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}
}
