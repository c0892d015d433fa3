// Package pipeline is a generic Source → Processor → Sink streaming engine
// with bounded buffering and per-item fault isolation. A slow sink never
// blocks fetch progress beyond BufferSize items.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"kbpipeline/internal/contextutil"
)

const (
	// DefaultBufferSize caps in-flight items between source emission and
	// per-item processing during bursty ingestion.
	DefaultBufferSize = 1000

	// DefaultConcurrency is the number of parallel item-processing workers.
	DefaultConcurrency = 4
)

// Item is one unit of fetched content flowing through a pipeline.
type Item interface {
	// ID returns the globally unique id of the item.
	ID() string
	// Text returns the plain-text rendering of the item.
	Text() string
	// Metadata returns a flat string-to-string metadata map.
	Metadata() map[string]string
}

// Source produces a lazy, possibly-infinite sequence of items. Fetch emits
// into out until exhausted or ctx is cancelled; it must not close out. A
// Fetch error is a source-level failure and propagates to the Run caller.
type Source interface {
	Name() string
	Fetch(ctx context.Context, out chan<- Item) error
}

// Processor transforms one item into another. Returning (nil, nil) rejects
// the item without error.
type Processor interface {
	Process(ctx context.Context, item Item) (Item, error)
}

// Sink consumes processed items. Writes are not guaranteed to happen in
// source-emission order when concurrency > 1, so sinks must be idempotent
// per item id. Sink-level retry is the sink's own responsibility.
type Sink interface {
	Write(ctx context.Context, item Item) error
}

// Config holds tunables for a pipeline run.
type Config struct {
	BufferSize  int
	Concurrency int
}

// Summary describes a completed pipeline run.
type Summary struct {
	Name           string
	ItemsProcessed int64
	ItemsFailed    int64
	Duration       time.Duration
}

// Runner executes a Source → Processor chain → Sink pipeline.
type Runner struct {
	source     Source
	processors []Processor
	sink       Sink
	cfg        Config
	pool       *ants.Pool

	itemsProcessed atomic.Int64
	itemsFailed    atomic.Int64

	logger *slog.Logger
}

// NewRunner creates a pipeline runner. Call Release when done with it.
func NewRunner(source Source, processors []Processor, sink Sink, cfg Config) (*Runner, error) {
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	pool, err := ants.NewPool(cfg.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	return &Runner{
		source:     source,
		processors: processors,
		sink:       sink,
		cfg:        cfg,
		pool:       pool,
		logger:     slog.Default(),
	}, nil
}

// Counters returns the running item counters.
func (r *Runner) Counters() (processed, failed int64) {
	return r.itemsProcessed.Load(), r.itemsFailed.Load()
}

// Release frees the worker pool. The runner cannot be reused afterwards.
func (r *Runner) Release() {
	r.pool.Release()
}

// Run executes the full chain to completion. Per-item processor and sink
// errors are caught and counted without aborting the run; a source-level
// fetch error is returned to the caller alongside the summary so far.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	logger := contextutil.LoggerFromContext(ctx).With("pipeline", r.source.Name())
	start := time.Now()

	buf := make(chan Item, r.cfg.BufferSize)
	fetchErr := make(chan error, 1)
	go func() {
		fetchErr <- r.source.Fetch(ctx, buf)
		close(buf)
	}()

	var wg sync.WaitGroup
	for item := range buf {
		item := item
		wg.Add(1)
		if err := r.pool.Submit(func() {
			defer wg.Done()
			r.handle(ctx, logger, item)
		}); err != nil {
			wg.Done()
			r.itemsFailed.Add(1)
			logger.ErrorContext(ctx, "failed to submit item to worker pool", "item_id", item.ID(), "error", err)
		}
	}
	wg.Wait()

	summary := &Summary{
		Name:           r.source.Name(),
		ItemsProcessed: r.itemsProcessed.Load(),
		ItemsFailed:    r.itemsFailed.Load(),
		Duration:       time.Since(start),
	}

	if err := <-fetchErr; err != nil {
		logger.ErrorContext(ctx, "source fetch failed",
			"processed", summary.ItemsProcessed, "failed", summary.ItemsFailed, "error", err)
		return summary, fmt.Errorf("source %s fetch failed: %w", r.source.Name(), err)
	}

	logger.InfoContext(ctx, "pipeline run completed",
		"processed", summary.ItemsProcessed, "failed", summary.ItemsFailed, "duration", summary.Duration)
	return summary, nil
}

// handle runs one item through the processor chain and the sink. Errors and
// panics are contained to the item.
func (r *Runner) handle(ctx context.Context, logger *slog.Logger, item Item) {
	defer func() {
		if rec := recover(); rec != nil {
			r.itemsFailed.Add(1)
			logger.ErrorContext(ctx, "panic while processing item", "item_id", item.ID(), "panic", rec)
		}
	}()

	current := item
	for _, proc := range r.processors {
		next, err := proc.Process(ctx, current)
		if err != nil {
			r.itemsFailed.Add(1)
			logger.ErrorContext(ctx, "processor failed", "item_id", item.ID(), "error", err)
			return
		}
		if next == nil {
			// Processor rejected the item.
			logger.DebugContext(ctx, "item dropped by processor", "item_id", item.ID())
			return
		}
		current = next
	}

	if err := r.sink.Write(ctx, current); err != nil {
		r.itemsFailed.Add(1)
		logger.ErrorContext(ctx, "sink write failed", "item_id", current.ID(), "error", err)
		return
	}
	r.itemsProcessed.Add(1)
}
