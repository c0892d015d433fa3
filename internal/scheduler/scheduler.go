// Package scheduler runs registered content sources on a cadence, staging
// their items durably for later embedding. Each source run is wrapped with a
// checkpoint load, a run-type decision, and success/failure recording.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kbpipeline/internal/chunk"
	"kbpipeline/internal/contextutil"
	"kbpipeline/internal/dedup"
	"kbpipeline/internal/pipeline"
	"kbpipeline/internal/storage"
)

// RunType classifies one scheduled execution of a source.
type RunType string

const (
	// RunInitialPull is a source's first run, with no prior checkpoint.
	RunInitialPull RunType = "INITIAL_PULL"
	// RunResync is a periodic incremental refresh.
	RunResync RunType = "RESYNC"
	// RunBackfill is an explicitly requested historical catch-up.
	RunBackfill RunType = "BACKFILL"
)

// Source produces items for scheduled staging runs. Fetch streams items for
// one run into out and returns the checkpoint for the next run; it must not
// close out. The checkpoint is an opaque key-value bag the source defines
// for itself.
type Source interface {
	Name() string
	Fetch(ctx context.Context, runType RunType, checkpoint map[string]string, out chan<- pipeline.Item) (map[string]string, error)
}

// SourceSpec binds a source to its staging configuration.
type SourceSpec struct {
	Source     Source
	Collection string

	// NeedsChunking splits oversized item text via Policy before staging.
	NeedsChunking bool
	Policy        chunk.Policy

	// Interval is the resync cadence after a successful run.
	Interval time.Duration
	// ResyncHour, when non-nil, schedules the next resync at that UTC hour
	// instead of Interval after each success.
	ResyncHour *int
	// RetryDelay is the fixed per-source delay before retrying a failed
	// run, sized to the source's rate-limit sensitivity.
	RetryDelay time.Duration
	// BatchSize is the staged-document flush threshold. Defaults to 100.
	BatchSize int
}

// DedupFactory creates the dedup store for a source's namespace.
type DedupFactory func(ctx context.Context, namespace string) (dedup.Store, error)

// Scheduler owns the per-source run loops.
type Scheduler struct {
	checkpoints  storage.CheckpointStore
	docs         storage.DocumentStore
	dedupFactory DedupFactory

	mu     sync.Mutex
	specs  map[string]SourceSpec
	dedups map[string]dedup.Store
}

// New creates a Scheduler. Sources are added via Register before Start.
func New(checkpoints storage.CheckpointStore, docs storage.DocumentStore, dedupFactory DedupFactory) *Scheduler {
	return &Scheduler{
		checkpoints:  checkpoints,
		docs:         docs,
		dedupFactory: dedupFactory,
		specs:        make(map[string]SourceSpec),
		dedups:       make(map[string]dedup.Store),
	}
}

// Register adds a source. Re-registering a name replaces the previous spec.
func (s *Scheduler) Register(spec SourceSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[spec.Source.Name()] = spec
}

// Registered reports whether a source name is registered.
func (s *Scheduler) Registered(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.specs[name]
	return ok
}

// Start runs every registered source's loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	specs := make([]SourceSpec, 0, len(s.specs))
	for _, spec := range s.specs {
		specs = append(specs, spec)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, spec := range specs {
		wg.Add(1)
		go func(spec SourceSpec) {
			defer wg.Done()
			s.runLoop(ctx, spec)
		}(spec)
	}
	wg.Wait()
}

// RunOnce executes a single run for a source immediately. runType may be
// empty to let the scheduler decide from the checkpoint.
func (s *Scheduler) RunOnce(ctx context.Context, sourceName string, runType RunType) (*pipeline.Summary, error) {
	s.mu.Lock()
	spec, ok := s.specs[sourceName]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown source %q", sourceName)
	}
	return s.runSource(ctx, spec, runType)
}

func (s *Scheduler) runLoop(ctx context.Context, spec SourceSpec) {
	logger := contextutil.LoggerFromContext(ctx)
	name := spec.Source.Name()

	for {
		_, err := s.runSource(ctx, spec, "")

		delay := spec.Interval
		if spec.ResyncHour != nil {
			delay = untilHour(time.Now().UTC(), *spec.ResyncHour)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay = spec.RetryDelay
			logger.WarnContext(ctx, "source run failed, retrying after delay",
				"source", name, "retry_delay", delay, "error", err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runSource executes one full run: checkpoint load, run-type decision,
// streaming fetch through the staging sink, and checkpoint recording.
func (s *Scheduler) runSource(ctx context.Context, spec SourceSpec, explicit RunType) (*pipeline.Summary, error) {
	logger := contextutil.LoggerFromContext(ctx)
	name := spec.Source.Name()

	meta, err := s.checkpoints.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", name, err)
	}

	runType := explicit
	if runType == "" {
		if meta.LastSuccessfulRun == nil {
			runType = RunInitialPull
		} else {
			runType = RunResync
		}
	}

	dedupStore, err := s.dedupFor(ctx, name)
	if err != nil {
		return nil, err
	}

	sink := newStagingSink(spec, s.docs, dedupStore)
	src := &runAdapter{
		source:     spec.Source,
		runType:    runType,
		checkpoint: meta.CheckpointData,
	}

	runner, err := pipeline.NewRunner(src, nil, sink, pipeline.Config{})
	if err != nil {
		return nil, err
	}
	defer runner.Release()

	logger.InfoContext(ctx, "starting source run", "source", name, "run_type", runType)

	summary, runErr := runner.Run(ctx)
	var flushErr error
	if runErr == nil {
		flushErr = sink.FlushRemainder(ctx)
	}

	// The dedup flush is a cycle-end boundary, committed even when the run
	// itself failed partway.
	if err := dedupStore.Flush(ctx); err != nil {
		logger.WarnContext(ctx, "failed to flush dedup records", "source", name, "error", err)
	}

	if runErr != nil || flushErr != nil {
		if err := s.checkpoints.RecordFailure(ctx, name); err != nil {
			logger.ErrorContext(ctx, "failed to record run failure", "source", name, "error", err)
		}
		if runErr != nil {
			return summary, runErr
		}
		return summary, flushErr
	}

	if err := s.checkpoints.RecordSuccess(ctx, name, summary.ItemsProcessed, summary.ItemsFailed, src.next); err != nil {
		return summary, fmt.Errorf("failed to record run success for %s: %w", name, err)
	}

	logger.InfoContext(ctx, "source run completed",
		"source", name, "run_type", runType,
		"processed", summary.ItemsProcessed, "failed", summary.ItemsFailed,
		"duplicates", sink.Duplicates(), "duration", summary.Duration)
	return summary, nil
}

func (s *Scheduler) dedupFor(ctx context.Context, namespace string) (dedup.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if store, ok := s.dedups[namespace]; ok {
		return store, nil
	}
	store, err := s.dedupFactory(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup store for %s: %w", namespace, err)
	}
	s.dedups[namespace] = store
	return store, nil
}

// untilHour returns the duration from now to the next occurrence of the
// given UTC hour.
func untilHour(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

// runAdapter presents one scheduled run of a Source as a pipeline source,
// capturing the checkpoint the source returns.
type runAdapter struct {
	source     Source
	runType    RunType
	checkpoint map[string]string
	next       map[string]string
}

func (a *runAdapter) Name() string {
	return a.source.Name()
}

func (a *runAdapter) Fetch(ctx context.Context, out chan<- pipeline.Item) error {
	next, err := a.source.Fetch(ctx, a.runType, a.checkpoint, out)
	if err != nil {
		return err
	}
	a.next = next
	return nil
}
