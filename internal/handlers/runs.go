package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"kbpipeline/internal/contextutil"
	"kbpipeline/internal/scheduler"
)

// RunsHandler triggers a scheduled source run immediately.
type RunsHandler struct {
	scheduler *scheduler.Scheduler
}

// NewRunsHandler creates a new RunsHandler.
func NewRunsHandler(sched *scheduler.Scheduler) *RunsHandler {
	return &RunsHandler{scheduler: sched}
}

// RunTriggerResponse acknowledges an accepted source run.
type RunTriggerResponse struct {
	Source  string `json:"source"`
	RunType string `json:"run_type,omitempty"`
	Status  string `json:"status"`
}

// ServeHTTP starts a run for the source in the URL and returns 202. Pass
// ?type=BACKFILL to force a run type; by default the scheduler decides from
// the checkpoint.
func (h *RunsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	source := chi.URLParam(r, "source")
	if !h.scheduler.Registered(source) {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}

	runType := scheduler.RunType(r.URL.Query().Get("type"))
	switch runType {
	case "", scheduler.RunInitialPull, scheduler.RunResync, scheduler.RunBackfill:
	default:
		writeError(w, http.StatusBadRequest, "invalid run type")
		return
	}

	runCtx := context.WithoutCancel(ctx)
	go func() {
		if _, err := h.scheduler.RunOnce(runCtx, source, runType); err != nil {
			logger.ErrorContext(runCtx, "triggered source run failed", "source", source, "error", err)
		}
	}()

	logger.InfoContext(ctx, "source run accepted", "source", source, "run_type", runType)
	writeJSON(w, http.StatusAccepted, RunTriggerResponse{
		Source:  source,
		RunType: string(runType),
		Status:  "started",
	})
}
