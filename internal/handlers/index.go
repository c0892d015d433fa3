package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"kbpipeline/internal/contextutil"
	"kbpipeline/internal/indexer"
)

// IndexHandler triggers indexing runs for a collection.
type IndexHandler struct {
	indexer *indexer.Indexer
}

// NewIndexHandler creates a new IndexHandler.
func NewIndexHandler(ix *indexer.Indexer) *IndexHandler {
	return &IndexHandler{indexer: ix}
}

// IndexTriggerResponse acknowledges an accepted indexing run.
type IndexTriggerResponse struct {
	JobID      string `json:"job_id"`
	Collection string `json:"collection"`
	Status     string `json:"status"`
	Full       bool   `json:"full"`
}

// ServeHTTP starts an indexing job for the collection in the URL and returns
// 202 with the job id. Pass ?full=true to bypass the diff.
func (h *IndexHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	collection := chi.URLParam(r, "collection")
	if collection == "" {
		writeError(w, http.StatusBadRequest, "collection is required")
		return
	}
	full := r.URL.Query().Get("full") == "true"

	job, err := h.indexer.StartJob(ctx, collection)
	if err != nil {
		logger.ErrorContext(ctx, "failed to start indexing job", "collection", collection, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start indexing job")
		return
	}

	// The run outlives the request; only its logger travels along.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		_ = h.indexer.Run(runCtx, job, full)
	}()

	logger.InfoContext(ctx, "indexing job accepted", "job_id", job.ID, "collection", collection, "full", full)
	writeJSON(w, http.StatusAccepted, IndexTriggerResponse{
		JobID:      job.ID,
		Collection: collection,
		Status:     string(job.Status),
		Full:       full,
	})
}
