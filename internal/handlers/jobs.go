package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"kbpipeline/internal/contextutil"
	"kbpipeline/internal/storage"
)

const defaultJobListLimit = 20

// JobsHandler serves indexing job status and error logs.
type JobsHandler struct {
	jobs storage.JobStore
}

// NewJobsHandler creates a new JobsHandler.
func NewJobsHandler(jobs storage.JobStore) *JobsHandler {
	return &JobsHandler{jobs: jobs}
}

// JobResponse is one indexing job.
type JobResponse struct {
	ID            string  `json:"id"`
	Collection    string  `json:"collection"`
	Status        string  `json:"status"`
	StartedAt     string  `json:"started_at"`
	CompletedAt   *string `json:"completed_at,omitempty"`
	TotalPages    int     `json:"total_pages"`
	IndexedPages  int     `json:"indexed_pages"`
	FailedPages   int     `json:"failed_pages"`
	CurrentPageID string  `json:"current_page_id,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty"`
}

// JobErrorResponse is one row of a job's error log.
type JobErrorResponse struct {
	PageID       string `json:"page_id,omitempty"`
	PageName     string `json:"page_name,omitempty"`
	ErrorMessage string `json:"error_message"`
	OccurredAt   string `json:"occurred_at"`
	RetryCount   int    `json:"retry_count"`
}

func toJobResponse(job *storage.IndexingJob) JobResponse {
	resp := JobResponse{
		ID:            job.ID,
		Collection:    job.Collection,
		Status:        string(job.Status),
		StartedAt:     job.StartedAt.UTC().Format(time.RFC3339),
		TotalPages:    job.TotalPages,
		IndexedPages:  job.IndexedPages,
		FailedPages:   job.FailedPages,
		CurrentPageID: job.CurrentPageID,
		ErrorMessage:  job.ErrorMessage,
	}
	if job.CompletedAt != nil {
		completed := job.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &completed
	}
	return resp
}

// Get serves one job by id.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	id := chi.URLParam(r, "id")
	job, err := h.jobs.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "failed to load job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// List serves recent jobs for a collection.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	collection := r.URL.Query().Get("collection")
	if collection == "" {
		writeError(w, http.StatusBadRequest, "collection is required")
		return
	}

	limit := defaultJobListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	jobs, err := h.jobs.ListByCollection(ctx, collection, limit)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list jobs", "collection", collection, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	resp := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, toJobResponse(job))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListErrors serves a job's error log, oldest first.
func (h *JobsHandler) ListErrors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	id := chi.URLParam(r, "id")
	if _, err := h.jobs.Get(ctx, id); errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	} else if err != nil {
		logger.ErrorContext(ctx, "failed to load job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	jobErrors, err := h.jobs.ListErrors(ctx, id)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list job errors", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list job errors")
		return
	}

	resp := make([]JobErrorResponse, 0, len(jobErrors))
	for _, jobErr := range jobErrors {
		resp = append(resp, JobErrorResponse{
			PageID:       jobErr.PageID,
			PageName:     jobErr.PageName,
			ErrorMessage: jobErr.ErrorMessage,
			OccurredAt:   jobErr.OccurredAt.UTC().Format(time.RFC3339),
			RetryCount:   jobErr.RetryCount,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
