// Package http wires the operational HTTP surface: health, indexing and run
// triggers, job progress, and configuration dry-run.
package http

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kbpipeline/internal/embedding"
	"kbpipeline/internal/handlers"
	"kbpipeline/internal/indexer"
	"kbpipeline/internal/scheduler"
	"kbpipeline/internal/storage"
	"kbpipeline/internal/vectorstore"
)

// Deps holds dependencies for the HTTP router.
type Deps struct {
	DB          *sql.DB
	Qdrant      *vectorstore.QdrantStore
	Embedder    *embedding.Client
	Indexer     *indexer.Indexer
	Scheduler   *scheduler.Scheduler
	Jobs        storage.JobStore
	Collections []string
}

// NewRouter creates the HTTP router with the provided dependencies.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(LoggerMiddleware)
	r.Use(CORS)

	healthHandler := handlers.NewHealthHandler(deps.DB, deps.Qdrant, deps.Embedder, deps.Collections)
	indexHandler := handlers.NewIndexHandler(deps.Indexer)
	runsHandler := handlers.NewRunsHandler(deps.Scheduler)
	jobsHandler := handlers.NewJobsHandler(deps.Jobs)
	dryRunHandler := handlers.NewDryRunHandler(deps.DB, deps.Qdrant, deps.Embedder, deps.Collections)

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodGet, "/health", healthHandler)
		r.Method(http.MethodPost, "/index/{collection}", indexHandler)
		r.Method(http.MethodPost, "/runs/{source}", runsHandler)
		r.Method(http.MethodGet, "/jobs", http.HandlerFunc(jobsHandler.List))
		r.Method(http.MethodGet, "/jobs/{id}", http.HandlerFunc(jobsHandler.Get))
		r.Method(http.MethodGet, "/jobs/{id}/errors", http.HandlerFunc(jobsHandler.ListErrors))
		r.Method(http.MethodPost, "/dryrun", dryRunHandler)
	})

	return r
}
