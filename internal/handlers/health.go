package handlers

import (
	"context"
	"net/http"
	"time"

	"kbpipeline/internal/contextutil"
	"kbpipeline/internal/vectorstore"
)

// Pinger checks database connectivity. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// CollectionChecker reports vector store collection state.
type CollectionChecker interface {
	GetCollectionInfo(ctx context.Context, collection string) (*vectorstore.CollectionInfo, error)
}

// EmbedProber checks the embedding service with a single small request.
type EmbedProber interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	db          Pinger
	vectors     CollectionChecker
	embedder    EmbedProber
	collections []string
	timeout     time.Duration
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(db Pinger, vectors CollectionChecker, embedder EmbedProber, collections []string) *HealthHandler {
	return &HealthHandler{
		db:          db,
		vectors:     vectors,
		embedder:    embedder,
		collections: collections,
		timeout:     5 * time.Second,
	}
}

// HealthResponse is the health check reply.
type HealthResponse struct {
	// "healthy", "degraded", or "unhealthy"
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Issues    []string          `json:"issues,omitempty"`
}

// ServeHTTP runs the dependency checks. The database and vector store are
// critical; the embedding service only degrades the status because staging
// keeps working without it.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	logger := contextutil.LoggerFromContext(ctx)

	checks := make(map[string]string)
	var issues []string
	status := "healthy"

	if err := h.db.PingContext(ctx); err != nil {
		logger.ErrorContext(ctx, "database health check failed", "error", err)
		checks["database"] = "error"
		issues = append(issues, "database_unavailable")
		status = "unhealthy"
	} else {
		checks["database"] = "ok"
	}

	vectorOK := true
	for _, collection := range h.collections {
		if _, err := h.vectors.GetCollectionInfo(ctx, collection); err != nil {
			logger.ErrorContext(ctx, "vector store health check failed", "collection", collection, "error", err)
			vectorOK = false
			break
		}
	}
	if vectorOK {
		checks["vector_store"] = "ok"
	} else {
		checks["vector_store"] = "error"
		issues = append(issues, "vector_store_unavailable")
		status = "unhealthy"
	}

	if _, err := h.embedder.EmbedText(ctx, "health check"); err != nil {
		logger.WarnContext(ctx, "embedding health check failed", "error", err)
		checks["embedding"] = "error"
		issues = append(issues, "embedding_unavailable")
		if status == "healthy" {
			status = "degraded"
		}
	} else {
		checks["embedding"] = "ok"
	}

	httpStatus := http.StatusOK
	if status == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Issues:    issues,
	})
}
