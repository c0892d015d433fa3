package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"kbpipeline/internal/contextutil"
)

// DryRunHandler validates connectivity and configuration without side
// effects: nothing is staged, indexed, or written.
type DryRunHandler struct {
	db          Pinger
	vectors     CollectionChecker
	embedder    EmbedProber
	collections []string
	timeout     time.Duration
}

// NewDryRunHandler creates a new DryRunHandler.
func NewDryRunHandler(db Pinger, vectors CollectionChecker, embedder EmbedProber, collections []string) *DryRunHandler {
	return &DryRunHandler{
		db:          db,
		vectors:     vectors,
		embedder:    embedder,
		collections: collections,
		timeout:     15 * time.Second,
	}
}

// DryRunCheck is one validated dependency.
type DryRunCheck struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// DryRunResponse is the dry-run reply.
type DryRunResponse struct {
	Status string                 `json:"status"`
	Checks map[string]DryRunCheck `json:"checks"`
}

// ServeHTTP probes every configured dependency and reports per-check results.
func (h *DryRunHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	logger := contextutil.LoggerFromContext(ctx)

	checks := make(map[string]DryRunCheck)
	status := "ok"
	fail := func(name string, err error) {
		checks[name] = DryRunCheck{Status: "failed", Detail: err.Error()}
		status = "failed"
	}

	if err := h.db.PingContext(ctx); err != nil {
		fail("database", err)
	} else {
		checks["database"] = DryRunCheck{Status: "ok"}
	}

	for _, collection := range h.collections {
		name := "vector_store:" + collection
		info, err := h.vectors.GetCollectionInfo(ctx, collection)
		if err != nil {
			fail(name, err)
			continue
		}
		checks[name] = DryRunCheck{
			Status: "ok",
			Detail: fmt.Sprintf("vector_size=%d points=%d status=%s", info.VectorSize, info.PointsCount, info.Status),
		}
	}

	if vec, err := h.embedder.EmbedText(ctx, "dry run"); err != nil {
		fail("embedding", err)
	} else {
		checks["embedding"] = DryRunCheck{
			Status: "ok",
			Detail: fmt.Sprintf("vector_size=%d", len(vec)),
		}
	}

	logger.InfoContext(ctx, "dry run completed", "status", status)

	httpStatus := http.StatusOK
	if status == "failed" {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, DryRunResponse{Status: status, Checks: checks})
}
