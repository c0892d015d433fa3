// Package kb mirrors indexed documents into an external knowledge base over
// HTTP. Mirror writes are best-effort: failures are logged by callers and
// never fail an indexing run.
package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PageRequest describes a page to create or update in the knowledge base.
type PageRequest struct {
	SourceType string            `json:"source_type"`
	Category   string            `json:"category"`
	Title      string            `json:"title"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// PageResult is the knowledge base's response to a page write.
type PageResult struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
	PageID  string `json:"page_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Writer posts pages to the knowledge base API.
type Writer struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewWriter creates a knowledge base writer. Returns nil if baseURL is empty,
// which callers treat as the mirror being disabled.
func NewWriter(baseURL, token string) *Writer {
	if baseURL == "" {
		return nil
	}
	return &Writer{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CreateOrUpdatePage creates or updates a page in the knowledge base. The
// knowledge base deduplicates by title within a category, so repeated calls
// for the same document update in place.
func (w *Writer) CreateOrUpdatePage(ctx context.Context, page PageRequest) (*PageResult, error) {
	body, err := json.Marshal(page)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal page request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/api/pages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge base request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("knowledge base returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result PageResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode knowledge base response: %w", err)
	}
	if !result.Success {
		return &result, fmt.Errorf("knowledge base rejected page: %s", result.Error)
	}
	return &result, nil
}
