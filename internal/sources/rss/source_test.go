package rss

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"kbpipeline/internal/pipeline"
	"kbpipeline/internal/scheduler"
)

const testFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Test Feed</title>
    <item>
      <title>Older Post</title>
      <link>http://example.com/older</link>
      <description>first body</description>
      <pubDate>Mon, 02 Jun 2025 10:00:00 GMT</pubDate>
    </item>
    <item>
      <title>Newer Post</title>
      <link>http://example.com/newer</link>
      <description>second body</description>
      <pubDate>Tue, 03 Jun 2025 10:00:00 GMT</pubDate>
    </item>
  </channel>
</rss>`

func serveFeed(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(testFeed))
	}))
	t.Cleanup(server.Close)
	return server
}

func collectItems(t *testing.T, source *Source, runType scheduler.RunType, checkpoint map[string]string) ([]pipeline.Item, map[string]string) {
	t.Helper()
	out := make(chan pipeline.Item, 16)
	next, err := source.Fetch(context.Background(), runType, checkpoint, out)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	close(out)
	var items []pipeline.Item
	for item := range out {
		items = append(items, item)
	}
	return items, next
}

func TestFetch_InitialPullEmitsAll(t *testing.T) {
	server := serveFeed(t)
	source := New("test-feed", server.URL)

	items, next := collectItems(t, source, scheduler.RunInitialPull, nil)
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}

	first := items[0]
	if first.ID() != stableID("http://example.com/older") {
		t.Errorf("item id = %q, want stable id for link", first.ID())
	}
	if first.Text() != "Older Post\n\nfirst body" {
		t.Errorf("item text = %q, want title and body", first.Text())
	}
	meta := first.Metadata()
	if meta["source"] != "test-feed" || meta["link"] != "http://example.com/older" {
		t.Errorf("metadata = %v", meta)
	}
	if meta["published"] == "" {
		t.Error("metadata missing published timestamp")
	}

	want := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC).Format(time.RFC3339)
	if next[checkpointLastSeen] != want {
		t.Errorf("checkpoint = %q, want %q", next[checkpointLastSeen], want)
	}
}

func TestFetch_ResyncSkipsAlreadySeen(t *testing.T) {
	server := serveFeed(t)
	source := New("test-feed", server.URL)

	checkpoint := map[string]string{
		checkpointLastSeen: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC).Format(time.RFC3339),
	}
	items, next := collectItems(t, source, scheduler.RunResync, checkpoint)
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1 (only the newer post)", len(items))
	}
	if items[0].Metadata()["title"] != "Newer Post" {
		t.Errorf("item title = %q, want Newer Post", items[0].Metadata()["title"])
	}

	want := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC).Format(time.RFC3339)
	if next[checkpointLastSeen] != want {
		t.Errorf("checkpoint = %q, want %q", next[checkpointLastSeen], want)
	}
}

func TestFetch_BackfillIgnoresCheckpoint(t *testing.T) {
	server := serveFeed(t)
	source := New("test-feed", server.URL)

	checkpoint := map[string]string{
		checkpointLastSeen: time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
	}
	items, _ := collectItems(t, source, scheduler.RunBackfill, checkpoint)
	if len(items) != 2 {
		t.Errorf("items = %d, want 2 (backfill re-emits everything)", len(items))
	}
}

func TestGetPagesAndExportPage(t *testing.T) {
	server := serveFeed(t)
	source := New("test-feed", server.URL)
	ctx := context.Background()

	pages, err := source.GetPages(ctx, "rss_test")
	if err != nil {
		t.Fatalf("GetPages() error = %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(pages))
	}
	if pages[0].Name != "Older Post" || pages[0].URL != "http://example.com/older" {
		t.Errorf("page = %+v", pages[0])
	}

	text, err := source.ExportPage(ctx, pages[1].ID)
	if err != nil {
		t.Fatalf("ExportPage() error = %v", err)
	}
	if text != "Newer Post\n\nsecond body" {
		t.Errorf("exported text = %q", text)
	}

	if _, err := source.ExportPage(ctx, "no-such-id"); err == nil {
		t.Error("ExportPage() error = nil for unknown id, want error")
	}
}

func TestStableID_IsValidPointID(t *testing.T) {
	id := stableID("http://example.com/post")
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("stableID() = %q, not a valid UUID: %v", id, err)
	}
	if id != stableID("http://example.com/post") {
		t.Error("stableID() not deterministic for the same link")
	}
	if id == stableID("http://example.com/other") {
		t.Error("stableID() collides for different links")
	}
}
