package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"kbpipeline/internal/storage"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()

	db, err := storage.New(tmpDir + "/test.db")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	if err := storage.Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	store, err := NewSQLiteStore(context.Background(), db, "test")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	return store
}

func TestHashContent(t *testing.T) {
	a := HashContent("same content")
	b := HashContent("same content")
	c := HashContent("other content")

	if a != b {
		t.Error("HashContent() not deterministic")
	}
	if a == c {
		t.Error("HashContent() collision on different content")
	}
	if len(a) != 64 {
		t.Errorf("HashContent() length = %d, want 64 hex chars", len(a))
	}
}

func TestSQLiteStore_CheckAndMark(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	hash := HashContent("article body")

	dup, err := store.CheckAndMark(ctx, hash, "item-1")
	if err != nil {
		t.Fatalf("CheckAndMark() error = %v", err)
	}
	if dup {
		t.Error("first CheckAndMark() = duplicate, want new")
	}

	// Same hash with a different id is still the same logical content.
	dup, err = store.CheckAndMark(ctx, hash, "item-2")
	if err != nil {
		t.Fatalf("CheckAndMark() error = %v", err)
	}
	if !dup {
		t.Error("second CheckAndMark() = new, want duplicate")
	}
}

func TestSQLiteStore_CheckAndMark_Concurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	hash := HashContent("contested content")

	const callers = 32
	var newCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dup, err := store.CheckAndMark(ctx, hash, "item")
			if err != nil {
				t.Errorf("CheckAndMark() error = %v", err)
				return
			}
			if !dup {
				newCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := newCount.Load(); got != 1 {
		t.Errorf("CheckAndMark() observed new %d times, want exactly 1", got)
	}
}

func TestSQLiteStore_FlushPersists(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := storage.New(tmpDir + "/test.db")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() {
		_ = db.Close()
	}()
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	ctx := context.Background()
	store, err := NewSQLiteStore(ctx, db, "feeds")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}

	hash := HashContent("durable content")
	if dup, _ := store.CheckAndMark(ctx, hash, "item-1"); dup {
		t.Fatal("first sighting reported as duplicate")
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	// A fresh store over the same database must see the flushed hash.
	reopened, err := NewSQLiteStore(ctx, db, "feeds")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	dup, err := reopened.CheckAndMark(ctx, hash, "item-1")
	if err != nil {
		t.Fatalf("CheckAndMark() error = %v", err)
	}
	if !dup {
		t.Error("flushed hash not visible after reopen")
	}

	// Namespaces are independent.
	other, err := NewSQLiteStore(ctx, db, "docs")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	dup, err = other.CheckAndMark(ctx, hash, "item-1")
	if err != nil {
		t.Fatalf("CheckAndMark() error = %v", err)
	}
	if dup {
		t.Error("hash leaked across namespaces")
	}
}

func TestSQLiteStore_FlushEmpty(t *testing.T) {
	store := newTestStore(t)

	if err := store.Flush(context.Background()); err != nil {
		t.Errorf("Flush() with nothing pending error = %v", err)
	}
}
