package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/finsight/docqa/internal/models"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStorage_AppendAndGet(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	records := []models.ChunkInput{
		{Text: "first chunk", Metadata: map[string]interface{}{"page": 1}},
		{Text: "second chunk", Metadata: nil},
		{Text: "third chunk", Metadata: map[string]interface{}{"source": "report.pdf"}},
	}
	if err := store.AppendChunks(ctx, 0, records); err != nil {
		t.Fatal(err)
	}

	count, err := store.CountChunks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("CountChunks=%d, want 3", count)
	}

	chunk, err := store.GetChunk(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if chunk.Text != "second chunk" || chunk.Ordinal != 1 {
		t.Errorf("got %+v", chunk)
	}

	chunk, err = store.GetChunk(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if chunk.Metadata["page"] != float64(1) {
		t.Errorf("metadata round-trip failed: %+v", chunk.Metadata)
	}

	_, err = store.GetChunk(ctx, 99)
	if !errors.Is(err, ErrChunkNotFound) {
		t.Errorf("expected ErrChunkNotFound, got %v", err)
	}
}

func TestSQLiteStorage_DuplicateOrdinal(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	if err := store.AppendChunks(ctx, 0, []models.ChunkInput{{Text: "a"}, {Text: "b"}}); err != nil {
		t.Fatal(err)
	}
	err := store.AppendChunks(ctx, 1, []models.ChunkInput{{Text: "collides"}})
	if !errors.Is(err, ErrDuplicateOrdinal) {
		t.Fatalf("expected ErrDuplicateOrdinal, got %v", err)
	}

	// The failed batch must not be partially applied.
	count, _ := store.CountChunks(ctx)
	if count != 2 {
		t.Errorf("CountChunks=%d after failed append, want 2", count)
	}
}

func TestSQLiteStorage_LoadAllChunksOrdered(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	// Insert out of ordinal order; LoadAllChunks must come back ascending.
	if err := store.AppendChunks(ctx, 2, []models.ChunkInput{{Text: "c"}, {Text: "d"}}); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendChunks(ctx, 0, []models.ChunkInput{{Text: "a"}, {Text: "b"}}); err != nil {
		t.Fatal(err)
	}

	chunks, err := store.LoadAllChunks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.Ordinal != i {
			t.Errorf("position %d holds ordinal %d", i, chunk.Ordinal)
		}
	}
}

func TestSQLiteStorage_ClearChunks(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	_ = store.AppendChunks(ctx, 0, []models.ChunkInput{{Text: "a"}})
	if err := store.ClearChunks(ctx); err != nil {
		t.Fatal(err)
	}
	count, _ := store.CountChunks(ctx)
	if count != 0 {
		t.Errorf("CountChunks=%d after clear, want 0", count)
	}

	// Numbering restarts from zero on the cleared store.
	if err := store.AppendChunks(ctx, 0, []models.ChunkInput{{Text: "fresh"}}); err != nil {
		t.Fatal(err)
	}
}

func TestSQLiteStorage_Documents(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	doc := &models.Document{ID: "doc-1", Name: "annual_report.pdf", ChunksCount: 12}
	if err := store.RecordDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if doc.UploadedAt.IsZero() {
		t.Error("UploadedAt should be set")
	}

	docs, err := store.ListDocuments(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].Name != "annual_report.pdf" || docs[0].Status != "processed" {
		t.Errorf("got %+v", docs)
	}

	count, _ := store.CountDocuments(ctx)
	if count != 1 {
		t.Errorf("CountDocuments=%d, want 1", count)
	}
}

func TestSQLiteStorage_QueryLog(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	entry := &models.QueryLog{QueryText: "revenue growth", SourcesCount: 3, ResponseTimeMs: 41.5, Success: true}
	if err := store.LogQuery(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if entry.ID == 0 {
		t.Error("LogQuery should set the row ID")
	}
	_ = store.LogQuery(ctx, &models.QueryLog{QueryText: "ebitda", Success: false, ErrorMessage: "embedding unavailable"})

	entries, err := store.RecentQueries(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].QueryText != "ebitda" {
		t.Errorf("newest first expected, got %q", entries[0].QueryText)
	}
	if entries[0].ErrorMessage != "embedding unavailable" {
		t.Errorf("error message round-trip failed: %+v", entries[0])
	}
}
