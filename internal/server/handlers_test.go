package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/finsight/docqa/internal/config"
	"github.com/finsight/docqa/internal/consistency"
	"github.com/finsight/docqa/internal/embedding"
	"github.com/finsight/docqa/internal/retrieval"
	"github.com/finsight/docqa/internal/storage"
	"github.com/finsight/docqa/internal/vector"
)

const testDims = 32

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db.sqlite")
	indexPath := filepath.Join(dir, "vectors.idx")

	meta, err := storage.NewSQLiteStorage(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { meta.Close() })
	idx, err := vector.NewFlatIndex(testDims, vector.MetricInnerProduct)
	if err != nil {
		t.Fatal(err)
	}
	logger := zap.NewNop()
	store := retrieval.NewStore(idx, meta, embedding.NewMockEmbedder(testDims), indexPath, logger)
	retriever := retrieval.NewRetriever(store, nil, logger)
	checker := consistency.NewChecker(store, filepath.Join(dir, "backup"), logger)

	cfg := &config.Config{
		Server:  config.ServerConfig{Host: "localhost", Port: 8080},
		Storage: config.StorageConfig{DatabasePath: dbPath, IndexPath: indexPath, BackupDir: filepath.Join(dir, "backup")},
	}
	config.ApplyDefaults(cfg)
	cfg.Storage.DatabasePath = dbPath
	cfg.Storage.IndexPath = indexPath

	return NewServer(store, retriever, checker, cfg, logger)
}

func postJSON(t *testing.T, srv *Server, handler http.HandlerFunc, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler(w, r)
	return w
}

func ingest(t *testing.T, srv *Server, texts ...string) {
	t.Helper()
	w := postJSON(t, srv, srv.handleAddDocuments, map[string]interface{}{
		"name":  "test-doc",
		"texts": texts,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("ingest status: got %d, body: %s", w.Code, w.Body.String())
	}
}

func TestHandleAddDocuments(t *testing.T) {
	srv := newTestServer(t)
	w := postJSON(t, srv, srv.handleAddDocuments, map[string]interface{}{
		"name":      "report.pdf",
		"texts":     []string{"alpha", "beta"},
		"metadatas": []map[string]interface{}{{"page": 1}, {"page": 2}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out struct {
		ChunksAdded  int `json:"chunks_added"`
		TotalVectors int `json:"total_vectors"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.ChunksAdded != 2 || out.TotalVectors != 2 {
		t.Errorf("response: %+v", out)
	}
}

func TestHandleAddDocuments_Invalid(t *testing.T) {
	srv := newTestServer(t)

	w := postJSON(t, srv, srv.handleAddDocuments, map[string]interface{}{"texts": []string{}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty texts: got %d, want 400", w.Code)
	}

	w = postJSON(t, srv, srv.handleAddDocuments, map[string]interface{}{
		"texts":     []string{"one"},
		"metadatas": []map[string]interface{}{{}, {}},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("excess metadatas: got %d, want 400", w.Code)
	}

	w = postJSON(t, srv, srv.handleAddDocuments, map[string]interface{}{
		"texts": []string{"one", "  "},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank chunk text: got %d, want 400", w.Code)
	}
}

func TestHandleAddDocuments_PadsShortMetadata(t *testing.T) {
	srv := newTestServer(t)
	w := postJSON(t, srv, srv.handleAddDocuments, map[string]interface{}{
		"texts":     []string{"alpha", "beta"},
		"metadatas": []map[string]interface{}{{"page": 1}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
}

func TestHandleSearch(t *testing.T) {
	srv := newTestServer(t)
	ingest(t, srv, "the quick brown fox", "lorem ipsum dolor")

	w := postJSON(t, srv, srv.handleSearch, map[string]interface{}{
		"query":     "the quick brown fox",
		"top_k":     5,
		"threshold": 0.9,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out struct {
		Results []struct {
			Text  string  `json:"text"`
			Score float64 `json:"score"`
		} `json:"results"`
		Count int `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Count != 1 || out.Results[0].Text != "the quick brown fox" {
		t.Errorf("results: %+v", out)
	}
	if out.Results[0].Score < 0.999 {
		t.Errorf("exact match score: got %f", out.Results[0].Score)
	}
}

func TestHandleSearch_MissingQuery(t *testing.T) {
	srv := newTestServer(t)
	w := postJSON(t, srv, srv.handleSearch, map[string]interface{}{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestHandleQuery_EmptyStore(t *testing.T) {
	srv := newTestServer(t)
	w := postJSON(t, srv, srv.handleQuery, map[string]interface{}{"query": "anything"})
	if w.Code != http.StatusOK {
		t.Fatalf("empty store must not be an error: got %d", w.Code)
	}
	var out queryResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Context != retrieval.NoContextSentinel {
		t.Errorf("context = %q", out.Context)
	}
	if len(out.Sources) != 0 || out.Message == "" {
		t.Errorf("response: %+v", out)
	}
}

func TestHandleQuery(t *testing.T) {
	srv := newTestServer(t)
	ingest(t, srv, "the quarterly revenue grew", "unrelated trivia")

	w := postJSON(t, srv, srv.handleQuery, map[string]interface{}{
		"query":     "the quarterly revenue grew",
		"top_k":     3,
		"threshold": 0.5,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out queryResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Sources) == 0 {
		t.Fatal("expected at least one source")
	}
	if !strings.Contains(out.Context, "the quarterly revenue grew") {
		t.Errorf("context = %q", out.Context)
	}
	if out.Sources[0].Similarity < 0.999 {
		t.Errorf("similarity: got %f", out.Sources[0].Similarity)
	}

	// The query must be logged.
	r := httptest.NewRequest(http.MethodGet, "/api/v1/queries/recent", nil)
	rec := httptest.NewRecorder()
	srv.handleRecentQueries(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("recent queries status: got %d", rec.Code)
	}
	var logged struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&logged); err != nil {
		t.Fatal(err)
	}
	if logged.Count != 1 {
		t.Errorf("logged queries: got %d, want 1", logged.Count)
	}
}

func TestHandleQuery_WidensWhenThresholdExhausts(t *testing.T) {
	srv := newTestServer(t)
	ingest(t, srv, "first entry", "second entry")

	w := postJSON(t, srv, srv.handleQuery, map[string]interface{}{
		"query":     "completely different topic",
		"top_k":     2,
		"threshold": 0.999999,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out queryResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Sources) == 0 {
		t.Fatal("fallback pass should return weaker matches")
	}
	if !out.Widened {
		t.Error("response should be marked widened")
	}
}

func TestHandleStats(t *testing.T) {
	srv := newTestServer(t)
	ingest(t, srv, "alpha", "beta", "gamma")

	r := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	w := httptest.NewRecorder()
	srv.handleStats(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out struct {
		TotalVectors   int    `json:"total_vectors"`
		ChunksCount    int    `json:"chunks_count"`
		IsSynced       bool   `json:"is_synced"`
		Documents      int64  `json:"documents"`
		Metric         string `json:"metric"`
		DiskUsageBytes *int64 `json:"disk_usage_bytes"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.TotalVectors != 3 || out.ChunksCount != 3 || !out.IsSynced {
		t.Errorf("stats: %+v", out)
	}
	if out.Documents != 1 {
		t.Errorf("documents: got %d, want 1", out.Documents)
	}
	if out.Metric != "inner_product" {
		t.Errorf("metric: got %s", out.Metric)
	}
	if out.DiskUsageBytes == nil || *out.DiskUsageBytes < 1 {
		t.Error("expected disk_usage_bytes in response")
	}
}

func TestHandleCheckSyncAndRepair(t *testing.T) {
	srv := newTestServer(t)
	ingest(t, srv, "alpha", "beta")

	r := httptest.NewRequest(http.MethodGet, "/api/v1/check-sync", nil)
	w := httptest.NewRecorder()
	srv.handleCheckSync(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("check-sync status: got %d", w.Code)
	}
	var report struct {
		IsSynced bool `json:"is_synced"`
	}
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if !report.IsSynced {
		t.Error("fresh ingest should be in sync")
	}

	r = httptest.NewRequest(http.MethodPost, "/api/v1/repair", nil)
	w = httptest.NewRecorder()
	srv.handleRepair(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("repair status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out struct {
		BackupLocation string `json:"backup_location"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.BackupLocation == "" {
		t.Error("repair should report a backup location")
	}
}

func TestHandleReset(t *testing.T) {
	srv := newTestServer(t)
	ingest(t, srv, "alpha")

	r := httptest.NewRequest(http.MethodPost, "/api/v1/reset", nil)
	w := httptest.NewRecorder()
	srv.handleReset(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out struct {
		Stats struct {
			TotalVectors int `json:"total_vectors"`
			ChunksCount  int `json:"chunks_count"`
		} `json:"stats"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Stats.TotalVectors != 0 || out.Stats.ChunksCount != 0 {
		t.Errorf("stats after reset: %+v", out.Stats)
	}
}

func TestHandleMigrateIndex(t *testing.T) {
	srv := newTestServer(t)
	ingest(t, srv, "alpha")

	w := postJSON(t, srv, srv.handleMigrateIndex, map[string]string{"metric": "squared_l2"})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out struct {
		Metric         string `json:"metric"`
		BackupLocation string `json:"backup_location"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Metric != "squared_l2" || out.BackupLocation == "" {
		t.Errorf("response: %+v", out)
	}

	// Same metric again: no-op.
	w = postJSON(t, srv, srv.handleMigrateIndex, map[string]string{"metric": "squared_l2"})
	if w.Code != http.StatusOK {
		t.Fatalf("no-op status: got %d", w.Code)
	}

	w = postJSON(t, srv, srv.handleMigrateIndex, map[string]string{"metric": "hamming"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown metric: got %d, want 400", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.Status, "empty") {
		t.Errorf("empty store health: got %q", out.Status)
	}

	ingest(t, srv, "alpha")
	w = httptest.NewRecorder()
	srv.handleHealth(w, r)
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "healthy" {
		t.Errorf("health after ingest: got %q", out.Status)
	}
}
