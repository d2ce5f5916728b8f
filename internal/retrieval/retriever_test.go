package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/finsight/docqa/internal/models"
)

type stubReranker struct {
	results []models.ScoredChunk
	err     error
	calls   int
	lastN   int
}

func (s *stubReranker) Rerank(ctx context.Context, query string, candidates []models.ScoredChunk, topK int) ([]models.ScoredChunk, error) {
	s.calls++
	s.lastN = len(candidates)
	if s.err != nil {
		return nil, s.err
	}
	if s.results != nil {
		return s.results, nil
	}
	out := candidates
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func TestRetriever_ThresholdExhaustionAndWiden(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.AddDocuments(ctx, chunkInputs("alpha", "beta", "gamma"), ""); err != nil {
		t.Fatal(err)
	}
	retriever := NewRetriever(store, nil, nil)

	// Nothing scores 0.9 against an unrelated query.
	strict, err := retriever.Retrieve(ctx, "completely unrelated", 5, 0.9)
	if err != nil {
		t.Fatal(err)
	}
	if len(strict.Results) != 0 {
		t.Fatalf("expected no results at threshold 0.9, got %d", len(strict.Results))
	}

	widened, err := retriever.RetrieveWithFallback(ctx, "completely unrelated", 5, 0.9)
	if err != nil {
		t.Fatal(err)
	}
	if len(widened.Results) == 0 {
		t.Error("fallback pass should return weaker matches")
	}
	if !widened.Widened {
		t.Error("fallback result should be marked widened")
	}
}

func TestRetriever_NoFallbackWhenResultsExist(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.AddDocuments(ctx, chunkInputs("exact match text"), ""); err != nil {
		t.Fatal(err)
	}
	retriever := NewRetriever(store, nil, nil)

	result, err := retriever.RetrieveWithFallback(ctx, "exact match text", 5, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if result.Widened {
		t.Error("fallback should not run when the first pass has results")
	}
	if len(result.Results) == 0 {
		t.Error("expected results")
	}
}

func TestRetriever_RerankerReorders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.AddDocuments(ctx, chunkInputs("first", "second", "third"), ""); err != nil {
		t.Fatal(err)
	}
	reranker := &stubReranker{results: []models.ScoredChunk{{Text: "third", Score: 0.95}}}
	retriever := NewRetriever(store, reranker, nil)

	result, err := retriever.Retrieve(ctx, "first", 2, -1.0)
	if err != nil {
		t.Fatal(err)
	}
	if reranker.calls != 1 {
		t.Fatalf("reranker called %d times, want 1", reranker.calls)
	}
	if len(result.Results) != 1 || result.Results[0].Text != "third" {
		t.Errorf("reranked ordering not applied: %+v", result.Results)
	}
	if result.Degraded {
		t.Error("successful rerank must not be marked degraded")
	}
}

func TestRetriever_RerankerFailureFailsOpen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.AddDocuments(ctx, chunkInputs("a", "b", "c"), ""); err != nil {
		t.Fatal(err)
	}
	reranker := &stubReranker{err: errors.New("provider down")}
	retriever := NewRetriever(store, reranker, nil)

	result, err := retriever.Retrieve(ctx, "a", 2, -1.0)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Degraded || result.DegradedReason == "" {
		t.Error("reranker failure should be surfaced as degraded")
	}
	if len(result.Results) != 2 {
		t.Errorf("fail-open should return pre-rerank results truncated to topK, got %d", len(result.Results))
	}
	if result.Results[0].Score < result.Results[1].Score {
		t.Error("degraded results should keep similarity ordering")
	}
}

func TestRetriever_CandidateWideningCap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	texts := make([]string, 40)
	for i := range texts {
		texts[i] = "chunk number " + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	if err := store.AddDocuments(ctx, chunkInputs(texts...), ""); err != nil {
		t.Fatal(err)
	}
	reranker := &stubReranker{}
	retriever := NewRetriever(store, reranker, nil)

	if _, err := retriever.Retrieve(ctx, "chunk", 20, -1.0); err != nil {
		t.Fatal(err)
	}
	if reranker.lastN != maxRerankCandidates {
		t.Errorf("reranker received %d candidates, want cap %d", reranker.lastN, maxRerankCandidates)
	}

	reranker.lastN = 0
	if _, err := retriever.Retrieve(ctx, "chunk", 3, -1.0); err != nil {
		t.Fatal(err)
	}
	if reranker.lastN != 6 {
		t.Errorf("reranker received %d candidates, want topK*2=6", reranker.lastN)
	}
}
