package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/finsight/docqa/internal/models"
	"github.com/finsight/docqa/pkg/utils"
)

// ErrRerankerUnavailable is returned when the reranking provider is
// misconfigured or unreachable.
var ErrRerankerUnavailable = errors.New("reranker unavailable")

const rerankSystemPrompt = `You rank text passages by relevance to a question.
Reply with a JSON array only, most relevant first, one object per passage:
[{"index": <passage number>, "score": <relevance 0.0-1.0>}]
Include every passage exactly once.`

// LLMReranker scores candidates with a chat-completion model.
type LLMReranker struct {
	client *openai.Client
	model  string
}

// NewLLMReranker creates a reranker using the given chat model. The API key is
// read from the OPENAI_API_KEY environment variable.
func NewLLMReranker(model string) (*LLMReranker, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY not set", ErrRerankerUnavailable)
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &LLMReranker{client: openai.NewClient(apiKey), model: model}, nil
}

type rankedEntry struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Rerank asks the model to order candidates by relevance and returns the top
// topK with the model's scores. Malformed model output is an error; the caller
// decides whether to degrade.
func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []models.ScoredChunk, topK int) ([]models.ScoredChunk, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\nPassages:\n", query)
	for i, c := range candidates {
		fmt.Fprintf(&sb, "[%d] %s\n\n", i, utils.Truncate(c.Text, 1500))
	}

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       r.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: rerankSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: sb.String()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRerankerUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", ErrRerankerUnavailable)
	}

	ranked, err := parseRanking(resp.Choices[0].Message.Content, len(candidates))
	if err != nil {
		return nil, err
	}
	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}
	out := make([]models.ScoredChunk, 0, len(ranked))
	for _, entry := range ranked {
		c := candidates[entry.Index]
		c.Score = entry.Score
		out = append(out, c)
	}
	return out, nil
}

// parseRanking decodes the model's JSON array, tolerating surrounding prose or
// code fences, and rejects duplicate or out-of-range indices.
func parseRanking(content string, n int) ([]rankedEntry, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("reranker reply contains no JSON array")
	}
	var ranked []rankedEntry
	if err := json.Unmarshal([]byte(content[start:end+1]), &ranked); err != nil {
		return nil, fmt.Errorf("failed to parse reranker reply: %w", err)
	}
	seen := make(map[int]bool, len(ranked))
	valid := ranked[:0]
	for _, entry := range ranked {
		if entry.Index < 0 || entry.Index >= n || seen[entry.Index] {
			continue
		}
		seen[entry.Index] = true
		valid = append(valid, entry)
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("reranker reply referenced no valid passages")
	}
	return valid, nil
}
