package retrieval

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/finsight/docqa/internal/models"
)

// NoContextSentinel is returned by FormatContext when there is nothing usable
// to format. It is never the empty string, so downstream prompt assembly can
// rely on a stable marker.
const NoContextSentinel = "No relevant context found."

// FormatContext renders retrieved chunks into a context string for answer
// synthesis: one block per chunk with its position, an optional page citation
// from the chunk metadata, and the relevance score to three decimals.
// Chunks with blank text are skipped.
func FormatContext(results []models.ScoredChunk) string {
	if len(results) == 0 {
		return NoContextSentinel
	}

	var blocks []string
	for i, res := range results {
		if strings.TrimSpace(res.Text) == "" {
			continue
		}
		citation := ""
		if page, ok := pageNumber(res.Metadata); ok {
			citation = fmt.Sprintf(" - Page %d", page)
		}
		blocks = append(blocks, fmt.Sprintf("[Context %d%s (relevance: %.3f)]\n%s\n",
			i+1, citation, res.Score, res.Text))
	}
	if len(blocks) == 0 {
		return NoContextSentinel
	}
	return strings.Join(blocks, "\n")
}

// pageNumber extracts a page citation from chunk metadata. The first non-nil
// value under the known keys wins; values that cannot be coerced to a positive
// integer are treated as absent.
func pageNumber(metadata map[string]interface{}) (int, bool) {
	if metadata == nil {
		return 0, false
	}
	for _, key := range []string{"page", "page_number", "pageNumber"} {
		raw, ok := metadata[key]
		if !ok || raw == nil {
			continue
		}
		page, ok := coerceInt(raw)
		if !ok || page == 0 {
			return 0, false
		}
		return page, true
	}
	return 0, false
}

func coerceInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
