package ollama

import (
	"fmt"
	"strings"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

func buildAnswerPrompt(question string, chunks []domain.ScoredChunk) string {
	var contextBuilder strings.Builder
	for idx, item := range chunks {
		contextBuilder.WriteString(fmt.Sprintf(
			"[%d] title=%s url=%s score=%.4f\n%s\n\n",
			idx+1,
			item.Chunk.Title,
			item.Chunk.SourceURL,
			item.Score,
			item.Chunk.Text,
		))
	}

	return fmt.Sprintf(`Answer user question only from context below.
Cite passages by their [number]. If context is insufficient, say it directly.

Question:
%s

Context:
%s
`, question, contextBuilder.String())
}
