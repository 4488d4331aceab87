package usecase

import (
	"fmt"
	"strings"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

// ChunkCorpusUseCase turns source documents into the corpus both indexes are built from.
type ChunkCorpusUseCase struct {
	chunker ports.Chunker
}

func NewChunkCorpusUseCase(chunker ports.Chunker) *ChunkCorpusUseCase {
	return &ChunkCorpusUseCase{chunker: chunker}
}

// Chunk assigns corpus-wide ids in document order. Documents without text are skipped.
func (uc *ChunkCorpusUseCase) Chunk(docs []domain.SourceDocument) ([]domain.Chunk, domain.CorpusStats) {
	stats := domain.CorpusStats{Documents: len(docs)}
	corpus := make([]domain.Chunk, 0, len(docs))

	for _, doc := range docs {
		if strings.TrimSpace(doc.Text) == "" {
			stats.Skipped++
			continue
		}

		parts := uc.chunker.Split(doc.Text)
		for position, part := range parts {
			ordinal := len(corpus)
			corpus = append(corpus, domain.Chunk{
				ID:              chunkID(ordinal),
				Text:            part.Text,
				Title:           doc.Title,
				SourceURL:       doc.SourceURL,
				Position:        position,
				TotalInDocument: len(parts),
				TokenCount:      part.Tokens,
				Ordinal:         ordinal,
			})
		}
	}

	fillTokenStats(&stats, corpus)
	return corpus, stats
}

func chunkID(ordinal int) string {
	return fmt.Sprintf("chunk_%d", ordinal)
}

func fillTokenStats(stats *domain.CorpusStats, corpus []domain.Chunk) {
	stats.Chunks = len(corpus)
	if len(corpus) == 0 {
		return
	}
	total := 0
	stats.MinTokens = corpus[0].TokenCount
	for _, chunk := range corpus {
		total += chunk.TokenCount
		stats.MinTokens = min(stats.MinTokens, chunk.TokenCount)
		stats.MaxTokens = max(stats.MaxTokens, chunk.TokenCount)
	}
	stats.AvgTokens = float64(total) / float64(len(corpus))
}
