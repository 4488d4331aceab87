package usecase

import (
	"strings"
	"testing"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

type pipeChunkerFake struct{}

// Split reports one token per field plus one, so the use case must take the chunker's count.
func (pipeChunkerFake) Split(text string) []domain.Passage {
	var out []domain.Passage
	for _, part := range strings.Split(text, "|") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, domain.Passage{Text: p, Tokens: len(strings.Fields(p)) + 1})
		}
	}
	return out
}

func TestChunkCorpusAssignsGlobalIDsAndPositions(t *testing.T) {
	uc := NewChunkCorpusUseCase(pipeChunkerFake{})
	docs := []domain.SourceDocument{
		{Title: "first", SourceURL: "https://a", Text: "one two | three"},
		{Title: "empty", SourceURL: "https://b", Text: "   "},
		{Title: "second", SourceURL: "https://c", Text: "four five six | seven | eight nine"},
	}

	chunks, stats := uc.Chunk(docs)
	if len(chunks) != 5 {
		t.Fatalf("expected 5 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Ordinal != i || c.ID != chunkID(i) {
			t.Fatalf("chunk %d: unexpected identity id=%s ordinal=%d", i, c.ID, c.Ordinal)
		}
	}
	if chunks[0].ID != "chunk_0" || chunks[4].ID != "chunk_4" {
		t.Fatalf("unexpected id format: %s..%s", chunks[0].ID, chunks[4].ID)
	}

	third := chunks[3]
	if third.Title != "second" || third.SourceURL != "https://c" {
		t.Fatalf("expected metadata from second document, got %+v", third)
	}
	if third.Position != 1 || third.TotalInDocument != 3 {
		t.Fatalf("expected position 1 of 3, got %d of %d", third.Position, third.TotalInDocument)
	}
	if chunks[2].TokenCount != 4 {
		t.Fatalf("expected the chunker's token count 4, got %d", chunks[2].TokenCount)
	}

	if stats.Documents != 3 || stats.Skipped != 1 || stats.Chunks != 5 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.MinTokens != 2 || stats.MaxTokens != 4 || stats.AvgTokens != 14.0/5 {
		t.Fatalf("unexpected token stats %+v", stats)
	}
}

func TestChunkCorpusEmptyInput(t *testing.T) {
	uc := NewChunkCorpusUseCase(pipeChunkerFake{})
	chunks, stats := uc.Chunk(nil)
	if len(chunks) != 0 || stats.Chunks != 0 || stats.MinTokens != 0 {
		t.Fatalf("expected empty corpus, got %d chunks, stats %+v", len(chunks), stats)
	}
}

func TestChunkCorpusIsDeterministic(t *testing.T) {
	uc := NewChunkCorpusUseCase(pipeChunkerFake{})
	docs := []domain.SourceDocument{{Title: "t", Text: "a | b c | d"}}
	first, _ := uc.Chunk(docs)
	second, _ := uc.Chunk(docs)
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("chunk %d differs between runs", i)
		}
	}
}
