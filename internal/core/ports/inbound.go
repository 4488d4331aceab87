package ports

import (
	"context"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

// HybridRetriever is the inbound contract for fused dense+sparse retrieval.
type HybridRetriever interface {
	Retrieve(ctx context.Context, query string) (*domain.HybridResult, error)
}

// ChunkService resolves chunk metadata by id. An empty buildID means the serving build.
type ChunkService interface {
	GetChunk(ctx context.Context, buildID, chunkID string) (*domain.Chunk, error)
}

// QueryService is the inbound contract for retrieval-augmented answers.
type QueryService interface {
	Answer(ctx context.Context, question string) (*domain.Answer, error)
}
