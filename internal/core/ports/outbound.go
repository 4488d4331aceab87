package ports

import (
	"context"
	"time"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Tokenizer counts tokens deterministically for chunk sizing.
type Tokenizer interface {
	Count(text string) int
}

// Chunker splits one document's text into ordered passages.
type Chunker interface {
	Split(text string) []domain.Passage
}

// Searcher ranks corpus chunks for a query.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]domain.RetrievalResult, error)
}

// RetrievalIndex is a build-once, read-many ranking structure over a chunk corpus.
type RetrievalIndex interface {
	Searcher
	Build(ctx context.Context, chunks []domain.Chunk) error
	// Save stamps the built state with buildID and persists it.
	Save(ctx context.Context, path, buildID string) error
	Load(ctx context.Context, path string) error
	Identity() domain.BuildIdentity
	Size() int
}

// CorpusLoader supplies source documents from document acquisition.
type CorpusLoader interface {
	Load(ctx context.Context, path string) ([]domain.SourceDocument, error)
}

// AnswerGenerator creates the final user-facing answer.
type AnswerGenerator interface {
	GenerateAnswer(ctx context.Context, question string, chunks []domain.ScoredChunk) (string, error)
}

// ChunkCatalog persists the built chunk corpus of every build for downstream tooling.
type ChunkCatalog interface {
	SaveCorpus(ctx context.Context, buildID string, chunks []domain.Chunk) error
	GetChunk(ctx context.Context, buildID, chunkID string) (*domain.Chunk, error)
	LatestBuildID(ctx context.Context) (string, error)
}

// IndexEventPublisher announces finished index builds.
type IndexEventPublisher interface {
	PublishIndexBuilt(ctx context.Context, event domain.IndexBuiltEvent) error
}

// IndexEventSubscriber receives index build announcements until ctx is done.
type IndexEventSubscriber interface {
	SubscribeIndexBuilt(ctx context.Context, handler func(context.Context, domain.IndexBuiltEvent) error) error
}

// RetrievalObserver records retrieval telemetry.
type RetrievalObserver interface {
	ObserveSource(source domain.Source, duration time.Duration, err error)
	ObserveFused(count int)
}

// BuildObserver records index build telemetry.
type BuildObserver interface {
	ObserveBuild(duration time.Duration, chunks int, err error)
}
