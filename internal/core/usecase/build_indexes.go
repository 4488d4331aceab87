package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

type BuildRequest struct {
	CorpusPath     string
	DenseArtifact  string
	SparseArtifact string
}

type BuildReport struct {
	BuildID string
	Stats   domain.CorpusStats
	Event   domain.IndexBuiltEvent
}

// BuildIndexesUseCase runs the offline pipeline: load, chunk, build both indexes, persist, announce.
// catalog, publisher and observer are optional.
type BuildIndexesUseCase struct {
	loader    ports.CorpusLoader
	chunker   *ChunkCorpusUseCase
	dense     ports.RetrievalIndex
	sparse    ports.RetrievalIndex
	catalog   ports.ChunkCatalog
	publisher ports.IndexEventPublisher
	observer  ports.BuildObserver
	now       func() time.Time
}

func NewBuildIndexesUseCase(
	loader ports.CorpusLoader,
	chunker *ChunkCorpusUseCase,
	dense ports.RetrievalIndex,
	sparse ports.RetrievalIndex,
	catalog ports.ChunkCatalog,
	publisher ports.IndexEventPublisher,
	observer ports.BuildObserver,
) *BuildIndexesUseCase {
	return &BuildIndexesUseCase{
		loader:    loader,
		chunker:   chunker,
		dense:     dense,
		sparse:    sparse,
		catalog:   catalog,
		publisher: publisher,
		observer:  observer,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (uc *BuildIndexesUseCase) Build(ctx context.Context, req BuildRequest) (*BuildReport, error) {
	start := time.Now()
	report, err := uc.run(ctx, req)
	if uc.observer != nil {
		chunks := 0
		if report != nil {
			chunks = report.Stats.Chunks
		}
		uc.observer.ObserveBuild(time.Since(start), chunks, err)
	}
	return report, err
}

func (uc *BuildIndexesUseCase) run(ctx context.Context, req BuildRequest) (*BuildReport, error) {
	docs, err := uc.loader.Load(ctx, req.CorpusPath)
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}

	chunks, stats := uc.chunker.Chunk(docs)
	slog.Info("corpus_chunked",
		"documents", stats.Documents,
		"skipped", stats.Skipped,
		"chunks", stats.Chunks,
		"min_tokens", stats.MinTokens,
		"max_tokens", stats.MaxTokens,
		"avg_tokens", stats.AvgTokens,
	)
	if len(chunks) == 0 {
		return nil, domain.WrapError(domain.ErrEmptyCorpus, "chunk corpus", errors.New("chunking produced zero chunks"))
	}

	if err := uc.buildIndexes(ctx, chunks); err != nil {
		return nil, err
	}

	report := &BuildReport{BuildID: uuid.NewString(), Stats: stats}
	if err := uc.saveIndexes(ctx, req, report.BuildID); err != nil {
		return nil, err
	}
	if uc.catalog != nil {
		if err := uc.catalog.SaveCorpus(ctx, report.BuildID, chunks); err != nil {
			return nil, fmt.Errorf("save chunk catalog: %w", err)
		}
	}

	densePath, err := filepath.Abs(req.DenseArtifact)
	if err != nil {
		return nil, fmt.Errorf("resolve dense artifact path: %w", err)
	}
	sparsePath, err := filepath.Abs(req.SparseArtifact)
	if err != nil {
		return nil, fmt.Errorf("resolve sparse artifact path: %w", err)
	}

	// Subscribers run elsewhere, so the event carries absolute paths.
	report.Event = domain.IndexBuiltEvent{
		BuildID:        report.BuildID,
		DenseArtifact:  densePath,
		SparseArtifact: sparsePath,
		ChunkCount:     len(chunks),
		Dimension:      indexDimension(uc.dense),
		BuiltAt:        uc.now(),
	}
	if uc.publisher != nil {
		if err := uc.publisher.PublishIndexBuilt(ctx, report.Event); err != nil {
			return nil, fmt.Errorf("publish index built: %w", err)
		}
	}

	slog.Info("index_build_finished",
		"build_id", report.BuildID,
		"chunks", len(chunks),
		"dense_artifact", densePath,
		"sparse_artifact", sparsePath,
	)
	return report, nil
}

func (uc *BuildIndexesUseCase) buildIndexes(ctx context.Context, chunks []domain.Chunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := uc.dense.Build(gctx, chunks); err != nil {
			return fmt.Errorf("build dense index: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := uc.sparse.Build(gctx, chunks); err != nil {
			return fmt.Errorf("build sparse index: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (uc *BuildIndexesUseCase) saveIndexes(ctx context.Context, req BuildRequest, buildID string) error {
	if err := uc.dense.Save(ctx, req.DenseArtifact, buildID); err != nil {
		return fmt.Errorf("save dense index: %w", err)
	}
	if err := uc.sparse.Save(ctx, req.SparseArtifact, buildID); err != nil {
		return fmt.Errorf("save sparse index: %w", err)
	}
	return nil
}

func indexDimension(index ports.RetrievalIndex) int {
	if d, ok := index.(interface{ Dimension() int }); ok {
		return d.Dimension()
	}
	return 0
}
