package bootstrap

import (
	"context"
	"fmt"

	"github.com/kirillkom/hybrid-retrieval/internal/config"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
	"github.com/kirillkom/hybrid-retrieval/internal/core/usecase"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/corpus"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/index/dense"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/index/sparse"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/queue/nats"
	"github.com/kirillkom/hybrid-retrieval/internal/observability/metrics"
)

// Indexer wires the offline build pipeline.
type Indexer struct {
	Config  config.Config
	BuildUC *usecase.BuildIndexesUseCase
	Metrics *metrics.IndexMetrics

	closeFn func()
}

// NewIndexer assembles the build pipeline. progress, when set, receives dense embedding progress.
func NewIndexer(ctx context.Context, cfg config.Config, progress func(done, total int)) (*Indexer, error) {
	chunker, err := newChunker(cfg)
	if err != nil {
		return nil, fmt.Errorf("init chunker: %w", err)
	}
	embedder, modelInfo, err := newEmbedder(cfg, newExecutor(cfg, cfg.EmbeddingRateLimitRPS))
	if err != nil {
		return nil, err
	}
	denseIndex, err := dense.New(embedder, dense.Options{
		Dimension:   cfg.EmbeddingDim,
		BatchSize:   cfg.EmbeddingBatchSize,
		Concurrency: cfg.EmbeddingConcurrency,
		ModelInfo:   modelInfo,
		Progress:    progress,
	})
	if err != nil {
		return nil, err
	}
	sparseIndex, err := sparse.New(sparse.Params{K1: cfg.BM25K1, B: cfg.BM25B})
	if err != nil {
		return nil, err
	}

	indexer := &Indexer{
		Config:  cfg,
		Metrics: metrics.NewIndexMetrics("indexer"),
	}
	var closers []func()
	indexer.closeFn = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// Interface values stay untyped nil when a collaborator is disabled.
	var catalog ports.ChunkCatalog
	if cfg.PostgresDSN != "" {
		repo, closeDB, err := openCatalog(ctx, cfg.PostgresDSN)
		if err != nil {
			indexer.Close()
			return nil, err
		}
		catalog = repo
		closers = append(closers, closeDB)
	}
	var publisher ports.IndexEventPublisher
	if cfg.NATSURL != "" {
		events, err := nats.New(cfg.NATSURL, cfg.NATSSubject, nats.Options{ResilienceExecutor: newExecutor(cfg, 0)})
		if err != nil {
			indexer.Close()
			return nil, fmt.Errorf("init index events: %w", err)
		}
		publisher = events
		closers = append(closers, events.Close)
	}

	indexer.BuildUC = usecase.NewBuildIndexesUseCase(
		corpus.NewLoader(),
		chunker,
		denseIndex,
		sparseIndex,
		catalog,
		publisher,
		indexer.Metrics,
	)
	return indexer, nil
}

func (i *Indexer) Request() usecase.BuildRequest {
	return usecase.BuildRequest{
		CorpusPath:     i.Config.CorpusPath,
		DenseArtifact:  i.Config.DenseArtifactPath(),
		SparseArtifact: i.Config.SparseArtifactPath(),
	}
}

func (i *Indexer) Close() {
	if i.closeFn != nil {
		i.closeFn()
	}
}
