package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirillkom/hybrid-retrieval/internal/config"
	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
	"github.com/kirillkom/hybrid-retrieval/internal/core/usecase"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/index/dense"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/index/sparse"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/queue/nats"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/hybrid-retrieval/internal/observability/metrics"
)

// Engine is one immutable serving generation: a loaded index pair and the use cases over it.
type Engine struct {
	BuildID   string
	Dense     *dense.Index
	Sparse    *sparse.Index
	Retriever *usecase.HybridRetrieveUseCase
	Query     *usecase.QueryUseCase
}

// App owns the serving engine of the API process. Reloads build a fresh Engine
// and swap it in; in-flight queries keep the generation they started with.
type App struct {
	Config  config.Config
	Metrics *metrics.HTTPServerMetrics
	Events  *nats.Events
	// Catalog is nil unless POSTGRES_DSN is set.
	Catalog ports.ChunkCatalog

	embedder  ports.Embedder
	modelInfo string
	generator ports.AnswerGenerator

	engine   atomic.Pointer[Engine]
	reloadMu sync.Mutex

	closeFn func()
}

func NewAPI(ctx context.Context, cfg config.Config) (*App, error) {
	executor := newExecutor(cfg, 0)
	embedder, modelInfo, err := newEmbedder(cfg, newExecutor(cfg, cfg.EmbeddingRateLimitRPS))
	if err != nil {
		return nil, err
	}
	generator := ollama.NewGenerator(ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, executor))

	app := &App{
		Config:    cfg,
		Metrics:   metrics.NewHTTPServerMetrics("api"),
		embedder:  embedder,
		modelInfo: modelInfo,
		generator: generator,
	}

	var closers []func()
	app.closeFn = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.PostgresDSN != "" {
		catalog, closeDB, err := openCatalog(ctx, cfg.PostgresDSN)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Catalog = catalog
		closers = append(closers, closeDB)
	}
	if cfg.NATSURL != "" {
		events, err := nats.New(cfg.NATSURL, cfg.NATSSubject, nats.Options{ResilienceExecutor: executor})
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("init index events: %w", err)
		}
		app.Events = events
		closers = append(closers, events.Close)
	}

	return app, nil
}

// LoadConfigured loads the artifacts under ARTIFACT_DIR, whatever build wrote them.
func (a *App) LoadConfigured(ctx context.Context) error {
	if err := a.load(ctx, "", a.Config.DenseArtifactPath(), a.Config.SparseArtifactPath()); err != nil {
		return err
	}
	if a.Catalog != nil {
		a.warnIfCatalogAhead(ctx)
	}
	return nil
}

func (a *App) warnIfCatalogAhead(ctx context.Context) {
	latest, err := a.Catalog.LatestBuildID(ctx)
	switch {
	case err == nil:
		if loaded := a.engine.Load().BuildID; latest != loaded {
			slog.Warn("catalog_build_differs", "loaded_build_id", loaded, "catalog_build_id", latest)
		}
	case domain.IsKind(err, domain.ErrNotFound):
	default:
		slog.Warn("latest_build_lookup_failed", "error", err)
	}
}

// Reload swaps in the artifacts announced by an index-built event.
func (a *App) Reload(ctx context.Context, event domain.IndexBuiltEvent) error {
	err := a.reload(ctx, event)
	if a.Metrics != nil {
		a.Metrics.RecordReload(err)
	}
	return err
}

func (a *App) reload(ctx context.Context, event domain.IndexBuiltEvent) error {
	if event.DenseArtifact == "" || event.SparseArtifact == "" {
		return domain.WrapError(domain.ErrInvalidInput, "reload", errors.New("event names no artifacts"))
	}
	if event.Dimension != 0 && event.Dimension != a.Config.EmbeddingDim {
		return domain.WrapError(
			domain.ErrDimensionMismatch,
			"reload",
			fmt.Errorf("build %s has dimension %d, configured %d", event.BuildID, event.Dimension, a.Config.EmbeddingDim),
		)
	}
	return a.load(ctx, event.BuildID, event.DenseArtifact, event.SparseArtifact)
}

// load swaps in the artifact pair at the given paths. A non-empty wantBuildID must
// match the build recorded in both artifacts.
func (a *App) load(ctx context.Context, wantBuildID, densePath, sparsePath string) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	start := time.Now()
	engine, err := a.newEngine(ctx, densePath, sparsePath)
	if err != nil {
		return err
	}
	if wantBuildID != "" && engine.BuildID != wantBuildID {
		return domain.WrapError(
			domain.ErrPersistence,
			"load indexes",
			fmt.Errorf("artifacts belong to build %s, expected %s", engine.BuildID, wantBuildID),
		)
	}
	a.engine.Store(engine)

	slog.Info("index_loaded",
		"build_id", engine.BuildID,
		"chunks", engine.Dense.Size(),
		"dense_artifact", densePath,
		"sparse_artifact", sparsePath,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (a *App) newEngine(ctx context.Context, densePath, sparsePath string) (*Engine, error) {
	denseIndex, err := dense.New(a.embedder, dense.Options{
		Dimension: a.Config.EmbeddingDim,
		ModelInfo: a.modelInfo,
	})
	if err != nil {
		return nil, err
	}
	sparseIndex, err := sparse.New(sparse.Params{K1: a.Config.BM25K1, B: a.Config.BM25B})
	if err != nil {
		return nil, err
	}

	if err := denseIndex.Load(ctx, densePath); err != nil {
		return nil, fmt.Errorf("load dense index: %w", err)
	}
	if err := sparseIndex.Load(ctx, sparsePath); err != nil {
		return nil, fmt.Errorf("load sparse index: %w", err)
	}
	denseID, sparseID := denseIndex.Identity(), sparseIndex.Identity()
	if denseID.BuildID != sparseID.BuildID {
		return nil, domain.WrapError(
			domain.ErrPersistence,
			"load indexes",
			fmt.Errorf("dense artifact is from build %s, sparse from build %s", denseID.BuildID, sparseID.BuildID),
		)
	}
	if denseID.Fingerprint != sparseID.Fingerprint || denseIndex.Size() != sparseIndex.Size() {
		return nil, domain.WrapError(
			domain.ErrPersistence,
			"load indexes",
			fmt.Errorf("build %s: dense and sparse artifacts cover different corpora", denseID.BuildID),
		)
	}

	var observer ports.RetrievalObserver
	if a.Metrics != nil {
		observer = a.Metrics
	}
	retriever := usecase.NewHybridRetrieveUseCase(denseIndex, sparseIndex, retrievalOptions(a.Config), observer)

	return &Engine{
		BuildID:   denseID.BuildID,
		Dense:     denseIndex,
		Sparse:    sparseIndex,
		Retriever: retriever,
		Query:     usecase.NewQueryUseCase(retriever, a.generator),
	}, nil
}

func (a *App) Ready() bool {
	return a.engine.Load() != nil
}

func (a *App) Retrieve(ctx context.Context, query string) (*domain.HybridResult, error) {
	engine, err := a.current("retrieve")
	if err != nil {
		return nil, err
	}
	return engine.Retriever.Retrieve(ctx, query)
}

func (a *App) Answer(ctx context.Context, question string) (*domain.Answer, error) {
	engine, err := a.current("answer")
	if err != nil {
		return nil, err
	}
	return engine.Query.Answer(ctx, question)
}

// GetChunk serves chunks of the loaded build from memory. Chunks of other builds, or
// any chunk while nothing is loaded, come from the catalog when one is configured.
func (a *App) GetChunk(ctx context.Context, buildID, chunkID string) (*domain.Chunk, error) {
	engine := a.engine.Load()
	if engine != nil && (buildID == "" || buildID == engine.BuildID) {
		chunk, ok := engine.Dense.Chunk(chunkID)
		if !ok {
			return nil, domain.WrapError(domain.ErrNotFound, "get chunk", fmt.Errorf("chunk %s in build %s", chunkID, engine.BuildID))
		}
		return &chunk, nil
	}

	if a.Catalog == nil {
		if engine == nil {
			return nil, domain.WrapError(domain.ErrNotBuilt, "get chunk", errors.New("indexes are not loaded"))
		}
		return nil, domain.WrapError(domain.ErrNotFound, "get chunk", fmt.Errorf("build %s is not served and no catalog is configured", buildID))
	}
	if buildID == "" {
		latest, err := a.Catalog.LatestBuildID(ctx)
		if err != nil {
			return nil, err
		}
		buildID = latest
	}
	return a.Catalog.GetChunk(ctx, buildID, chunkID)
}

func (a *App) current(operation string) (*Engine, error) {
	engine := a.engine.Load()
	if engine == nil {
		return nil, domain.WrapError(domain.ErrNotBuilt, operation, errors.New("indexes are not loaded"))
	}
	return engine, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func retrievalOptions(cfg config.Config) usecase.RetrievalOptions {
	return usecase.RetrievalOptions{
		DenseK:        cfg.DenseTopK,
		SparseK:       cfg.SparseTopK,
		FinalTopN:     cfg.FinalTopN,
		RRFK:          cfg.RRFK,
		PartialPolicy: usecase.PartialPolicy(cfg.RetrievalPartialPolicy),
	}
}

func openCatalog(ctx context.Context, dsn string) (*postgres.ChunkRepository, func(), error) {
	db, err := postgres.OpenDB(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	repo := postgres.NewChunkRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, func() { _ = db.Close() }, nil
}
