package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kirillkom/hybrid-retrieval/internal/config"
	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/usecase"
)

func testConfig(t *testing.T, docs []domain.SourceDocument) config.Config {
	t.Helper()
	dir := t.TempDir()

	raw, err := json.Marshal(docs)
	if err != nil {
		t.Fatalf("marshal corpus: %v", err)
	}
	corpusPath := filepath.Join(dir, "corpus.json")
	if err := os.WriteFile(corpusPath, raw, 0o600); err != nil {
		t.Fatalf("write corpus: %v", err)
	}

	cfg := config.Defaults()
	cfg.CorpusPath = corpusPath
	cfg.ArtifactDir = filepath.Join(dir, "index")
	cfg.EmbeddingDim = 64
	cfg.EmbeddingConcurrency = 2
	cfg.ChunkTokenizer = "words"
	cfg.ChunkMinTokens = 3
	cfg.ChunkMaxTokens = 40
	cfg.ChunkOverlapTokens = 1
	cfg.ChunkTailPolicy = "keep"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config must validate: %v", err)
	}
	return cfg
}

func build(t *testing.T, cfg config.Config) *usecase.BuildReport {
	t.Helper()
	indexer, err := NewIndexer(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new indexer: %v", err)
	}
	defer indexer.Close()

	report, err := indexer.BuildUC.Build(context.Background(), indexer.Request())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return report
}

var firstCorpus = []domain.SourceDocument{
	{Title: "Fusion", SourceURL: "https://example.org/rrf", Text: "Reciprocal rank fusion merges ranked lists. It only needs ranks."},
	{Title: "BM25", SourceURL: "https://example.org/bm25", Text: "BM25 scoring saturates term frequency. Long documents are normalised."},
	{Title: "Dense", SourceURL: "https://example.org/dense", Text: "Dense retrieval compares unit vectors. Inner product equals cosine."},
}

func TestAppServesAfterLoad(t *testing.T) {
	cfg := testConfig(t, firstCorpus)
	app, err := NewAPI(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	defer app.Close()

	if app.Ready() {
		t.Fatalf("app must not be ready before load")
	}
	if _, err := app.Retrieve(context.Background(), "bm25"); !domain.IsKind(err, domain.ErrNotBuilt) {
		t.Fatalf("expected ErrNotBuilt before load, got %v", err)
	}

	report := build(t, cfg)
	if report.Event.ChunkCount != 3 || report.Event.Dimension != 64 {
		t.Fatalf("unexpected build event: %+v", report.Event)
	}

	if err := app.LoadConfigured(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !app.Ready() {
		t.Fatalf("app must be ready after load")
	}

	result, err := app.Retrieve(context.Background(), "bm25 scoring")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(result.Results) == 0 || len(result.Results) > cfg.FinalTopN {
		t.Fatalf("unexpected result count %d", len(result.Results))
	}
	found := false
	for _, fused := range result.Results {
		if strings.Contains(fused.Chunk.Text, "BM25") {
			found = true
			if fused.SparseRank == nil || *fused.SparseRank != 1 {
				t.Fatalf("expected BM25 chunk first in sparse list, got %+v", fused.SparseRank)
			}
		}
	}
	if !found {
		t.Fatalf("expected the BM25 chunk among results: %+v", result.Results)
	}

	if got := app.engine.Load().BuildID; got != report.BuildID {
		t.Fatalf("expected engine to carry build %s from the artifacts, got %s", report.BuildID, got)
	}
	chunk, err := app.GetChunk(context.Background(), "", result.Results[0].Chunk.ID)
	if err != nil || chunk.ID != result.Results[0].Chunk.ID {
		t.Fatalf("expected chunk lookup for %s, got %v", result.Results[0].Chunk.ID, err)
	}
}

func TestReloadSwapsEngineWithoutTouchingPreviousOne(t *testing.T) {
	cfg := testConfig(t, firstCorpus)
	build(t, cfg)

	app, err := NewAPI(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	defer app.Close()
	if err := app.LoadConfigured(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	previous := app.engine.Load()

	next := testConfig(t, append(firstCorpus, domain.SourceDocument{
		Title: "Chunking",
		Text:  "Chunks are token bounded passages. Overlap keeps context across boundaries.",
	}))
	report := build(t, next)

	if err := app.Reload(context.Background(), report.Event); err != nil {
		t.Fatalf("reload: %v", err)
	}

	current := app.engine.Load()
	if current == previous {
		t.Fatalf("expected a fresh engine after reload")
	}
	if current.BuildID != report.BuildID || current.Dense.Size() != 4 {
		t.Fatalf("unexpected engine after reload: build=%s size=%d", current.BuildID, current.Dense.Size())
	}
	if previous.Dense.Size() != 3 || previous.Sparse.Size() != 3 {
		t.Fatalf("previous engine must stay intact, got %d/%d", previous.Dense.Size(), previous.Sparse.Size())
	}
}

func TestReloadRejectsMismatchedBuildAndKeepsServing(t *testing.T) {
	cfg := testConfig(t, firstCorpus)
	report := build(t, cfg)

	app, err := NewAPI(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	defer app.Close()
	if err := app.LoadConfigured(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	before := app.engine.Load()

	event := report.Event
	event.Dimension = 32
	if err := app.Reload(context.Background(), event); !domain.IsKind(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}

	missing := report.Event
	missing.SparseArtifact = filepath.Join(t.TempDir(), "absent.idx")
	if err := app.Reload(context.Background(), missing); !domain.IsKind(err, domain.ErrPersistence) {
		t.Fatalf("expected persistence error for missing artifact, got %v", err)
	}

	if app.engine.Load() != before {
		t.Fatalf("failed reloads must keep the serving engine")
	}
}

var secondCorpus = []domain.SourceDocument{
	{Title: "Chunking", SourceURL: "https://example.org/chunks", Text: "Chunks are token bounded passages. Overlap keeps context."},
	{Title: "Reload", SourceURL: "https://example.org/reload", Text: "Reloads swap a fresh engine in. Old queries finish undisturbed."},
	{Title: "Events", SourceURL: "https://example.org/events", Text: "Builds announce themselves on a subject. Servers reload on receipt."},
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return raw
}

func TestLoadRejectsArtifactsFromDifferentBuilds(t *testing.T) {
	cases := []struct {
		name   string
		second []domain.SourceDocument
	}{
		{name: "same corpus rebuilt", second: firstCorpus},
		{name: "different corpus of equal size", second: secondCorpus},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t, firstCorpus)
			build(t, cfg)
			staleDense := readFile(t, cfg.DenseArtifactPath())

			next := testConfig(t, tc.second)
			next.ArtifactDir = cfg.ArtifactDir
			build(t, next)
			if err := os.WriteFile(cfg.DenseArtifactPath(), staleDense, 0o600); err != nil {
				t.Fatalf("restore dense artifact: %v", err)
			}

			app, err := NewAPI(context.Background(), cfg)
			if err != nil {
				t.Fatalf("new api: %v", err)
			}
			defer app.Close()

			if err := app.LoadConfigured(context.Background()); !domain.IsKind(err, domain.ErrPersistence) {
				t.Fatalf("expected persistence error for a mixed artifact pair, got %v", err)
			}
			if app.Ready() {
				t.Fatalf("a mixed artifact pair must not be served")
			}
		})
	}
}

func TestReloadRejectsEventForOverwrittenArtifacts(t *testing.T) {
	cfg := testConfig(t, firstCorpus)
	stale := build(t, cfg)
	fresh := build(t, cfg)

	app, err := NewAPI(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	defer app.Close()

	if err := app.Reload(context.Background(), stale.Event); !domain.IsKind(err, domain.ErrPersistence) {
		t.Fatalf("expected persistence error for an event whose artifacts were replaced, got %v", err)
	}
	if err := app.Reload(context.Background(), fresh.Event); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := app.engine.Load().BuildID; got != fresh.BuildID {
		t.Fatalf("expected build %s served, got %s", fresh.BuildID, got)
	}
}

func TestRepeatedBuildsRetrieveIdentically(t *testing.T) {
	cfg := testConfig(t, append(append([]domain.SourceDocument{}, firstCorpus...), secondCorpus...))
	queries := []string{"bm25 scoring", "rank fusion", "reload engine", "token bounded passages"}

	app, err := NewAPI(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	defer app.Close()

	retrieveAll := func() []string {
		var out []string
		for _, q := range queries {
			result, err := app.Retrieve(context.Background(), q)
			if err != nil {
				t.Fatalf("retrieve %q: %v", q, err)
			}
			for _, fused := range result.Results {
				out = append(out, fmt.Sprintf("%s|%s|%.12f|%v|%v", q, fused.Chunk.ID, fused.RRFScore, rankOf(fused.DenseRank), rankOf(fused.SparseRank)))
			}
		}
		return out
	}

	first := build(t, cfg)
	if err := app.Reload(context.Background(), first.Event); err != nil {
		t.Fatalf("reload first: %v", err)
	}
	before := retrieveAll()

	second := build(t, cfg)
	if second.BuildID == first.BuildID {
		t.Fatalf("expected distinct build ids")
	}
	if err := app.Reload(context.Background(), second.Event); err != nil {
		t.Fatalf("reload second: %v", err)
	}
	after := retrieveAll()

	if len(before) == 0 || strings.Join(before, "\n") != strings.Join(after, "\n") {
		t.Fatalf("expected identical retrieval across builds:\n%s\nvs\n%s", strings.Join(before, "\n"), strings.Join(after, "\n"))
	}
}

func rankOf(rank *int) int {
	if rank == nil {
		return 0
	}
	return *rank
}

type catalogFake struct {
	latest string
	chunks map[string]map[string]domain.Chunk
}

func (f *catalogFake) SaveCorpus(_ context.Context, buildID string, chunks []domain.Chunk) error {
	if f.chunks == nil {
		f.chunks = map[string]map[string]domain.Chunk{}
	}
	byID := make(map[string]domain.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}
	f.chunks[buildID] = byID
	f.latest = buildID
	return nil
}

func (f *catalogFake) GetChunk(_ context.Context, buildID, chunkID string) (*domain.Chunk, error) {
	chunk, ok := f.chunks[buildID][chunkID]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get chunk", errors.New(buildID+"/"+chunkID))
	}
	return &chunk, nil
}

func (f *catalogFake) LatestBuildID(context.Context) (string, error) {
	if f.latest == "" {
		return "", domain.WrapError(domain.ErrNotFound, "latest build", errors.New("no builds recorded"))
	}
	return f.latest, nil
}

func TestGetChunkFallsBackToCatalog(t *testing.T) {
	cfg := testConfig(t, firstCorpus)
	app, err := NewAPI(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	defer app.Close()
	ctx := context.Background()

	if _, err := app.GetChunk(ctx, "", "chunk_0"); !domain.IsKind(err, domain.ErrNotBuilt) {
		t.Fatalf("expected ErrNotBuilt without indexes or catalog, got %v", err)
	}

	catalog := &catalogFake{}
	_ = catalog.SaveCorpus(ctx, "old-build", []domain.Chunk{{ID: "chunk_0", Text: "archived passage"}})
	app.Catalog = catalog

	chunk, err := app.GetChunk(ctx, "", "chunk_0")
	if err != nil || chunk.Text != "archived passage" {
		t.Fatalf("expected the latest catalog build while nothing is loaded, got %+v, %v", chunk, err)
	}

	report := build(t, cfg)
	if err := app.LoadConfigured(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	served, err := app.GetChunk(ctx, "", "chunk_0")
	if err != nil || served.Text == "archived passage" {
		t.Fatalf("expected the loaded build to serve chunk_0, got %+v, %v", served, err)
	}
	if _, err := app.GetChunk(ctx, report.BuildID, "chunk_99"); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for a missing chunk of the served build, got %v", err)
	}

	archived, err := app.GetChunk(ctx, "old-build", "chunk_0")
	if err != nil || archived.Text != "archived passage" {
		t.Fatalf("expected catalog lookup for an earlier build, got %+v, %v", archived, err)
	}

	app.Catalog = nil
	if _, err := app.GetChunk(ctx, "old-build", "chunk_0"); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for an earlier build without a catalog, got %v", err)
	}
}
