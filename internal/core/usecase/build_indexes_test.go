package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

type corpusLoaderFake struct {
	docs []domain.SourceDocument
	err  error
}

func (f *corpusLoaderFake) Load(context.Context, string) ([]domain.SourceDocument, error) {
	return f.docs, f.err
}

type indexFake struct {
	built    []domain.Chunk
	buildErr error
	saved    string
	savedAs  string
	saveErr  error
	dim      int
}

func (f *indexFake) Search(context.Context, string, int) ([]domain.RetrievalResult, error) {
	return nil, nil
}
func (f *indexFake) Build(_ context.Context, chunks []domain.Chunk) error {
	if f.buildErr != nil {
		return f.buildErr
	}
	f.built = chunks
	return nil
}
func (f *indexFake) Save(_ context.Context, path, buildID string) error {
	f.saved = path
	f.savedAs = buildID
	return f.saveErr
}
func (f *indexFake) Load(context.Context, string) error { return nil }
func (f *indexFake) Identity() domain.BuildIdentity {
	return domain.BuildIdentity{BuildID: f.savedAs, Fingerprint: domain.CorpusFingerprint(f.built)}
}
func (f *indexFake) Size() int      { return len(f.built) }
func (f *indexFake) Dimension() int { return f.dim }

type catalogFake struct {
	buildID string
	chunks  []domain.Chunk
}

func (f *catalogFake) SaveCorpus(_ context.Context, buildID string, chunks []domain.Chunk) error {
	f.buildID = buildID
	f.chunks = chunks
	return nil
}
func (f *catalogFake) GetChunk(context.Context, string, string) (*domain.Chunk, error) {
	return nil, domain.ErrNotFound
}
func (f *catalogFake) LatestBuildID(context.Context) (string, error) {
	return f.buildID, nil
}

type publisherFake struct {
	events []domain.IndexBuiltEvent
	err    error
}

func (f *publisherFake) PublishIndexBuilt(_ context.Context, event domain.IndexBuiltEvent) error {
	f.events = append(f.events, event)
	return f.err
}

type buildObserverFake struct {
	calls  int
	chunks int
	err    error
}

func (f *buildObserverFake) ObserveBuild(_ time.Duration, chunks int, err error) {
	f.calls++
	f.chunks = chunks
	f.err = err
}

func newBuildFixture() (*corpusLoaderFake, *indexFake, *indexFake) {
	loader := &corpusLoaderFake{docs: []domain.SourceDocument{
		{Title: "t1", Text: "alpha beta | gamma"},
		{Title: "t2", Text: "delta"},
	}}
	return loader, &indexFake{dim: 8}, &indexFake{}
}

func TestBuildIndexesPipeline(t *testing.T) {
	loader, dense, sparse := newBuildFixture()
	catalog := &catalogFake{}
	publisher := &publisherFake{}
	observer := &buildObserverFake{}
	chunker := NewChunkCorpusUseCase(pipeChunkerFake{})

	uc := NewBuildIndexesUseCase(loader, chunker, dense, sparse, catalog, publisher, observer)
	report, err := uc.Build(context.Background(), BuildRequest{
		CorpusPath:     "corpus.json",
		DenseArtifact:  "out/dense.idx",
		SparseArtifact: "out/sparse.idx",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(dense.built) != 3 || len(sparse.built) != 3 {
		t.Fatalf("expected both indexes built over 3 chunks, got %d/%d", len(dense.built), len(sparse.built))
	}
	if dense.built[2].ID != sparse.built[2].ID {
		t.Fatalf("expected identical corpus for both indexes")
	}
	if dense.saved != "out/dense.idx" || sparse.saved != "out/sparse.idx" {
		t.Fatalf("unexpected artifact paths %q/%q", dense.saved, sparse.saved)
	}
	if dense.savedAs != report.BuildID || sparse.savedAs != report.BuildID {
		t.Fatalf("expected both artifacts stamped with build %s, got %q/%q", report.BuildID, dense.savedAs, sparse.savedAs)
	}
	if catalog.buildID != report.BuildID || len(catalog.chunks) != 3 {
		t.Fatalf("expected catalog saved for build %s", report.BuildID)
	}
	if len(publisher.events) != 1 {
		t.Fatalf("expected one event, got %d", len(publisher.events))
	}
	event := publisher.events[0]
	wantDense, _ := filepath.Abs("out/dense.idx")
	wantSparse, _ := filepath.Abs("out/sparse.idx")
	if !filepath.IsAbs(event.DenseArtifact) || event.DenseArtifact != wantDense || event.SparseArtifact != wantSparse {
		t.Fatalf("expected absolute artifact paths in event, got %q/%q", event.DenseArtifact, event.SparseArtifact)
	}
	if event.ChunkCount != 3 || event.Dimension != 8 || event.BuildID != report.BuildID || event.BuiltAt.IsZero() {
		t.Fatalf("unexpected event %+v", event)
	}
	if observer.calls != 1 || observer.chunks != 3 || observer.err != nil {
		t.Fatalf("unexpected observer state %+v", observer)
	}
}

func TestBuildIndexesOptionalCollaborators(t *testing.T) {
	loader, dense, sparse := newBuildFixture()
	uc := NewBuildIndexesUseCase(loader, NewChunkCorpusUseCase(pipeChunkerFake{}), dense, sparse, nil, nil, nil)
	report, err := uc.Build(context.Background(), BuildRequest{DenseArtifact: "d", SparseArtifact: "s"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if report.BuildID == "" {
		t.Fatalf("expected build id")
	}
}

func TestBuildIndexesEmptyCorpus(t *testing.T) {
	_, dense, sparse := newBuildFixture()
	loader := &corpusLoaderFake{docs: []domain.SourceDocument{{Title: "blank", Text: " "}}}
	observer := &buildObserverFake{}
	uc := NewBuildIndexesUseCase(loader, NewChunkCorpusUseCase(pipeChunkerFake{}), dense, sparse, nil, nil, observer)

	_, err := uc.Build(context.Background(), BuildRequest{})
	if !domain.IsKind(err, domain.ErrEmptyCorpus) {
		t.Fatalf("expected empty corpus error, got %v", err)
	}
	if observer.err == nil {
		t.Fatalf("expected failure observed")
	}
}

func TestBuildIndexesStopsOnBuildFailure(t *testing.T) {
	loader, dense, sparse := newBuildFixture()
	dense.buildErr = domain.WrapError(domain.ErrDimensionMismatch, "dense build", errors.New("got 3, want 8"))
	publisher := &publisherFake{}
	uc := NewBuildIndexesUseCase(loader, NewChunkCorpusUseCase(pipeChunkerFake{}), dense, sparse, nil, publisher, nil)

	_, err := uc.Build(context.Background(), BuildRequest{DenseArtifact: "d", SparseArtifact: "s"})
	if !domain.IsKind(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
	if dense.saved != "" || sparse.saved != "" || len(publisher.events) != 0 {
		t.Fatalf("expected nothing persisted or published after a failed build")
	}
}

func TestBuildIndexesSaveFailureAnnouncesNothing(t *testing.T) {
	loader, dense, sparse := newBuildFixture()
	sparse.saveErr = domain.WrapError(domain.ErrPersistence, "sparse save", errors.New("disk full"))
	catalog := &catalogFake{}
	publisher := &publisherFake{}
	uc := NewBuildIndexesUseCase(loader, NewChunkCorpusUseCase(pipeChunkerFake{}), dense, sparse, catalog, publisher, nil)

	_, err := uc.Build(context.Background(), BuildRequest{DenseArtifact: "d", SparseArtifact: "s"})
	if !domain.IsKind(err, domain.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if dense.savedAs == "" || dense.savedAs != sparse.savedAs {
		t.Fatalf("expected both saves attempted under one build id, got %q/%q", dense.savedAs, sparse.savedAs)
	}
	if catalog.buildID != "" || len(publisher.events) != 0 {
		t.Fatalf("expected no catalog write or event after a failed save")
	}
}

func TestBuildIndexesLoadError(t *testing.T) {
	_, dense, sparse := newBuildFixture()
	loader := &corpusLoaderFake{err: domain.WrapError(domain.ErrInvalidInput, "load corpus", errors.New("bad json"))}
	uc := NewBuildIndexesUseCase(loader, NewChunkCorpusUseCase(pipeChunkerFake{}), dense, sparse, nil, nil, nil)
	if _, err := uc.Build(context.Background(), BuildRequest{}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
