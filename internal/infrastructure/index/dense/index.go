package dense

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/index/artifact"
)

type Options struct {
	Dimension   int
	BatchSize   int
	Concurrency int
	ModelInfo   string
	// Progress, when set, receives the number of embedded chunks after every batch.
	Progress func(done, total int)
}

// Index is a flat inner-product index over L2-normalised chunk embeddings.
// Built state is immutable and published atomically, so searches never take a lock.
type Index struct {
	embedder ports.Embedder
	opts     Options
	state    atomic.Pointer[state]
}

type state struct {
	chunks   []domain.Chunk
	vectors  [][]float32
	byID     map[string]int
	identity domain.BuildIdentity
}

// payload is the persisted form of a built index.
type payload struct {
	BuildID     string
	Fingerprint string
	Chunks      []domain.Chunk
	Vectors     [][]float32
	Dimension   int
	ModelInfo   string
}

func New(embedder ports.Embedder, opts Options) (*Index, error) {
	if embedder == nil {
		return nil, domain.WrapError(domain.ErrConfiguration, "dense index", errors.New("embedder is required"))
	}
	if opts.Dimension <= 0 {
		return nil, domain.WrapError(domain.ErrConfiguration, "dense index", fmt.Errorf("dimension must be positive, got %d", opts.Dimension))
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Index{embedder: embedder, opts: opts}, nil
}

func (i *Index) Build(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return domain.WrapError(domain.ErrEmptyCorpus, "dense build", errors.New("no chunks to index"))
	}

	vectors := make([][]float32, len(chunks))
	var (
		progressMu sync.Mutex
		done       int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.opts.Concurrency)
	for start := 0; start < len(chunks); start += i.opts.BatchSize {
		end := min(start+i.opts.BatchSize, len(chunks))
		g.Go(func() error {
			if err := i.embedBatch(gctx, chunks[start:end], vectors[start:end]); err != nil {
				return err
			}
			if i.opts.Progress != nil {
				progressMu.Lock()
				done += end - start
				i.opts.Progress(done, len(chunks))
				progressMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	i.state.Store(newState(chunks, vectors))
	return nil
}

func (i *Index) embedBatch(ctx context.Context, batch []domain.Chunk, dst [][]float32) error {
	texts := make([]string, len(batch))
	for j, c := range batch {
		texts[j] = c.Text
	}

	vectors, err := i.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(batch) {
		return domain.WrapError(
			domain.ErrInvalidInput,
			"embed chunks",
			fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(batch)),
		)
	}
	for j, v := range vectors {
		if len(v) != i.opts.Dimension {
			return domain.WrapError(
				domain.ErrDimensionMismatch,
				"embed chunks",
				fmt.Errorf("chunk %s: got %d, want %d", batch[j].ID, len(v), i.opts.Dimension),
			)
		}
		dst[j] = normalized(v)
	}
	return nil
}

func (i *Index) Search(ctx context.Context, query string, k int) ([]domain.RetrievalResult, error) {
	st := i.state.Load()
	if st == nil {
		return nil, domain.WrapError(domain.ErrNotBuilt, "dense search", errors.New("index has not been built or loaded"))
	}
	if k <= 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "dense search", fmt.Errorf("k must be positive, got %d", k))
	}

	raw, err := i.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(raw) != i.opts.Dimension {
		return nil, domain.WrapError(
			domain.ErrDimensionMismatch,
			"dense search",
			fmt.Errorf("query vector: got %d, want %d", len(raw), i.opts.Dimension),
		)
	}
	q := normalized(raw)

	scores := make([]float64, len(st.vectors))
	for j, v := range st.vectors {
		scores[j] = clamp(dot(q, v))
	}

	order := make([]int, len(scores))
	for j := range order {
		order[j] = j
	}
	sort.Slice(order, func(a, b int) bool {
		sa, sb := scores[order[a]], scores[order[b]]
		if sa != sb {
			return sa > sb
		}
		oa, ob := st.chunks[order[a]].Ordinal, st.chunks[order[b]].Ordinal
		if oa != ob {
			return oa < ob
		}
		return order[a] < order[b]
	})

	n := min(k, len(order))
	out := make([]domain.RetrievalResult, n)
	for rank, j := range order[:n] {
		out[rank] = domain.RetrievalResult{Chunk: st.chunks[j], Score: scores[j], Rank: rank + 1}
	}
	return out, nil
}

func (i *Index) Save(ctx context.Context, path, buildID string) error {
	st := i.state.Load()
	if st == nil {
		return domain.WrapError(domain.ErrNotBuilt, "dense save", errors.New("index has not been built or loaded"))
	}
	if buildID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "dense save", errors.New("build id is required"))
	}
	err := artifact.Write(ctx, path, artifact.KindDense, payload{
		BuildID:     buildID,
		Fingerprint: st.identity.Fingerprint,
		Chunks:      st.chunks,
		Vectors:     st.vectors,
		Dimension:   i.opts.Dimension,
		ModelInfo:   i.opts.ModelInfo,
	})
	if err != nil {
		return err
	}
	stamped := *st
	stamped.identity.BuildID = buildID
	i.state.CompareAndSwap(st, &stamped)
	return nil
}

// Load replaces the index state with a persisted artifact. The current state is kept on failure.
func (i *Index) Load(ctx context.Context, path string) error {
	var p payload
	if err := artifact.Read(ctx, path, artifact.KindDense, &p); err != nil {
		return err
	}
	if p.Dimension != i.opts.Dimension {
		return domain.WrapError(
			domain.ErrDimensionMismatch,
			"dense load",
			fmt.Errorf("artifact dimension %d, configured %d", p.Dimension, i.opts.Dimension),
		)
	}
	if err := p.validate(); err != nil {
		return domain.WrapError(domain.ErrPersistence, "dense load", err)
	}
	if i.opts.ModelInfo != "" && p.ModelInfo != "" && p.ModelInfo != i.opts.ModelInfo {
		return domain.WrapError(
			domain.ErrConfiguration,
			"dense load",
			fmt.Errorf("artifact built with %q, configured %q", p.ModelInfo, i.opts.ModelInfo),
		)
	}

	st := newState(p.Chunks, p.Vectors)
	if st.identity.Fingerprint != p.Fingerprint {
		return domain.WrapError(domain.ErrPersistence, "dense load", errors.New("corpus fingerprint does not match stored chunks"))
	}
	st.identity.BuildID = p.BuildID

	i.state.Store(st)
	return nil
}

func (p payload) validate() error {
	if p.BuildID == "" {
		return errors.New("artifact carries no build id")
	}
	if len(p.Chunks) == 0 {
		return errors.New("artifact holds no chunks")
	}
	if len(p.Chunks) != len(p.Vectors) {
		return fmt.Errorf("chunks/vectors mismatch: %d/%d", len(p.Chunks), len(p.Vectors))
	}
	for j, v := range p.Vectors {
		if len(v) != p.Dimension {
			return fmt.Errorf("vector %d has dimension %d, want %d", j, len(v), p.Dimension)
		}
	}
	return nil
}

func (i *Index) Chunk(id string) (domain.Chunk, bool) {
	st := i.state.Load()
	if st == nil {
		return domain.Chunk{}, false
	}
	j, ok := st.byID[id]
	if !ok {
		return domain.Chunk{}, false
	}
	return st.chunks[j], true
}

func (i *Index) Size() int {
	st := i.state.Load()
	if st == nil {
		return 0
	}
	return len(st.chunks)
}

// Identity reports the build and corpus behind the current state. BuildID stays empty
// until the state is saved or loaded.
func (i *Index) Identity() domain.BuildIdentity {
	st := i.state.Load()
	if st == nil {
		return domain.BuildIdentity{}
	}
	return st.identity
}

func (i *Index) Dimension() int {
	return i.opts.Dimension
}

func newState(chunks []domain.Chunk, vectors [][]float32) *state {
	st := &state{
		chunks:  make([]domain.Chunk, len(chunks)),
		vectors: vectors,
		byID:    make(map[string]int, len(chunks)),
	}
	copy(st.chunks, chunks)
	for j, c := range st.chunks {
		st.byID[c.ID] = j
	}
	st.identity.Fingerprint = domain.CorpusFingerprint(st.chunks)
	return st
}

func normalized(v []float32) []float32 {
	out := make([]float32, len(v))
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for j, x := range v {
		out[j] = float32(float64(x) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for j := range a {
		sum += float64(a[j]) * float64(b[j])
	}
	return sum
}

func clamp(score float64) float64 {
	return math.Max(-1, math.Min(1, score))
}
