package sparse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/index/artifact"
)

const (
	DefaultK1 = 1.5
	DefaultB  = 0.75

	scoreBatch = 1024
)

type Params struct {
	K1          float64
	B           float64
	BatchSize   int
	Concurrency int
}

// Index is an Okapi BM25 index over whitespace tokens of lower-cased chunk text.
type Index struct {
	params Params
	state  atomic.Pointer[state]
}

type state struct {
	chunks    []domain.Chunk
	tokens    [][]string
	termFreqs []map[string]int
	docFreq   map[string]int
	avgDocLen float64
	k1        float64
	b         float64
	identity  domain.BuildIdentity
}

type payload struct {
	BuildID     string
	Fingerprint string
	Chunks      []domain.Chunk
	Tokens    [][]string
	DocFreq   map[string]int
	AvgDocLen float64
	DocCount  int
	K1        float64
	B         float64
}

func New(params Params) (*Index, error) {
	if !(params.K1 >= 0) {
		return nil, domain.WrapError(domain.ErrConfiguration, "sparse index", fmt.Errorf("k1 must be >= 0, got %v", params.K1))
	}
	if !(params.B >= 0 && params.B <= 1) {
		return nil, domain.WrapError(domain.ErrConfiguration, "sparse index", fmt.Errorf("b must be in [0, 1], got %v", params.B))
	}
	if params.BatchSize <= 0 {
		params.BatchSize = 256
	}
	if params.Concurrency <= 0 {
		params.Concurrency = 4
	}
	return &Index{params: params}, nil
}

// Tokenize lower-cases text and splits it on whitespace.
func Tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

func (i *Index) Build(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return domain.WrapError(domain.ErrEmptyCorpus, "sparse build", errors.New("no chunks to index"))
	}

	tokens := make([][]string, len(chunks))
	termFreqs := make([]map[string]int, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.params.Concurrency)
	for start := 0; start < len(chunks); start += i.params.BatchSize {
		end := min(start+i.params.BatchSize, len(chunks))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for j := start; j < end; j++ {
				tokens[j] = Tokenize(chunks[j].Text)
				termFreqs[j] = countTerms(tokens[j])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("sparse build: %w", err)
	}

	i.state.Store(newState(chunks, tokens, termFreqs, i.params.K1, i.params.B))
	return nil
}

func (i *Index) Search(ctx context.Context, query string, k int) ([]domain.RetrievalResult, error) {
	st := i.state.Load()
	if st == nil {
		return nil, domain.WrapError(domain.ErrNotBuilt, "sparse search", errors.New("index has not been built or loaded"))
	}
	if k <= 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "sparse search", fmt.Errorf("k must be positive, got %d", k))
	}

	terms := Tokenize(query)
	idf := make([]float64, len(terms))
	for j, term := range terms {
		idf[j] = st.idf(term)
	}

	scores := make([]float64, len(st.chunks))
	for start := 0; start < len(scores); start += scoreBatch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for d := start; d < min(start+scoreBatch, len(scores)); d++ {
			scores[d] = st.score(d, terms, idf)
		}
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

// idf is the non-negative BM25 variant ln(1 + (N - n + 0.5) / (n + 0.5)).
func (st *state) idf(term string) float64 {
	n := float64(st.docFreq[term])
	total := float64(len(st.chunks))
	return math.Log(1 + (total-n+0.5)/(n+0.5))
}

// score sums every query term in order, so repeated query terms count again.
func (st *state) score(d int, terms []string, idf []float64) float64 {
	tf := st.termFreqs[d]
	docLen := float64(len(st.tokens[d]))
	var sum float64
	for j, term := range terms {
		f := float64(tf[term])
		if f == 0 {
			continue
		}
		norm := st.k1 * (1 - st.b + st.b*docLen/st.avgDocLen)
		sum += idf[j] * f * (st.k1 + 1) / (f + norm)
	}
	return sum
}

func (i *Index) Save(ctx context.Context, path, buildID string) error {
	st := i.state.Load()
	if st == nil {
		return domain.WrapError(domain.ErrNotBuilt, "sparse save", errors.New("index has not been built or loaded"))
	}
	if buildID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "sparse save", errors.New("build id is required"))
	}
	err := artifact.Write(ctx, path, artifact.KindSparse, payload{
		BuildID:     buildID,
		Fingerprint: st.identity.Fingerprint,
		Chunks:      st.chunks,
		Tokens:      st.tokens,
		DocFreq:     st.docFreq,
		AvgDocLen:   st.avgDocLen,
		DocCount:    len(st.chunks),
		K1:          st.k1,
		B:           st.b,
	})
	if err != nil {
		return err
	}
	stamped := *st
	stamped.identity.BuildID = buildID
	i.state.CompareAndSwap(st, &stamped)
	return nil
}

// Load replaces the index state with a persisted artifact after checking its statistics.
// Scoring uses the k1 and b recorded at build time.
func (i *Index) Load(ctx context.Context, path string) error {
	var p payload
	if err := artifact.Read(ctx, path, artifact.KindSparse, &p); err != nil {
		return err
	}
	if p.BuildID == "" {
		return domain.WrapError(domain.ErrPersistence, "sparse load", errors.New("artifact carries no build id"))
	}
	if len(p.Chunks) == 0 || len(p.Chunks) != len(p.Tokens) {
		return domain.WrapError(
			domain.ErrPersistence,
			"sparse load",
			fmt.Errorf("chunks/tokens mismatch: %d/%d", len(p.Chunks), len(p.Tokens)),
		)
	}

	termFreqs := make([]map[string]int, len(p.Tokens))
	for j, tokens := range p.Tokens {
		termFreqs[j] = countTerms(tokens)
	}
	st := newState(p.Chunks, p.Tokens, termFreqs, p.K1, p.B)
	if err := st.matches(p); err != nil {
		return domain.WrapError(domain.ErrPersistence, "sparse load", err)
	}
	st.identity.BuildID = p.BuildID
	if p.K1 != i.params.K1 || p.B != i.params.B {
		slog.Warn("sparse_artifact_params_differ",
			"artifact_k1", p.K1, "artifact_b", p.B,
			"configured_k1", i.params.K1, "configured_b", i.params.B,
		)
	}

	i.state.Store(st)
	return nil
}

func (st *state) matches(p payload) error {
	if p.Fingerprint != st.identity.Fingerprint {
		return errors.New("corpus fingerprint does not match stored chunks")
	}
	if p.DocCount != len(st.chunks) {
		return fmt.Errorf("document count %d, corpus has %d", p.DocCount, len(st.chunks))
	}
	if p.AvgDocLen != st.avgDocLen {
		return fmt.Errorf("average length %v, corpus gives %v", p.AvgDocLen, st.avgDocLen)
	}
	if len(p.DocFreq) != len(st.docFreq) {
		return fmt.Errorf("vocabulary size %d, corpus gives %d", len(p.DocFreq), len(st.docFreq))
	}
	for term, n := range st.docFreq {
		if p.DocFreq[term] != n {
			return fmt.Errorf("document frequency of %q is %d, corpus gives %d", term, p.DocFreq[term], n)
		}
	}
	return nil
}

// Identity reports the build and corpus behind the current state.
func (i *Index) Identity() domain.BuildIdentity {
	st := i.state.Load()
	if st == nil {
		return domain.BuildIdentity{}
	}
	return st.identity
}

func (i *Index) Size() int {
	st := i.state.Load()
	if st == nil {
		return 0
	}
	return len(st.chunks)
}

func newState(chunks []domain.Chunk, tokens [][]string, termFreqs []map[string]int, k1, b float64) *state {
	st := &state{
		chunks:    make([]domain.Chunk, len(chunks)),
		tokens:    tokens,
		termFreqs: termFreqs,
		docFreq:   make(map[string]int),
		k1:        k1,
		b:         b,
	}
	copy(st.chunks, chunks)

	total := 0
	for j, tf := range termFreqs {
		total += len(tokens[j])
		for term := range tf {
			st.docFreq[term]++
		}
	}
	st.avgDocLen = float64(total) / float64(len(chunks))
	st.identity.Fingerprint = domain.CorpusFingerprint(st.chunks)
	return st
}

func countTerms(tokens []string) map[string]int {
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}
