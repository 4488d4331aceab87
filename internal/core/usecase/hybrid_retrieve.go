package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

// PartialPolicy decides what a query does when exactly one retrieval source fails.
type PartialPolicy string

const (
	PartialFail    PartialPolicy = "fail"
	PartialDegrade PartialPolicy = "degrade"
)

type RetrievalOptions struct {
	DenseK        int
	SparseK       int
	FinalTopN     int
	RRFK          int
	PartialPolicy PartialPolicy
}

func (o RetrievalOptions) withDefaults() RetrievalOptions {
	if o.DenseK <= 0 {
		o.DenseK = 10
	}
	if o.SparseK <= 0 {
		o.SparseK = 10
	}
	if o.FinalTopN <= 0 {
		o.FinalTopN = 5
	}
	if o.RRFK <= 0 {
		o.RRFK = defaultRRFK
	}
	if o.PartialPolicy == "" {
		o.PartialPolicy = PartialFail
	}
	return o
}

type HybridRetrieveUseCase struct {
	dense    ports.Searcher
	sparse   ports.Searcher
	opts     RetrievalOptions
	observer ports.RetrievalObserver
}

func NewHybridRetrieveUseCase(
	dense ports.Searcher,
	sparse ports.Searcher,
	opts RetrievalOptions,
	observer ports.RetrievalObserver,
) *HybridRetrieveUseCase {
	if observer == nil {
		observer = noopRetrievalObserver{}
	}
	return &HybridRetrieveUseCase{
		dense:    dense,
		sparse:   sparse,
		opts:     opts.withDefaults(),
		observer: observer,
	}
}

type sourceOutcome struct {
	results []domain.RetrievalResult
	err     error
}

func (uc *HybridRetrieveUseCase) Retrieve(ctx context.Context, query string) (*domain.HybridResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("query is empty"))
	}

	var (
		g      errgroup.Group
		dense  sourceOutcome
		sparse sourceOutcome
	)
	g.Go(func() error {
		dense = uc.search(ctx, domain.SourceDense, uc.dense, query, uc.opts.DenseK)
		return dense.err
	})
	g.Go(func() error {
		sparse = uc.search(ctx, domain.SourceSparse, uc.sparse, query, uc.opts.SparseK)
		return sparse.err
	})
	firstErr := g.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, errors.Join(ctxErr, firstErr)
	}
	if err := uc.resolvePartial(dense.err, sparse.err); err != nil {
		return nil, err
	}

	trace := domain.RetrievalTrace{
		Dense:     dense.results,
		Sparse:    sparse.results,
		DenseK:    uc.opts.DenseK,
		SparseK:   uc.opts.SparseK,
		FinalTopN: uc.opts.FinalTopN,
		RRFK:      uc.opts.RRFK,
	}
	if dense.err != nil {
		trace.DenseError = dense.err.Error()
	}
	if sparse.err != nil {
		trace.SparseError = sparse.err.Error()
	}

	trace.Fused = CombineRRF(dense.results, withLexicalEvidence(sparse.results), uc.opts.RRFK)
	results := trimFused(trace.Fused, uc.opts.FinalTopN)
	uc.observer.ObserveFused(len(results))

	return &domain.HybridResult{
		Query:   query,
		Results: results,
		Trace:   trace,
	}, nil
}

func (uc *HybridRetrieveUseCase) search(
	ctx context.Context,
	source domain.Source,
	searcher ports.Searcher,
	query string,
	k int,
) sourceOutcome {
	start := time.Now()
	results, err := searcher.Search(ctx, query, k)
	uc.observer.ObserveSource(source, time.Since(start), err)
	if err != nil {
		return sourceOutcome{err: &domain.SourceError{Source: source, Err: err}}
	}
	return sourceOutcome{results: results}
}

func (uc *HybridRetrieveUseCase) resolvePartial(denseErr, sparseErr error) error {
	switch {
	case denseErr == nil && sparseErr == nil:
		return nil
	case denseErr != nil && sparseErr != nil:
		return errors.Join(denseErr, sparseErr)
	case uc.opts.PartialPolicy != PartialDegrade:
		return errors.Join(denseErr, sparseErr)
	}

	failed := errors.Join(denseErr, sparseErr)
	slog.Warn("retrieval_source_failed",
		"sources", domain.FailedSources(failed),
		"policy", string(uc.opts.PartialPolicy),
		"error", failed.Error(),
	)
	return nil
}

// withLexicalEvidence drops zero-score BM25 hits. Input is score-sorted, so survivors keep their ranks.
func withLexicalEvidence(results []domain.RetrievalResult) []domain.RetrievalResult {
	out := make([]domain.RetrievalResult, 0, len(results))
	for _, r := range results {
		if r.Score > 0 {
			out = append(out, r)
		}
	}
	return out
}

type noopRetrievalObserver struct{}

func (noopRetrievalObserver) ObserveSource(domain.Source, time.Duration, error) {}
func (noopRetrievalObserver) ObserveFused(int)                                  {}
