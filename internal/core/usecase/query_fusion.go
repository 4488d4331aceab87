package usecase

import (
	"sort"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

const defaultRRFK = 60

// CombineRRF fuses two ranked lists with Reciprocal Rank Fusion.
// Ties on score go to the better sparse rank, then the better dense rank, then corpus order.
func CombineRRF(dense, sparse []domain.RetrievalResult, rrfK int) []domain.FusedResult {
	if rrfK <= 0 {
		rrfK = defaultRRFK
	}

	acc := make(map[string]*domain.FusedResult, len(dense)+len(sparse))
	candidateFor := func(chunk domain.Chunk) *domain.FusedResult {
		c, ok := acc[chunk.ID]
		if !ok {
			c = &domain.FusedResult{Chunk: chunk}
			acc[chunk.ID] = c
		}
		return c
	}

	for _, item := range dense {
		c := candidateFor(item.Chunk)
		if c.DenseRank != nil {
			continue
		}
		rank, score := item.Rank, item.Score
		c.DenseRank = &rank
		c.DenseScore = &score
		c.RRFScore += rrfContribution(rrfK, rank)
	}
	for _, item := range sparse {
		c := candidateFor(item.Chunk)
		if c.SparseRank != nil {
			continue
		}
		rank, score := item.Rank, item.Score
		c.SparseRank = &rank
		c.SparseScore = &score
		c.RRFScore += rrfContribution(rrfK, rank)
	}

	out := make([]domain.FusedResult, 0, len(acc))
	for _, c := range acc {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return fusedLess(out[i], out[j])
	})
	return out
}

func rrfContribution(rrfK, rank int) float64 {
	return 1.0 / float64(rrfK+rank)
}

func fusedLess(a, b domain.FusedResult) bool {
	if a.RRFScore != b.RRFScore {
		return a.RRFScore > b.RRFScore
	}
	if c := compareRank(a.SparseRank, b.SparseRank); c != 0 {
		return c < 0
	}
	if c := compareRank(a.DenseRank, b.DenseRank); c != 0 {
		return c < 0
	}
	if a.Chunk.Ordinal != b.Chunk.Ordinal {
		return a.Chunk.Ordinal < b.Chunk.Ordinal
	}
	return a.Chunk.ID < b.Chunk.ID
}

// compareRank orders present ranks ascending and absent ranks last.
func compareRank(a, b *int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	default:
		return 0
	}
}

func trimFused(results []domain.FusedResult, limit int) []domain.FusedResult {
	if limit <= 0 || len(results) <= limit {
		return results
	}
	return results[:limit]
}
