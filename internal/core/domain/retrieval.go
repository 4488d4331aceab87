package domain

import "time"

type RetrievalResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}

// FusedResult keeps the provenance of each source; nil means the source did not rank the chunk.
type FusedResult struct {
	Chunk       Chunk    `json:"chunk"`
	RRFScore    float64  `json:"rrf_score"`
	DenseRank   *int     `json:"dense_rank"`
	SparseRank  *int     `json:"sparse_rank"`
	DenseScore  *float64 `json:"dense_score"`
	SparseScore *float64 `json:"sparse_score"`
}

type RetrievalTrace struct {
	Dense       []RetrievalResult `json:"dense_results"`
	Sparse      []RetrievalResult `json:"sparse_results"`
	Fused       []FusedResult     `json:"rrf_results"`
	DenseK      int               `json:"dense_k"`
	SparseK     int               `json:"sparse_k"`
	FinalTopN   int               `json:"final_top_n"`
	RRFK        int               `json:"rrf_k"`
	DenseError  string            `json:"dense_error,omitempty"`
	SparseError string            `json:"sparse_error,omitempty"`
}

type HybridResult struct {
	Query   string         `json:"query"`
	Results []FusedResult  `json:"results"`
	Trace   RetrievalTrace `json:"trace"`
}

// ScoredChunk is what the answer generator receives: a chunk and its composite score.
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

func (r *HybridResult) Scored() []ScoredChunk {
	out := make([]ScoredChunk, 0, len(r.Results))
	for _, fused := range r.Results {
		out = append(out, ScoredChunk{Chunk: fused.Chunk, Score: fused.RRFScore})
	}
	return out
}

type Answer struct {
	Text    string         `json:"text"`
	Sources []ScoredChunk  `json:"sources"`
	Trace   RetrievalTrace `json:"trace"`
}

type IndexBuiltEvent struct {
	BuildID        string    `json:"build_id"`
	DenseArtifact  string    `json:"dense_artifact"`
	SparseArtifact string    `json:"sparse_artifact"`
	ChunkCount     int       `json:"chunk_count"`
	Dimension      int       `json:"dimension"`
	BuiltAt        time.Time `json:"built_at"`
}
