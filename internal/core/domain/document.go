package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// SourceDocument is one record supplied by document acquisition.
type SourceDocument struct {
	Title     string `json:"title"`
	SourceURL string `json:"url"`
	Text      string `json:"content"`
}

// Chunk is a token-bounded passage of one document and the unit both indexes rank.
type Chunk struct {
	ID              string `json:"id"`
	Text            string `json:"text"`
	Title           string `json:"title"`
	SourceURL       string `json:"source_url"`
	Position        int    `json:"position"`
	TotalInDocument int    `json:"total_in_document"`
	TokenCount      int    `json:"token_count"`
	// Ordinal is the chunk's index in the corpus and the final tie-breaker everywhere.
	Ordinal int `json:"ordinal"`
}

// Passage is one packed chunk of a document with the token total the packer measured.
type Passage struct {
	Text   string
	Tokens int
}

type CorpusStats struct {
	Documents int     `json:"documents"`
	Skipped   int     `json:"skipped"`
	Chunks    int     `json:"chunks"`
	MinTokens int     `json:"min_tokens"`
	MaxTokens int     `json:"max_tokens"`
	AvgTokens float64 `json:"avg_tokens"`
}

// BuildIdentity ties a persisted index to the build that wrote it and the corpus it covers.
type BuildIdentity struct {
	BuildID     string
	Fingerprint string
}

// CorpusFingerprint hashes chunk ids and texts in corpus order.
func CorpusFingerprint(chunks []Chunk) string {
	h := sha256.New()
	for _, c := range chunks {
		_, _ = io.WriteString(h, c.ID)
		_, _ = h.Write([]byte{0})
		_, _ = io.WriteString(h, c.Text)
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
