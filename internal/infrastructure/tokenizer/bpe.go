package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

// BPE counts tokens with a tiktoken byte-pair encoding.
// Ranks are fetched once (cached under TIKTOKEN_CACHE_DIR when set).
type BPE struct {
	enc *tiktoken.Tiktoken
}

func NewBPE(encoding string) (*BPE, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, domain.WrapError(domain.ErrConfiguration, "load bpe encoding", fmt.Errorf("%s: %w", encoding, err))
	}
	return &BPE{enc: enc}, nil
}

func (b *BPE) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(b.enc.Encode(text, nil, nil))
}
