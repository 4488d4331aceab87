package tokenizer

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

const (
	NameCL100K = "cl100k_base"
	NameWords  = "words"
)

// New returns the tokenizer registered under name.
func New(name string) (ports.Tokenizer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameCL100K:
		return NewBPE(NameCL100K)
	case NameWords, "":
		return Words{}, nil
	default:
		return nil, domain.WrapError(domain.ErrConfiguration, "tokenizer", fmt.Errorf("unknown tokenizer %q", name))
	}
}

// Words counts alphanumeric runs as one token and every other non-space rune as its own token.
type Words struct{}

func (Words) Count(text string) int {
	count := 0
	inWord := false
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if !inWord {
				count++
				inWord = true
			}
		case unicode.IsSpace(r):
			inWord = false
		default:
			count++
			inWord = false
		}
	}
	return count
}
