package chunking

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

// TailPolicy decides what happens to a final working chunk below MinTokens.
type TailPolicy string

const (
	TailDiscard TailPolicy = "discard"
	TailKeep    TailPolicy = "keep"
)

type Options struct {
	MinTokens     int
	MaxTokens     int
	OverlapTokens int
	Tail          TailPolicy
}

func (o Options) Validate() error {
	var errs []error
	if o.MinTokens < 1 {
		errs = append(errs, fmt.Errorf("min_tokens must be >= 1, got %d", o.MinTokens))
	}
	if o.MaxTokens < o.MinTokens {
		errs = append(errs, fmt.Errorf("max_tokens (%d) must be >= min_tokens (%d)", o.MaxTokens, o.MinTokens))
	}
	if o.OverlapTokens < 0 || o.OverlapTokens >= o.MinTokens {
		errs = append(errs, fmt.Errorf("overlap_tokens must be in [0, min_tokens), got %d", o.OverlapTokens))
	}
	switch o.Tail {
	case TailDiscard, TailKeep:
	default:
		errs = append(errs, fmt.Errorf("unknown tail policy %q", o.Tail))
	}
	if len(errs) > 0 {
		return domain.WrapError(domain.ErrConfiguration, "chunking options", errors.Join(errs...))
	}
	return nil
}

// Splitter packs sentences greedily into token-bounded, overlapping chunks.
type Splitter struct {
	opts      Options
	tokenizer ports.Tokenizer
}

func NewSplitter(tokenizer ports.Tokenizer, opts Options) (*Splitter, error) {
	if opts.Tail == "" {
		opts.Tail = TailDiscard
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if tokenizer == nil {
		return nil, domain.WrapError(domain.ErrConfiguration, "chunking options", errors.New("tokenizer is required"))
	}
	return &Splitter{opts: opts, tokenizer: tokenizer}, nil
}

type sentence struct {
	text   string
	tokens int
}

// Split returns passages whose Tokens is the sum of per-sentence counts, the figure
// the bounds are enforced on.
func (s *Splitter) Split(text string) []domain.Passage {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var (
		out     []domain.Passage
		current []sentence
		tokens  int
	)
	for _, raw := range sentences {
		next := sentence{text: raw, tokens: s.tokenizer.Count(raw)}

		// Below MinTokens the chunk keeps growing past MaxTokens.
		if tokens+next.tokens > s.opts.MaxTokens && len(current) > 0 && tokens >= s.opts.MinTokens {
			out = append(out, domain.Passage{Text: joinSentences(current), Tokens: tokens})
			current = s.trailingOverlap(current)
			tokens = sumTokens(current)
		}

		current = append(current, next)
		tokens += next.tokens
	}

	if len(current) > 0 {
		switch {
		case tokens >= s.opts.MinTokens, s.opts.Tail == TailKeep:
			out = append(out, domain.Passage{Text: joinSentences(current), Tokens: tokens})
		}
	}
	return out
}

func (s *Splitter) trailingOverlap(flushed []sentence) []sentence {
	if s.opts.OverlapTokens == 0 {
		return nil
	}
	start := len(flushed)
	total := 0
	for i := len(flushed) - 1; i >= 0; i-- {
		if total+flushed[i].tokens > s.opts.OverlapTokens {
			break
		}
		total += flushed[i].tokens
		start = i
	}
	seed := make([]sentence, len(flushed)-start)
	copy(seed, flushed[start:])
	return seed
}

func joinSentences(sentences []sentence) string {
	parts := make([]string, len(sentences))
	for i, sent := range sentences {
		parts[i] = sent.text
	}
	return strings.Join(parts, " ")
}

func sumTokens(sentences []sentence) int {
	total := 0
	for _, sent := range sentences {
		total += sent.tokens
	}
	return total
}
