package domain

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrEmptyCorpus       = errors.New("empty corpus")
	ErrNotBuilt          = errors.New("index not built")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrPersistence       = errors.New("persistence error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrTemporary         = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// Source names a retrieval path for failure attribution.
type Source string

const (
	SourceDense  Source = "dense"
	SourceSparse Source = "sparse"
)

// SourceError attributes a query-time failure to one retrieval path.
type SourceError struct {
	Source Source
	Err    error
}

func (e *SourceError) Error() string {
	if e == nil {
		return "retrieval source error"
	}
	return fmt.Sprintf("%s retrieval: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// FailedSources lists every retrieval path named by SourceErrors inside err.
func FailedSources(err error) []Source {
	var out []Source
	collectSources(err, &out)
	return out
}

func collectSources(err error, out *[]Source) {
	if err == nil {
		return
	}
	if se, ok := err.(*SourceError); ok {
		*out = append(*out, se.Source)
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			collectSources(inner, out)
		}
	case interface{ Unwrap() error }:
		collectSources(x.Unwrap(), out)
	}
}
