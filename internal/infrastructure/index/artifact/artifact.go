package artifact

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

const (
	Magic         = "HYBRID-RETRIEVAL-INDEX"
	FormatVersion = 2
)

type Kind string

const (
	KindDense  Kind = "dense"
	KindSparse Kind = "sparse"
)

// Header precedes every payload and is checked before the payload is decoded.
type Header struct {
	Magic         string
	Kind          Kind
	FormatVersion int
}

// Write encodes payload as gob behind a header, compresses it with zstd and
// atomically replaces path. A failed write leaves any previous file untouched.
func Write(ctx context.Context, path string, kind Kind, payload any) (err error) {
	op := fmt.Sprintf("write %s artifact", kind)
	if err := ctx.Err(); err != nil {
		return domain.WrapError(domain.ErrPersistence, op, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.WrapError(domain.ErrPersistence, op, fmt.Errorf("create artifact dir: %w", err))
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, op, fmt.Errorf("create temp file: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	buf := bufio.NewWriter(tmp)
	enc, err := zstd.NewWriter(buf)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, op, fmt.Errorf("init zstd: %w", err))
	}

	gobEnc := gob.NewEncoder(enc)
	if err := gobEnc.Encode(Header{Magic: Magic, Kind: kind, FormatVersion: FormatVersion}); err != nil {
		_ = enc.Close()
		return domain.WrapError(domain.ErrPersistence, op, fmt.Errorf("encode header: %w", err))
	}
	if err := gobEnc.Encode(payload); err != nil {
		_ = enc.Close()
		return domain.WrapError(domain.ErrPersistence, op, fmt.Errorf("encode payload: %w", err))
	}
	if err := enc.Close(); err != nil {
		return domain.WrapError(domain.ErrPersistence, op, fmt.Errorf("flush zstd: %w", err))
	}
	if err := buf.Flush(); err != nil {
		return domain.WrapError(domain.ErrPersistence, op, fmt.Errorf("flush file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return domain.WrapError(domain.ErrPersistence, op, fmt.Errorf("sync file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return domain.WrapError(domain.ErrPersistence, op, fmt.Errorf("close file: %w", err))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return domain.WrapError(domain.ErrPersistence, op, fmt.Errorf("rename artifact: %w", err))
	}
	return nil
}

// Read decodes an artifact written by Write into payload.
func Read(ctx context.Context, path string, kind Kind, payload any) error {
	op := fmt.Sprintf("read %s artifact", kind)
	if err := ctx.Err(); err != nil {
		return domain.WrapError(domain.ErrPersistence, op, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, op, fmt.Errorf("open artifact: %w", err))
	}
	defer f.Close()

	dec, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, op, fmt.Errorf("init zstd: %w", err))
	}
	defer dec.Close()

	gobDec := gob.NewDecoder(dec)
	var header Header
	if err := gobDec.Decode(&header); err != nil {
		return domain.WrapError(domain.ErrPersistence, op, fmt.Errorf("decode header: %w", err))
	}
	if err := header.check(kind); err != nil {
		return domain.WrapError(domain.ErrPersistence, op, err)
	}
	if err := gobDec.Decode(payload); err != nil {
		return domain.WrapError(domain.ErrPersistence, op, fmt.Errorf("decode payload: %w", err))
	}
	return nil
}

func (h Header) check(kind Kind) error {
	switch {
	case h.Magic != Magic:
		return errors.New("not an index artifact")
	case h.Kind != kind:
		return fmt.Errorf("artifact kind %q, want %q", h.Kind, kind)
	case h.FormatVersion != FormatVersion:
		return fmt.Errorf("unsupported format version %d", h.FormatVersion)
	}
	return nil
}
