package corpus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

const maxJSONLLine = 16 << 20

// Loader reads source documents from a .json array, a .jsonl stream or a directory of files.
type Loader struct{}

func NewLoader() *Loader {
	return &Loader{}
}

func (l *Loader) Load(ctx context.Context, path string) ([]domain.SourceDocument, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "load corpus", err)
	}
	if info.IsDir() {
		return l.loadDir(ctx, path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return loadJSON(path)
	case ".jsonl", ".ndjson":
		return loadJSONL(ctx, path)
	}
	doc, err := extractFile(path)
	if err != nil {
		return nil, err
	}
	return []domain.SourceDocument{doc}, nil
}

// loadDir walks root in lexical order and extracts every supported file.
func (l *Loader) loadDir(ctx context.Context, root string) ([]domain.SourceDocument, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if supported(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "walk corpus dir", err)
	}
	sort.Strings(paths)

	docs := make([]domain.SourceDocument, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := extractFile(path)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func loadJSON(path string) ([]domain.SourceDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read corpus json", err)
	}
	var docs []domain.SourceDocument
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode corpus json", err)
	}
	return docs, nil
}

func loadJSONL(ctx context.Context, path string) ([]domain.SourceDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "open corpus jsonl", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxJSONLLine)

	var docs []domain.SourceDocument
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var doc domain.SourceDocument
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "decode corpus jsonl", fmt.Errorf("line %d: %w", line, err))
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read corpus jsonl", err)
	}
	if len(docs) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read corpus jsonl", errors.New("no records"))
	}
	return docs, nil
}
