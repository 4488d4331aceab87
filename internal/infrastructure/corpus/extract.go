package corpus

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

func supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown", ".html", ".htm", ".pdf":
		return true
	default:
		return false
	}
}

func extractFile(path string) (domain.SourceDocument, error) {
	doc := domain.SourceDocument{
		Title:     strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		SourceURL: filepath.ToSlash(path),
	}

	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown":
		doc.Text, err = extractPlainText(path)
	case ".html", ".htm":
		var title string
		title, doc.Text, err = extractHTML(path)
		if title != "" {
			doc.Title = title
		}
	case ".pdf":
		doc.Text, err = extractPDF(path)
	default:
		err = domain.WrapError(domain.ErrInvalidInput, "extract text", fmt.Errorf("unsupported file type: %s", path))
	}
	if err != nil {
		return domain.SourceDocument{}, err
	}
	return doc, nil
}

func extractPlainText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read source document: %w", err)
	}
	if !utf8.Valid(raw) {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract text", fmt.Errorf("not valid utf-8: %s", path))
	}
	return strings.TrimSpace(string(raw)), nil
}

func extractHTML(path string) (string, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read source document: %w", err)
	}
	page, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", "", domain.WrapError(domain.ErrInvalidInput, "parse html", err)
	}

	title := collapseSpace(page.Find("title").First().Text())
	page.Find("script, style, noscript, template").Remove()

	body := page.Find("body")
	if body.Length() == 0 {
		return title, collapseSpace(page.Text()), nil
	}
	return title, collapseSpace(body.Text()), nil
}

func extractPDF(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "open pdf", err)
	}
	defer f.Close()

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "read pdf text", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("read pdf buffer: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
