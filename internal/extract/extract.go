// Package extract converts uploaded document bytes into plain text.
package extract

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupportedType indicates the file extension has no extractor.
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrEmptyDocument indicates extraction succeeded but produced no text.
	ErrEmptyDocument = errors.New("no text content could be extracted")
)

// Result holds the extracted text and derived metadata.
type Result struct {
	Text      string
	WordCount int
	PageCount int
}

var extractors = map[string]func([]byte) (string, int, error){
	".pdf":  pdfText,
	".txt":  txtText,
	".docx": docxText,
	".pptx": pptxText,
}

// Supported reports whether the extension (with or without dot) has an extractor.
func Supported(ext string) bool {
	_, ok := extractors[normalizeExt(ext)]
	return ok
}

// SupportedExtensions lists the extensions Extract accepts.
func SupportedExtensions() []string {
	return []string{".pdf", ".txt", ".docx", ".pptx"}
}

// Extract dispatches on the declared extension and returns the document text.
// An empty extraction is an error, never a valid result.
func Extract(data []byte, ext string) (Result, error) {
	ext = normalizeExt(ext)
	fn, ok := extractors[ext]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedType, ext)
	}
	text, pages, err := fn(data)
	if err != nil {
		return Result{}, fmt.Errorf("extract %s: %w", ext, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyDocument
	}
	return Result{
		Text:      text,
		WordCount: len(strings.Fields(text)),
		PageCount: pages,
	}, nil
}

// ExtFromName returns the lower-cased extension of a filename.
func ExtFromName(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
