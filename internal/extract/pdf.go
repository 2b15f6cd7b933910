package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// pdfText concatenates per-page text with page markers for traceability.
// Pages that fail to decode individually are skipped; a document where every
// page fails yields an error.
func pdfText(data []byte) (text string, pages int, err error) {
	// The reader panics on some malformed inputs, so corrupt uploads must
	// surface as errors rather than take the process down.
	defer func() {
		if r := recover(); r != nil {
			text, pages = "", 0
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("open pdf: %w", err)
	}
	totalPages := reader.NumPage()
	var parts []string
	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(pageText) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", i, pageText))
	}
	if len(parts) == 0 {
		return "", 0, ErrEmptyDocument
	}
	return strings.Join(parts, "\n\n"), totalPages, nil
}
