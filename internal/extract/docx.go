package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// docxText walks word/document.xml and concatenates paragraph text.
// Table cells are flattened row by row with a " | " delimiter.
func docxText(data []byte) (string, int, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("open docx: %w", err)
	}
	doc, err := readZipFile(zr, "word/document.xml")
	if err != nil {
		return "", 0, fmt.Errorf("read docx body: %w", err)
	}

	decoder := xml.NewDecoder(bytes.NewReader(doc))
	var (
		blocks   []string
		para     strings.Builder
		cell     strings.Builder
		rowCells []string
		tblDepth int
		inText   bool
	)
	flushPara := func() {
		if text := strings.TrimSpace(para.String()); text != "" {
			blocks = append(blocks, text)
		}
		para.Reset()
	}
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("parse docx xml: %w", err)
		}
		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "tbl":
				tblDepth++
			case "tr":
				rowCells = rowCells[:0]
			case "tc":
				cell.Reset()
			case "t":
				inText = true
			case "tab":
				if tblDepth > 0 {
					cell.WriteByte('\t')
				} else {
					para.WriteByte('\t')
				}
			}
		case xml.CharData:
			if !inText {
				continue
			}
			if tblDepth > 0 {
				cell.Write(el)
			} else {
				para.Write(el)
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText = false
			case "p":
				if tblDepth > 0 {
					cell.WriteByte(' ')
				} else {
					flushPara()
				}
			case "tc":
				rowCells = append(rowCells, strings.TrimSpace(cell.String()))
				cell.Reset()
			case "tr":
				if row := strings.TrimSpace(strings.Join(rowCells, " | ")); row != "" {
					blocks = append(blocks, strings.Join(rowCells, " | "))
				}
			case "tbl":
				tblDepth--
			}
		}
	}
	flushPara()
	if len(blocks) == 0 {
		return "", 0, ErrEmptyDocument
	}
	return strings.Join(blocks, "\n\n"), 0, nil
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, errors.New(name + " not found in archive")
}
