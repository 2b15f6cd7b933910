package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// pptxText iterates slides in order, appending text from every shape that
// carries any. Each contributing slide gets a header marker for traceability.
func pptxText(data []byte) (string, int, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("open pptx: %w", err)
	}

	var sections []string
	slideCount := 0
	for num := 1; ; num++ {
		name := fmt.Sprintf("ppt/slides/slide%d.xml", num)
		body, err := readZipFile(zr, name)
		if err != nil {
			break
		}
		slideCount++
		lines, err := slideTextLines(body)
		if err != nil {
			return "", 0, fmt.Errorf("parse slide %d: %w", num, err)
		}
		if len(lines) == 0 {
			continue
		}
		section := append([]string{fmt.Sprintf("--- Slide %d ---", num)}, lines...)
		sections = append(sections, strings.Join(section, "\n"))
	}
	if slideCount == 0 {
		return "", 0, fmt.Errorf("open pptx: no slides found")
	}
	if len(sections) == 0 {
		return "", 0, ErrEmptyDocument
	}
	return strings.Join(sections, "\n\n"), slideCount, nil
}

// slideTextLines collects the text runs of one slide, one line per paragraph.
func slideTextLines(body []byte) ([]string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	var (
		lines  []string
		line   strings.Builder
		inText bool
	)
	flush := func() {
		if text := strings.TrimSpace(line.String()); text != "" {
			lines = append(lines, text)
		}
		line.Reset()
	}
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch el := tok.(type) {
		case xml.StartElement:
			if el.Name.Local == "t" {
				inText = true
			}
		case xml.CharData:
			if inText {
				line.Write(el)
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText = false
			case "p":
				flush()
			}
		}
	}
	flush()
	return lines, nil
}
