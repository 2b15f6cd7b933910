package extract

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// txtText decodes plain text trying encodings in order: UTF-16 (BOM),
// UTF-8, Latin-1, Windows-1252. Latin-1 accepts any byte sequence, so in
// practice only an empty file fails here.
func txtText(data []byte) (string, int, error) {
	if hasUTF16BOM(data) {
		dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		if out, err := dec.Bytes(data); err == nil {
			return string(out), 0, nil
		}
	}
	if utf8.Valid(data) {
		return strings.TrimPrefix(string(data), "\uFEFF"), 0, nil
	}
	for _, cm := range []*charmap.Charmap{charmap.ISO8859_1, charmap.Windows1252} {
		if out, err := cm.NewDecoder().Bytes(data); err == nil {
			return string(out), 0, nil
		}
	}
	return "", 0, errors.New("unable to decode text file with any supported encoding")
}

func hasUTF16BOM(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	return (data[0] == 0xFF && data[1] == 0xFE) || (data[0] == 0xFE && data[1] == 0xFF)
}
