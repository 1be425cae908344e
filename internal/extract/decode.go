package extract

import (
	"bytes"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/unicode/norm"
)

var (
	reCRLF       = regexp.MustCompile(`\r\n?`)
	reTabs       = regexp.MustCompile(`\t+`)
	reMultiSpace = regexp.MustCompile(` {2,}`)
	reMultiBlank = regexp.MustCompile(`\n{3,}`)
	reBoxNoise   = regexp.MustCompile(`(?m)^[ \t]*[_\-=]{3,}[ \t]*$`)
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// Decode turns converter output into canonical text: UTF-8, NFC, normalized whitespace.
// Input without a BOM that is not valid UTF-8 is read as Windows-1252.
func Decode(raw []byte) (string, string) {
	var (
		s        string
		encoding string
	)
	switch {
	case bytes.HasPrefix(raw, bomUTF8):
		s, encoding = string(raw[len(bomUTF8):]), "utf-8-bom"
	case bytes.HasPrefix(raw, bomUTF16LE), bytes.HasPrefix(raw, bomUTF16BE):
		dec, err := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder().Bytes(raw)
		if err != nil {
			s, encoding = strings.ToValidUTF8(string(raw), "\uFFFD"), "invalid"
		} else {
			s, encoding = string(dec), "utf-16"
		}
	case utf8.Valid(raw):
		s, encoding = string(raw), "utf-8"
	default:
		dec, err := charmap.Windows1252.NewDecoder().Bytes(raw)
		if err != nil {
			s, encoding = strings.ToValidUTF8(string(raw), "\uFFFD"), "invalid"
		} else {
			s, encoding = string(dec), "windows-1252"
		}
	}
	return Normalize(norm.NFC.String(s)), encoding
}

// Normalize collapses noisy whitespace while keeping line structure.
// Page breaks become a blank line; runs of blank lines collapse to one.
func Normalize(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\x00", "")
	s = reCRLF.ReplaceAllString(s, "\n")
	s = strings.ReplaceAll(s, "\f", "\n\n")
	s = reTabs.ReplaceAllString(s, " ")
	s = reMultiSpace.ReplaceAllString(s, " ")
	s = reBoxNoise.ReplaceAllString(s, "")
	// trim trailing spaces on lines
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " ")
	}
	s = strings.Join(lines, "\n")
	s = reMultiBlank.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
