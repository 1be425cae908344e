package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		raw      []byte
		want     string
		encoding string
	}{
		{"plain utf-8", []byte("Rated power: 5 kW"), "Rated power: 5 kW", "utf-8"},
		{"utf-8 bom stripped", append([]byte{0xEF, 0xBB, 0xBF}, "Datasheet"...), "Datasheet", "utf-8-bom"},
		{"windows-1252 fallback", []byte("Caf\xe9 \x96 25\xb0C"), "Café – 25°C", "windows-1252"},
		{"utf-16le", []byte{0xFF, 0xFE, 'O', 0, 'K', 0}, "OK", "utf-16"},
		{"nfc composition", []byte("e\u0301le\u0301ment"), "\u00e9l\u00e9ment", "utf-8"},
		{"empty", nil, "", "utf-8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, enc := Decode(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.encoding, enc)
		})
	}
}

func TestNormalize(t *testing.T) {
	in := "  Title  \r\n\r\n\r\n\r\nSpecs:\t\tvalue   \n-----\nFooter\x00"
	assert.Equal(t, "Title\n\nSpecs: value\n\nFooter", Normalize(in))
}
