package utils

import (
	"database/sql"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ToMillis converts t to unix milliseconds as stored in the ledger.
func ToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts ledger milliseconds back into UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// NullMillis converts a nullable ledger column into an optional time.
func NullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMillis(v.Int64)
	return &t
}

// NullString converts a nullable ledger column into an optional string.
func NullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// NullInt converts a nullable ledger column into an optional int.
func NullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

// NewToken returns a 32-character lowercase hex token derived from a random UUID.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func StrOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Truncate caps s at max bytes, marking the cut. It never splits a UTF-8 sequence.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	n := max
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "...(truncated)"
}
