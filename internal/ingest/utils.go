package ingest

import (
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/specsheet-validator/constants"
)

// AllowedExt checks if a file extension is in the accepted document set.
func AllowedExt(ext string) bool {
	return constants.IsAllowedExt(ext)
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".")
}

// SubjectKey is the content-addressed object key for a document.
func SubjectKey(hashHex, ext string) string {
	return "subjects/" + hashHex + "." + constants.NormalizeExt(ext)
}
