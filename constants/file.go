package constants

import "strings"

// AllowedExtensions holds the document extensions accepted for analysis.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"txt":  {},
	"docx": {},
	"odt":  {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsAllowedExt reports whether ext (with or without dot) is accepted.
func IsAllowedExt(ext string) bool {
	_, ok := AllowedExtensions[NormalizeExt(ext)]
	return ok
}
