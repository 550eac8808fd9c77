package export

import (
	"path/filepath"
	"strings"
	"unicode"
)

const (
	outputPrefix = "timetree_"
	outputExt    = ".ics"
)

// Slug lower-cases a display name and replaces whitespace and path
// separators with '_'.
func Slug(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, name)
}

// OutputPath derives the artifact path for a tenant display name.
func OutputPath(dir, name string) string {
	return filepath.Join(dir, outputPrefix+Slug(name)+outputExt)
}
