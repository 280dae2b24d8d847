package checkpoint

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var unsafeSlug = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Slug maps a collection ID onto a file name component
func Slug(collectionID string) string {
	s := unsafeSlug.ReplaceAllString(norm.NFKC.String(strings.TrimSpace(collectionID)), "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return "default"
	}
	return s
}
