package thing

import (
	"regexp"
	"strings"
)

var (
	nameRe         = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)
	nonSlugCharsRe = regexp.MustCompile(`[^a-z0-9\-]+`)
	dashRunRe      = regexp.MustCompile(`-{2,}`)
)

// Slugify lowercases title and replaces every run of non-alphanumeric
// characters with a single dash, trimming leading/trailing dashes. This is
// the url_name derivation used for Things and for interaction names.
func Slugify(title string) string {
	s := strings.ToLower(title)
	s = nonSlugCharsRe.ReplaceAllString(s, "-")
	s = dashRunRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// ValidName reports whether name matches the interaction-name grammar
// [A-Za-z0-9_-]+.
func ValidName(name string) bool {
	return name != "" && nameRe.MatchString(name)
}
