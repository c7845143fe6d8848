package domain

import (
	"regexp"
	"strconv"
	"strings"
)

var referencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`/(?:issues|pull|pulls|merge_requests)/(\d+)(?:[/?#]|$)`),
	regexp.MustCompile(`#(\d+)\s*$`),
	regexp.MustCompile(`^\s*(\d+)\s*$`),
}

// ExtractReference pulls an issue/PR number out of a URL, "#42" or a bare number.
// It returns "" when nothing numeric can be found.
func ExtractReference(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, re := range referencePatterns {
		if m := re.FindStringSubmatch(raw); len(m) == 2 {
			n, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil || n <= 0 {
				continue
			}
			return strconv.FormatInt(n, 10)
		}
	}
	return ""
}

// NormalizeReference reduces an issue URL or "#N" to the number tasks are stored under.
// Input with no number in it is kept trimmed.
func NormalizeReference(raw string) string {
	if ref := ExtractReference(raw); ref != "" {
		return ref
	}
	return strings.TrimSpace(raw)
}
