package observability

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]{8,}`)
	keyPattern    = regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password)(\s*[:=]\s*)\S+`)
	vendorPattern = regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{20,}|sk-[A-Za-z0-9_\-]{16,}|xox[abp]-[A-Za-z0-9\-]{10,})\b`)
)

// RedactText masks credentials and email addresses in free text bound for logs.
func RedactText(input string) (redacted string, changed bool) {
	out := input

	// Key/value pairs first so the value is masked as one unit.
	next := keyPattern.ReplaceAllString(out, "${1}${2}[REDACTED]")
	changed = changed || next != out
	out = next

	next = bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	changed = changed || next != out
	out = next

	next = vendorPattern.ReplaceAllString(out, "[REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	next = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactURL drops the password from a connection URL. Unparseable input is masked
// entirely.
func RedactURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	q := u.Query()
	for key := range q {
		if isSecretKey(key) {
			q.Set(key, "xxxxx")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
