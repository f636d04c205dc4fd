// Package policy scrubs sensitive content before it leaves the process.
package policy

import "regexp"

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Order matters: card numbers are masked before phone numbers so a card is
// never reported as a phone.
var rules = []rule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{16,}\b`), "[REDACTED_SECRET]"},
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]{16,}`), "[REDACTED_SECRET]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks e-mail addresses, API secrets, card and phone numbers.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out, r.replacement)
		if next != out {
			changed = true
			out = next
		}
	}
	return out, changed
}
