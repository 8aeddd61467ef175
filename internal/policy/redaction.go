// Package policy holds the rules applied to user content before it is persisted.
package policy

import "regexp"

type redactionRule struct {
	pattern *regexp.Regexp
	marker  string
	// minDigits, when set, leaves matches with fewer digits untouched.
	minDigits int
}

// Order matters: card numbers would otherwise be taken for phone numbers.
// Phone numbers need 9+ digits so ISO dates (2024-01-01) and times survive.
var redactionRules = []redactionRule{
	{pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), marker: "[REDACTED_EMAIL]"},
	{pattern: regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){3,7}(?: ?[A-Z0-9]{1,3})?\b`), marker: "[REDACTED_IBAN]"},
	{pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), marker: "[REDACTED_CARD]"},
	{pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), marker: "[REDACTED_PHONE]", minDigits: 9},
}

// RedactPII masks common high-risk PII patterns in a transcript.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range redactionRules {
		if rule.minDigits == 0 {
			out = rule.pattern.ReplaceAllString(out, rule.marker)
			continue
		}
		out = rule.pattern.ReplaceAllStringFunc(out, func(m string) string {
			if countDigits(m) < rule.minDigits {
				return m
			}
			return rule.marker
		})
	}
	return out, out != input
}

func countDigits(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			n++
		}
	}
	return n
}
