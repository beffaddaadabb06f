// Package threading derives the stable conversation identity of a message.
package threading

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"ingest_server/core/domain"
)

const (
	// MaxSubjectLength caps the normalized subject, in runes.
	MaxSubjectLength = 200
	// MaxKeyLength caps the whole thread key, in runes.
	MaxKeyLength = 320

	// EmptySubject stands in for messages without a subject.
	EmptySubject = "(no subject)"
)

var (
	replyPrefix = regexp.MustCompile(`(?i)^\s*(re|fwd|fw|reply|forward)\s*:`)
	spaces      = regexp.MustCompile(`\s+`)
)

// NormalizeSubject strips reply and forward prefixes until none is left, then
// trims, collapses whitespace, lower-cases and caps the result.
// NormalizeSubject(NormalizeSubject(s)) == NormalizeSubject(s).
func NormalizeSubject(subject string) string {
	s := subject
	for {
		stripped := replyPrefix.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}

	s = strings.ToLower(strings.TrimSpace(spaces.ReplaceAllString(s, " ")))
	s = truncateRunes(s, MaxSubjectLength)
	// Truncation can expose a prefix or trailing space; normalize the tail again.
	s = strings.TrimSpace(s)
	for {
		stripped := strings.TrimSpace(replyPrefix.ReplaceAllString(s, ""))
		if stripped == s {
			break
		}
		s = stripped
	}

	if s == "" {
		return EmptySubject
	}
	return s
}

// ThreadKey combines the normalized subject with the counterpart address.
func ThreadKey(subject, counterpartEmail string) string {
	key := NormalizeSubject(subject) + domain.ThreadKeySeparator + strings.ToLower(strings.TrimSpace(counterpartEmail))
	return truncateRunes(key, MaxKeyLength)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
