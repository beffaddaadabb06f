package gmail

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// BuildQuery builds the Gmail search query for messages after since that do
// not involve an excluded domain or contain an excluded keyword.
func BuildQuery(since time.Time, excludedDomains, excludedKeywords []string) string {
	parts := []string{fmt.Sprintf("after:%d", since.Unix())}

	for _, d := range excludedDomains {
		d = sanitizeDomain(d)
		if d == "" {
			continue
		}
		parts = append(parts, "-from:"+d, "-to:"+d)
	}
	for _, kw := range excludedKeywords {
		kw = sanitizeKeyword(kw)
		if kw == "" {
			continue
		}
		parts = append(parts, `-"`+kw+`"`)
	}

	return strings.Join(parts, " ")
}

// sanitizeDomain keeps only the characters a host name may contain.
func sanitizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimPrefix(d, "@")
	var b strings.Builder
	for _, r := range d {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), ".-")
}

// sanitizeKeyword removes quotes and control characters so the keyword stays
// inside its quoted phrase.
func sanitizeKeyword(kw string) string {
	kw = strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || unicode.IsControl(r) {
			return ' '
		}
		return r
	}, kw)
	return strings.Join(strings.Fields(kw), " ")
}
