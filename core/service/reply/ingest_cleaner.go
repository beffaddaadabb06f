// Package reply strips quoted history, headers and signatures from the text of
// an email reply.
//
// There is no reliable end-of-reply marker, so Classify applies several
// conservative rules to each line and the first STOP line ends the reply.
package reply

import (
	"bytes"
	"io"
	"mime/quotedprintable"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Action is the verdict for one line.
type Action int

const (
	Keep Action = iota
	Stop
	Skip
)

func (a Action) String() string {
	switch a {
	case Keep:
		return "KEEP"
	case Stop:
		return "STOP"
	case Skip:
		return "SKIP"
	}
	return "UNKNOWN"
}

// MinLength is the shortest cleaned result, in runes, that counts as content.
const MinLength = 4

var (
	headerLine      = regexp.MustCompile(`(?i)^(from|to|cc|bcc|subject|date|sent|received)\s*:`)
	onWrote         = regexp.MustCompile(`(?i)^on\s.*\bwrote:?\s*$`)
	onWrapped       = regexp.MustCompile(`(?i)^on\s.*(\d{4}|\d{1,2}:\d{2}).*(<[^>\s]*@|@[^\s]+>?$)`)
	timestampLed    = regexp.MustCompile(`(?i)^(\d{1,4}[-/.]\d{1,2}[-/.]\d{1,4}|\d{1,2}:\d{2}).*(\bwrote\b|<[^>\s]*@)`)
	mimeBoundary    = regexp.MustCompile(`^--[A-Za-z0-9'()+_,./:=?-]{10,}$`)
	forwardedMarker = regexp.MustCompile(`(?i)^-*\s*(original message|forwarded message|begin forwarded message)\s*-*:?$`)

	qpRun       = regexp.MustCompile(`(=[A-F0-9]{2})+`)
	qpSoftBreak = regexp.MustCompile(`=\r?\n`)
	contentType = regexp.MustCompile(`(?i)content-type:\s*[a-z0-9!#$&^_.+-]+/[a-z0-9!#$&^_.+-]+(\s*;\s*[a-z0-9_-]+\s*=\s*("[^"]*"|[^\s;]+))*\s*;?`)
	transferEnc = regexp.MustCompile(`(?i)content-transfer-encoding:\s*[a-z0-9_-]+`)

	signaturePrefixes = []string{
		"sent from",
		"sent via",
		"get outlook",
		"download the",
	}
	signatureFragments = []string{
		"unsubscribe",
		"this email and any attachments",
	}
)

// Classify decides what to do with one line. keptSoFar is the number of lines
// kept before it.
func Classify(line string, keptSoFar int) Action {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		if keptSoFar == 0 {
			return Skip
		}
		return Keep
	}
	lower := strings.ToLower(trimmed)

	if strings.HasPrefix(lower, "content-transfer-encoding:") || strings.HasPrefix(lower, "content-type:") {
		return Skip
	}

	// Boundaries before signatures: both start with "--".
	if isMIMEBoundary(trimmed) {
		return Stop
	}
	if isSignatureDelimiter(trimmed) {
		return Stop
	}

	if strings.HasPrefix(trimmed, ">") || strings.HasPrefix(lower, "&gt;") {
		return Stop
	}
	if headerLine.MatchString(trimmed) {
		return Stop
	}
	if isAttribution(trimmed, lower) {
		return Stop
	}

	for _, p := range signaturePrefixes {
		if strings.HasPrefix(lower, p) {
			return Stop
		}
	}
	for _, f := range signatureFragments {
		if strings.Contains(lower, f) {
			return Stop
		}
	}

	return Keep
}

func isMIMEBoundary(trimmed string) bool {
	if strings.HasPrefix(trimmed, "------=_Part") || strings.HasPrefix(trimmed, "--_000_") {
		return true
	}
	return mimeBoundary.MatchString(strings.TrimSuffix(trimmed, "--"))
}

func isSignatureDelimiter(trimmed string) bool {
	if trimmed == "--" || trimmed == "---" {
		return true
	}
	return strings.HasPrefix(trimmed, "--") && utf8.RuneCountInString(trimmed) < 20
}

func isAttribution(trimmed, lower string) bool {
	if forwardedMarker.MatchString(trimmed) {
		return true
	}
	if onWrote.MatchString(trimmed) || onWrapped.MatchString(trimmed) {
		return true
	}
	if timestampLed.MatchString(trimmed) {
		return true
	}
	return utf8.RuneCountInString(trimmed) > 40 && strings.HasSuffix(lower, "wrote:")
}

// Clean returns the reply part of text. ok is false when fewer than MinLength
// runes survive, in which case the caller should try another source.
func Clean(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if qpRun.MatchString(text) {
		text = qpSoftBreak.ReplaceAllString(text, "")
	}

	var kept []string
	for _, line := range strings.Split(text, "\n") {
		action := Classify(line, len(kept))
		if action == Stop {
			break
		}
		if action == Keep {
			kept = append(kept, strings.TrimSpace(line))
		}
	}

	out := strings.Join(kept, " ")
	out = stripQuotedPrintable(out)
	out = contentType.ReplaceAllString(out, " ")
	out = transferEnc.ReplaceAllString(out, " ")
	out = strings.Join(strings.Fields(out), " ")

	return out, utf8.RuneCountInString(out) >= MinLength
}

// stripQuotedPrintable decodes runs of =XX escapes that form valid UTF-8 and
// removes the rest.
func stripQuotedPrintable(s string) string {
	return qpRun.ReplaceAllStringFunc(s, func(run string) string {
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader([]byte(run))))
		if err != nil || !utf8.Valid(decoded) {
			return " "
		}
		return string(decoded)
	})
}
