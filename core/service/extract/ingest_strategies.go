package extract

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime/quotedprintable"
	"regexp"
	"strings"
)

// AlternateFields are tried last, in order, for webhook senders that do not
// use the standard text/html fields.
var AlternateFields = []string{"body", "message", "content", "plain", "text_body"}

type textField struct{}

func (textField) Name() string { return "text" }

func (textField) Extract(p Payload) (string, bool) {
	return p.Text, p.Text != ""
}

type htmlField struct{}

func (htmlField) Name() string { return "html" }

func (htmlField) Extract(p Payload) (string, bool) {
	if p.HTML == "" {
		return "", false
	}
	return HTMLToText(p.HTML), true
}

type namedField string

func (f namedField) Name() string { return "field:" + string(f) }

func (f namedField) Extract(p Payload) (string, bool) {
	v := p.Fields[string(f)]
	if v == "" {
		return "", false
	}
	if looksLikeHTML(v) {
		return HTMLToText(v), true
	}
	return v, true
}

func looksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	for _, tag := range []string{"<html", "<body", "<div", "<p>", "<br"} {
		if strings.Contains(lower, tag) {
			return true
		}
	}
	return false
}

var (
	plainHeader   = regexp.MustCompile(`(?i)content-type:\s*text/plain`)
	cteHeader     = regexp.MustCompile(`(?i)content-transfer-encoding:\s*"?([a-z0-9-]+)`)
	charsetHeader = regexp.MustCompile(`(?i)charset\s*=\s*"?([a-z0-9_.:-]+)`)
	boundaryLine  = regexp.MustCompile(`(?m)^--\S`)
)

// regexFallback scans raw MIME for the first text/plain section when the
// structured walk could not produce anything.
type regexFallback struct{}

func (regexFallback) Name() string { return "mime-regex" }

func (regexFallback) Extract(p Payload) (string, bool) {
	if p.RawMIME == "" {
		return "", false
	}
	raw := strings.ReplaceAll(p.RawMIME, "\r\n", "\n")

	loc := plainHeader.FindStringIndex(raw)
	if loc == nil {
		return "", false
	}
	section := raw[loc[0]:]

	end := strings.Index(section, "\n\n")
	if end < 0 {
		return "", false
	}
	headers, body := section[:end], section[end+2:]
	if b := boundaryLine.FindStringIndex(body); b != nil {
		body = body[:b[0]]
	}

	var encoding, declared string
	if m := cteHeader.FindStringSubmatch(headers); m != nil {
		encoding = strings.ToLower(m[1])
	}
	if m := charsetHeader.FindStringSubmatch(headers); m != nil {
		declared = m[1]
	}

	decoded := decodeTransfer([]byte(body), encoding)
	text := strings.TrimSpace(DecodeCharset(decoded, declared))
	return text, text != ""
}

// decodeTransfer decodes quoted-printable and base64 bodies. Partial output is
// kept on error; anything else is returned unchanged.
func decodeTransfer(body []byte, encoding string) []byte {
	switch encoding {
	case "quoted-printable":
		out, _ := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		return out
	case "base64":
		compact := strings.Join(strings.Fields(string(body)), "")
		if out, err := base64.StdEncoding.DecodeString(compact); err == nil {
			return out
		}
		if out, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(compact, "=")); err == nil {
			return out
		}
		return nil
	}
	return body
}
