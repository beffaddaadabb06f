package extract

import (
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/charmap"
)

const (
	maxMIMEDepth = 16
	maxPartBytes = 4 << 20
)

// mimeWalk parses raw MIME and takes the first text/plain leaf, else the first
// text/html leaf, depth-first.
type mimeWalk struct{}

func (mimeWalk) Name() string { return "mime" }

func (mimeWalk) Extract(p Payload) (string, bool) {
	if strings.TrimSpace(p.RawMIME) == "" {
		return "", false
	}
	plain, html := WalkMIME(strings.NewReader(p.RawMIME))
	if strings.TrimSpace(plain) != "" {
		return plain, true
	}
	if strings.TrimSpace(html) != "" {
		return HTMLToText(html), true
	}
	return "", false
}

type leaves struct {
	plain string
	html  string
}

// WalkMIME returns the first text/plain and text/html bodies of a message,
// transfer- and charset-decoded. Either may be empty.
func WalkMIME(r io.Reader) (plain, html string) {
	entity, err := message.Read(r)
	if entity == nil || (err != nil && !recoverable(err)) {
		return "", ""
	}
	var found leaves
	walk(entity, 0, &found, message.IsUnknownCharset(err))
	return found.plain, found.html
}

// recoverable errors leave the entity readable with its body undecoded.
func recoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// rawCharset is set when go-message could not convert the part to UTF-8 and
// the body still carries its declared charset.
func walk(e *message.Entity, depth int, found *leaves, rawCharset bool) {
	if depth > maxMIMEDepth || found.plain != "" {
		return
	}

	if mr := e.MultipartReader(); mr != nil {
		for found.plain == "" {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return
			}
			if part == nil || (err != nil && !recoverable(err)) {
				return
			}
			walk(part, depth+1, found, message.IsUnknownCharset(err))
		}
		return
	}

	if isAttachment(e) {
		return
	}

	mediaType, params, _ := e.Header.ContentType()
	if mediaType == "" {
		mediaType = "text/plain"
	}
	switch mediaType {
	case "text/plain":
		found.plain = readBody(e, params["charset"], rawCharset)
	case "text/html":
		if found.html == "" {
			found.html = readBody(e, params["charset"], rawCharset)
		}
	case "message/rfc822":
		if inner, err := message.Read(e.Body); inner != nil && (err == nil || recoverable(err)) {
			walk(inner, depth+1, found, message.IsUnknownCharset(err))
		}
	}
}

func isAttachment(e *message.Entity) bool {
	disp, _, err := e.Header.ContentDisposition()
	return err == nil && strings.EqualFold(disp, "attachment")
}

func readBody(e *message.Entity, declared string, rawCharset bool) string {
	b, _ := io.ReadAll(io.LimitReader(e.Body, maxPartBytes))
	if declared != "" && !rawCharset && message.CharsetReader != nil {
		// Already converted by go-message.
		declared = "utf-8"
	}
	return DecodeCharset(b, declared)
}

// DecodeCharset decodes b with the declared charset when it is known, then
// falls back to utf-8, latin1 and finally plain ascii.
func DecodeCharset(b []byte, declared string) string {
	if declared != "" {
		if enc, name := charset.Lookup(declared); enc != nil {
			if name == "utf-8" {
				if utf8.Valid(b) {
					return string(b)
				}
			} else if out, err := enc.NewDecoder().Bytes(b); err == nil {
				return string(out)
			}
		}
	}
	if utf8.Valid(b) {
		return string(b)
	}
	if out, err := charmap.ISO8859_1.NewDecoder().Bytes(b); err == nil {
		return string(out)
	}
	return asciiOnly(b)
}

func asciiOnly(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c <= 0x7F {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
