package extract

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	htmlSpace = regexp.MustCompile(`\s+`)

	blockTags = map[atom.Atom]bool{
		atom.P: true, atom.Div: true, atom.Tr: true, atom.Li: true, atom.Ul: true, atom.Ol: true,
		atom.Table: true, atom.Blockquote: true, atom.Pre: true, atom.Hr: true,
		atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
		atom.Section: true, atom.Article: true, atom.Header: true, atom.Footer: true,
	}
)

// HTMLToText renders an HTML body as plain lines. Script, style and head
// content is dropped; block elements and <br> start new lines.
func HTMLToText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return collapseLines(b.String())

		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch tag := atom.Lookup(name); tag {
			case atom.Script, atom.Style, atom.Head:
				if tt == html.StartTagToken {
					skip++
				}
			case atom.Br:
				b.WriteByte('\n')
			default:
				if blockTags[tag] {
					lineBreak(&b)
				}
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			switch tag := atom.Lookup(name); tag {
			case atom.Script, atom.Style, atom.Head:
				if skip > 0 {
					skip--
				}
			default:
				if blockTags[tag] {
					lineBreak(&b)
				}
			}

		case html.TextToken:
			if skip == 0 {
				// Text() unescapes entities.
				b.WriteString(htmlSpace.ReplaceAllString(string(z.Text()), " "))
			}
		}
	}
}

// lineBreak ends the current line unless it is already ended, so nested
// blocks do not stack blank lines.
func lineBreak(b *strings.Builder) {
	if s := b.String(); s != "" && s[len(s)-1] != '\n' {
		b.WriteByte('\n')
	}
}

// collapseLines trims every line, squeezes inner spaces and keeps at most one
// blank line in a row.
func collapseLines(s string) string {
	var out []string
	blank := true
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
