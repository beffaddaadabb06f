package extract

import (
	"strings"
	"testing"

	"github.com/emersion/go-message"
)

func TestWalkMIME(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantPlain string
		wantHTML  string
	}{
		{
			name:      "single part",
			raw:       "Content-Type: text/plain; charset=utf-8\r\n\r\nHello there\r\n",
			wantPlain: "Hello there\r\n",
		},
		{
			name: "html only",
			raw: "Content-Type: multipart/alternative; boundary=\"b\"\r\n\r\n" +
				"--b\r\nContent-Type: text/html\r\n\r\n<p>Hi</p>\r\n--b--\r\n",
			wantHTML: "<p>Hi</p>",
		},
		{
			name: "nested mixed skips attachment",
			raw: "Content-Type: multipart/mixed; boundary=\"outer\"\r\n\r\n" +
				"--outer\r\nContent-Type: text/plain\r\nContent-Disposition: attachment; filename=\"a.txt\"\r\n\r\nattached\r\n" +
				"--outer\r\nContent-Type: multipart/alternative; boundary=\"inner\"\r\n\r\n" +
				"--inner\r\nContent-Type: text/plain\r\n\r\nnested body\r\n" +
				"--inner--\r\n--outer--\r\n",
			wantPlain: "nested body",
		},
		{
			name: "base64 part",
			raw: "Content-Type: text/plain; charset=utf-8\r\nContent-Transfer-Encoding: base64\r\n\r\n" +
				"U291bmRzIGdvb2Q=\r\n",
			wantPlain: "Sounds good",
		},
		{
			name:      "latin1 declared",
			raw:       "Content-Type: text/plain; charset=iso-8859-1\r\n\r\ncaf\xe9",
			wantPlain: "café",
		},
		{
			name: "latin1 quoted-printable",
			raw: "Content-Type: text/plain; charset=iso-8859-1\r\nContent-Transfer-Encoding: quoted-printable\r\n\r\n" +
				"Le caf=E9 est pr=EAt, merci beaucoup.\r\n",
			wantPlain: "Le café est prêt, merci beaucoup.",
		},
		{
			name: "windows-1252 part in multipart",
			raw: "Content-Type: multipart/alternative; boundary=\"b\"\r\n\r\n" +
				"--b\r\nContent-Type: text/plain; charset=windows-1252\r\n\r\n\x93Gr\xfc\xdfe\x94 aus K\xf6ln\r\n--b--\r\n",
			wantPlain: "“Grüße” aus Köln",
		},
		{
			name:      "unknown charset falls back to latin1",
			raw:       "Content-Type: text/plain; charset=x-made-up\r\n\r\nna\xefve",
			wantPlain: "naïve",
		},
		{
			name: "not mime",
			raw:  "just some words without headers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plain, html := WalkMIME(strings.NewReader(tt.raw))
			if strings.TrimSpace(plain) != strings.TrimSpace(tt.wantPlain) {
				t.Errorf("WalkMIME() plain = %q, want %q", plain, tt.wantPlain)
			}
			if strings.TrimSpace(html) != strings.TrimSpace(tt.wantHTML) {
				t.Errorf("WalkMIME() html = %q, want %q", html, tt.wantHTML)
			}
		})
	}
}

func TestWalkMIME_WithoutCharsetReader(t *testing.T) {
	saved := message.CharsetReader
	message.CharsetReader = nil
	defer func() { message.CharsetReader = saved }()

	raw := "Content-Type: text/plain; charset=iso-8859-1\r\nContent-Transfer-Encoding: quoted-printable\r\n\r\n" +
		"Le caf=E9 est pr=EAt.\r\n"
	plain, _ := WalkMIME(strings.NewReader(raw))
	if got, want := strings.TrimSpace(plain), "Le café est prêt."; got != want {
		t.Errorf("WalkMIME() plain = %q, want %q", got, want)
	}
}

func TestRegexFallback(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   string
		wantOK bool
	}{
		{
			name: "quoted printable section",
			raw: "garbage header line without colon\n--zz\nContent-Type: text/plain; charset=\"utf-8\"\n" +
				"Content-Transfer-Encoding: quoted-printable\n\nSee you=20there=\n soon\n--zz--\n",
			want:   "See you there soon",
			wantOK: true,
		},
		{
			name: "base64 section",
			raw: "broken\n--zz\nContent-Type: text/plain\nContent-Transfer-Encoding: base64\n\n" +
				"SGVsbG8g\nd29ybGQ=\n--zz--",
			want:   "Hello world",
			wantOK: true,
		},
		{
			name: "no plain section",
			raw:  "Content-Type: text/html\n\n<p>x</p>",
		},
		{
			name: "no body separator",
			raw:  "Content-Type: text/plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := regexFallback{}.Extract(Payload{RawMIME: tt.raw})
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Extract() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestDecodeCharset(t *testing.T) {
	tests := []struct {
		name     string
		in       []byte
		declared string
		want     string
	}{
		{"utf8 undeclared", []byte("héllo"), "", "héllo"},
		{"declared windows-1252", []byte{'\x93', 'q', '\x94'}, "windows-1252", "“q”"},
		{"bad utf8 falls back to latin1", []byte{'n', 0xe9}, "", "né"},
		{"unknown declared", []byte("plain"), "x-made-up", "plain"},
		{"declared utf8 but invalid", []byte{'a', 0xff}, "utf-8", "aÿ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecodeCharset(tt.in, tt.declared); got != tt.want {
				t.Errorf("DecodeCharset() = %q, want %q", got, tt.want)
			}
		})
	}
}
