package reply

import (
	"strings"
	"testing"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{
			name:   "gmail attribution and quote",
			input:  "Hello,\nThanks for following up.\n\nOn Mon, Jan 1, 2024 at 3:00 PM, Jane Doe <jane@x.com> wrote:\n> original",
			want:   "Hello, Thanks for following up.",
			wantOK: true,
		},
		{
			name:   "signature delimiter and mobile footer",
			input:  "Sure, sounds good.\n--\nJohn Smith\nSent from my iPhone",
			want:   "Sure, sounds good.",
			wantOK: true,
		},
		{
			name:   "quoted printable remnants decoded",
			input:  "Hi=E2=80=AFthere, see you soon",
			want:   "Hi there, see you soon",
			wantOK: true,
		},
		{
			name:   "invalid quoted printable remnants stripped",
			input:  "Price is 10=FF euros",
			want:   "Price is 10 euros",
			wantOK: true,
		},
		{
			name:   "soft line breaks joined",
			input:  "This is a long li=\nne=2E",
			want:   "This is a long line.",
			wantOK: true,
		},
		{
			name:   "leading blank lines skipped",
			input:  "\n\n\nLet's meet Tuesday.\n",
			want:   "Let's meet Tuesday.",
			wantOK: true,
		},
		{
			name:   "outlook header block",
			input:  "Approved.\r\n\r\nFrom: Jane Doe <jane@x.com>\r\nSent: Monday\r\nTo: me\r\nSubject: Budget",
			want:   "Approved.",
			wantOK: true,
		},
		{
			name:   "html quote marker",
			input:  "Works for me\n&gt; earlier text",
			want:   "Works for me",
			wantOK: true,
		},
		{
			name:   "original message separator",
			input:  "Confirmed\n-----Original Message-----\nFrom: x",
			want:   "Confirmed",
			wantOK: true,
		},
		{
			name:   "mime boundary",
			input:  "Body text here\n--000000000000abcdef123456\nContent-Type: text/html",
			want:   "Body text here",
			wantOK: true,
		},
		{
			name:   "content headers skipped",
			input:  "Content-Type: text/plain; charset=\"UTF-8\"\nContent-Transfer-Encoding: quoted-printable\n\nReal reply",
			want:   "Real reply",
			wantOK: true,
		},
		{
			name:   "stray content type fragment",
			input:  "See attached Content-Type: text/plain; charset=utf-8; report",
			want:   "See attached report",
			wantOK: true,
		},
		{
			name:   "timestamp led attribution",
			input:  "Thanks!!\n2024-01-01 10:00 GMT+01:00 Jane <jane@x.com>:\nold",
			want:   "Thanks!!",
			wantOK: true,
		},
		{
			name:   "too short",
			input:  "ok\n> quoted",
			want:   "ok",
			wantOK: false,
		},
		{
			name:   "starts with quote",
			input:  "> only quoted text",
			want:   "",
			wantOK: false,
		},
		{
			name:   "empty",
			input:  "",
			want:   "",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Clean(tt.input)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Clean() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestClean_NoQuotedPrintableRemnants(t *testing.T) {
	got, _ := Clean("Hi=E2=80=AFthere and=ZZ=41=4")
	for _, remnant := range []string{"=E2", "=80", "=AF", "=41"} {
		if strings.Contains(got, remnant) {
			t.Errorf("Clean() = %q still contains %s", got, remnant)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		keptSoFar int
		want      Action
	}{
		{"plain text", "Let's do it.", 0, Keep},
		{"leading blank", "   ", 0, Skip},
		{"inner blank", "", 2, Keep},
		{"transfer encoding", "Content-Transfer-Encoding: 7bit", 1, Skip},
		{"from header", "From: someone", 1, Stop},
		{"received header", "Received: by mx", 1, Stop},
		{"bcc header lower", "bcc: x@y.z", 1, Stop},
		{"quote", "> text", 1, Stop},
		{"escaped quote", "&gt; text", 1, Stop},
		{"on wrote", "On Tue, Feb 2, 2021 at 9:15 AM Bob <bob@x.io> wrote:", 1, Stop},
		{"on wrapped attribution", "On Tue, Feb 2, 2021 at 9:15 AM Bob <bob@x.io>", 1, Stop},
		{"long wrote line", "Le mardi 2 fevrier 2021, Robert Dupont a wrote:", 1, Stop},
		{"on without wrote", "On Monday we ship the release.", 1, Keep},
		{"double dash", "--", 1, Stop},
		{"triple dash", "---", 1, Stop},
		{"dash signature", "-- Jane", 1, Stop},
		{"long dash text", "-- this line is long enough to be prose", 1, Keep},
		{"sent from", "Sent from my Pixel", 1, Stop},
		{"get outlook", "Get Outlook for iOS", 1, Stop},
		{"unsubscribe", "Click here to unsubscribe.", 1, Stop},
		{"boundary", "------=_Part_123_456.789", 1, Stop},
		{"exchange boundary", "--_000_BN6PR11MB", 1, Stop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.line, tt.keptSoFar); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}
