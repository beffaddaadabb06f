package threading

import (
	"strings"
	"testing"
)

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    string
	}{
		{"plain", "Budget proposal", "budget proposal"},
		{"re prefix", "Re: Budget proposal", "budget proposal"},
		{"stacked prefixes", "RE: Re: FWD: Budget proposal", "budget proposal"},
		{"reply and forward words", "Reply: Forward: Budget", "budget"},
		{"fw with spaces", "  fw :   Budget   proposal ", "budget proposal"},
		{"prefix only", "Re:", EmptySubject},
		{"empty", "", EmptySubject},
		{"prefix inside is kept", "Budget Re: proposal", "budget re: proposal"},
		{"word starting with re", "Review notes", "review notes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeSubject(tt.subject); got != tt.want {
				t.Errorf("NormalizeSubject(%q) = %q, want %q", tt.subject, got, tt.want)
			}
		})
	}
}

func TestNormalizeSubject_Idempotent(t *testing.T) {
	inputs := []string{
		"Re: Re: hello",
		"",
		"   ",
		"Fwd:",
		"RE:RE:RE: Quarterly numbers",
		strings.Repeat("Re: ", 80) + strings.Repeat("x", 300),
		strings.Repeat("a", 199) + " Re: tail",
		"日本語の件名 Re: テスト",
		"\x00\xff broken utf8",
	}
	for _, in := range inputs {
		once := NormalizeSubject(in)
		if twice := NormalizeSubject(once); twice != once {
			t.Errorf("NormalizeSubject not idempotent for %q: %q -> %q", in, once, twice)
		}
	}
}

func TestNormalizeSubject_Capped(t *testing.T) {
	got := NormalizeSubject(strings.Repeat("é", 500))
	if n := len([]rune(got)); n != MaxSubjectLength {
		t.Errorf("len = %d, want %d", n, MaxSubjectLength)
	}
}

func TestThreadKey(t *testing.T) {
	base := ThreadKey("Budget proposal", "Jane@X.com")
	if base != "budget proposal|jane@x.com" {
		t.Fatalf("ThreadKey() = %q", base)
	}

	for _, subject := range []string{"Re: Budget proposal", "RE: Re: Budget proposal", "Fwd: budget   PROPOSAL"} {
		if got := ThreadKey(subject, " jane@x.com "); got != base {
			t.Errorf("ThreadKey(%q) = %q, want %q", subject, got, base)
		}
	}

	if other := ThreadKey("Budget proposal", "john@x.com"); other == base {
		t.Errorf("different correspondents collided on %q", other)
	}
}

func TestThreadKey_Capped(t *testing.T) {
	key := ThreadKey(strings.Repeat("s", 250), strings.Repeat("a", 200)+"@x.com")
	if n := len([]rune(key)); n != MaxKeyLength {
		t.Errorf("len = %d, want %d", n, MaxKeyLength)
	}
}
