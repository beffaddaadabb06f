package domain

import (
	"net/mail"
	"strings"
	"time"
)

// BodyKind tells the extractor how to read RawBody.
type BodyKind string

const (
	BodyText BodyKind = "text"
	BodyHTML BodyKind = "html"
	BodyMIME BodyKind = "mime"
)

// CanonicalMessage is what every provider adapter produces.
type CanonicalMessage struct {
	Direction         Direction
	From              string
	To                []string
	Subject           string
	RawBody           string
	BodyKind          BodyKind
	ProviderMessageID string
	Timestamp         time.Time
}

// Counterpart returns the address on the other side of the conversation.
func (m *CanonicalMessage) Counterpart() string {
	if m.Direction == DirectionOutbound {
		if len(m.To) == 0 {
			return ""
		}
		return m.To[0]
	}
	return m.From
}

// Address is a parsed "Name <addr>" pair.
type Address struct {
	Name  string
	Email string
}

// ParseAddress parses a single RFC 5322 address and falls back to treating the
// input as a bare address.
func ParseAddress(s string) Address {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}
	}
	if a, err := mail.ParseAddress(s); err == nil {
		return Address{Name: strings.TrimSpace(a.Name), Email: strings.ToLower(a.Address)}
	}
	if i, j := strings.LastIndex(s, "<"), strings.LastIndex(s, ">"); i >= 0 && j > i {
		return Address{
			Name:  strings.Trim(strings.TrimSpace(s[:i]), `"`),
			Email: strings.ToLower(strings.TrimSpace(s[i+1 : j])),
		}
	}
	return Address{Email: strings.ToLower(s)}
}

// EmailDomain returns the part after the last @, lower-cased.
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
