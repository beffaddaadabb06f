package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	// ProviderSendGrid is the inbound-parse webhook. It has no connection row.
	ProviderSendGrid Provider = "sendgrid"
)

// ParseProvider accepts the provider names used in routes and stream payloads.
func ParseProvider(s string) (Provider, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "google", "gmail":
		return ProviderGoogle, true
	case "microsoft", "outlook", "o365", "office365":
		return ProviderMicrosoft, true
	case "sendgrid":
		return ProviderSendGrid, true
	}
	return "", false
}

// TokenRefreshSkew is how early an access token is treated as expired.
const TokenRefreshSkew = 5 * time.Minute

// MaxConsecutiveFailures deactivates a connection once reached.
const MaxConsecutiveFailures = 5

// ProviderConnection is a user's OAuth grant for one mailbox. Tokens are
// stored encrypted; AccessToken and RefreshToken hold ciphertext.
type ProviderConnection struct {
	ID           int64     `json:"id"`
	TenantID     int64     `json:"tenant_id"`
	UserID       uuid.UUID `json:"user_id"`
	Provider     Provider  `json:"provider"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes"`

	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	SyncErrorCount int        `json:"sync_error_count"`
	LastError      string     `json:"last_error,omitempty"`
	IsActive       bool       `json:"is_active"`

	// Privacy flags
	SyncOnlyCRMContacts bool     `json:"sync_only_crm_contacts"`
	ExcludedDomains     []string `json:"excluded_domains"`
	ExcludedKeywords    []string `json:"excluded_keywords"`
	AutoCreateContacts  bool     `json:"auto_create_contacts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NeedsRefresh reports whether the access token is inside the refresh skew at now.
func (c *ProviderConnection) NeedsRefresh(now time.Time) bool {
	return c.ExpiresAt.IsZero() || !now.Add(TokenRefreshSkew).Before(c.ExpiresAt)
}

// MayCreateContacts reports whether an unknown counterpart can become a contact.
func (c *ProviderConnection) MayCreateContacts() bool {
	return c.AutoCreateContacts && !c.SyncOnlyCRMContacts
}

// ExcludesDomain reports whether the counterpart's domain, or a parent domain,
// is on the connection's excluded list.
func (c *ProviderConnection) ExcludesDomain(msg *CanonicalMessage) bool {
	if len(c.ExcludedDomains) == 0 {
		return false
	}
	domain := EmailDomain(ParseAddress(msg.Counterpart()).Email)
	for _, ex := range c.ExcludedDomains {
		ex = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ex), "@"))
		if ex != "" && (domain == ex || strings.HasSuffix(domain, "."+ex)) {
			return true
		}
	}
	return false
}

// ExcludesContent reports whether the subject or the extracted body text
// contains an excluded keyword. text must be decoded content, not raw MIME.
func (c *ProviderConnection) ExcludesContent(subject, text string) bool {
	if len(c.ExcludedKeywords) == 0 {
		return false
	}
	subject = strings.ToLower(subject)
	text = strings.ToLower(text)
	for _, kw := range c.ExcludedKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && (strings.Contains(subject, kw) || strings.Contains(text, kw)) {
			return true
		}
	}
	return false
}
