// Package auth keeps mailbox OAuth grants valid and encrypted at rest.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/sync/singleflight"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/logger"
)

// defaultTokenLifetime is assumed when the token endpoint omits expires_in.
const defaultTokenLifetime = time.Hour

var (
	GoogleScopes = []string{
		"https://www.googleapis.com/auth/gmail.readonly",
		"https://www.googleapis.com/auth/userinfo.email",
	}
	MicrosoftScopes = []string{
		"offline_access",
		"https://graph.microsoft.com/Mail.Read",
		"https://graph.microsoft.com/User.Read",
	}
)

// ProviderConfig is the OAuth client registration for one provider.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// AzureTenant selects the Microsoft identity tenant; "common" when empty.
	AzureTenant string
}

func (c ProviderConfig) configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

type Config struct {
	Google    ProviderConfig
	Microsoft ProviderConfig
}

// TokenManager refreshes and stores provider tokens. Concurrent refreshes of
// the same connection within the process share one token request.
type TokenManager struct {
	conns      out.ConnectionRepository
	cipher     out.TokenCipher
	configs    map[domain.Provider]*oauth2.Config
	userInfo   map[domain.Provider]string
	httpClient *http.Client
	group      singleflight.Group
	now        func() time.Time
}

func NewTokenManager(conns out.ConnectionRepository, cipher out.TokenCipher, cfg Config, httpClient *http.Client) *TokenManager {
	m := &TokenManager{
		conns:      conns,
		cipher:     cipher,
		configs:    make(map[domain.Provider]*oauth2.Config),
		httpClient: httpClient,
		now:        time.Now,
		userInfo: map[domain.Provider]string{
			domain.ProviderGoogle:    "https://www.googleapis.com/oauth2/v2/userinfo",
			domain.ProviderMicrosoft: "https://graph.microsoft.com/v1.0/me",
		},
	}

	if cfg.Google.configured() {
		m.configs[domain.ProviderGoogle] = &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
			Scopes:       GoogleScopes,
			Endpoint:     google.Endpoint,
		}
	}
	if cfg.Microsoft.configured() {
		tenant := cfg.Microsoft.AzureTenant
		if tenant == "" {
			tenant = "common"
		}
		m.configs[domain.ProviderMicrosoft] = &oauth2.Config{
			ClientID:     cfg.Microsoft.ClientID,
			ClientSecret: cfg.Microsoft.ClientSecret,
			RedirectURL:  cfg.Microsoft.RedirectURL,
			Scopes:       MicrosoftScopes,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
		}
	}
	return m
}

// SetEndpoint overrides the token endpoint of a configured provider.
func (m *TokenManager) SetEndpoint(provider domain.Provider, endpoint oauth2.Endpoint) {
	if cfg, ok := m.configs[provider]; ok {
		cfg.Endpoint = endpoint
	}
}

// SetUserInfoURL overrides where Connect reads the mailbox address.
func (m *TokenManager) SetUserInfoURL(provider domain.Provider, url string) {
	m.userInfo[provider] = url
}

func (m *TokenManager) SetClock(now func() time.Time) {
	m.now = now
}

// Configured reports whether the provider has client credentials.
func (m *TokenManager) Configured(provider domain.Provider) bool {
	_, ok := m.configs[provider]
	return ok
}

// EnsureValid returns a usable access token, refreshing it when it expires
// within domain.TokenRefreshSkew.
func (m *TokenManager) EnsureValid(ctx context.Context, conn *domain.ProviderConnection) (string, error) {
	if !conn.NeedsRefresh(m.now()) {
		token, err := m.cipher.Decrypt(conn.AccessToken)
		if err == nil && token != "" {
			return token, nil
		}
		logger.WithContext(ctx).Warn("[TokenManager.EnsureValid] stored access token for connection %d unreadable, refreshing", conn.ID)
	}
	return m.Refresh(ctx, conn)
}

// Refresh exchanges the refresh token for a new access token and persists
// both encrypted. On success conn holds the new ciphertext.
func (m *TokenManager) Refresh(ctx context.Context, conn *domain.ProviderConnection) (string, error) {
	v, err, shared := m.group.Do(strconv.FormatInt(conn.ID, 10), func() (any, error) {
		return m.refresh(ctx, conn)
	})
	if err != nil {
		return "", err
	}
	if shared {
		logger.WithContext(ctx).Debug("[TokenManager.Refresh] joined in-flight refresh for connection %d", conn.ID)
	}
	return v.(string), nil
}

func (m *TokenManager) refresh(ctx context.Context, conn *domain.ProviderConnection) (string, error) {
	cfg, ok := m.configs[conn.Provider]
	if !ok {
		return "", fmt.Errorf("oauth not configured for provider: %s", conn.Provider)
	}

	refreshToken, err := m.cipher.Decrypt(conn.RefreshToken)
	if err != nil || refreshToken == "" {
		return "", m.fail(ctx, conn, apperr.ProviderAuth(string(conn.Provider), fmt.Errorf("stored refresh token unusable: %w", err)))
	}

	tok, err := cfg.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", m.fail(ctx, conn, classifyTokenError(conn.Provider, err))
	}

	// Providers may rotate the refresh token; keep the old one otherwise.
	if tok.RefreshToken != "" {
		refreshToken = tok.RefreshToken
	}
	encAccess, encRefresh, err := m.encryptPair(tok.AccessToken, refreshToken)
	if err != nil {
		return "", err
	}
	expiry := m.expiry(tok)
	scopes := tokenScopes(tok)

	if err := m.conns.UpdateTokens(ctx, conn.ID, encAccess, encRefresh, expiry, scopes); err != nil {
		return "", fmt.Errorf("failed to store refreshed token: %w", err)
	}

	conn.AccessToken, conn.RefreshToken, conn.ExpiresAt = encAccess, encRefresh, expiry
	conn.SyncErrorCount, conn.LastError = 0, ""
	if len(scopes) > 0 {
		conn.Scopes = scopes
	}

	logger.WithContext(ctx).Debug("[TokenManager.Refresh] token refreshed for connection %d, expires %s", conn.ID, expiry.Format(time.RFC3339))
	return tok.AccessToken, nil
}

// fail records the failure on the connection and returns appErr.
func (m *TokenManager) fail(ctx context.Context, conn *domain.ProviderConnection, appErr *apperr.AppError) error {
	state, err := m.conns.RecordFailure(ctx, conn.ID, appErr.Error(), domain.MaxConsecutiveFailures)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Error("[TokenManager.Refresh] failed to record failure for connection %d", conn.ID)
		return appErr
	}
	conn.SyncErrorCount, conn.IsActive, conn.LastError = state.ErrorCount, state.IsActive, appErr.Error()

	log := logger.WithContext(ctx).WithError(appErr.Err)
	if !state.IsActive {
		log.Warn("[TokenManager.Refresh] connection %d deactivated after %d failures", conn.ID, state.ErrorCount)
	} else {
		log.Warn("[TokenManager.Refresh] refresh failed for connection %d (%d/%d)", conn.ID, state.ErrorCount, domain.MaxConsecutiveFailures)
	}
	return appErr
}

// classifyTokenError separates revoked grants, which need the user to
// reconnect, from transient endpoint failures.
func classifyTokenError(provider domain.Provider, err error) *apperr.AppError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client", "interaction_required":
			return apperr.ProviderAuth(string(provider), err)
		}
		if re.Response != nil && re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 && re.Response.StatusCode != http.StatusTooManyRequests {
			return apperr.ProviderAuth(string(provider), err)
		}
		return apperr.TransientProvider(string(provider), err)
	}

	msg := err.Error()
	if strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "Token has been expired or revoked") {
		return apperr.ProviderAuth(string(provider), err)
	}
	return apperr.TransientProvider(string(provider), err)
}

func (m *TokenManager) clientContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *TokenManager) encryptPair(access, refresh string) (string, string, error) {
	encAccess, err := m.cipher.Encrypt(access)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := m.cipher.Encrypt(refresh)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return encAccess, encRefresh, nil
}

func (m *TokenManager) expiry(tok *oauth2.Token) time.Time {
	if tok.Expiry.IsZero() {
		return m.now().Add(defaultTokenLifetime)
	}
	return tok.Expiry
}

func tokenScopes(tok *oauth2.Token) []string {
	if s, ok := tok.Extra("scope").(string); ok {
		return strings.Fields(s)
	}
	return nil
}
