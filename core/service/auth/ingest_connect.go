package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"ingest_server/core/domain"
	"ingest_server/core/port/in"
	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/logger"
)

var _ in.OAuthService = (*TokenManager)(nil)

// AuthCodeURL builds the consent URL. Google needs offline access and forced
// consent to hand out a refresh token; Microsoft gets one via offline_access.
func (m *TokenManager) AuthCodeURL(provider domain.Provider, state string) (string, error) {
	cfg, ok := m.configs[provider]
	if !ok {
		return "", apperr.BadRequest(fmt.Sprintf("oauth not configured for provider: %s", provider))
	}
	if provider == domain.ProviderGoogle {
		return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
	}
	return cfg.AuthCodeURL(state), nil
}

// Connect exchanges an authorization code and creates or updates the
// mailbox connection. A reconnect reactivates an errored connection.
func (m *TokenManager) Connect(ctx context.Context, req *in.ConnectRequest) (*domain.ProviderConnection, error) {
	cfg, ok := m.configs[req.Provider]
	if !ok {
		return nil, apperr.BadRequest(fmt.Sprintf("oauth not configured for provider: %s", req.Provider))
	}
	if req.Code == "" {
		return nil, apperr.MissingField("code")
	}

	tok, err := cfg.Exchange(m.clientContext(ctx), req.Code)
	if err != nil {
		return nil, classifyTokenError(req.Provider, err)
	}

	email, err := m.mailboxAddress(ctx, req.Provider, cfg, tok)
	if err != nil {
		return nil, apperr.TransientProvider(string(req.Provider), fmt.Errorf("failed to get mailbox address: %w", err))
	}
	logger.WithContext(ctx).Info("[TokenManager.Connect] %s mailbox %s for tenant %d", req.Provider, email, req.TenantID)

	existing, err := m.conns.GetByEmail(ctx, req.TenantID, req.Provider, email)
	if err != nil {
		return nil, apperr.DatabaseError("get connection", err)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" && existing != nil {
		// Google omits the refresh token on re-consent in some flows.
		if old, err := m.cipher.Decrypt(existing.RefreshToken); err == nil {
			refreshToken = old
		}
	}
	encAccess, encRefresh, err := m.encryptPair(tok.AccessToken, refreshToken)
	if err != nil {
		return nil, apperr.InternalWithError(err)
	}
	expiry := m.expiry(tok)
	scopes := tokenScopes(tok)
	if len(scopes) == 0 {
		scopes = cfg.Scopes
	}

	if existing != nil {
		if err := m.conns.UpdateTokens(ctx, existing.ID, encAccess, encRefresh, expiry, scopes); err != nil {
			return nil, apperr.DatabaseError("update connection", err)
		}
		existing.AccessToken, existing.RefreshToken, existing.ExpiresAt, existing.Scopes = encAccess, encRefresh, expiry, scopes
		existing.SyncErrorCount, existing.LastError, existing.IsActive = 0, "", true
		logger.WithContext(ctx).Info("[TokenManager.Connect] connection %d updated", existing.ID)
		return existing, nil
	}

	conn := &domain.ProviderConnection{
		TenantID:     req.TenantID,
		UserID:       req.UserID,
		Provider:     req.Provider,
		Email:        email,
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		ExpiresAt:    expiry,
		Scopes:       scopes,
		IsActive:     true,
	}
	if err := m.conns.Create(ctx, conn); err != nil {
		return nil, apperr.DatabaseError("create connection", err)
	}
	logger.WithContext(ctx).Info("[TokenManager.Connect] connection %d created", conn.ID)
	return conn, nil
}

// mailboxAddress asks the provider which mailbox the token belongs to.
func (m *TokenManager) mailboxAddress(ctx context.Context, provider domain.Provider, cfg *oauth2.Config, tok *oauth2.Token) (string, error) {
	url, ok := m.userInfo[provider]
	if !ok {
		return "", fmt.Errorf("no user info endpoint for %s", provider)
	}

	client := cfg.Client(m.clientContext(ctx), tok)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", out.ProviderErrorFromStatus(provider, resp.StatusCode, "user info request failed", nil)
	}

	// Google userinfo returns email; Graph /me returns mail or userPrincipalName.
	var info struct {
		Email             string `json:"email"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	for _, candidate := range []string{info.Email, info.Mail, info.UserPrincipalName} {
		if candidate = strings.ToLower(strings.TrimSpace(candidate)); candidate != "" {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s user info has no email", provider)
}
