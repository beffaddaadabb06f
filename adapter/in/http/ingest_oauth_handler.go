package http

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"ingest_server/core/domain"
	"ingest_server/core/port/in"
	"ingest_server/core/port/out"
	"ingest_server/infra/middleware"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/logger"
)

// OAuthStateTTL bounds how long a consent round trip may take.
const OAuthStateTTL = 10 * time.Minute

type OAuthHandler struct {
	oauthService in.OAuthService
	stateStore   out.OAuthStateStore
}

func NewOAuthHandler(oauthService in.OAuthService, stateStore out.OAuthStateStore) *OAuthHandler {
	return &OAuthHandler{
		oauthService: oauthService,
		stateStore:   stateStore,
	}
}

// Register mounts connect behind auth. The callback is reached by a browser
// redirect from the provider and carries no token.
func (h *OAuthHandler) Register(api fiber.Router, auth fiber.Handler) {
	api.Get("/oauth/:provider/connect", auth, h.Connect)
	api.Get("/oauth/:provider/callback", h.Callback)
}

// generateSecureState returns 32 random bytes, hex encoded.
func generateSecureState() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secure state: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func (h *OAuthHandler) Connect(c *fiber.Ctx) error {
	provider, ok := domain.ParseProvider(c.Params("provider"))
	if !ok || provider == domain.ProviderSendGrid {
		return apperr.InvalidInput("provider", "unsupported provider")
	}
	userID, ok := middleware.UserID(c)
	if !ok {
		return apperr.Unauthorized("")
	}
	tenantID, err := mustTenant(c)
	if err != nil {
		return err
	}

	state, err := generateSecureState()
	if err != nil {
		return apperr.InternalWithError(err)
	}
	payload := &out.OAuthStatePayload{TenantID: tenantID, UserID: userID.String(), Provider: string(provider)}
	if err := h.stateStore.StoreState(c.UserContext(), state, payload, OAuthStateTTL); err != nil {
		return apperr.InternalWithError(fmt.Errorf("store oauth state: %w", err))
	}

	url, err := h.oauthService.AuthCodeURL(provider, state)
	if err != nil {
		return err
	}
	logger.WithContext(c.UserContext()).Info("[OAuthHandler.Connect] %s consent issued for user %s", provider, userID)
	return c.JSON(fiber.Map{"url": url})
}

func (h *OAuthHandler) Callback(c *fiber.Ctx) error {
	provider, ok := domain.ParseProvider(c.Params("provider"))
	if !ok || provider == domain.ProviderSendGrid {
		return apperr.InvalidInput("provider", "unsupported provider")
	}
	if reason := c.Query("error"); reason != "" {
		return apperr.BadRequest("authorization denied: " + reason)
	}
	state := c.Query("state")
	if state == "" {
		return apperr.MissingField("state")
	}

	payload, err := h.stateStore.ConsumeState(c.UserContext(), state)
	if errors.Is(err, out.ErrStateNotFound) {
		return apperr.BadRequest("invalid or expired state")
	}
	if err != nil {
		return apperr.InternalWithError(fmt.Errorf("consume oauth state: %w", err))
	}
	if payload.Provider != string(provider) {
		return apperr.BadRequest("state was issued for another provider")
	}
	userID, err := parseUUID(payload.UserID)
	if err != nil {
		return apperr.BadRequest("invalid state payload")
	}

	ctx := logger.ContextWithTenant(c.UserContext(), payload.TenantID)
	conn, err := h.oauthService.Connect(ctx, &in.ConnectRequest{
		TenantID: payload.TenantID,
		UserID:   userID,
		Provider: provider,
		Code:     c.Query("code"),
	})
	if err != nil {
		return err
	}
	return SuccessResponse(c, fiber.StatusOK, conn)
}
