package middleware

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"ingest_server/pkg/apperr"
	"ingest_server/pkg/logger"
)

const (
	localUserID   = "user_id"
	localTenantID = "tenant_id"
)

// Claims are the JWT claims this service reads. The subject is the user id.
type Claims struct {
	TenantID int64  `json:"tenant_id"`
	Email    string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuth validates HS256 bearer tokens and stores the user and tenant in
// locals.
func JWTAuth(secret string) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}
		if secret == "" {
			return apperr.Unauthorized("authentication is not configured")
		}

		tokenString, ok := bearerToken(c.Get(fiber.HeaderAuthorization))
		if !ok {
			return apperr.Unauthorized("missing authorization")
		}

		var claims Claims
		token, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			logger.WithError(err).Warn("JWT validation failed")
			return apperr.Unauthorized("invalid token")
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			return apperr.Unauthorized("invalid user id format")
		}
		if claims.TenantID <= 0 {
			return apperr.Unauthorized("missing tenant in token")
		}

		c.Locals(localUserID, userID)
		c.Locals(localTenantID, claims.TenantID)
		c.SetUserContext(logger.ContextWithTenant(c.UserContext(), claims.TenantID))

		return c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// UserID returns the authenticated user.
func UserID(c *fiber.Ctx) (uuid.UUID, bool) {
	id, ok := c.Locals(localUserID).(uuid.UUID)
	return id, ok
}

// TenantID returns the authenticated tenant.
func TenantID(c *fiber.Ctx) (int64, bool) {
	id, ok := c.Locals(localTenantID).(int64)
	return id, ok
}

// IssueToken signs an HS256 token; used by tests and local tooling.
func IssueToken(secret string, userID uuid.UUID, tenantID int64, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = userID.String()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{TenantID: tenantID, RegisteredClaims: claims})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// WebhookAuth protects the inbound-parse webhook with the basic auth
// credentials embedded in the webhook URL. Empty credentials disable it.
func WebhookAuth(user, password string) fiber.Handler {
	if user == "" || password == "" {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return basicauth.New(basicauth.Config{
		Realm: "inbound",
		Authorizer: func(u, p string) bool {
			userOK := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1
			passOK := subtle.ConstantTimeCompare([]byte(p), []byte(password)) == 1
			return userOK && passOK
		},
		Unauthorized: func(c *fiber.Ctx) error {
			return apperr.Unauthorized("invalid webhook credentials")
		},
	})
}
