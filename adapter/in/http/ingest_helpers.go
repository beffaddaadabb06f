// Package http exposes the Fiber routes of the ingestion service.
package http

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"ingest_server/infra/middleware"
	"ingest_server/pkg/apperr"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// SuccessResponse sends a standardized success response
func SuccessResponse(c *fiber.Ctx, status int, data interface{}) error {
	requestID, _ := c.Locals("request_id").(string)
	return c.Status(status).JSON(APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func mustTenant(c *fiber.Ctx) (int64, error) {
	tenantID, ok := middleware.TenantID(c)
	if !ok {
		return 0, apperr.Unauthorized("")
	}
	return tenantID, nil
}

func paramID(c *fiber.Ctx, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.InvalidInput(name, "must be a positive integer")
	}
	return id, nil
}

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
