package http

import (
	"github.com/gofiber/fiber/v2"

	"ingest_server/core/port/in"
	"ingest_server/pkg/logger"
)

// SyncHandler lets an authenticated tenant trigger a mailbox sync.
type SyncHandler struct {
	requester in.SyncRequester
}

func NewSyncHandler(requester in.SyncRequester) *SyncHandler {
	return &SyncHandler{requester: requester}
}

func (h *SyncHandler) Register(api fiber.Router, auth fiber.Handler) {
	api.Post("/connections/:id/sync", auth, h.Sync)
}

// Sync returns 202 when the job was queued and 200 with the report when it
// ran inline.
func (h *SyncHandler) Sync(c *fiber.Ctx) error {
	tenantID, err := mustTenant(c)
	if err != nil {
		return err
	}
	connectionID, err := paramID(c, "id")
	if err != nil {
		return err
	}

	report, queued, err := h.requester.RequestSync(c.UserContext(), tenantID, connectionID)
	if err != nil {
		return err
	}
	if queued {
		logger.WithContext(c.UserContext()).Info("[SyncHandler.Sync] connection %d queued", connectionID)
		return SuccessResponse(c, fiber.StatusAccepted, fiber.Map{
			"connection_id": connectionID,
			"queued":        true,
		})
	}
	return SuccessResponse(c, fiber.StatusOK, report)
}
