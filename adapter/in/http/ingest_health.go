package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"ingest_server/infra/database"
	"ingest_server/pkg/metrics"
)

// HealthHandler reports dependency status and sync statistics. Any field may
// be nil when the service runs on the in-memory fallbacks.
type HealthHandler struct {
	db    *pgxpool.Pool
	redis *redis.Client
	sync  *metrics.SyncMetrics
}

func NewHealthHandler(db *pgxpool.Pool, redis *redis.Client, sync *metrics.SyncMetrics) *HealthHandler {
	return &HealthHandler{
		db:    db,
		redis: redis,
		sync:  sync,
	}
}

func (h *HealthHandler) Register(app fiber.Router) {
	app.Get("/health", h.Health)
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	allHealthy := true
	postgres := "not configured"
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			postgres = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			postgres = "healthy"
		}
	}

	redisStatus := "not configured"
	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			redisStatus = "healthy"
		}
	}

	status := "ok"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = fiber.StatusServiceUnavailable
	}

	body := fiber.Map{
		"status":    status,
		"postgres":  postgres,
		"redis":     redisStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.db != nil {
		body["postgres_pool"] = database.GetPoolStats(h.db)
	}
	if h.sync != nil {
		body["sync"] = h.sync.Snapshot()
	}
	return c.Status(statusCode).JSON(body)
}
