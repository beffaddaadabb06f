package bootstrap

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"ingest_server/adapter/in/http"
	"ingest_server/config"
	"ingest_server/infra/middleware"
	"ingest_server/pkg/logger"
)

func NewAPI(cfg *config.Config, deps *Dependencies) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),

		// go-json instead of encoding/json
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		// Inbound-parse posts carry the raw MIME and attachments.
		BodyLimit: 30 * 1024 * 1024,

		ServerHeader:       "",
		DisableDefaultDate: true,
	})

	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		// "*" cannot be combined with credentials.
		allowCredentials = false
		if allowOrigins == "" {
			allowOrigins = "*"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	http.NewHealthHandler(deps.DB, deps.Redis, deps.Metrics).Register(app)
	http.NewInboundHandler(deps.Inbound).Register(app, middleware.WebhookAuth(cfg.WebhookUsername, cfg.WebhookPassword))

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, /api/v1 routes will reject every request")
	}
	auth := middleware.JWTAuth(cfg.JWTSecret)
	api := app.Group("/api/v1")
	http.NewSyncHandler(deps.Sync).Register(api, auth)
	http.NewOAuthHandler(deps.Tokens, deps.OAuthStates).Register(api, auth)

	return app
}
