// Package bootstrap builds the object graph for the api and worker modes.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"ingest_server/adapter/out/lease"
	"ingest_server/adapter/out/memory"
	"ingest_server/adapter/out/messaging"
	"ingest_server/adapter/out/persistence"
	"ingest_server/adapter/out/provider/gmail"
	"ingest_server/adapter/out/provider/outlook"
	"ingest_server/config"
	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/core/service/auth"
	"ingest_server/core/service/extract"
	"ingest_server/core/service/ingest"
	"ingest_server/core/service/mailsync"
	"ingest_server/infra/database"
	"ingest_server/pkg/crypto"
	"ingest_server/pkg/httputil"
	"ingest_server/pkg/logger"
	"ingest_server/pkg/metrics"
	"ingest_server/pkg/ratelimit"
)

// Dependencies is shared by the api and worker so that "all" mode runs both
// on one set of pools and, without a database, one in-memory store.
type Dependencies struct {
	DB    *pgxpool.Pool
	SQLDB *sqlx.DB
	Redis *redis.Client

	Connections out.ConnectionRepository
	Contacts    out.ContactRepository
	Threads     out.ThreadRepository
	Messages    out.MessageRepository
	Activities  out.ActivityRepository
	OAuthStates out.OAuthStateStore
	Publisher   out.EventPublisher

	Tokens   *auth.TokenManager
	Pipeline *ingest.Pipeline
	Inbound  *ingest.InboundService
	Sync     *mailsync.Service
	Metrics  *metrics.SyncMetrics
}

func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.DatabaseURL != "" {
		pool, err := database.NewPostgres(ctx, cfg.DatabaseURL, database.DefaultPostgresConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		deps.DB = pool
		cleanups = append(cleanups, pool.Close)

		sqlDB, err := database.NewSQLX(cfg.DatabaseURL, database.DefaultPostgresConfig())
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("sqlx: %w", err)
		}
		deps.SQLDB = sqlDB
		cleanups = append(cleanups, func() { sqlDB.Close() })

		if cfg.AutoMigrate {
			res, err := database.Migrate(sqlDB)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			logger.Info("Schema at version %d (changed=%t)", res.Version, res.Changed)
		}

		deps.Connections = persistence.NewConnectionAdapter(sqlDB)
		deps.Contacts = persistence.NewContactAdapter(sqlDB)
		deps.Threads = persistence.NewThreadAdapter(sqlDB)
		deps.Messages = persistence.NewMessageAdapter(sqlDB)
		deps.Activities = persistence.NewActivityAdapter(sqlDB)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory storage")
		store := memory.NewStore()
		deps.Connections = store.Connections()
		deps.Contacts = store.Contacts()
		deps.Threads = store.Threads()
		deps.Messages = store.Messages()
		deps.Activities = store.Activities()
	}

	if cfg.RedisURL != "" {
		client, err := database.NewRedis(ctx, cfg.RedisURL, database.DefaultRedisConfig())
		if err != nil {
			logger.Warn("Redis connection failed, continuing without it: %v", err)
		} else {
			deps.Redis = client
			cleanups = append(cleanups, func() { client.Close() })
		}
	}

	if deps.Redis != nil {
		deps.OAuthStates = persistence.NewRedisOAuthStateStore(deps.Redis)
		deps.Publisher = messaging.NewRedisProducer(deps.Redis)
	} else {
		deps.OAuthStates = memory.NewOAuthStateStore()
	}

	encryptor, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("token encryption: %w", err)
	}

	deps.Tokens = auth.NewTokenManager(deps.Connections, encryptor, auth.Config{
		Google: auth.ProviderConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		},
		Microsoft: auth.ProviderConfig{
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftClientSecret,
			RedirectURL:  cfg.MicrosoftRedirectURL,
			AzureTenant:  cfg.MicrosoftTenantID,
		},
	}, httputil.NewClient(httputil.DefaultClientConfig()))

	extractor := extract.NewExtractor()
	deps.Pipeline = ingest.NewPipeline(deps.Contacts, deps.Threads, deps.Messages, deps.Activities, deps.Publisher)
	deps.Inbound = ingest.NewInboundService(deps.Contacts, deps.Pipeline, extractor)

	limiter := ratelimit.New(deps.Redis, &ratelimit.Config{
		Requests: cfg.ProviderRequestsPerMin,
		Window:   time.Minute,
		MaxWait:  10 * time.Second,
	})

	syncCfg := mailsync.DefaultConfig()
	syncCfg.InitialLookback = time.Duration(cfg.SyncLookbackDays) * 24 * time.Hour
	syncCfg.LeaseTTL = cfg.SyncLeaseTTL
	syncCfg.Concurrency = cfg.SyncConcurrency

	deps.Sync = mailsync.NewService(
		deps.Connections,
		deps.Tokens,
		lease.New(deps.Redis),
		limiter,
		extractor,
		deps.Pipeline,
		syncCfg,
		gmail.NewSource(httputil.NewClient(httputil.GmailClientConfig()), gmail.Config{
			FetchConcurrency: cfg.GmailFetchConcurrency,
		}),
		outlook.NewSource(httputil.NewClient(httputil.GraphClientConfig()), ""),
	)
	if deps.Publisher != nil {
		deps.Sync.SetPublisher(deps.Publisher)
	}
	deps.Metrics = metrics.NewSyncMetrics(500)
	deps.Sync.SetRecorder(deps.Metrics)

	for _, p := range []domain.Provider{domain.ProviderGoogle, domain.ProviderMicrosoft} {
		if !deps.Tokens.Configured(p) {
			logger.Warn("OAuth for %s is not configured; its connections cannot sync", p)
		}
	}

	return deps, cleanup, nil
}
