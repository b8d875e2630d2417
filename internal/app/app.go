// Package app wires configuration, the quota ledger, the generation gateway,
// the chat bot, and the admin API into a running process.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/tokengate/tokengate/internal/chat"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/db"
	"github.com/tokengate/tokengate/internal/gateway"
	"github.com/tokengate/tokengate/internal/guard"
	adminhttp "github.com/tokengate/tokengate/internal/http"
	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/plans"
	"github.com/tokengate/tokengate/internal/reconcile"
	"gorm.io/gorm"
)

// shutdownTimeout bounds the admin server's graceful drain.
const shutdownTimeout = 5 * time.Second

// Migrate opens the database and runs schema migrations. A Redis DSN has no
// schema to migrate and is rejected.
func Migrate(_ context.Context, cfg *config.Config) error {
	if cfg.DSN == "" {
		return fmt.Errorf("app: dsn is required")
	}
	dialect, errDetect := db.DetectDialectFromDSN(cfg.DSN)
	if errDetect != nil {
		return errDetect
	}
	if dialect == db.DialectRedis {
		return fmt.Errorf("app: redis ledger needs no migration")
	}
	conn, errOpen := db.Open(cfg.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// Run boots the bot and, when configured, the admin API, and blocks until
// ctx is cancelled or the bot loop fails.
func Run(ctx context.Context, cfg *config.Config) error {
	if errValidate := cfg.Validate(); errValidate != nil {
		return errValidate
	}

	registry, errRegistry := plans.NewRegistry(cfg.Plans, cfg.DefaultPlan)
	if errRegistry != nil {
		return errRegistry
	}

	store, conn, errStore := openStore(cfg, registry)
	if errStore != nil {
		return errStore
	}

	gatewayOpts := []gateway.Option{gateway.WithModel(cfg.GeminiModel)}
	if cfg.GeminiBaseURL != "" {
		gatewayOpts = append(gatewayOpts, gateway.WithBaseURL(cfg.GeminiBaseURL))
	}
	backend := gateway.New(cfg.GeminiAPIKey, gatewayOpts...)

	g := guard.New(store, guard.Limits{
		MinResponseTokens: cfg.MinResponseTokens,
		MaxResponseTokens: cfg.MaxResponseTokens,
	})
	reconciler := reconcile.New(store, conn, backend.Model())

	client := chat.NewTelegramClient(cfg.BotToken)
	service := chat.NewService(cfg, store, g, backend, reconciler, client, registry)
	bot := chat.NewBot(client, service)

	var adminServer *http.Server
	if cfg.Listen != "" {
		adminServer = &http.Server{
			Addr:              cfg.Listen,
			Handler:           adminhttp.NewRouter(cfg, store, registry, conn),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Infof("admin api listening on %s", cfg.Listen)
			if errServe := adminServer.ListenAndServe(); errServe != nil && errServe != http.ErrServerClosed {
				log.WithError(errServe).Error("admin api server failed")
			}
		}()
	}

	log.WithField("model", backend.Model()).Info("bot started")
	errRun := bot.Run(ctx)

	if adminServer != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := adminServer.Shutdown(drainCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("admin api shutdown failed")
		}
	}

	if errRun != nil && ctx.Err() != nil {
		// Cancellation is an orderly stop, not a failure.
		return nil
	}
	return errRun
}

// openStore builds the quota ledger from the configured DSN. SQL DSNs get a
// migrated gorm-backed store plus the usage log; Redis DSNs get the Lua
// scripted store and no usage log.
func openStore(cfg *config.Config, registry *plans.Registry) (ledger.Store, *gorm.DB, error) {
	dialect, errDetect := db.DetectDialectFromDSN(cfg.DSN)
	if errDetect != nil {
		return nil, nil, errDetect
	}

	if dialect == db.DialectRedis {
		redisOpts, errParse := goredis.ParseURL(cfg.DSN)
		if errParse != nil {
			return nil, nil, fmt.Errorf("app: parse redis dsn: %w", errParse)
		}
		client := goredis.NewClient(redisOpts)
		log.Info("using redis quota ledger, usage log disabled")
		return ledger.NewRedisStore(client, registry), nil, nil
	}

	conn, errOpen := db.Open(cfg.DSN)
	if errOpen != nil {
		return nil, nil, errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return nil, nil, errMigrate
	}
	log.WithField("dialect", dialect).Info("using sql quota ledger")
	return ledger.NewGormStore(conn, registry), conn, nil
}
