// Package http exposes the administrative HTTP API: quota inspection, plan
// changes, usage history, and ledger totals. It is an operator surface, not
// a user one; every endpoint under /v0 requires the admin bearer token.
package http

import (
	"github.com/gin-gonic/gin"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/http/api/admin/handlers"
	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/plans"
	"gorm.io/gorm"
)

// NewRouter builds the admin API engine. db may be nil when the ledger is
// not SQL backed; the usage history endpoint is then not registered.
func NewRouter(cfg *config.Config, store ledger.Store, registry *plans.Registry, db *gorm.DB) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", handlers.NewHealthHandler(db).Healthz)

	quotaHandler := handlers.NewQuotaHandler(store, registry)
	statsHandler := handlers.NewStatsHandler(store)

	v0 := engine.Group("/v0", AdminAuthMiddleware(cfg.AdminAPIToken))
	v0.GET("/plans", quotaHandler.Plans)
	v0.GET("/users/:id/quota", quotaHandler.Get)
	v0.PUT("/users/:id/plan", quotaHandler.SetPlan)
	v0.GET("/stats", statsHandler.Stats)
	if db != nil {
		v0.GET("/users/:id/usage", handlers.NewUsageHandler(db).List)
	}

	return engine
}
