package router

import (
	"custody-backend/internal/config"
	"custody-backend/internal/handlers"
	"custody-backend/internal/middleware"
	"custody-backend/internal/push"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// New builds the HTTP router: public health and metrics, the internal
// deposit API, and the JWT-guarded admin surface.
func New(cfg *config.Config, health *handlers.HealthHandler, deposits *handlers.DepositHandler, admin *handlers.AdminHandler, hub *push.Hub) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())

	r.GET("/health", health.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", hub.Handle)

	api := r.Group("/api/v1")
	{
		api.POST("/intents", deposits.CreateIntent)
		api.GET("/intents/:id", deposits.GetIntent)
		api.GET("/users/:userId/intents", deposits.ListUserIntents)
	}

	adminGroup := r.Group("/admin",
		middleware.IPAllowlist(cfg.Admin.AllowedIPs),
		middleware.AdminAuth(cfg.Admin.JWTSecret))
	{
		adminGroup.GET("/lock-stats", admin.GetLockStats)
		adminGroup.POST("/lock-stats/reset", admin.ResetLockStats)
		adminGroup.GET("/dlq", admin.ListDLQ)
		adminGroup.POST("/dlq/:id/rearm", admin.RearmDLQRecord)
		adminGroup.POST("/dlq/:id/resolve", admin.ResolveDLQRecord)
		adminGroup.GET("/balances", admin.GetBalances)
		adminGroup.GET("/monitor", admin.GetMonitorState)
	}

	return r
}
