package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/prepflowlabs/prepflow-cloud/internal/api/middleware"
	"github.com/prepflowlabs/prepflow-cloud/internal/auth"
	"github.com/prepflowlabs/prepflow-cloud/internal/config"
)

// NewRouter assembles the HTTP surface: tenant-scoped webhook CRUD and
// command execution behind JWT auth, and admin-token batch triggers.
func NewRouter(
	cfg *config.Config,
	logger *zap.Logger,
	webhooks *WebhookHandler,
	triggers *TriggerHandler,
	commands *CommandHandler,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())
	router.Use(middleware.Logging(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	tenant := router.Group("/", auth.Middleware(cfg.AuthJWTSecret))
	{
		tenant.GET("/webhooks", webhooks.List)
		tenant.POST("/webhooks", webhooks.Create)
		tenant.GET("/webhooks/:id", webhooks.Get)
		tenant.PUT("/webhooks/:id", webhooks.Update)
		tenant.DELETE("/webhooks/:id", webhooks.Delete)
		tenant.PUT("/webhooks/:id/activate", webhooks.Activate)
		tenant.GET("/webhooks/:id/deliveries", webhooks.Deliveries)

		tenant.POST("/commands/:name", commands.Run)
	}

	admin := router.Group("/", adminAuth(cfg.AdminAPIToken))
	{
		admin.POST("/outbox/publish", triggers.PublishOutbox)
		admin.POST("/webhooks/retry", triggers.RetryWebhooks)
	}

	return router
}

// adminAuth gates the trigger endpoints behind a static bearer token
// compared in constant time.
func adminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin API disabled"})
			return
		}
		presented := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}
