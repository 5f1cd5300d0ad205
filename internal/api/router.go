package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/docchat/internal/api/admin"
	"github.com/liliang-cn/docchat/internal/api/chat"
	"github.com/liliang-cn/docchat/internal/api/middleware"
	"github.com/liliang-cn/docchat/internal/metrics"
	"github.com/liliang-cn/docchat/internal/service"
	"go.uber.org/zap"
)

// RouterConfig holds configuration for the router
type RouterConfig struct {
	APIKey       string
	AllowOrigins []string
}

// Services are the handlers' dependencies
type Services struct {
	Settings *service.ProviderSettings
	Sessions *service.SessionManager
	Upload   *service.UploadService
	Chat     *service.ChatService
	Admin    *service.AdminService
}

// SetupRouter sets up the Gin router
func SetupRouter(svc Services, m *metrics.Metrics, logger *zap.Logger, cfg RouterConfig) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(m))
	r.Use(middleware.CORS(cfg.AllowOrigins))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	// Single-page UI
	SetupStaticRoutes(r)

	// Session API (public)
	chatHandler := chat.NewHandler(svc.Settings, svc.Sessions, svc.Upload, svc.Chat, logger)
	chatHandler.RegisterRoutes(r.Group("/api"))

	// Admin API (requires API key)
	adminHandler := admin.NewHandler(svc.Admin)
	adminGroup := r.Group("/api/admin")
	adminGroup.Use(middleware.Auth(cfg.APIKey))
	adminHandler.RegisterRoutes(adminGroup)

	return r
}
