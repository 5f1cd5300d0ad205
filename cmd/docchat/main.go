package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/docchat/internal/api"
	"github.com/liliang-cn/docchat/internal/archive"
	"github.com/liliang-cn/docchat/internal/config"
	"github.com/liliang-cn/docchat/internal/extract"
	"github.com/liliang-cn/docchat/internal/logging"
	"github.com/liliang-cn/docchat/internal/metrics"
	"github.com/liliang-cn/docchat/internal/repository"
	"github.com/liliang-cn/docchat/internal/service"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "Path to config file")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	// Session store, in memory unless a path is configured
	db, err := repository.NewDB(cfg.Database.Path)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	sessionRepo := repository.NewSessionRepository(db)
	uploadRepo := repository.NewUploadRepository(db)

	m := metrics.New()

	// Provider credential, optionally pre-seeded from config
	settings := service.NewProviderSettings(cfg.LLM, nil, logger)
	if err := settings.Preconfigure(context.Background()); err != nil {
		logger.Warn("Ignoring configured API key", zap.Error(err))
	}

	// Initialize services
	sessions := service.NewSessionManager(sessionRepo, settings, cfg.RateLimit, logger)
	defer sessions.Close()

	builder := service.NewIndexBuilder(cfg.RAG, cfg.Upload.TempDir, settings, nil, logger, m)

	uploadService := service.NewUploadService(
		sessions,
		settings,
		extract.NewDispatcher(logger),
		builder,
		uploadRepo,
		archive.Options{TempDir: cfg.Upload.TempDir, MaxBytes: cfg.Upload.MaxBytes},
		logger,
		m,
	)

	chatService := service.NewChatService(sessions, settings, sessionRepo, logger, m)
	adminService := service.NewAdminService(sessions, settings, sessionRepo, uploadRepo)

	// Setup router
	router := api.SetupRouter(api.Services{
		Settings: settings,
		Sessions: sessions,
		Upload:   uploadService,
		Chat:     chatService,
		Admin:    adminService,
	}, m, logger, api.RouterConfig{
		APIKey:       cfg.Admin.APIKey,
		AllowOrigins: cfg.Server.AllowOrigins,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting DocChat server",
			zap.String("address", cfg.Address()),
			zap.String("base_url", cfg.Server.BaseURL),
			zap.Bool("configured", settings.Configured()),
			zap.String("response_mode", cfg.RAG.ResponseMode),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
