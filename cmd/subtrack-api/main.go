package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/subtrack/internal/agent"
	"github.com/vipul43/subtrack/internal/config"
	"github.com/vipul43/subtrack/internal/database"
	"github.com/vipul43/subtrack/internal/gmail"
	"github.com/vipul43/subtrack/internal/httpserver"
	"github.com/vipul43/subtrack/internal/lock"
	"github.com/vipul43/subtrack/internal/logger"
	"github.com/vipul43/subtrack/internal/repository"
	"github.com/vipul43/subtrack/internal/service"
	"github.com/vipul43/subtrack/internal/templates"
	"github.com/vipul43/subtrack/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	zlog, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer zlog.Sync()

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close(db)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}

	zlog.Info("database connected")

	// Run migrations
	if err := database.RunMigrations(db); err != nil {
		return err
	}
	zlog.Info("migrations completed")

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	tokenRepo := repository.NewTokenRepository(db)
	connRepo := repository.NewConnectionRepository(db)
	subRepo := repository.NewSubscriptionRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	runRepo := repository.NewImportRunRepository(sqlDB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defaults, err := templates.Default()
	if err != nil {
		return err
	}
	seeded, err := templateRepo.SeedIfEmpty(ctx, defaults)
	if err != nil {
		return err
	}
	if seeded > 0 {
		zlog.Info("seeded default templates", zap.Int("count", seeded))
	}

	// Initialize Gmail client
	gmailClient := gmail.NewClient(gmail.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		CallTimeout:  cfg.ProviderCallTimeout,
	}, zlog.Named("gmail"))

	var oauth service.OAuthProvider
	if cfg.GmailEnabled() {
		oauth = gmailClient
	} else {
		zlog.Warn("google credentials not set, gmail linking disabled")
	}

	// Import locks are shared through Redis when configured
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisAddr != "" {
		rdb := lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			zlog.Warn("redis unreachable, locks will fail open until it recovers", zap.Error(err))
		}
		locker = lock.NewRedisLocker(rdb, "subtrack", zlog.Named("lock"))
	}

	agentClient := agent.NewClient(agent.Config{
		URL:     cfg.AgentURL,
		APIKey:  cfg.AgentAPIKey,
		Timeout: cfg.AgentTimeout,
	}, zlog.Named("agent"))
	if !agentClient.Enabled() {
		zlog.Info("agent url not set, assistant disabled")
	}

	// Initialize services
	authService := service.NewAuthService(userRepo, tokenRepo, cfg.JWTSecret, cfg.JWTTTL, zlog.Named("auth"))
	connService := service.NewConnectionService(connRepo, oauth, cfg.JWTSecret, zlog.Named("connections"))
	subService := service.NewSubscriptionService(subRepo, zlog.Named("subscriptions"))
	statusService := service.NewImportStatusService(runRepo, cfg.StaleRunAfter, zlog.Named("imports"))

	orchestrator := service.NewImportOrchestrator(service.ImportDependencies{
		Connections:   connRepo,
		Runs:          runRepo,
		Templates:     templateRepo,
		Subscriptions: subRepo,
		Fetcher:       gmailClient,
		Tokens:        connService,
		Detector:      agentClient,
		Locker:        locker,
	}, service.ImportOptions{
		BatchSize:      cfg.ImportBatchSize,
		BatchDelay:     cfg.ImportBatchDelay,
		PageSize:       cfg.ImportPageSize,
		ProgressEvery:  cfg.ImportProgressEvery,
		LookbackMonths: cfg.ImportLookbackMonths,
		LockTTL:        cfg.StaleRunAfter,
		AgentDetection: cfg.AgentDetection,
	}, zlog.Named("orchestrator"))

	// Initialize watcher
	w := watcher.New(watcher.Config{
		RolloverInterval: cfg.RolloverInterval,
		ReaperInterval:   cfg.ReaperInterval,
	}, subService, statusService, zlog.Named("watcher"))

	router := httpserver.NewRouter(httpserver.Services{
		Auth:          authService,
		Connections:   connService,
		Imports:       orchestrator,
		ImportStatus:  statusService,
		Subscriptions: subService,
		Templates:     templateRepo,
		Assistant:     agentClient,
		DB:            sqlDB,
	}, zlog.Named("http"))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 2)
	go func() {
		if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()
	go func() {
		zlog.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		zlog.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errChan:
		zlog.Error("component failed, shutting down", zap.Error(err))
		cancel()
		shutdown(srv, orchestrator, cfg.ShutdownTimeout, zlog)
		return err
	}

	cancel()
	shutdown(srv, orchestrator, cfg.ShutdownTimeout, zlog)
	zlog.Info("application stopped")
	return nil
}

// shutdown stops accepting requests, then gives running imports until the
// deadline before they are cancelled and recorded as interrupted
func shutdown(srv *http.Server, orchestrator *service.ImportOrchestrator, timeout time.Duration, zlog *zap.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("http server shutdown", zap.Error(err))
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("shutdown timeout exceeded, imports interrupted", zap.Error(err))
	}
}
