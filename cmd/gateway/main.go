package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/chatforge/wa-gateway/internal/adapter"
	"github.com/chatforge/wa-gateway/internal/api/middleware"
	"github.com/chatforge/wa-gateway/internal/api/rest"
	"github.com/chatforge/wa-gateway/internal/api/server"
	"github.com/chatforge/wa-gateway/internal/config"
	"github.com/chatforge/wa-gateway/internal/dispatch"
	"github.com/chatforge/wa-gateway/internal/logger"
	"github.com/chatforge/wa-gateway/internal/oauth"
	"github.com/chatforge/wa-gateway/internal/quota"
	"github.com/chatforge/wa-gateway/internal/ratelimit"
	"github.com/chatforge/wa-gateway/internal/reply"
	"github.com/chatforge/wa-gateway/internal/router"
	"github.com/chatforge/wa-gateway/internal/store"
	"github.com/chatforge/wa-gateway/internal/upstream"
	"github.com/chatforge/wa-gateway/internal/vault"
	"github.com/chatforge/wa-gateway/internal/webhook"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadGatewayConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Tags: map[string]string{
			"service": "wa-gateway",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.Info("Starting WhatsApp gateway")

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
		logger.Fatal("Failed to configure connection pool", zap.Error(err))
	}

	if err := store.AutoMigrate(db); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	logger.Info("Connected to database",
		zap.Int("max_open_conns", cfg.Database.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.Database.MaxIdleConns),
	)

	dataStore := store.NewPGStore(db)

	// Connect to Redis (OAuth state tokens)
	redisClient := adapter.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err), zap.String("addr", cfg.Redis.Addr))
	}
	logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr))

	// Initialize adapters
	clock := adapter.NewClock()
	httpClient := adapter.NewHTTPClient(cfg.Upstream.Timeout)

	// Credential vault
	credVault, err := vault.New(vault.Config{
		Keys:      cfg.Vault.Keys,
		ActiveKey: cfg.Vault.ActiveKey,
	}, dataStore)
	if err != nil {
		logger.Fatal("Failed to initialize credential vault", zap.Error(err))
	}

	// Quota ledger
	ledger := quota.NewLedger(quota.Config{
		WindowMode:   cfg.Quota.WindowMode,
		WindowLength: cfg.Quota.WindowLength,
		DefaultLimit: cfg.Quota.DefaultLimit,
	}, dataStore, clock)

	// Upstream platform client
	upstreamClient := upstream.NewClient(upstream.Config{
		BaseURL:      cfg.Upstream.BaseURL,
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURI:  cfg.OAuth.RedirectURI,
	}, httpClient)

	// OAuth connector
	connector := oauth.NewConnector(oauth.Config{
		ClientID:     cfg.OAuth.ClientID,
		RedirectURI:  cfg.OAuth.RedirectURI,
		AuthorizeURL: cfg.OAuth.AuthorizeURL,
		Scopes:       cfg.OAuth.Scopes,
		StateTTL:     cfg.OAuth.StateTTL,
	}, redisClient, dataStore, credVault, upstreamClient, clock)

	// Reply generator
	var generator reply.Generator
	if cfg.Reply.URL != "" {
		generator = reply.NewHTTPGenerator(reply.Config{
			URL:     cfg.Reply.URL,
			Timeout: cfg.Reply.Timeout,
		}, httpClient)
	} else {
		logger.Warn("No reply generator endpoint configured, using static replies")
		generator = &reply.StaticGenerator{}
	}

	// Outbound send pacing
	var pacer ratelimit.Pacer
	if cfg.RateLimit.Enabled {
		pacer, err = ratelimit.NewPacer(ratelimit.Config{
			SendsPerSecond:          cfg.RateLimit.SendsPerSecond,
			Burst:                   cfg.RateLimit.Burst,
			MaxWait:                 cfg.RateLimit.MaxWait,
			EnableLocalFallback:     cfg.RateLimit.EnableLocalFallback,
			LocalFallbackMultiplier: cfg.RateLimit.LocalFallbackMultiplier,
		}, redisClient)
		if err != nil {
			logger.Fatal("Failed to initialize send pacer", zap.Error(err))
		}
		defer pacer.Close()
	} else {
		logger.Warn("Outbound send pacing disabled")
	}

	// Outbound dispatcher
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		SendTimeout: cfg.Upstream.Timeout,
	}, dataStore, ledger, credVault, upstreamClient, pacer, clock)

	// Webhook verification and routing
	verifier := webhook.NewVerifier(cfg.Webhook.VerifyToken, cfg.Webhook.AppSecret)
	eventRouter := router.NewRouter(ctx, router.Config{
		PoolSize:  cfg.Worker.PoolSize,
		QueueSize: cfg.Worker.QueueSize,
	}, dataStore, generator, dispatcher)

	// HTTP surface
	handler := rest.NewHandler(verifier, eventRouter, connector, ledger, dispatcher)
	srv := server.New(server.Config{
		Debug:        cfg.Debug,
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}, handler, middleware.AuthConfig{
		JWTPublicKey: cfg.Auth.JWTPublicKey,
		APIKeys:      cfg.Auth.APIKeys,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error(err, zap.String("component", "server"))
	}

	// The run context stays alive until the routing pool drains, so queued
	// webhook work can still reach the database
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	// Let queued webhook work finish before the process exits
	eventRouter.Shutdown()

	logger.Info("Gateway stopped")
}
