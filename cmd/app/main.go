package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"matrix-ledger-backend/internal/common/config"
	"matrix-ledger-backend/internal/common/logger"
	"matrix-ledger-backend/internal/common/middleware"
	"matrix-ledger-backend/internal/common/validation"
	ledgerHttp "matrix-ledger-backend/internal/features/commission/delivery/http"
	"matrix-ledger-backend/internal/features/commission/repository"
	ledgerRepo "matrix-ledger-backend/internal/features/commission/repository/redis"
	"matrix-ledger-backend/internal/features/commission/service"
	"matrix-ledger-backend/internal/platform/redis"
	"matrix-ledger-backend/internal/platform/ton"
	"matrix-ledger-backend/internal/workers"
)

// @title           Matrix Ledger API
// @version         1.0
// @description     Referral compensation ledger: registrations, upgrades, withdrawals and bonus pools.

// @BasePath  /api/v1

// @securityDefinitions.apikey TelegramInitData
// @in header
// @name init_data
// @description Telegram Mini App init_data string for authentication

// @tag.name members
// @tag.description Registration, upgrades, withdrawals and member views

// @tag.name upkeep
// @tag.description Time-gated pool distribution

// @tag.name admin
// @tag.description Safety controls and plan settings

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Options{Service: "matrix-ledger-backend", Debug: cfg.Debug, JSON: cfg.LogJSON})
	logger.Info().Bool("debug", cfg.Debug).Msg("Starting Matrix Ledger Backend")

	if err := validation.RegisterBindings(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register validators")
	}

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid compensation plan")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	redisClient, err := redis.Open(initCtx, cfg.RedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr()).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()
	logger.Info().Str("addr", cfg.RedisAddr()).Msg("Redis connection established")

	var rail service.Rail = ton.NopRail{}
	if cfg.Ton.Enabled {
		rail, err = ton.Dial(initCtx, ton.Options{
			LiteConfigURL:  cfg.Ton.LiteConfigURL,
			WalletSeed:     cfg.Ton.WalletSeed,
			NanoPerUnit:    cfg.Ton.NanoPerUnit,
			Comment:        cfg.Ton.PayoutComment,
			ScanDepth:      cfg.Ton.ScanDepth,
			ConfirmTimeout: cfg.Ton.ConfirmTimeout,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open TON wallet")
		}
	} else {
		logger.Warn().Msg("TON rail disabled, payments are not verified and payouts are not sent")
	}

	repo := ledgerRepo.NewRedisLedgerRepository(redisClient.Client, cfg.RedisKeyPrefix())
	engine, err := service.NewEngine(engineCfg, repo, rail, service.NewAdminList(cfg.AdminList()), service.SystemClock{})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create ledger engine")
	}
	if err := engine.Load(initCtx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load ledger state")
	}
	cancel()

	upkeep := workers.NewUpkeepWorker(engine, cfg.Workers.UpkeepInterval)
	if cfg.Workers.UpkeepEnabled {
		upkeep.Start(ctx)
	}
	payments := workers.NewPaymentStreamWorker(redisClient.Client, engine, workers.StreamOptions{
		Stream:        cfg.Workers.PaymentStream,
		Group:         cfg.Workers.PaymentGroup,
		Consumer:      cfg.Workers.PaymentConsumer,
		RetryInterval: cfg.Workers.PaymentRetryInterval,
		ClaimIdle:     cfg.Workers.PaymentClaimIdle,
	})
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		payments.Start(ctx)
	}()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.Logger("/health", "/live", "/ready"))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{cfg.Server.Origin}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Content-Type", "Accept", middleware.InitDataHeader}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, engine, repo, redisClient, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	upkeep.Stop()
	<-streamDone

	logger.Info().Msg("Server exited")
}

func setupRoutes(router *gin.Engine, engine *service.Engine, receipts repository.ReceiptReader, redisClient *redis.Client, cfg *config.Config) {
	handler := ledgerHttp.NewLedgerHandler(engine, receipts, ledgerHttp.Options{
		BotToken:        cfg.Telegram.BotToken,
		InitDataTTL:     cfg.Telegram.InitDataTTL,
		AdminIDs:        cfg.Telegram.AdminIDs,
		UpkeepLimiter:   middleware.PerMinute(cfg.Workers.UpkeepRatePerMinute),
		WithdrawLimiter: middleware.NewCallerLimiter(cfg.Workers.WithdrawRatePerMinute),
	})
	handler.RegisterRoutes(router.Group("/api/v1"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC(),
			"service":   "matrix-ledger-backend",
		})
	})

	router.GET("/live", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unready",
				"error":   "redis unavailable",
				"details": err.Error(),
			})
			return
		}

		st := engine.GetUpkeepStatus()
		c.JSON(http.StatusOK, gin.H{
			"status":               "ready",
			"timestamp":            time.Now().UTC(),
			"service":              "matrix-ledger-backend",
			"paused":               st.Paused,
			"circuit_breaker_open": st.CircuitBreakerOpen,
		})
	})
}
