package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"broker-api/internal/api"
	"broker-api/internal/config"
	"broker-api/internal/database"
	"broker-api/internal/logger"
	"broker-api/internal/repository"
	"broker-api/internal/services"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Logger.Fatalf("Failed to load configuration: %v", err)
	}

	logCloser, err := logger.Configure(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		logger.Logger.Fatalf("Failed to open log file: %v", err)
	}
	defer logCloser.Close()

	// Initialize database connection
	db, err := database.InitDB(cfg)
	if err != nil {
		logger.Logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Optional shared cache for windowed statistics
	var statsCache services.CacheService
	svc := api.Services{}
	if cfg.Cache.Enabled {
		redisCache, err := services.NewRedisCacheService(cfg.Cache)
		if err != nil {
			logger.Logger.WithError(err).Warn("Redis unavailable, statistics use the in-process memo only")
		} else {
			defer redisCache.Close()
			statsCache = redisCache
			svc.Cache = redisCache
		}
	}

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	instanceRepo := repository.NewInstanceRepository(db)
	abilityRepo := repository.NewAbilityRepository(db)
	usageRepo := repository.NewUsageEventRepository(db)
	statsRepo := repository.NewUsageStatsRepository(db)
	auditLogRepo := repository.NewAuditLogRepository(db)

	// Initialize services
	auditLogService := services.NewAuditLogService(auditLogRepo)
	svc.AuditLog = auditLogService
	svc.Auth = services.NewAuthService(userRepo, cfg.JWTSecret)
	svc.Instances = services.NewInstanceService(instanceRepo, auditLogService)
	svc.Abilities = services.NewAbilityService(abilityRepo, instanceRepo, userRepo, auditLogService)
	svc.Usage = services.NewUsageService(usageRepo)
	svc.Aggregator = services.NewAggregatorService(statsRepo, statsCache, cfg.AggregationGranularity)
	svc.Authority = services.NewTokenAuthority(abilityRepo, instanceRepo)

	router, _ := api.SetupRoutes(db, svc, !cfg.IsProduction())

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPatch,
			http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
		},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	})

	// Create server with timeouts
	srv := &http.Server{
		Handler:      corsMiddleware.Handler(router),
		Addr:         ":" + cfg.Port,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.LogEvent(logrus.InfoLevel, "Server starting", logrus.Fields{
			"port": cfg.Port,
			"env":  cfg.Env,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Logger.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Logger.WithError(err).Error("Graceful shutdown failed")
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	logger.Logger.Info("Server stopped")
}
