package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	_ "github.com/noah-isme/engagement-pipeline/api/swagger"
	"github.com/noah-isme/engagement-pipeline/internal/handler"
	internalmiddleware "github.com/noah-isme/engagement-pipeline/internal/middleware"
	"github.com/noah-isme/engagement-pipeline/internal/models"
	"github.com/noah-isme/engagement-pipeline/internal/repository"
	"github.com/noah-isme/engagement-pipeline/internal/service"
	"github.com/noah-isme/engagement-pipeline/pkg/anonymizer"
	"github.com/noah-isme/engagement-pipeline/pkg/cache"
	"github.com/noah-isme/engagement-pipeline/pkg/config"
	"github.com/noah-isme/engagement-pipeline/pkg/database"
	"github.com/noah-isme/engagement-pipeline/pkg/jobs"
	"github.com/noah-isme/engagement-pipeline/pkg/logger"
	corsmiddleware "github.com/noah-isme/engagement-pipeline/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/engagement-pipeline/pkg/middleware/requestid"
	"github.com/noah-isme/engagement-pipeline/pkg/stream"
	"github.com/noah-isme/engagement-pipeline/pkg/tracing"
)

const shutdownTimeout = 15 * time.Second

// @title Engagement Pipeline API
// @version 1.0.0
// @description Ingestion, rollup and retention API for classroom engagement events.
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(cfg, os.Args[2:], os.Stdout); err != nil {
			log.Fatalf("token: %v", err)
		}
		return
	}

	logr, err := logger.New(cfg.Env, cfg.Log)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := serve(cfg, logr); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}

func serve(cfg *config.Config, logr *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing := tracing.Init(ctx, cfg.Env, cfg.Tracing, logr)
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logr.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	if err := database.Migrate(ctx, db, logr); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	metricsSvc := service.NewMetricsService()

	var cacheRepo service.CacheRepository
	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, rollup cache disabled", zap.Error(err))
	} else if redisClient != nil {
		defer redisClient.Close()
		cacheRepo = repository.NewCacheRepository(redisClient, logr)
	}
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Aggregation.CacheTTL, logr, cacheRepo != nil)

	eventRepo := repository.NewEventRepository(db)
	rollupRepo := repository.NewRollupRepository(db)
	saltRepo := repository.NewSaltRepository(db)
	retentionRepo := repository.NewRetentionRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	anon := anonymizer.New(saltRepo, anonymizer.WithSaltWindow(cfg.Anonymizer.SaltWindow))

	var hub *stream.Hub
	if cfg.Stream.Enabled {
		hub = stream.NewHub(stream.Config{
			WriteDeadline:   cfg.Stream.WriteDeadline,
			ReadDeadline:    cfg.Stream.ReadDeadline,
			PingInterval:    cfg.Stream.PingInterval,
			BroadcastBuffer: cfg.Stream.BroadcastBuffer,
			Logger:          logr.Named("stream"),
		})
	}

	var wg sync.WaitGroup

	aggregationSvc := service.NewAggregationService(eventRepo, rollupRepo, cacheSvc, hub, metricsSvc, cfg.Aggregation, logr.Named("aggregation"))
	queue := jobs.NewQueue("aggregation", aggregationSvc.HandleJob, jobs.QueueConfig{
		Workers:    cfg.Aggregation.Workers,
		BufferSize: cfg.Aggregation.BufferSize,
		MaxRetries: cfg.Aggregation.MaxRetries,
		RetryDelay: cfg.Aggregation.RetryDelay,
		Logger:     logr.Named("jobs"),
	})
	aggregationSvc.AttachQueue(queue)
	queue.Start(ctx)

	if hub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Run(ctx)
		}()
	}

	ingestSvc := service.NewIngestService(eventRepo, anon, aggregationSvc, metricsSvc, cfg.Ingest, logr.Named("ingest"))

	policies, err := service.LoadRetentionPolicies(cfg.Retention.PolicyFile)
	if err != nil {
		return fmt.Errorf("load retention policies: %w", err)
	}
	retentionSvc := service.NewRetentionService(retentionRepo, saltRepo, anon, auditRepo, metricsSvc, policies, cfg.Retention, cfg.Anonymizer.SaltWindow, logr.Named("retention"))
	aggregationSvc.AttachHorizon(retentionSvc)
	scheduler := service.NewRetentionScheduler(retentionSvc, cfg.Retention, logr.Named("retention"))
	if cfg.Retention.Enabled {
		scheduler.Start(ctx)
	}

	healthSvc := service.NewHealthService(metricsSvc, aggregationSvc, retentionSvc, logr)
	tokenSvc := service.NewTokenService(cfg.JWT)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	if cfg.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc))

	metricsHandler := handler.NewMetricsHandler(metricsSvc, db)
	r.GET("/metrics", metricsHandler.Prometheus)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	var streamer handler.RollupStreamer
	if hub != nil {
		streamer = hub
	}
	ingestHandler := handler.NewIngestHandler(ingestSvc, cfg.Ingest.MaxBodyBytes)
	rollupHandler := handler.NewRollupHandler(aggregationSvc, streamer)
	adminHandler := handler.NewAdminHandler(retentionSvc, aggregationSvc, healthSvc, scheduler.Monitor())
	limiter := internalmiddleware.NewClassroomLimiter(cfg.Ingest.RateLimitPerSecond, cfg.Ingest.RateLimitBurst)

	api := r.Group(cfg.APIPrefix)
	api.Use(internalmiddleware.JWT(tokenSvc))

	api.POST("/ingest/batches",
		internalmiddleware.RequireRoles(models.RoleDevice, models.RoleTeacher),
		internalmiddleware.RateLimit(limiter),
		ingestHandler.SubmitBatch,
	)

	rollups := api.Group("/rollups")
	rollups.Use(internalmiddleware.RequireRoles(models.RoleTeacher, models.RoleAdmin))
	rollups.GET("", internalmiddleware.WithRollupMeta(), rollupHandler.List)
	rollups.GET("/stream", rollupHandler.Stream)

	admin := api.Group("/admin")
	admin.Use(internalmiddleware.RequireRoles(models.RoleAdmin))
	admin.POST("/retention/run", internalmiddleware.Audit(auditRepo, models.AuditActionRetentionRun, "retention_run"), adminHandler.RunRetention)
	admin.GET("/retention/policies", adminHandler.ListPolicies)
	admin.PUT("/retention/policies/:name", adminHandler.UpdatePolicy)
	admin.POST("/aggregation/rebuild", internalmiddleware.Audit(auditRepo, models.AuditActionAggregateRebuild, "rollups"), adminHandler.RebuildAggregates)
	admin.GET("/rollups/export", internalmiddleware.Audit(auditRepo, models.AuditActionRollupExport, "rollups"), rollupHandler.Export)
	admin.GET("/health", adminHandler.Health)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", server.Addr, "env", cfg.Env, "prefix", cfg.APIPrefix)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logr.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErr:
		cancel()
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Warn("server shutdown warning", zap.Error(err))
	}

	cancel()
	queue.Stop()
	scheduler.Wait()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logr.Info("background tasks stopped")
	case <-time.After(5 * time.Second):
		logr.Warn("background tasks did not stop in time")
	}
	return nil
}
