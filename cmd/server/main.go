// Package main runs the live interaction tracking server with WebSocket
// dashboard feed and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/livepulse/tracker/config"
	"github.com/livepulse/tracker/internal/api"
	"github.com/livepulse/tracker/internal/archive"
	"github.com/livepulse/tracker/internal/auth"
	"github.com/livepulse/tracker/internal/batch"
	"github.com/livepulse/tracker/internal/dispatch"
	"github.com/livepulse/tracker/internal/middleware"
	"github.com/livepulse/tracker/internal/models"
	"github.com/livepulse/tracker/internal/realtime"
	"github.com/livepulse/tracker/internal/store"
	"github.com/livepulse/tracker/internal/tracker"
	"github.com/livepulse/tracker/internal/trigger"
	"github.com/livepulse/tracker/pkg/database"
	"github.com/livepulse/tracker/pkg/redis"
	"github.com/livepulse/tracker/pkg/response"
	"github.com/livepulse/tracker/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	repo := store.NewRepository(pool)

	// Realtime fan-out; Redis optional, local-only without it.
	var hub *realtime.Hub
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
		hub = realtime.NewHub(logger, pubsub, pubsub)
	} else {
		logger.Info("redis not configured, realtime feed is local-only")
		hub = realtime.NewHub(logger, nil, nil)
	}
	defer hub.Close()

	var uploader archive.Uploader
	if cfg.AWS.ArchiveBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			ArchiveBucket:   cfg.AWS.ArchiveBucket,
		}, logger)
		if err != nil {
			logger.Warn("s3 replication disabled", zap.Error(err))
		} else {
			uploader = s3Client
		}
	}

	var bridge trigger.Handler
	if cfg.Trigger.WebhookURL != "" {
		bridge = trigger.NewWebhook(cfg.Trigger.WebhookURL, 10*time.Second, logger)
	}

	// Priority router: critical fires the hardware bridge, high feeds the
	// dashboard, normal carries stat snapshots to the store.
	router := dispatch.NewRouter(dispatch.Config{
		NormalLaneMax: cfg.Tracker.NormalLaneMax,
	}, logger)
	router.SetHandler(dispatch.Critical, func(it dispatch.Item) error {
		ev, ok := it.Payload.(*models.Event)
		if !ok {
			return nil
		}
		hub.Broadcast("event", ev)
		if bridge == nil {
			return nil
		}
		triggerCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return bridge.HandleCritical(triggerCtx, ev)
	})
	router.SetHandler(dispatch.High, func(it dispatch.Item) error {
		if ev, ok := it.Payload.(*models.Event); ok {
			hub.Broadcast("event", ev)
		}
		return nil
	})
	router.SetHandler(dispatch.Normal, func(it dispatch.Item) error {
		snap, ok := it.Payload.(models.StatSnapshot)
		if !ok {
			return nil
		}
		hub.Broadcast("snapshot", snap)
		snapCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return repo.InsertSnapshot(snapCtx, store.SnapshotRow(snap))
	})

	writer := batch.NewWriter(batch.Config{
		Size:    cfg.Batch.Size,
		MaxWait: time.Duration(cfg.Batch.MaxWaitSecs) * time.Second,
	}, repo.InsertEventsBatch, logger)

	tr, err := tracker.NewTracker(tracker.Config{
		EventBufferSize:    cfg.Tracker.EventBufferSize,
		SnapshotBufferSize: cfg.Tracker.SnapshotBufferSize,
		ContinuationWindow: time.Duration(cfg.Tracker.ContinuationWindowMins) * time.Minute,
		CleanupInterval:    time.Duration(cfg.Tracker.CleanupIntervalSecs) * time.Second,
		MemoryThreshold:    cfg.Tracker.MemoryThresholdBytes,
		GracePeriod:        time.Duration(cfg.Tracker.SessionGraceHours) * time.Hour,
		SnapshotInterval:   time.Duration(cfg.Tracker.SnapshotIntervalSecs) * time.Second,
	}, repo, writer, router, logger)
	if err != nil {
		logger.Fatal("tracker", zap.Error(err))
	}

	archiver := archive.NewArchiver(archive.Config{
		Dir:           cfg.Archive.Dir,
		RetentionDays: cfg.Archive.RetentionDays,
		CheckInterval: time.Duration(cfg.Archive.CheckIntervalHours) * time.Hour,
	}, repo, uploader, logger)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	authHandler := auth.NewHandler(cfg.Auth.AccessKeyHash, jwtService, logger)
	apiHandler := api.NewHandler(tr, logger)

	jwtValidate := func(token string) error {
		_, err := jwtService.Validate(token)
		return err
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	engine.Use(middleware.Logger(logger))

	engine.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	engine.POST("/auth/token", authHandler.Token)

	protected := engine.Group("")
	protected.Use(middleware.JWT(jwtService))
	{
		protected.POST("/sessions/start", apiHandler.StartSession)
		protected.POST("/sessions/stop", apiHandler.StopSession)
		protected.POST("/events", apiHandler.IngestEvent)
		protected.GET("/live", apiHandler.Live)
		protected.GET("/sessions/:id/summary", apiHandler.SessionSummary)
		protected.GET("/statistics", apiHandler.Statistics)
	}

	// WebSocket (token in query; no Authorization header required)
	engine.GET("/ws", realtime.ServeWs(hub, logger, jwtValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      engine,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	writer.Start()
	router.Start()
	tr.Start()
	archiver.Start()

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	// Stop ingestion before the pipeline so in-flight items drain to the
	// writer, then flush the writer, then the archiver.
	_ = tr.StopSession(context.Background(), "")
	tr.Stop(5 * time.Second)
	router.Stop(5 * time.Second)
	writer.Stop(10 * time.Second)
	archiver.Stop(5 * time.Second)

	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
