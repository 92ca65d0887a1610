package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/studytrack/internal/access"
	"github.com/terminal-bench/studytrack/internal/cache"
	"github.com/terminal-bench/studytrack/internal/config"
	"github.com/terminal-bench/studytrack/internal/handlers"
	"github.com/terminal-bench/studytrack/internal/metrics"
	"github.com/terminal-bench/studytrack/internal/middleware"
	"github.com/terminal-bench/studytrack/internal/models"
	"github.com/terminal-bench/studytrack/internal/notify"
	"github.com/terminal-bench/studytrack/internal/repository"
	"github.com/terminal-bench/studytrack/internal/services/attempt"
	"github.com/terminal-bench/studytrack/internal/services/availability"
	"github.com/terminal-bench/studytrack/internal/services/cleanup"
	"github.com/terminal-bench/studytrack/internal/services/guard"
	"github.com/terminal-bench/studytrack/internal/services/media"
	"github.com/terminal-bench/studytrack/internal/services/progress"
	"github.com/terminal-bench/studytrack/internal/services/questionbank"
	"github.com/terminal-bench/studytrack/internal/services/tracking"
	"github.com/terminal-bench/studytrack/pkg/messaging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg.Debug)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	// Redis is preferred; a failed connection degrades to the in-process
	// cache so a single replica still works.
	var backend cache.Cache
	if redisCache, err := cache.NewRedis(cfg.RedisURL); err != nil {
		logger.Warn("redis unavailable, using in-memory cache", zap.Error(err))
		backend = cache.NewMemory()
	} else {
		backend = redisCache
	}
	loader := cache.NewLoader(backend, logger)

	// Best-effort collaborators. Each disables itself when unconfigured.
	var natsClient *messaging.Client
	var publisher notify.Publisher
	if cfg.NatsURL != "" {
		natsClient, err = messaging.NewClient(messaging.Config{
			URL:            cfg.NatsURL,
			Name:           "studytrack",
			ReconnectWait:  2 * time.Second,
			MaxReconnects:  -1,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			logger.Warn("nats unavailable, events disabled", zap.Error(err))
		} else {
			defer natsClient.Close()
			publisher = natsClient
		}
	}
	notifier := notify.New(publisher, logger)

	recorder := metrics.New(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, logger)
	defer recorder.Close()

	// Persistence gateway.
	progressRepo := repository.NewProgressRepo(db)
	attemptRepo := repository.NewAttemptRepo(db)
	testRepo := repository.NewTestRepo(db)
	questionRepo := repository.NewQuestionRepo(db)
	sectionRepo := repository.NewSectionRepo(db)
	subsectionRepo := repository.NewSubsectionRepo(db)
	groupRepo := repository.NewGroupRepo(db)
	userRepo := repository.NewUserRepo(db)
	topicRepo := repository.NewTopicRepo(db)

	// Core services.
	oracle := access.NewOracle(groupRepo, loader, cfg.Cache.AccessTTL)
	progressSvc := progress.New(progressRepo, sectionRepo, loader, notifier,
		cfg.Tests.SectionCompletionThreshold, cfg.Cache.ProgressTTL, logger)
	trackingSvc := tracking.New(cfg.Tracking, progressRepo, subsectionRepo, sectionRepo,
		progressSvc, loader, notifier, recorder, logger)
	availabilitySvc := availability.New(sectionRepo, subsectionRepo, testRepo,
		progressRepo, attemptRepo, oracle, progressSvc, loader, cfg.Cache.AccessTTL)
	guardSvc := guard.New(attemptRepo, sectionRepo, subsectionRepo)
	bank := questionbank.New(questionRepo, testRepo)
	attemptSvc := attempt.New(cfg.Tests, cfg.Cleanup, attemptRepo, testRepo, sectionRepo,
		questionRepo, bank, availabilitySvc, oracle, progressSvc, loader, notifier, recorder, logger)

	presigner, err := media.NewMinioPresigner(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
	if err != nil {
		logger.Fatal("failed to init minio client", zap.Error(err))
	}
	mediaSvc := media.New(presigner, loader, cfg.MinioBucket, cfg.MediaURLExpiry, logger)

	// Cleanup scheduler, optionally gated behind etcd leadership.
	var elector cleanup.Elector
	var etcdElector *cleanup.EtcdElector
	if len(cfg.EtcdEndpoints) > 0 {
		etcdElector, err = cleanup.NewEtcdElector(cfg.EtcdEndpoints, logger)
		if err != nil {
			logger.Warn("etcd unavailable, cleanup runs unelected", zap.Error(err))
		} else {
			elector = etcdElector
		}
	}
	scheduler := cleanup.NewScheduler(attemptSvc, elector, cfg.Cleanup.Period, logger)

	router := setupRouter(cfg, logger,
		handlers.NewTrackingHandler(trackingSvc, guardSvc),
		handlers.NewProgressHandler(topicRepo, progressSvc, availabilitySvc, guardSvc),
		handlers.NewTestHandler(attemptSvc),
		handlers.NewMaterialHandler(subsectionRepo, availabilitySvc, guardSvc, mediaSvc),
		handlers.NewUserHandler(userRepo),
		handlers.NewWSHandler(trackingSvc, guardSvc, logger),
	)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := scheduler.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if etcdElector != nil {
		g.Go(func() error {
			err := etcdElector.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server exiting")
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func setupRouter(cfg *config.Config, logger *zap.Logger,
	trackingHandler *handlers.TrackingHandler,
	progressHandler *handlers.ProgressHandler,
	testHandler *handlers.TestHandler,
	materialHandler *handlers.MaterialHandler,
	userHandler *handlers.UserHandler,
	wsHandler *handlers.WSHandler,
) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	limiter := middleware.NewSlidingWindowLimiter(time.Minute, cfg.RateLimitPerMinute)
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			limiter.Sweep()
		}
	}()

	api := router.Group("/api/v1")
	api.Use(middleware.Auth(cfg.JWTSecret))
	api.Use(middleware.RateLimit(limiter))
	{
		api.GET("/me", userHandler.Me)

		api.POST("/subsections/:id/session", trackingHandler.StartSession)
		api.POST("/subsections/:id/heartbeat", trackingHandler.Heartbeat)
		api.DELETE("/subsections/:id/session", trackingHandler.EndSession)
		api.GET("/subsections/:id/status", trackingHandler.Status)
		api.GET("/subsections/:id/material", materialHandler.URL)

		api.GET("/topics", progressHandler.ListTopics)
		api.GET("/sections/:id/progress", progressHandler.SectionProgress)
		api.GET("/sections/:id/access", progressHandler.SectionAccess)
		api.GET("/topics/:id/progress", progressHandler.TopicProgress)
		api.GET("/topics/:id/sections", progressHandler.ListSections)
		api.GET("/topics/:id/access", progressHandler.TopicAccess)

		api.GET("/tests/:id/access", progressHandler.TestAccess)
		api.POST("/tests/:id/attempts", testHandler.Start)
		api.GET("/tests/:id/attempts", testHandler.List)
		api.DELETE("/tests/:id/attempts/last", middleware.RequireRole(models.RoleTeacher), testHandler.ResetLast)
		api.POST("/attempts/:id/heartbeat", testHandler.Heartbeat)
		api.POST("/attempts/:id/submit", testHandler.Submit)
		api.GET("/attempts/:id", testHandler.Get)
	}

	ws := router.Group("/ws")
	ws.Use(middleware.Auth(cfg.JWTSecret))
	ws.GET("/track", wsHandler.Track)

	return router
}
