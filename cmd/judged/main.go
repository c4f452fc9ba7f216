package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"arbiter/internal/common/cache"
	"arbiter/internal/common/db"
	"arbiter/internal/common/middleware"
	"arbiter/internal/common/mq"
	"arbiter/internal/common/storage"
	"arbiter/internal/judge/controller"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/queue"
	"arbiter/internal/judge/repository"
	"arbiter/internal/judge/runner"
	"arbiter/internal/judge/sandbox"
	"arbiter/internal/judge/sandbox/engine"
	"arbiter/internal/judge/service"
	"arbiter/internal/judge/worker"
	"arbiter/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/judged.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "judged: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadAppConfig(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logger); err != nil {
		return fmt.Errorf("init logger failed: %w", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	database, err := db.NewMySQLWithConfig(&cfg.Database)
	if err != nil {
		return fmt.Errorf("connect mysql failed: %w", err)
	}
	defer database.Close()

	redisCache, err := cache.NewRedisCacheWithConfig(&cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis failed: %w", err)
	}
	defer redisCache.Close()

	kafkaQueue, err := mq.NewKafkaQueue(cfg.Kafka)
	if err != nil {
		return fmt.Errorf("connect kafka failed: %w", err)
	}
	defer kafkaQueue.Close()

	var sourceStore *repository.SourceStore
	if cfg.MinIO.Endpoint != "" {
		objStore, err := storage.NewMinIOStorage(cfg.MinIO)
		if err != nil {
			return fmt.Errorf("connect minio failed: %w", err)
		}
		sourceStore = repository.NewSourceStore(objStore, cfg.MinIO.Bucket)
	}

	eng, err := engine.NewEngine(cfg.Sandbox.toEngineConfig())
	if err != nil {
		return fmt.Errorf("init sandbox engine failed: %w", err)
	}
	executor := sandbox.NewExecutor(eng, sandbox.Config{
		BaseDir:          cfg.Sandbox.WorkRoot,
		WallClockSlackMs: cfg.Sandbox.WallClockSlackMs,
	})

	langSpecs := cfg.Language.Languages
	if len(langSpecs) == 0 {
		langSpecs = sandbox.DefaultLanguages()
	}
	langs := sandbox.NewRegistry(langSpecs)

	resultStore := repository.NewResultStore(redisCache)
	submissionRepo := repository.NewSubmissionRepository(database)

	judgeRunner := runner.New(executor, langs, func(ctx context.Context, progress model.JobProgress) {
		if err := resultStore.SaveProgress(ctx, progress); err != nil {
			logger.Warn(ctx, "save progress failed", zap.Error(err))
		}
	})

	queueClient := queue.NewClient(kafkaQueue, redisCache, resultStore, nil, cfg.Queue)
	pool := worker.NewPool(kafkaQueue, redisCache, judgeRunner, submissionRepo,
		resultStore, sourceStore, queueClient, cfg.Worker)
	queueClient.SetFallback(pool)

	svc := service.New(submissionRepo, queueClient, sourceStore, pool, langs, cfg.Service)

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool failed: %w", err)
	}

	httpServer := buildHTTPServer(cfg.Server, svc)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "http server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-quit:
		logger.Info(ctx, "shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http shutdown failed", zap.Error(err))
	}
	if err := pool.Stop(); err != nil {
		logger.Error(ctx, "worker pool stop failed", zap.Error(err))
	}
	logger.Info(ctx, "judged stopped")
	return nil
}

func buildHTTPServer(cfg ServerConfig, svc *service.Service) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceContext())
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	judgeCtrl := controller.NewJudgeController(svc)
	judgeCtrl.RegisterRoutes(router.Group("/api/v1/judge"))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info(c.Request.Context(), "http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
