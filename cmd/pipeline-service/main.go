package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"judgepipe/internal/common/cache"
	"judgepipe/internal/common/db"
	commonmw "judgepipe/internal/common/http/middleware"
	"judgepipe/internal/common/mq"
	"judgepipe/internal/common/storage"
	"judgepipe/internal/pipeline/controller"
	"judgepipe/internal/pipeline/dispatcher"
	"judgepipe/internal/pipeline/repository"
	"judgepipe/internal/pipeline/service"
	"judgepipe/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "configs/pipeline_service.yaml"
	defaultEnvPath    = ".env"
)

type services struct {
	retest  *service.RetestService
	queue   *service.QueueService
	ingest  *service.IngestService
	archive *service.ArchiveService
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	envPath := flag.String("env", defaultEnvPath, "Path to optional .env file")
	flag.Parse()

	if err := loadEnvFile(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return
	}
	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx := context.Background()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(ctx, "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(ctx, "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	var mqClient *mq.KafkaQueue
	if needsKafka(appCfg) {
		mqClient, err = mq.NewKafkaQueue(appCfg.Kafka)
		if err != nil {
			logger.Error(ctx, "init kafka failed", zap.Error(err))
			return
		}
		defer func() {
			_ = mqClient.Close()
		}()
	}

	var objStorage storage.ObjectStorage
	if archiveEnabled(appCfg) {
		objStorage, err = storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			logger.Error(ctx, "init minio failed", zap.Error(err))
			return
		}
	}

	sender, err := buildSender(appCfg.Pipeline.Dispatch, mqClient)
	if err != nil {
		logger.Error(ctx, "init dispatch transport failed", zap.Error(err))
		return
	}
	batchDispatcher, err := dispatcher.New(dispatcher.Config{
		Sender:      sender,
		Timeout:     appCfg.Pipeline.Dispatch.SendTimeout,
		MaxInFlight: appCfg.Pipeline.Dispatch.MaxInFlight,
	})
	if err != nil {
		logger.Error(ctx, "init dispatcher failed", zap.Error(err))
		return
	}

	svcs, err := buildServices(appCfg, mysqlDB, redisCache, objStorage, batchDispatcher)
	if err != nil {
		logger.Error(ctx, "init pipeline services failed", zap.Error(err))
		return
	}

	if appCfg.Pipeline.Results.Topic != "" {
		opts := appCfg.Pipeline.Results.toSubscribeOptions()
		opts.SetDefaults()
		consumer := service.NewResultConsumer(mqClient, svcs.ingest)
		if err := consumer.Subscribe(ctx, appCfg.Pipeline.Results.Topic, appCfg.Pipeline.Results.ConsumerGroup, &opts); err != nil {
			logger.Error(ctx, "subscribe results topic failed", zap.Error(err))
			return
		}
		defer func() {
			_ = mqClient.Stop()
		}()
	}

	retestLimit := commonmw.RateLimitMiddleware(redisCache, "retest", commonmw.RateLimitPolicy{
		Window:    appCfg.Pipeline.RetestRateLimit.Window,
		IPMax:     appCfg.Pipeline.RetestRateLimit.IPMax,
		TargetMax: appCfg.Pipeline.RetestRateLimit.TargetMax,
		Timeout:   appCfg.Pipeline.Timeouts.Cache,
	})
	httpServer := buildHTTPServer(appCfg.Server, svcs, retestLimit, mysqlDB, redisCache)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "pipeline http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.String("transport", appCfg.Pipeline.Dispatch.Transport),
			zap.Bool("archive", svcs.archive != nil),
		)
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	stopCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(stopCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
}

func buildSender(cfg DispatchConfig, producer mq.Producer) (dispatcher.Sender, error) {
	switch cfg.Transport {
	case transportKafka:
		return dispatcher.NewKafkaSender(producer, cfg.Topic)
	default:
		// Per-request deadlines come from the dispatcher; the client only bounds idle connections.
		client := &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: cfg.MaxInFlight,
				IdleConnTimeout:     90 * time.Second,
			},
		}
		return dispatcher.NewHTTPSender(cfg.WorkerURL, client)
	}
}

func buildServices(cfg *AppConfig, database db.Database, redisCache *cache.RedisCache, objStorage storage.ObjectStorage, batchDispatcher service.BatchDispatcher) (*services, error) {
	pipelineCfg := cfg.Pipeline
	repos := service.Repositories{
		Submissions: repository.NewSubmissionRepository(database),
		Queue:       repository.NewQueueRepository(database),
		TestRuns:    repository.NewTestRunRepository(database),
		Scores:      repository.NewParticipantScoreRepository(database),
		Problems:    repository.NewProblemRepositoryWithTTL(database, redisCache, pipelineCfg.DefinitionCacheTTL, pipelineCfg.DefinitionEmptyTTL),
	}

	retestService, err := service.NewRetestService(service.RetestConfig{
		DB:           database,
		Repositories: repos,
		Dispatcher:   batchDispatcher,
		Timeouts:     pipelineCfg.Timeouts,
	})
	if err != nil {
		return nil, err
	}
	queueService, err := service.NewQueueService(service.QueueConfig{
		DB:              database,
		Repositories:    repos,
		Dispatcher:      batchDispatcher,
		RedispatchLimit: pipelineCfg.RedispatchLimit,
		Timeouts:        pipelineCfg.Timeouts,
	})
	if err != nil {
		return nil, err
	}
	ingestService, err := service.NewIngestService(service.IngestConfig{
		DB:           database,
		Repositories: repos,
		Locker:       redisCache,
		LockTTL:      pipelineCfg.IngestLockTTL,
		Timeouts:     pipelineCfg.Timeouts,
	})
	if err != nil {
		return nil, err
	}

	svcs := &services{retest: retestService, queue: queueService, ingest: ingestService}
	if objStorage != nil {
		svcs.archive, err = service.NewArchiveService(service.ArchiveConfig{
			DB:           database,
			Repositories: repos,
			Storage:      objStorage,
			Bucket:       cfg.MinIO.Bucket,
			KeyPrefix:    pipelineCfg.ArchiveKeyPrefix,
			Timeouts:     pipelineCfg.Timeouts,
		})
		if err != nil {
			return nil, err
		}
	}
	return svcs, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func buildHTTPServer(cfg ServerConfig, svcs *services, retestGuard gin.HandlerFunc, deps ...pinger) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", healthHandler(deps...))

	var archiver controller.Archiver
	if svcs.archive != nil {
		archiver = svcs.archive
	}
	api := router.Group("/api/v1/pipeline")
	controller.NewPipelineController(svcs.retest, svcs.queue, svcs.ingest, archiver).RegisterRoutes(api, retestGuard)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func healthHandler(deps ...pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		for _, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
