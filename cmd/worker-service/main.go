package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/api/handler"
	"github.com/cuongbtq/pricing-pipeline/internal/api/router"
	"github.com/cuongbtq/pricing-pipeline/internal/bootstrap"
	"github.com/cuongbtq/pricing-pipeline/internal/cache"
	"github.com/cuongbtq/pricing-pipeline/internal/events"
	"github.com/cuongbtq/pricing-pipeline/internal/metrics"
	"github.com/cuongbtq/pricing-pipeline/internal/queue"
	qrabbit "github.com/cuongbtq/pricing-pipeline/internal/queue/rabbitmq"
	"github.com/cuongbtq/pricing-pipeline/internal/storage/postgres"
	"github.com/cuongbtq/pricing-pipeline/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig("WORKER_SERVICE_CONFIG_PATH", "configs/worker-service/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := newWorkerID()
	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("worker_id", workerID),
		slog.String("environment", cfg.App.Environment),
		slog.Int("threads", cfg.Worker.Threads),
		slog.Int("batch_size", cfg.Worker.BatchSize),
		slog.Duration("poll_timeout", cfg.Worker.PollTimeout),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := bootstrap.OpenPostgres(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	rabbitClient, err := bootstrap.DialRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	redisClient, err := bootstrap.DialRedis(&cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}

	var (
		counters queue.Counters
		hints    worker.DoneHints
	)
	if redisClient != nil {
		defer redisClient.Close()
		store := cache.New(redisClient.Raw(), cache.Config{
			Prefix:  cfg.Redis.KeyPrefix,
			HintTTL: cfg.Redis.HintTTL,
		})
		counters = store
		hints = store
	}

	predictor, err := bootstrap.NewPredictor(&cfg.Model, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize model: %w", err)
	}

	metrics.RegisterPipelineMetrics()
	prometheus.MustRegister(collectors.NewDBStatsCollector(dbClient.GetDB().DB, cfg.Database.Database))

	db := dbClient.GetDB()
	jobs := postgres.NewJobStore(db, appLogger.Component("jobs"))
	ledger := postgres.NewLedger(db, appLogger.Component("ledger"))
	resultEvents := events.NewAMQPPublisher(rabbitClient)

	bridge := qrabbit.NewBridge(rabbitClient, counters, qrabbit.Config{
		ConsumerTag:   fmt.Sprintf("%s-%s", cfg.RabbitMQ.Consumer.Tag, workerID),
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
	}, appLogger.Component("queue"))

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Component("worker"),
		WorkerID:          workerID,
		Jobs:              jobs,
		Ledger:            ledger,
		Bridge:            bridge,
		Predictor:         predictor,
		Hints:             hints,
		Events:            resultEvents,
		Threads:           cfg.Worker.Threads,
		BatchSize:         cfg.Worker.BatchSize,
		PollTimeout:       cfg.Worker.PollTimeout,
		MaxAttempts:       cfg.Worker.MaxAttempts,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		ShutdownTimeout:   cfg.Worker.ShutdownTimeout,
	})

	sweeper := worker.NewSweeper(worker.SweeperConfig{
		Logger:              appLogger.Component("sweeper"),
		Jobs:                jobs,
		Ledger:              ledger,
		Publisher:           bridge,
		Events:              resultEvents,
		Interval:            cfg.Worker.SweepInterval,
		LivenessDeadline:    cfg.Worker.LivenessDeadline,
		OrphanDeadline:      cfg.Worker.OrphanDeadline,
		ReservationDeadline: cfg.Worker.ReservationDeadline,
		MaxAttempts:         cfg.Worker.MaxAttempts,
	})

	checks := map[string]func(ctx context.Context) error{
		"postgres": dbClient.HealthCheck,
		"rabbitmq": func(context.Context) error {
			if !rabbitClient.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		},
	}
	if redisClient != nil {
		checks["redis"] = redisClient.HealthCheck
	}

	metricsSrv := newMetricsServer(cfg.Metrics.Port, &handler.Dependencies{
		Logger: appLogger.Logger,
		Checks: checks,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		metrics.SampleQueue(ctx, bridge, cfg.Worker.QueueSampleInterval, appLogger.Component("metrics"))
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()

	errChan := make(chan error, 1)
	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	appLogger.Info("Worker service started successfully",
		slog.String("metrics_address", metricsSrv.Addr),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
		cancel()
		// Run returns once the in-flight batch is settled or abandoned.
		runErr = <-errChan
	case runErr = <-errChan:
		appLogger.Error("Worker stopped unexpectedly", slog.Any("error", runErr))
		cancel()
	}

	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Metrics server forced to shutdown", slog.Any("error", err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

func newWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func newMetricsServer(port int, deps *handler.Dependencies) *http.Server {
	gin.SetMode(gin.ReleaseMode)

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router.SetupOpsRouter(deps, "pricing-worker-service"),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
