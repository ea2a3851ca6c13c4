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
	"syscall"

	"github.com/cuongbtq/pricing-pipeline/internal/api/handler"
	"github.com/cuongbtq/pricing-pipeline/internal/api/router"
	"github.com/cuongbtq/pricing-pipeline/internal/bootstrap"
	"github.com/cuongbtq/pricing-pipeline/internal/cache"
	"github.com/cuongbtq/pricing-pipeline/internal/config"
	"github.com/cuongbtq/pricing-pipeline/internal/dispatcher"
	"github.com/cuongbtq/pricing-pipeline/internal/metrics"
	"github.com/cuongbtq/pricing-pipeline/internal/queue"
	qrabbit "github.com/cuongbtq/pricing-pipeline/internal/queue/rabbitmq"
	"github.com/cuongbtq/pricing-pipeline/internal/storage/postgres"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig("API_SERVICE_CONFIG_PATH", "configs/api-service/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx := context.Background()

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

	checks := map[string]func(ctx context.Context) error{
		"postgres": dbClient.HealthCheck,
		"rabbitmq": func(context.Context) error {
			if !rabbitClient.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		},
	}

	var counters queue.Counters
	if redisClient != nil {
		defer redisClient.Close()
		counters = cache.New(redisClient.Raw(), cache.Config{
			Prefix:  cfg.Redis.KeyPrefix,
			HintTTL: cfg.Redis.HintTTL,
		})
		checks["redis"] = redisClient.HealthCheck
	}

	calc, err := bootstrap.NewTariff(&cfg.Tariff)
	if err != nil {
		return err
	}

	predictor, err := bootstrap.NewPredictor(&cfg.Model, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize model: %w", err)
	}

	metrics.RegisterPipelineMetrics()
	metrics.RegisterHTTPMetrics()
	prometheus.MustRegister(collectors.NewDBStatsCollector(dbClient.GetDB().DB, cfg.Database.Database))

	db := dbClient.GetDB()
	ledger := postgres.NewLedger(db, appLogger.Component("ledger"))

	// Publish-only: the bridge never starts a consumer in this process.
	bridge := qrabbit.NewBridge(rabbitClient, counters, qrabbit.Config{}, appLogger.Component("queue"))

	d := dispatcher.New(dispatcher.Config{
		Logger:    appLogger.Component("dispatcher"),
		Jobs:      postgres.NewJobStore(db, appLogger.Component("jobs")),
		Ledger:    ledger,
		Publisher: bridge,
		Tariff:    calc,
	})

	r := initRouter(cfg, &handler.Dependencies{
		Logger:     appLogger.Logger,
		Dispatcher: d,
		Ledger:     ledger,
		Model:      predictor,
		Checks:     checks,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-errChan:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps, router.AuthConfig{
		Secret: []byte(cfg.Auth.JWTSecret),
		Issuer: cfg.Auth.Issuer,
	})
}
