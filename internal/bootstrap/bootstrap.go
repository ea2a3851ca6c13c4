// Package bootstrap builds the clients and components both services share
// from the loaded configuration.
package bootstrap

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/config"
	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/cuongbtq/pricing-pipeline/internal/inference"
	"github.com/cuongbtq/pricing-pipeline/internal/storage/postgres"
	"github.com/cuongbtq/pricing-pipeline/internal/tariff"
	"github.com/cuongbtq/pricing-pipeline/shared/logger"
	"github.com/cuongbtq/pricing-pipeline/shared/postgresql"
	"github.com/cuongbtq/pricing-pipeline/shared/rabbitmq"
	"github.com/cuongbtq/pricing-pipeline/shared/redis"
	"github.com/joho/godotenv"
)

// LoadConfig reads .env, then the YAML file named by -config, falling back to
// the envVar path and finally defaultPath.
func LoadConfig(envVar, defaultPath string) (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv(envVar)
	if defaultConfigPath == "" {
		defaultConfigPath = defaultPath
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// NewLogger builds the service logger
func NewLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      cfg.App.Name,
		Version:      cfg.App.Version,
	})
}

// OpenPostgres connects and, when configured, creates the schema.
func OpenPostgres(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	client, err := postgresql.NewClient(ctx, &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectRetries:  cfg.ConnectRetries,
		ConnectInterval: cfg.ConnectInterval,
	}, logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, client.GetDB()); err != nil {
			client.Close()
			return nil, err
		}
		logger.Info("Database schema is up to date")
	}
	return client, nil
}

// DialRabbitMQ connects and declares the job, dead-letter and results topology.
func DialRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterExchange: cfg.DeadLetter.Exchange,
		DeadLetterQueue:    cfg.DeadLetter.Queue,
		DeadLetterTTL:      cfg.DeadLetter.MessageTTL,
		ResultsExchange:    cfg.Results.Exchange,
		ResultsRoutingKey:  cfg.Results.RoutingKey,
		PublisherConfirms:  cfg.Publish.Confirms,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}

// DialRedis connects to the shared cache. It returns nil, nil when no cache
// is configured.
func DialRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	if !cfg.Enabled() {
		logger.Info("Redis not configured, queue counters and done hints are disabled")
		return nil, nil
	}
	return redis.NewClient(&redis.Config{
		Addrs:    cfg.Addrs,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, logger)
}

// NewTariff builds the pricing policy
func NewTariff(cfg *config.TariffConfig) (*tariff.Calculator, error) {
	calc, err := tariff.New(tariff.Config{
		UnitPrice:     domain.Money(cfg.ItemPriceCents),
		BulkThreshold: cfg.BulkThreshold,
		DiscountRate:  cfg.BulkDiscountRate,
		MaxItems:      cfg.MaxItems,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid tariff: %w", err)
	}
	return calc, nil
}

// NewPredictor selects the model server client, or the baseline model when
// no endpoint is configured.
func NewPredictor(cfg *config.ModelConfig, logger *slog.Logger) (*inference.Predictor, error) {
	var model inference.Model = inference.BaselineModel{}
	if cfg.Endpoint != "" {
		httpModel, err := inference.NewHTTPModel(inference.HTTPConfig{
			Endpoint: cfg.Endpoint,
			Timeout:  cfg.Timeout,
			Name:     cfg.Name,
			Version:  cfg.Version,
		})
		if err != nil {
			return nil, err
		}
		model = httpModel
	}

	info := model.Info()
	logger.Info("Price model selected",
		slog.String("model", info.Name),
		slog.String("version", info.Version),
		slog.String("endpoint", info.Endpoint),
	)

	return inference.NewPredictor(model, inference.Config{
		MinPrice:            cfg.MinPrice,
		MaxPrice:            cfg.MaxPrice,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
	}), nil
}
