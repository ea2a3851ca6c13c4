package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Auth     AuthConfig     `yaml:"auth"`
	Tariff   TariffConfig   `yaml:"tariff"`
	Model    ModelConfig    `yaml:"model"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectRetries  int           `yaml:"connect_retries"`
	ConnectInterval time.Duration `yaml:"connect_interval"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Results    ResultsConfig    `yaml:"results"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// DeadLetterConfig names the exchange and queue that receive rejected messages
type DeadLetterConfig struct {
	Exchange   string        `yaml:"exchange"`
	Queue      string        `yaml:"queue"`
	MessageTTL time.Duration `yaml:"message_ttl"`
}

// ResultsConfig is where terminal job events are published
type ResultsConfig struct {
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Confirms          bool          `yaml:"confirms"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	Tag           string `yaml:"tag"`
	PrefetchCount int    `yaml:"prefetch_count"`
}

// RedisConfig holds the shared cache connection
type RedisConfig struct {
	Addrs     []string      `yaml:"addrs"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	HintTTL   time.Duration `yaml:"hint_ttl"`
}

// Enabled reports whether a cache is configured
func (r RedisConfig) Enabled() bool {
	return len(r.Addrs) > 0
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// AuthConfig holds bearer token settings
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// TariffConfig is the pricing policy
type TariffConfig struct {
	ItemPriceCents   int64   `yaml:"item_price_cents"`
	BulkThreshold    int     `yaml:"bulk_threshold"`
	BulkDiscountRate float64 `yaml:"bulk_discount_rate"`
	MaxItems         int     `yaml:"max_items_per_request"`
}

// ModelConfig points at the model server. An empty endpoint selects the
// built-in baseline model.
type ModelConfig struct {
	Endpoint            string        `yaml:"endpoint"`
	Timeout             time.Duration `yaml:"timeout"`
	Name                string        `yaml:"name"`
	Version             string        `yaml:"version"`
	MinPrice            float64       `yaml:"min_price"`
	MaxPrice            float64       `yaml:"max_price"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
}

// MetricsConfig holds the standalone metrics listener used by the worker
type MetricsConfig struct {
	Port int `yaml:"port"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Threads             int           `yaml:"threads"`
	BatchSize           int           `yaml:"batch_size"`
	PollTimeout         time.Duration `yaml:"poll_timeout"`
	MaxAttempts         int           `yaml:"max_attempts"`
	JobTimeout          time.Duration `yaml:"job_timeout"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	LivenessDeadline    time.Duration `yaml:"liveness_deadline"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	OrphanDeadline      time.Duration `yaml:"orphan_deadline"`
	ReservationDeadline time.Duration `yaml:"reservation_deadline"`
	QueueSampleInterval time.Duration `yaml:"queue_sample_interval"`
}

// Load reads and parses the configuration file, then applies environment
// overrides and defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	config.ApplyDefaults()

	return &config, nil
}

// ApplyEnv overrides the pipeline knobs from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"WORKER_THREADS", &c.Worker.Threads},
		{"BATCH_SIZE", &c.Worker.BatchSize},
		{"MAX_ATTEMPTS", &c.Worker.MaxAttempts},
		{"BULK_THRESHOLD", &c.Tariff.BulkThreshold},
		{"MAX_ITEMS_PER_REQUEST", &c.Tariff.MaxItems},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", e.key, err)
		}
		*e.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"POLL_TIMEOUT", &c.Worker.PollTimeout},
		{"LIVENESS_DEADLINE", &c.Worker.LivenessDeadline},
	}
	for _, e := range durations {
		v, ok := lookup(e.key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", e.key, err)
		}
		*e.dst = d
	}

	if v, ok := lookup("BULK_DISCOUNT_RATE"); ok && v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid BULK_DISCOUNT_RATE: %w", err)
		}
		c.Tariff.BulkDiscountRate = rate
	}

	if v, ok := lookup("ITEM_PRICE_CENTS"); ok && v != "" {
		cents, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid ITEM_PRICE_CENTS: %w", err)
		}
		c.Tariff.ItemPriceCents = cents
	}

	if v, ok := lookup("JWT_SECRET"); ok && v != "" {
		c.Auth.JWTSecret = v
	}

	return nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	setInt(&c.Server.Port, 8080)
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 15*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)

	setString(&c.Database.SSLMode, "disable")
	setInt(&c.Database.MaxOpenConns, 25)
	setInt(&c.Database.MaxIdleConns, 5)
	setDuration(&c.Database.ConnMaxLifetime, 5*time.Minute)
	setDuration(&c.Database.ConnMaxIdleTime, 5*time.Minute)
	setInt(&c.Database.ConnectRetries, 5)
	setDuration(&c.Database.ConnectInterval, 2*time.Second)

	setString(&c.RabbitMQ.VHost, "/")
	setString(&c.RabbitMQ.Exchange.Type, "direct")
	setString(&c.RabbitMQ.DeadLetter.Exchange, "pricing_dlx")
	setString(&c.RabbitMQ.DeadLetter.Queue, "pricing_failed")
	setDuration(&c.RabbitMQ.DeadLetter.MessageTTL, 7*24*time.Hour)
	setString(&c.RabbitMQ.Results.Exchange, "pricing_results")
	setString(&c.RabbitMQ.Results.RoutingKey, "prediction")
	setInt(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDuration(&c.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setDuration(&c.RabbitMQ.Connection.Heartbeat, 10*time.Second)
	setDuration(&c.RabbitMQ.Connection.ConnectionTimeout, 30*time.Second)
	setInt(&c.RabbitMQ.Publish.RetryAttempts, 3)
	setDuration(&c.RabbitMQ.Publish.RetryInterval, time.Second)
	if c.RabbitMQ.Publish.BackoffMultiplier <= 0 {
		c.RabbitMQ.Publish.BackoffMultiplier = 2.0
	}

	setString(&c.Redis.KeyPrefix, "pricing")
	setDuration(&c.Redis.HintTTL, 24*time.Hour)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "json")
	setString(&c.Logging.Output, "stdout")

	setString(&c.Auth.Issuer, "pricing-pipeline")

	if c.Tariff.ItemPriceCents <= 0 {
		c.Tariff.ItemPriceCents = 500
	}
	setInt(&c.Tariff.BulkThreshold, 10)
	if c.Tariff.BulkDiscountRate == 0 {
		c.Tariff.BulkDiscountRate = 0.20
	}
	setInt(&c.Tariff.MaxItems, 100)

	setDuration(&c.Model.Timeout, 10*time.Second)

	setInt(&c.Metrics.Port, 9090)

	setInt(&c.Worker.Threads, 4)
	setInt(&c.Worker.BatchSize, 10)
	setDuration(&c.Worker.PollTimeout, time.Second)
	setInt(&c.Worker.MaxAttempts, 3)
	setDuration(&c.Worker.JobTimeout, 5*time.Minute)
	setDuration(&c.Worker.HeartbeatInterval, 30*time.Second)
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)
	setDuration(&c.Worker.LivenessDeadline, 2*time.Minute)
	setDuration(&c.Worker.SweepInterval, 30*time.Second)
	setDuration(&c.Worker.OrphanDeadline, 10*time.Minute)
	setDuration(&c.Worker.ReservationDeadline, 5*time.Minute)
	setDuration(&c.Worker.QueueSampleInterval, 5*time.Second)
}

func setInt(dst *int, v int) {
	if *dst <= 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if *dst <= 0 {
		*dst = v
	}
}

func setString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// ValidateAPIConfig checks the settings the API service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateBackends(); err != nil {
		return err
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required")
	}

	if c.Tariff.ItemPriceCents <= 0 {
		return fmt.Errorf("tariff item_price_cents must be greater than 0")
	}

	if c.Tariff.BulkDiscountRate < 0 || c.Tariff.BulkDiscountRate >= 1 {
		return fmt.Errorf("tariff bulk_discount_rate must be in [0, 1)")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service depends on
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateBackends(); err != nil {
		return err
	}

	if c.Worker.Threads <= 0 {
		return fmt.Errorf("worker threads must be greater than 0")
	}

	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker batch_size must be greater than 0")
	}

	if c.Worker.PollTimeout <= 0 {
		return fmt.Errorf("worker poll_timeout must be greater than 0")
	}

	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker max_attempts must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.LivenessDeadline <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker liveness_deadline must be longer than heartbeat_interval")
	}

	if c.Metrics.Port < MinPort || c.Metrics.Port > MaxPort {
		return fmt.Errorf("invalid metrics port: %d (must be between %d and %d)", c.Metrics.Port, MinPort, MaxPort)
	}

	return nil
}

func (c *Config) validateBackends() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}
