package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/rueidis"
)

// Config holds Redis connection configuration
type Config struct {
	Addrs    []string
	Username string
	Password string
	DB       int
}

// Client wraps a rueidis client with connection logging and health checks
type Client struct {
	client rueidis.Client
	logger *slog.Logger
}

// NewClient creates a new Redis client and verifies connectivity
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	if len(config.Addrs) == 0 {
		return nil, fmt.Errorf("redis addrs is required")
	}

	logger.Info("Connecting to Redis",
		slog.Any("addrs", config.Addrs),
		slog.Int("db", config.DB),
	)

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  config.Addrs,
		Username:     config.Username,
		Password:     config.Password,
		SelectDB:     config.DB,
		DisableCache: true,
	})
	if err != nil {
		logger.Error("Failed to connect to Redis", slog.Any("error", err))
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c := &Client{client: client, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info("Successfully connected to Redis")
	return c, nil
}

// Raw returns the underlying rueidis client
func (c *Client) Raw() rueidis.Client {
	return c.client
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Do(ctx, c.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// HealthCheck performs a bounded ping
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.Ping(ctx)
}

// Close closes the client
func (c *Client) Close() {
	c.logger.Info("Closing Redis connection")
	c.client.Close()
}
