package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/pricing-pipeline/internal/dispatcher"
	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/cuongbtq/pricing-pipeline/internal/inference"
	"github.com/gin-gonic/gin"
)

// AccountIDKey is the gin context key holding the authenticated account id.
const AccountIDKey = "account_id"

// ModelInfoProvider describes the model serving predictions.
type ModelInfoProvider interface {
	Info() inference.Info
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Dispatcher *dispatcher.Dispatcher
	Ledger     domain.Ledger
	Model      ModelInfoProvider
	// Checks are run by /health; each returns nil when healthy.
	Checks map[string]func(ctx context.Context) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger     *slog.Logger
	dispatcher *dispatcher.Dispatcher
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:     deps.Logger,
		dispatcher: deps.Dispatcher,
	}
}

// accountID returns the caller's account id set by the auth middleware.
func accountID(c *gin.Context) string {
	return c.GetString(AccountIDKey)
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrInvalidFeatures),
		errors.Is(err, domain.ErrInvalidItemCount),
		errors.Is(err, domain.ErrTooManyItems),
		errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrIdempotencyConflict),
		errors.Is(err, domain.ErrIdempotencyKeyConsumed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPublishFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the mapped status; server errors hide their cause.
func respondError(c *gin.Context, logger *slog.Logger, msg string, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, slog.String("error", err.Error()))
		if status == http.StatusServiceUnavailable {
			c.JSON(status, gin.H{"error": "Service temporarily unavailable, funds were not charged"})
			return
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// HealthHandler runs dependency checks
func HealthHandler(deps *Dependencies, service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}
		healthy := true
		for name, check := range deps.Checks {
			if err := check(c.Request.Context()); err != nil {
				checks[name] = err.Error()
				healthy = false
				continue
			}
			checks[name] = "ok"
		}

		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":  status,
			"service": service,
			"checks":  checks,
		})
	}
}
