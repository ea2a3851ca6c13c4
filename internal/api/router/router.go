package router

import (
	"github.com/cuongbtq/pricing-pipeline/internal/api/handler"
	"github.com/cuongbtq/pricing-pipeline/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, auth AuthConfig) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())
	r.Use(metrics.GinMiddleware())

	r.GET("/health", handler.HealthHandler(deps, "pricing-api-service"))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	jobHandler := handler.NewJobHandler(deps)
	pricingHandler := handler.NewPricingHandler(deps)
	billingHandler := handler.NewBillingHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1", AuthMiddleware(auth))
	{
		pricing := v1.Group("/pricing")
		{
			// POST /api/v1/pricing/jobs - Submit a prediction job
			pricing.POST("/jobs", jobHandler.CreateJob)

			// GET /api/v1/pricing/jobs - List the caller's jobs
			pricing.GET("/jobs", jobHandler.ListJobs)

			// GET /api/v1/pricing/jobs/:job_id - Job state and result
			pricing.GET("/jobs/:job_id", jobHandler.GetJob)

			pricing.GET("/cost", pricingHandler.Cost)
			pricing.GET("/tariff", pricingHandler.Tariff)
			pricing.GET("/model", pricingHandler.Model)
		}

		billing := v1.Group("/billing")
		{
			billing.GET("/balance", billingHandler.Balance)
			billing.POST("/deposit", billingHandler.Deposit)
		}
	}

	return r
}

// SetupOpsRouter serves only /health and /metrics, for processes without a
// public API.
func SetupOpsRouter(deps *handler.Dependencies, service string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", handler.HealthHandler(deps, service))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
