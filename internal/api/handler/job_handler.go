package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/pricing-pipeline/internal/api/dto"
	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/pricing/jobs
// Prices the items, reserves the funds and queues a prediction job
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	key := req.IdempotencyKey
	if key == "" {
		key = c.GetHeader("X-Idempotency-Key")
	}

	items := make([]domain.Item, len(req.Items))
	for i, it := range req.Items {
		items[i] = it.ToDomain()
	}

	sub, err := h.dispatcher.Submit(c.Request.Context(), accountID(c), items, key)
	if err != nil {
		respondError(c, h.logger, "Failed to submit job", err)
		return
	}

	status := http.StatusAccepted
	if sub.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, dto.CreateJobResponse{
		JobID:     sub.JobID,
		State:     string(sub.State),
		Cost:      sub.Cost.String(),
		CostCents: sub.Cost.Cents(),
		Replayed:  sub.Replayed,
	})
}

// GetJob handles GET /api/v1/pricing/jobs/:job_id
// Only the owning account can see a job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id is required",
		})
		return
	}

	job, err := h.dispatcher.Status(c.Request.Context(), jobID)
	if err == nil && job.AccountID != accountID(c) {
		err = domain.ErrJobNotFound
	}
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		}
		respondError(c, h.logger, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/pricing/jobs
// Lists the caller's jobs, newest first, with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	state := domain.JobState(req.State)
	if state != "" && !state.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid state filter",
		})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.dispatcher.List(c.Request.Context(), domain.JobFilter{
		AccountID: accountID(c),
		State:     state,
		PageSize:  req.PageSize,
		Cursor:    cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = dto.NewJobDTO(job)
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&domain.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}
