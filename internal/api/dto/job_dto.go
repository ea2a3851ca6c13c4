package dto

import (
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
)

type ItemDTO struct {
	Name            string `json:"name" binding:"required"`
	ItemDescription string `json:"item_description"`
	CategoryName    string `json:"category_name"`
	BrandName       string `json:"brand_name"`
	ItemConditionID int    `json:"item_condition_id" binding:"required,min=1,max=5"`
	Shipping        int    `json:"shipping" binding:"min=0,max=1"`
}

func (i ItemDTO) ToDomain() domain.Item {
	return domain.Item{
		Name:            i.Name,
		ItemDescription: i.ItemDescription,
		CategoryName:    i.CategoryName,
		BrandName:       i.BrandName,
		ItemConditionID: i.ItemConditionID,
		Shipping:        i.Shipping,
	}
}

type CreateJobRequest struct {
	Items          []ItemDTO `json:"items" binding:"required,min=1,dive"`
	IdempotencyKey string    `json:"idempotency_key"`
}

type CreateJobResponse struct {
	JobID     string `json:"job_id"`
	State     string `json:"state"`
	Cost      string `json:"cost"`
	CostCents int64  `json:"cost_cents"`
	Replayed  bool   `json:"replayed,omitempty"`
}

type ListJobsRequest struct {
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID       string              `json:"job_id"`
	State       string              `json:"state"`
	ItemCount   int                 `json:"item_count"`
	Cost        string              `json:"cost"`
	CostCents   int64               `json:"cost_cents"`
	Attempts    int                 `json:"attempts"`
	Predictions []domain.Prediction `json:"predictions,omitempty"`
	Error       string              `json:"error,omitempty"`
	CreatedAt   string              `json:"created_at"`
	UpdatedAt   string              `json:"updated_at"`
}

func NewJobDTO(job *domain.Job) JobDTO {
	out := JobDTO{
		JobID:     job.JobID,
		State:     string(job.State),
		ItemCount: len(job.Items),
		Cost:      job.Cost.String(),
		CostCents: job.Cost.Cents(),
		Attempts:  job.Attempts,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}
	if job.Result != nil {
		out.Predictions = job.Result.Predictions
		out.Error = job.Result.Error
	}
	return out
}
