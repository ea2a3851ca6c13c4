// Package inference runs the price regression model and turns raw prices
// into predictions with a confidence score and category analysis.
package inference

import (
	"context"
	"strings"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
)

// Model predicts a raw price for one item. Implementations fail with
// domain.ErrModelUnavailable for transient problems and
// domain.ErrInvalidFeatures for inputs they can never score.
type Model interface {
	Predict(ctx context.Context, item domain.Item) (float64, error)
	Info() ModelInfo
}

// ModelInfo describes the serving model.
type ModelInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Endpoint string `json:"endpoint,omitempty"`
	Loaded   bool   `json:"model_loaded"`
}

// BaselineModel is a deterministic heuristic used when no model server is
// configured. It keeps local runs and tests independent of model serving.
type BaselineModel struct{}

var conditionBase = map[int]float64{1: 30, 2: 25, 3: 20, 4: 15, 5: 10}

func (BaselineModel) Predict(ctx context.Context, item domain.Item) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := item.Validate(); err != nil {
		return 0, err
	}

	price := conditionBase[item.ItemConditionID]
	if item.BrandName != "" && item.BrandName != "Unknown" {
		price *= 1.5
	}
	if item.Shipping == 1 {
		price *= 0.95
	}
	switch mainCategory(item.CategoryName) {
	case "Electronics":
		price *= 2
	case "Vintage & Collectibles":
		price *= 1.4
	case "Handmade":
		price *= 0.8
	}
	words := len(strings.Fields(item.ItemDescription))
	if words > 50 {
		words = 50
	}
	price += float64(words) * 0.1
	return price, nil
}

func (BaselineModel) Info() ModelInfo {
	return ModelInfo{Name: "baseline-heuristic", Version: "1", Loaded: true}
}

func mainCategory(category string) string {
	if category == "" {
		return "Unknown"
	}
	main, _, _ := strings.Cut(category, "/")
	return main
}
