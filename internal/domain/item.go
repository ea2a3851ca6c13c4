package domain

import (
	"fmt"
	"strings"
)

// Item is the feature payload for a single price prediction.
type Item struct {
	Name            string `json:"name"`
	ItemDescription string `json:"item_description,omitempty"`
	CategoryName    string `json:"category_name,omitempty"`
	BrandName       string `json:"brand_name,omitempty"`
	ItemConditionID int    `json:"item_condition_id"`
	Shipping        int    `json:"shipping"`
}

// Normalize fills defaults the model expects.
func (i Item) Normalize() Item {
	i.Name = strings.TrimSpace(i.Name)
	if strings.TrimSpace(i.BrandName) == "" {
		i.BrandName = "Unknown"
	}
	return i
}

// Validate checks the item against the model's feature contract.
func (i Item) Validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidFeatures)
	}
	if i.ItemConditionID < 1 || i.ItemConditionID > 5 {
		return fmt.Errorf("%w: item_condition_id must be between 1 and 5", ErrInvalidFeatures)
	}
	if i.Shipping != 0 && i.Shipping != 1 {
		return fmt.Errorf("%w: shipping must be 0 or 1", ErrInvalidFeatures)
	}
	return nil
}

// PriceRange is the plausible band around a predicted price.
type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// CategoryInsight describes where a predicted price sits in its category.
type CategoryInsight struct {
	MainCategory   string `json:"category"`
	MarketPosition string `json:"market_position"`
	Recommendation string `json:"recommendation"`
}

// Prediction is the post-processed model output for one item.
type Prediction struct {
	Name       string          `json:"name"`
	Price      float64         `json:"predicted_price"`
	Confidence float64         `json:"confidence_score"`
	Range      PriceRange      `json:"price_range"`
	Category   CategoryInsight `json:"category_analysis"`
}
