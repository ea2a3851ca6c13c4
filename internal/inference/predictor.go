package inference

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
)

// Defaults for post-processing
const (
	DefaultMinPrice            = 0.10
	DefaultMaxPrice            = 10000.00
	DefaultConfidenceThreshold = 0.7
)

// Config bounds predicted prices
type Config struct {
	MinPrice            float64
	MaxPrice            float64
	ConfidenceThreshold float64
}

// Predictor scores items with a Model and post-processes the raw prices.
type Predictor struct {
	model Model
	cfg   Config
}

// NewPredictor wraps model; zero config fields take defaults.
func NewPredictor(model Model, cfg Config) *Predictor {
	if cfg.MinPrice <= 0 {
		cfg.MinPrice = DefaultMinPrice
	}
	if cfg.MaxPrice <= 0 {
		cfg.MaxPrice = DefaultMaxPrice
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	return &Predictor{model: model, cfg: cfg}
}

// PredictItems scores items in order. The first failing item aborts the job;
// the error keeps its ErrModelUnavailable / ErrInvalidFeatures identity.
func (p *Predictor) PredictItems(ctx context.Context, items []domain.Item) ([]domain.Prediction, error) {
	out := make([]domain.Prediction, 0, len(items))
	for i, raw := range items {
		item := raw.Normalize()
		if err := item.Validate(); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}

		price, err := p.model.Predict(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		if math.IsNaN(price) || math.IsInf(price, 0) {
			return nil, fmt.Errorf("item %d: %w: model returned %v", i, domain.ErrInvalidFeatures, price)
		}

		out = append(out, p.postProcess(item, price))
	}
	return out, nil
}

func (p *Predictor) postProcess(item domain.Item, raw float64) domain.Prediction {
	price := clamp(raw, p.cfg.MinPrice, p.cfg.MaxPrice)

	return domain.Prediction{
		Name:       item.Name,
		Price:      round(price, 2),
		Confidence: round(confidence(item, price), 3),
		Range: domain.PriceRange{
			Min: round(math.Max(p.cfg.MinPrice, price*0.7), 2),
			Max: round(math.Min(p.cfg.MaxPrice, price*1.3), 2),
		},
		Category: categoryInsight(item.CategoryName, price),
	}
}

func confidence(item domain.Item, price float64) float64 {
	c := 0.5
	if item.BrandName != "" && item.BrandName != "Unknown" {
		c += 0.15
	}
	desc := strings.TrimSpace(item.ItemDescription)
	if desc != "" {
		c += 0.1
	}
	switch n := utf8.RuneCountInString(desc); {
	case n > 50:
		c += 0.1
	case n > 20:
		c += 0.05
	}
	if price < 5 || price > 1000 {
		c -= 0.2
	}
	return clamp(c, 0.1, 1.0)
}

func categoryInsight(category string, price float64) domain.CategoryInsight {
	mainCat := mainCategory(category)
	insight := domain.CategoryInsight{MainCategory: mainCat}

	switch {
	case price < 10:
		insight.MarketPosition = "low"
		insight.Recommendation = "Consider improving the item description"
	case price < 50:
		insight.MarketPosition = "mid"
		insight.Recommendation = "Good value for money"
	default:
		insight.MarketPosition = "premium"
		insight.Recommendation = "Make sure the quality and description match a premium listing"
	}

	switch {
	case strings.Contains(mainCat, "Electronics"):
		insight.Recommendation += ". For electronics state the exact model and condition"
	case strings.Contains(mainCat, "Beauty"):
		insight.Recommendation += ". For beauty products state the expiry date and brand authenticity"
	}
	return insight
}

// Info describes the model and the post-processing limits
type Info struct {
	Model               ModelInfo `json:"model"`
	MinPrice            float64   `json:"min_price"`
	MaxPrice            float64   `json:"max_price"`
	ConfidenceThreshold float64   `json:"confidence_threshold"`
}

func (p *Predictor) Info() Info {
	return Info{
		Model:               p.model.Info(),
		MinPrice:            p.cfg.MinPrice,
		MaxPrice:            p.cfg.MaxPrice,
		ConfidenceThreshold: p.cfg.ConfidenceThreshold,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}

func round(v float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(v*pow) / pow
}
