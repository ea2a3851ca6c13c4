// Package tariff prices a request from its item count.
package tariff

import (
	"fmt"
	"math"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
)

// Defaults
const (
	DefaultUnitPrice     = domain.Money(500)
	DefaultBulkThreshold = 10
	DefaultDiscountRate  = 0.20
	DefaultMaxItems      = 100
)

const basisPoints = 10000

// Config is the pricing policy.
type Config struct {
	UnitPrice     domain.Money
	BulkThreshold int
	DiscountRate  float64
	MaxItems      int
}

// DefaultConfig returns the standard policy: 5.00 per item, 20% off the whole
// request from 10 items, at most 100 items.
func DefaultConfig() Config {
	return Config{
		UnitPrice:     DefaultUnitPrice,
		BulkThreshold: DefaultBulkThreshold,
		DiscountRate:  DefaultDiscountRate,
		MaxItems:      DefaultMaxItems,
	}
}

// Calculator is safe for concurrent use; it holds no mutable state.
type Calculator struct {
	unitPrice     domain.Money
	bulkThreshold int
	discountBP    int64
	maxItems      int
}

// New validates cfg and builds a Calculator.
func New(cfg Config) (*Calculator, error) {
	if cfg.UnitPrice <= 0 {
		return nil, fmt.Errorf("unit price must be positive, got %d", cfg.UnitPrice)
	}
	if cfg.BulkThreshold < 1 {
		return nil, fmt.Errorf("bulk threshold must be at least 1, got %d", cfg.BulkThreshold)
	}
	if cfg.DiscountRate < 0 || cfg.DiscountRate >= 1 {
		return nil, fmt.Errorf("discount rate must be in [0, 1), got %v", cfg.DiscountRate)
	}
	if cfg.MaxItems < 0 {
		return nil, fmt.Errorf("max items must not be negative, got %d", cfg.MaxItems)
	}

	return &Calculator{
		unitPrice:     cfg.UnitPrice,
		bulkThreshold: cfg.BulkThreshold,
		discountBP:    int64(math.Round(cfg.DiscountRate * basisPoints)),
		maxItems:      cfg.MaxItems,
	}, nil
}

// Cost returns the price of a request with itemCount items. The discount
// applies to the whole amount and is rounded down.
func (c *Calculator) Cost(itemCount int) (domain.Money, error) {
	if itemCount <= 0 {
		return 0, fmt.Errorf("%w: %d", domain.ErrInvalidItemCount, itemCount)
	}
	if c.maxItems > 0 && itemCount > c.maxItems {
		return 0, fmt.Errorf("%w: %d exceeds %d", domain.ErrTooManyItems, itemCount, c.maxItems)
	}

	gross := int64(c.unitPrice) * int64(itemCount)
	if itemCount < c.bulkThreshold {
		return domain.Money(gross), nil
	}

	discount := gross * c.discountBP / basisPoints
	return domain.Money(gross - discount), nil
}

// Info describes the active policy.
type Info struct {
	UnitPrice     domain.Money
	BulkThreshold int
	DiscountRate  float64
	MaxItems      int
}

func (c *Calculator) Info() Info {
	return Info{
		UnitPrice:     c.unitPrice,
		BulkThreshold: c.bulkThreshold,
		DiscountRate:  float64(c.discountBP) / basisPoints,
		MaxItems:      c.maxItems,
	}
}
