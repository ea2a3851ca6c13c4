package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/pricing-pipeline/internal/api/dto"
	"github.com/cuongbtq/pricing-pipeline/internal/dispatcher"
	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/gin-gonic/gin"
)

// PricingHandler serves tariff and model information
type PricingHandler struct {
	logger     *slog.Logger
	dispatcher *dispatcher.Dispatcher
	model      ModelInfoProvider
}

func NewPricingHandler(deps *Dependencies) *PricingHandler {
	return &PricingHandler{
		logger:     deps.Logger,
		dispatcher: deps.Dispatcher,
		model:      deps.Model,
	}
}

// Cost handles GET /api/v1/pricing/cost?items=N
func (h *PricingHandler) Cost(c *gin.Context) {
	var req dto.CostRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "items must be a positive integer",
		})
		return
	}

	cost, err := h.dispatcher.CalculateCost(req.Items)
	if err != nil {
		respondError(c, h.logger, "Failed to calculate cost", err)
		return
	}

	info := h.dispatcher.TariffInfo()
	c.JSON(http.StatusOK, dto.CostResponse{
		Items:           req.Items,
		Cost:            cost.String(),
		CostCents:       cost.Cents(),
		DiscountApplied: req.Items >= info.BulkThreshold && info.DiscountRate > 0,
	})
}

// Tariff handles GET /api/v1/pricing/tariff
func (h *PricingHandler) Tariff(c *gin.Context) {
	info := h.dispatcher.TariffInfo()
	c.JSON(http.StatusOK, dto.TariffResponse{
		UnitPrice:      info.UnitPrice.String(),
		UnitPriceCents: info.UnitPrice.Cents(),
		BulkThreshold:  info.BulkThreshold,
		DiscountRate:   info.DiscountRate,
		MaxItems:       info.MaxItems,
	})
}

// Model handles GET /api/v1/pricing/model
func (h *PricingHandler) Model(c *gin.Context) {
	if h.model == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Model information unavailable"})
		return
	}
	c.JSON(http.StatusOK, h.model.Info())
}

// BillingHandler serves account balance and top-ups
type BillingHandler struct {
	logger *slog.Logger
	ledger domain.Ledger
}

func NewBillingHandler(deps *Dependencies) *BillingHandler {
	return &BillingHandler{
		logger: deps.Logger,
		ledger: deps.Ledger,
	}
}

// Balance handles GET /api/v1/billing/balance
func (h *BillingHandler) Balance(c *gin.Context) {
	account := accountID(c)
	balance, err := h.ledger.Balance(c.Request.Context(), account)
	if errors.Is(err, domain.ErrAccountNotFound) {
		balance, err = 0, nil
	}
	if err != nil {
		respondError(c, h.logger, "Failed to get balance", err)
		return
	}

	c.JSON(http.StatusOK, dto.BalanceResponse{
		AccountID:    account,
		Balance:      balance.String(),
		BalanceCents: balance.Cents(),
	})
}

// Deposit handles POST /api/v1/billing/deposit
func (h *BillingHandler) Deposit(c *gin.Context) {
	var req dto.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "amount_cents must be a positive integer",
		})
		return
	}

	account := accountID(c)
	balance, err := h.ledger.Deposit(c.Request.Context(), account, domain.Money(req.AmountCents))
	if err != nil {
		respondError(c, h.logger, "Failed to deposit", err)
		return
	}

	h.logger.Info("Account topped up",
		slog.String("account_id", account),
		slog.Int64("amount_cents", req.AmountCents),
	)

	c.JSON(http.StatusOK, dto.BalanceResponse{
		AccountID:    account,
		Balance:      balance.String(),
		BalanceCents: balance.Cents(),
	})
}
