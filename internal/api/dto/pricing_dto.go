package dto

type CostRequest struct {
	Items int `form:"items" binding:"required"`
}

type CostResponse struct {
	Items           int    `json:"items"`
	Cost            string `json:"cost"`
	CostCents       int64  `json:"cost_cents"`
	DiscountApplied bool   `json:"discount_applied"`
}

type TariffResponse struct {
	UnitPrice      string  `json:"unit_price"`
	UnitPriceCents int64   `json:"unit_price_cents"`
	BulkThreshold  int     `json:"bulk_threshold"`
	DiscountRate   float64 `json:"discount_rate"`
	MaxItems       int     `json:"max_items"`
}

type DepositRequest struct {
	AmountCents int64 `json:"amount_cents" binding:"required,gt=0"`
}

type BalanceResponse struct {
	AccountID    string `json:"account_id"`
	Balance      string `json:"balance"`
	BalanceCents int64  `json:"balance_cents"`
}
