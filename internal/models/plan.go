package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Plan intervals supported by the catalog.
const (
	// IntervalMonth bills monthly.
	IntervalMonth = "month"
	// IntervalYear bills yearly.
	IntervalYear = "year"
)

// Currencies accepted by the billing core.
const (
	// CurrencyINR is Indian rupees, handled by Razorpay.
	CurrencyINR = "INR"
	// CurrencyUSD is US dollars, handled by PayPal.
	CurrencyUSD = "USD"
)

// Application identifiers sharing this backend.
const (
	// AppMarketFit is the document/research product.
	AppMarketFit = "marketfit"
	// AppSalesWit is the sales assistant product.
	AppSalesWit = "saleswit"
)

// Plan represents an immutable subscription catalog entry.
type Plan struct {
	ID string `gorm:"type:varchar(64);primaryKey"` // Primary key, "plan_" prefixed.

	AppID string `gorm:"type:varchar(32);not null;index"` // Owning application.
	Name  string `gorm:"type:varchar(255);not null"`      // Plan display name.

	Amount   float64 `gorm:"type:decimal(10,2);not null;default:0"` // Price per interval; 0 marks the free plan.
	Currency string  `gorm:"type:varchar(8);not null"`              // ISO currency code.

	Interval      string `gorm:"type:varchar(8);not null;default:'month'"` // Billing interval unit.
	IntervalCount int    `gorm:"not null;default:1"`                       // Number of interval units per period.

	Features datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'"` // Resource name to quota limit.

	RazorpayPlanID string `gorm:"type:varchar(128)"` // Gateway plan reference (Razorpay).
	PaypalPlanID   string `gorm:"type:varchar(128)"` // Gateway plan reference (PayPal).

	IsActive bool `gorm:"not null;default:true"` // Whether the plan is purchasable.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// IsFree reports whether the plan is the zero-amount free tier.
func (p *Plan) IsFree() bool {
	return p.Amount == 0
}

// IsMonthly reports whether the plan bills on a monthly interval.
func (p *Plan) IsMonthly() bool {
	return p.Interval == IntervalMonth
}

// IsAnnual reports whether the plan bills on a yearly interval.
func (p *Plan) IsAnnual() bool {
	return p.Interval == IntervalYear
}

// FeatureLimits decodes the plan feature map into resource limits.
func (p *Plan) FeatureLimits() map[string]float64 {
	limits := make(map[string]float64)
	if len(p.Features) == 0 {
		return limits
	}
	if errUnmarshal := json.Unmarshal(p.Features, &limits); errUnmarshal != nil {
		return map[string]float64{}
	}
	return limits
}
