package models

import "time"

// Addon purchase statuses.
const (
	// AddonStatusActive marks an addon counted in the live quota.
	AddonStatusActive = "active"
	// AddonStatusExpired marks an addon invalidated by a period rollover.
	AddonStatusExpired = "expired"
)

// AddonPurchase records a one-off resource top-up valid through the
// subscription's current billing period.
type AddonPurchase struct {
	ID string `gorm:"type:varchar(64);primaryKey"` // Primary key, "addon_" prefixed.

	SubscriptionID string `gorm:"type:varchar(64);not null;index"`  // Owning subscription.
	UserID         string `gorm:"type:varchar(128);not null;index"` // Owning user.
	AppID          string `gorm:"type:varchar(32);not null"`        // Owning application.

	ResourceType string  `gorm:"type:varchar(64);not null"`             // Topped-up resource.
	Quantity     float64 `gorm:"not null"`                              // Units purchased.
	Amount       float64 `gorm:"type:decimal(10,2);not null;default:0"` // Price paid.
	Currency     string  `gorm:"type:varchar(8);not null"`              // ISO currency code.

	Status string `gorm:"type:varchar(16);not null;default:'active'"` // active or expired.

	ValidFrom  *time.Time // Validity window start (current period start).
	ValidUntil *time.Time // Validity window end (current period end).

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
