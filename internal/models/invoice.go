package models

import "time"

// Invoice statuses.
const (
	// InvoiceStatusPaid marks a settled invoice.
	InvoiceStatusPaid = "paid"
	// InvoiceStatusRefundScheduled marks a bookkept manual refund obligation.
	InvoiceStatusRefundScheduled = "refund_scheduled"
)

// Invoice records a completed payment tied to a subscription. At most one
// invoice exists per gateway payment ID; creation is guarded by an existence
// check before insert.
type Invoice struct {
	ID string `gorm:"type:varchar(64);primaryKey"` // Primary key, "inv_" prefixed.

	SubscriptionID string `gorm:"type:varchar(64);not null;index"`  // Owning subscription.
	UserID         string `gorm:"type:varchar(128);not null;index"` // Owning user.
	AppID          string `gorm:"type:varchar(32);not null"`        // Owning application.

	RazorpayPaymentID string `gorm:"type:varchar(128);index"` // Gateway payment reference (Razorpay).
	PaypalPaymentID   string `gorm:"type:varchar(128);index"` // Gateway payment reference (PayPal).

	Amount   float64 `gorm:"type:decimal(10,2);not null;default:0"` // Settled amount. Negative for refund obligations.
	Currency string  `gorm:"type:varchar(8);not null"`              // ISO currency code.

	Status        string `gorm:"type:varchar(32);not null;default:'paid'"` // Invoice status.
	PaymentMethod string `gorm:"type:varchar(64)"`                         // Instrument or flow descriptor.

	InvoiceDate time.Time  `gorm:"not null"` // When the charge was raised.
	PaidAt      *time.Time // When the charge settled.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
