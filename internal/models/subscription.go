package models

import (
	"time"

	"gorm.io/datatypes"
)

// SubscriptionStatus represents the lifecycle state of a subscription.
// The values mirror the vocabulary the payment gateways deliver over webhooks.
type SubscriptionStatus string

// SubscriptionStatus constants define subscription lifecycle states.
const (
	// StatusCreated marks a subscription awaiting gateway confirmation.
	StatusCreated SubscriptionStatus = "created"
	// StatusPending marks a subscription with an unresolved charge.
	StatusPending SubscriptionStatus = "pending"
	// StatusPendingApproval marks a PayPal subscription awaiting user approval.
	StatusPendingApproval SubscriptionStatus = "pending_approval"
	// StatusAuthenticated marks a Razorpay subscription after mandate approval.
	StatusAuthenticated SubscriptionStatus = "authenticated"
	// StatusActive marks a paid, usable subscription.
	StatusActive SubscriptionStatus = "active"
	// StatusHalted marks a subscription stopped after repeated charge failures.
	StatusHalted SubscriptionStatus = "halted"
	// StatusPaymentFailed marks a subscription whose latest charge failed.
	StatusPaymentFailed SubscriptionStatus = "payment_failed"
	// StatusSuspended marks a gateway-suspended subscription.
	StatusSuspended SubscriptionStatus = "suspended"
	// StatusCancelled marks a terminated subscription.
	StatusCancelled SubscriptionStatus = "cancelled"
	// StatusCompleted marks a subscription that ran its full term.
	StatusCompleted SubscriptionStatus = "completed"
)

// BlockingStatuses are states in which resource quota must never be
// ensured or consumed: payment is not confirmed active.
var BlockingStatuses = []SubscriptionStatus{
	StatusCreated,
	StatusPending,
	StatusHalted,
	StatusAuthenticated,
	StatusPaymentFailed,
	StatusSuspended,
}

// IsBlocking reports whether the status denies resource usage.
func (s SubscriptionStatus) IsBlocking() bool {
	for _, blocked := range BlockingStatuses {
		if s == blocked {
			return true
		}
	}
	return false
}

// Payment gateway identifiers.
const (
	// GatewayRazorpay is the INR gateway.
	GatewayRazorpay = "razorpay"
	// GatewayPaypal is the USD gateway.
	GatewayPaypal = "paypal"
)

// Cancellation types recorded when a user requests cancellation.
const (
	// CancellationEndOfCycle stops renewal at the period boundary.
	CancellationEndOfCycle = "end_of_cycle"
	// CancellationImmediateWithAccess cancels at the gateway now but keeps
	// access until the paid period ends.
	CancellationImmediateWithAccess = "immediate_with_access"
)

// Subscription records a user's recurring plan enrollment. Rows are never
// hard-deleted; cancellation is a status and flag change.
type Subscription struct {
	ID string `gorm:"type:varchar(64);primaryKey"` // Primary key, "sub_" prefixed.

	UserID string `gorm:"type:varchar(128);not null;index"` // Owning user.
	AppID  string `gorm:"type:varchar(32);not null;index"`  // Owning application.

	PlanID string `gorm:"type:varchar(64);not null;index"` // Related plan ID.
	Plan   Plan   `gorm:"foreignKey:PlanID"`               // Related plan record.

	Status SubscriptionStatus `gorm:"type:varchar(32);not null;default:'created';index"` // Current lifecycle state.

	PaymentGateway         string `gorm:"type:varchar(16)"`        // Gateway handling this subscription.
	RazorpaySubscriptionID string `gorm:"type:varchar(128);index"` // Gateway subscription reference (Razorpay).
	PaypalSubscriptionID   string `gorm:"type:varchar(128);index"` // Gateway subscription reference (PayPal).

	CurrentPeriodStart *time.Time // Billing period start, set on activation.
	CurrentPeriodEnd   *time.Time // Billing period end, exclusive.

	CancellationScheduled bool       `gorm:"not null;default:false"` // Renewal stops at period end.
	GatewayCancelled      bool       `gorm:"not null;default:false"` // Gateway-side cancellation confirmed.
	CancellationType      string     `gorm:"type:varchar(32)"`       // How the cancellation takes effect.
	CancelledAt           *time.Time // When cancellation was requested.

	FirstPaymentCompleted     bool `gorm:"not null;default:false"` // First charge observed.
	TemporaryResourcesGranted bool `gorm:"not null;default:false"` // Stopgap resources active during an upgrade.

	Metadata datatypes.JSON `gorm:"type:jsonb"` // Raw gateway payload snapshots.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// GatewaySubscriptionID returns the active gateway's subscription reference.
func (s *Subscription) GatewaySubscriptionID() string {
	switch s.PaymentGateway {
	case GatewayPaypal:
		return s.PaypalSubscriptionID
	default:
		return s.RazorpaySubscriptionID
	}
}

// PendingUpgrade is the typed in-flight upgrade record for a subscription.
// At most one row exists per subscription; presence means an upgrade is
// awaiting payment confirmation.
type PendingUpgrade struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	SubscriptionID string  `gorm:"type:varchar(64);not null;uniqueIndex"` // Owning subscription.
	NewPlanID      string  `gorm:"type:varchar(64);not null"`             // Target plan.
	PaymentRef     string  `gorm:"type:varchar(128);index"`               // Gateway order/payment reference.
	TimeFactor     float64 `gorm:"not null;default:1"`                    // Remaining-period fraction for proportional quota.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
