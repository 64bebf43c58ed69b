package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEvent is an append-only record of a received gateway event. The
// (provider, event_id) pair is the idempotency key: an event marked processed
// must never be handled again.
type WebhookEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Provider string `gorm:"type:varchar(16);not null;uniqueIndex:idx_events_provider_event"`  // Originating gateway.
	EventID  string `gorm:"type:varchar(255);not null;uniqueIndex:idx_events_provider_event"` // Gateway-unique event ID.

	EventType string `gorm:"type:varchar(128);not null;index"` // Gateway event type string.
	EntityID  string `gorm:"type:varchar(128);index"`          // Gateway entity the event concerns.
	UserID    string `gorm:"type:varchar(128);index"`          // Resolved user, when known.

	Payload datatypes.JSON `gorm:"type:jsonb"` // Raw event payload.

	Processed bool `gorm:"not null;default:false"` // Whether handling completed.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Receipt timestamp.
}

// SubscriptionAction is an append-only audit entry for a state-changing
// operation on a subscription.
type SubscriptionAction struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	SubscriptionID string `gorm:"type:varchar(64);not null;index"` // Affected subscription.
	Action         string `gorm:"type:varchar(64);not null"`       // Action name.

	Details datatypes.JSON `gorm:"type:jsonb"` // Action-specific details.

	PerformedBy string `gorm:"type:varchar(128)"` // Actor: "user_<id>", a webhook source, or "system".

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // When the action was taken.
}
