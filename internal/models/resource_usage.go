package models

import "time"

// Resource type identifiers tracked by the quota ledger.
const (
	// ResourceDocumentPages meters document page processing (marketfit).
	ResourceDocumentPages = "document_pages"
	// ResourcePerplexityRequests meters research requests (marketfit).
	ResourcePerplexityRequests = "perplexity_requests"
	// ResourceRequests meters assistant requests (saleswit).
	ResourceRequests = "requests"
)

// ResourcesForApp returns the resource types metered for an application.
func ResourcesForApp(appID string) []string {
	if appID == AppMarketFit {
		return []string{ResourceDocumentPages, ResourcePerplexityRequests}
	}
	return []string{ResourceRequests}
}

// ResourceUsage holds the current billing period's quota for one
// (user, subscription, app) triple. Original columns record what the base
// plan granted at period start; addon columns record top-ups folded into the
// live quota since then.
type ResourceUsage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID         string `gorm:"type:varchar(128);not null;index:idx_usage_user_app"` // Owning user.
	AppID          string `gorm:"type:varchar(32);not null;index:idx_usage_user_app"`  // Owning application.
	SubscriptionID string `gorm:"type:varchar(64);not null;index"`                     // Owning subscription.

	DocumentPagesQuota      float64 `gorm:"not null;default:0"` // Remaining document pages.
	PerplexityRequestsQuota float64 `gorm:"not null;default:0"` // Remaining research requests.
	RequestsQuota           float64 `gorm:"not null;default:0"` // Remaining assistant requests.

	OriginalDocumentPagesQuota      float64 `gorm:"not null;default:0"` // Base-plan grant at period start.
	OriginalPerplexityRequestsQuota float64 `gorm:"not null;default:0"` // Base-plan grant at period start.
	OriginalRequestsQuota           float64 `gorm:"not null;default:0"` // Base-plan grant at period start.

	CurrentAddonDocumentPages      float64 `gorm:"not null;default:0"` // Addon units folded into quota.
	CurrentAddonPerplexityRequests float64 `gorm:"not null;default:0"` // Addon units folded into quota.
	CurrentAddonRequests           float64 `gorm:"not null;default:0"` // Addon units folded into quota.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// QuotaColumn maps a resource type to its live quota column name.
func QuotaColumn(resource string) string {
	switch resource {
	case ResourceDocumentPages:
		return "document_pages_quota"
	case ResourcePerplexityRequests:
		return "perplexity_requests_quota"
	case ResourceRequests:
		return "requests_quota"
	default:
		return ""
	}
}

// AddonColumn maps a resource type to its addon-tracking column name.
func AddonColumn(resource string) string {
	switch resource {
	case ResourceDocumentPages:
		return "current_addon_document_pages"
	case ResourcePerplexityRequests:
		return "current_addon_perplexity_requests"
	case ResourceRequests:
		return "current_addon_requests"
	default:
		return ""
	}
}

// Remaining returns the live quota for a resource type.
func (u *ResourceUsage) Remaining(resource string) float64 {
	switch resource {
	case ResourceDocumentPages:
		return u.DocumentPagesQuota
	case ResourcePerplexityRequests:
		return u.PerplexityRequestsQuota
	case ResourceRequests:
		return u.RequestsQuota
	default:
		return 0
	}
}

// Original returns the base-plan grant for a resource type.
func (u *ResourceUsage) Original(resource string) float64 {
	switch resource {
	case ResourceDocumentPages:
		return u.OriginalDocumentPagesQuota
	case ResourcePerplexityRequests:
		return u.OriginalPerplexityRequestsQuota
	case ResourceRequests:
		return u.OriginalRequestsQuota
	default:
		return 0
	}
}

// AddonContribution returns the addon-contributed units for a resource type.
func (u *ResourceUsage) AddonContribution(resource string) float64 {
	switch resource {
	case ResourceDocumentPages:
		return u.CurrentAddonDocumentPages
	case ResourcePerplexityRequests:
		return u.CurrentAddonPerplexityRequests
	case ResourceRequests:
		return u.CurrentAddonRequests
	default:
		return 0
	}
}
