// Package quota tracks per-subscription resource allotments for the current
// billing period: base-plan grants, addon top-ups, and atomic consumption.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marketfit/billingcore/internal/db"
	"github.com/marketfit/billingcore/internal/ids"
	"github.com/marketfit/billingcore/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// quotaEpsilon defines a tolerance for quota comparisons.
const quotaEpsilon = 0.000001

// defaultFreePeriodDays is the billing period granted to an auto-provisioned
// free subscription.
const defaultFreePeriodDays = 30

// BlockedError reports a subscription status that denies resource usage.
type BlockedError struct {
	Status models.SubscriptionStatus
}

// Error implements the error interface.
func (e *BlockedError) Error() string {
	return fmt.Sprintf("quota: subscription status %q blocks resource usage", e.Status)
}

// ErrNoFreePlan indicates the app has no active free plan to auto-provision.
var ErrNoFreePlan = errors.New("quota: no active free plan for app")

// Ledger manages resource usage rows backed by GORM.
type Ledger struct {
	db *gorm.DB
}

// NewLedger constructs a Ledger.
func NewLedger(conn *gorm.DB) *Ledger { return &Ledger{db: conn} }

// freeTierDefaults returns the fallback grant for a resource when a plan's
// feature map omits it.
func freeTierDefaults(appID string) map[string]float64 {
	if appID == models.AppMarketFit {
		return map[string]float64{
			models.ResourceDocumentPages:      50,
			models.ResourcePerplexityRequests: 20,
		}
	}
	return map[string]float64{models.ResourceRequests: 20}
}

// quotaValues computes per-resource grants from plan features, falling back
// to free-tier defaults for omitted resources, scaled by timeFactor for
// proportional mid-cycle allocation.
func quotaValues(plan *models.Plan, appID string, timeFactor float64) map[string]float64 {
	if timeFactor <= 0 || timeFactor > 1 {
		timeFactor = 1
	}
	limits := plan.FeatureLimits()
	defaults := freeTierDefaults(appID)

	values := make(map[string]float64)
	for _, resource := range models.ResourcesForApp(appID) {
		value, ok := limits[resource]
		if !ok {
			value = defaults[resource]
		}
		values[resource] = value * timeFactor
	}
	return values
}

// Initialize creates or overwrites the usage row for (user, subscription,
// app) from the subscription's plan features. Originals are set equal to the
// granted quota and addon counters are zeroed, so the call is idempotent and
// safe on every activation or renewal. timeFactor below 1 grants a
// proportional share for mid-cycle upgrades.
func (l *Ledger) Initialize(ctx context.Context, userID, subscriptionID, appID string, timeFactor float64) error {
	var sub models.Subscription
	if errFind := l.db.WithContext(ctx).Preload("Plan").
		Where("id = ?", subscriptionID).
		First(&sub).Error; errFind != nil {
		return fmt.Errorf("quota: load subscription: %w", errFind)
	}

	values := quotaValues(&sub.Plan, appID, timeFactor)

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		row := models.ResourceUsage{
			UserID:         userID,
			AppID:          appID,
			SubscriptionID: subscriptionID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		applyQuotaValues(&row, values)

		var existing models.ResourceUsage
		errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND subscription_id = ? AND app_id = ?", userID, subscriptionID, appID).
			First(&existing).Error
		if errFind == nil {
			row.ID = existing.ID
			row.CreatedAt = existing.CreatedAt
			if errSave := tx.Save(&row).Error; errSave != nil {
				return fmt.Errorf("quota: overwrite usage row: %w", errSave)
			}
			return nil
		}
		if !errors.Is(errFind, gorm.ErrRecordNotFound) {
			return fmt.Errorf("quota: find usage row: %w", errFind)
		}
		if errCreate := tx.Create(&row).Error; errCreate != nil {
			return fmt.Errorf("quota: create usage row: %w", errCreate)
		}
		return nil
	})
}

// applyQuotaValues writes granted values into the quota and original columns
// and zeroes addon counters.
func applyQuotaValues(row *models.ResourceUsage, values map[string]float64) {
	row.DocumentPagesQuota = values[models.ResourceDocumentPages]
	row.OriginalDocumentPagesQuota = values[models.ResourceDocumentPages]
	row.PerplexityRequestsQuota = values[models.ResourcePerplexityRequests]
	row.OriginalPerplexityRequestsQuota = values[models.ResourcePerplexityRequests]
	row.RequestsQuota = values[models.ResourceRequests]
	row.OriginalRequestsQuota = values[models.ResourceRequests]
	row.CurrentAddonDocumentPages = 0
	row.CurrentAddonPerplexityRequests = 0
	row.CurrentAddonRequests = 0
}

// currentSubscription loads the subscription governing the user's quota for
// the app: the newest active subscription, or failing that the newest one in
// a blocking status, which refuses usage rather than falling back to the
// free tier. Terminated subscriptions (cancelled, completed) are invisible
// here, so the user drops to the free plan once a paid subscription ends.
func (l *Ledger) currentSubscription(ctx context.Context, userID, appID string) (*models.Subscription, error) {
	for _, statuses := range [][]models.SubscriptionStatus{
		{models.StatusActive},
		models.BlockingStatuses,
	} {
		var sub models.Subscription
		errFind := l.db.WithContext(ctx).Preload("Plan").
			Where("user_id = ? AND app_id = ? AND status IN ?", userID, appID, statuses).
			Order("updated_at DESC").
			First(&sub).Error
		if errFind == nil {
			return &sub, nil
		}
		if !errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("quota: find subscription: %w", errFind)
		}
	}
	return nil, nil
}

// provisionFreeSubscription creates an active free-plan subscription with a
// default period for a user who has never subscribed.
func (l *Ledger) provisionFreeSubscription(ctx context.Context, userID, appID string) (*models.Subscription, error) {
	var freePlan models.Plan
	if errFind := l.db.WithContext(ctx).
		Where("app_id = ? AND amount = 0 AND is_active = ?", appID, true).
		First(&freePlan).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNoFreePlan
		}
		return nil, fmt.Errorf("quota: find free plan: %w", errFind)
	}

	now := time.Now().UTC()
	periodEnd := now.AddDate(0, 0, defaultFreePeriodDays)
	sub := models.Subscription{
		ID:                 ids.NewSubscription(),
		UserID:             userID,
		AppID:              appID,
		PlanID:             freePlan.ID,
		Status:             models.StatusActive,
		CurrentPeriodStart: &now,
		CurrentPeriodEnd:   &periodEnd,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if errCreate := l.db.WithContext(ctx).Create(&sub).Error; errCreate != nil {
		return nil, fmt.Errorf("quota: create free subscription: %w", errCreate)
	}
	sub.Plan = freePlan

	log.WithFields(log.Fields{
		"user_id": userID,
		"app_id":  appID,
		"plan_id": freePlan.ID,
	}).Info("auto-provisioned free subscription")

	return &sub, nil
}

// Ensure returns the usage row for the user's current subscription, lazily
// provisioning a free subscription and its quota when the user has none. A
// subscription in a blocking status refuses with BlockedError.
func (l *Ledger) Ensure(ctx context.Context, userID, appID string) (*models.ResourceUsage, *models.Subscription, error) {
	sub, errSub := l.currentSubscription(ctx, userID, appID)
	if errSub != nil {
		return nil, nil, errSub
	}
	if sub == nil {
		created, errProvision := l.provisionFreeSubscription(ctx, userID, appID)
		if errProvision != nil {
			return nil, nil, errProvision
		}
		sub = created
	}

	if sub.Status.IsBlocking() {
		return nil, nil, &BlockedError{Status: sub.Status}
	}

	var row models.ResourceUsage
	errFind := l.db.WithContext(ctx).
		Where("user_id = ? AND subscription_id = ? AND app_id = ?", userID, sub.ID, appID).
		First(&row).Error
	if errFind == nil {
		return &row, sub, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("quota: find usage row: %w", errFind)
	}

	if errInit := l.Initialize(ctx, userID, sub.ID, appID, 1); errInit != nil {
		return nil, nil, errInit
	}
	if errRetry := l.db.WithContext(ctx).
		Where("user_id = ? AND subscription_id = ? AND app_id = ?", userID, sub.ID, appID).
		First(&row).Error; errRetry != nil {
		return nil, nil, fmt.Errorf("quota: reload usage row: %w", errRetry)
	}
	return &row, sub, nil
}

// Quota returns remaining counts per resource for the user's current
// subscription. A missing subscription or usage row yields a zeroed map,
// never an error.
func (l *Ledger) Quota(ctx context.Context, userID, appID string) map[string]float64 {
	out := make(map[string]float64)
	for _, resource := range models.ResourcesForApp(appID) {
		out[resource] = 0
	}

	sub, errSub := l.currentSubscription(ctx, userID, appID)
	if errSub != nil || sub == nil {
		return out
	}

	var row models.ResourceUsage
	if errFind := l.db.WithContext(ctx).
		Where("user_id = ? AND subscription_id = ? AND app_id = ?", userID, sub.ID, appID).
		First(&row).Error; errFind != nil {
		return out
	}

	for resource := range out {
		out[resource] = row.Remaining(resource)
	}
	return out
}

// CheckAvailability reports whether the user has at least count units of the
// resource remaining. Unknown resources report false without error; blocked
// subscription statuses surface as BlockedError.
func (l *Ledger) CheckAvailability(ctx context.Context, userID, appID, resource string, count float64) (bool, error) {
	if models.QuotaColumn(resource) == "" {
		return false, nil
	}

	row, _, errEnsure := l.Ensure(ctx, userID, appID)
	if errEnsure != nil {
		return false, errEnsure
	}
	return row.Remaining(resource)+quotaEpsilon >= count, nil
}

// Decrement atomically subtracts count units from the resource quota,
// flooring at zero. A missing usage row is initialized lazily and the
// decrement retried once. Returns false when availability fails.
func (l *Ledger) Decrement(ctx context.Context, userID, appID, resource string, count float64) (bool, error) {
	column := models.QuotaColumn(resource)
	if column == "" || count <= 0 {
		return false, nil
	}

	available, errCheck := l.CheckAvailability(ctx, userID, appID, resource, count)
	if errCheck != nil {
		return false, errCheck
	}
	if !available {
		return false, nil
	}

	row, _, errEnsure := l.Ensure(ctx, userID, appID)
	if errEnsure != nil {
		return false, errEnsure
	}

	greatest := db.GreatestExpr(l.db)
	res := l.db.WithContext(ctx).
		Model(&models.ResourceUsage{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			column:       gorm.Expr(fmt.Sprintf("%s(0, %s - ?)", greatest, column), count),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("quota: decrement %s: %w", resource, res.Error)
	}
	if res.RowsAffected == 0 {
		// The row vanished between check and update; re-ensure and retry once.
		if errInit := l.Initialize(ctx, userID, row.SubscriptionID, appID, 1); errInit != nil {
			return false, errInit
		}
		retry := l.db.WithContext(ctx).
			Model(&models.ResourceUsage{}).
			Where("user_id = ? AND subscription_id = ? AND app_id = ?", userID, row.SubscriptionID, appID).
			Updates(map[string]any{
				column:       gorm.Expr(fmt.Sprintf("%s(0, %s - ?)", greatest, column), count),
				"updated_at": time.Now().UTC(),
			})
		if retry.Error != nil || retry.RowsAffected == 0 {
			return false, retry.Error
		}
	}
	return true, nil
}

// AddAddon atomically folds purchased units into both the live quota and the
// addon-tracking column for the resource.
func (l *Ledger) AddAddon(ctx context.Context, userID, subscriptionID, appID, resource string, quantity float64) error {
	column := models.QuotaColumn(resource)
	addonColumn := models.AddonColumn(resource)
	if column == "" || addonColumn == "" {
		return fmt.Errorf("quota: unknown resource %q", resource)
	}
	if quantity <= 0 {
		return fmt.Errorf("quota: addon quantity must be positive")
	}

	res := l.db.WithContext(ctx).
		Model(&models.ResourceUsage{}).
		Where("user_id = ? AND subscription_id = ? AND app_id = ?", userID, subscriptionID, appID).
		Updates(map[string]any{
			column:       gorm.Expr(fmt.Sprintf("%s + ?", column), quantity),
			addonColumn:  gorm.Expr(fmt.Sprintf("%s + ?", addonColumn), quantity),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("quota: add addon: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("quota: no usage row for subscription %s", subscriptionID)
	}
	return nil
}

// AddTemporaryResources grants double the app's free-tier allotment on top of
// the current quota. Used as a stopgap while a mid-cycle upgrade awaits
// payment confirmation; replaced when the upgrade settles.
func (l *Ledger) AddTemporaryResources(ctx context.Context, userID, subscriptionID, appID string) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	for resource, value := range freeTierDefaults(appID) {
		column := models.QuotaColumn(resource)
		updates[column] = gorm.Expr(fmt.Sprintf("%s + ?", column), value*2)
	}

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ResourceUsage{}).
			Where("user_id = ? AND subscription_id = ? AND app_id = ?", userID, subscriptionID, appID).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("quota: add temporary resources: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("quota: no usage row for subscription %s", subscriptionID)
		}
		if errFlag := tx.Model(&models.Subscription{}).
			Where("id = ?", subscriptionID).
			Update("temporary_resources_granted", true).Error; errFlag != nil {
			return fmt.Errorf("quota: flag temporary resources: %w", errFlag)
		}
		return nil
	})
}

// ResetOnRenewal expires the subscription's active addons and restores quota
// to the plan's full grant for the new billing period.
func (l *Ledger) ResetOnRenewal(ctx context.Context, subscriptionID string) error {
	var sub models.Subscription
	if errFind := l.db.WithContext(ctx).
		Where("id = ?", subscriptionID).
		First(&sub).Error; errFind != nil {
		return fmt.Errorf("quota: load subscription: %w", errFind)
	}

	if errExpire := l.db.WithContext(ctx).
		Model(&models.AddonPurchase{}).
		Where("subscription_id = ? AND status = ?", subscriptionID, models.AddonStatusActive).
		Updates(map[string]any{
			"status":     models.AddonStatusExpired,
			"updated_at": time.Now().UTC(),
		}).Error; errExpire != nil {
		return fmt.Errorf("quota: expire addons: %w", errExpire)
	}

	if errInit := l.Initialize(ctx, sub.UserID, subscriptionID, sub.AppID, 1); errInit != nil {
		return errInit
	}

	if sub.TemporaryResourcesGranted {
		if errFlag := l.db.WithContext(ctx).Model(&models.Subscription{}).
			Where("id = ?", subscriptionID).
			Update("temporary_resources_granted", false).Error; errFlag != nil {
			return fmt.Errorf("quota: clear temporary resources flag: %w", errFlag)
		}
	}
	return nil
}
