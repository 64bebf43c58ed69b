// Package lifecycle drives subscription state from gateway webhook events.
// Every event is recorded once, classified into an event kind, and dispatched
// through a per-provider handler table.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marketfit/billingcore/internal/billing"
	"github.com/marketfit/billingcore/internal/gateway"
	"github.com/marketfit/billingcore/internal/ids"
	"github.com/marketfit/billingcore/internal/models"
	"github.com/marketfit/billingcore/internal/quota"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// chargeDuplicateWindow suppresses period advancement when a charge event
// arrives right after activation already set the period. Gateways deliver
// both events for the first payment.
const chargeDuplicateWindow = 5 * time.Minute

// Outcome summarizes how a webhook event was handled.
type Outcome string

// Outcome values reported by Process.
const (
	// OutcomeProcessed means the event changed state.
	OutcomeProcessed Outcome = "processed"
	// OutcomeAlreadyProcessed means the (provider, event ID) pair was seen before.
	OutcomeAlreadyProcessed Outcome = "already_processed"
	// OutcomeIgnored means the event type is not handled or its entity is unknown.
	OutcomeIgnored Outcome = "ignored"
)

// ErrSubscriptionNotFound reports a gateway event referencing a subscription
// this system has no row for. The event stays unprocessed so the gateway's
// retry can land it after the local row exists.
var ErrSubscriptionNotFound = errors.New("lifecycle: subscription not found for gateway event")

// eventKind classifies gateway event type strings into the transitions the
// machine understands.
type eventKind int

const (
	kindUnknown eventKind = iota
	kindSubscriptionCreated
	kindAuthenticated
	kindActivated
	kindCharged
	kindCompleted
	kindCancelled
	kindPending
	kindHalted
	kindUpdated
	kindSuspended
	kindPaymentFailed
	kindSaleCompleted
	kindCaptureCompleted
)

// Event is a webhook delivery after signature verification.
type Event struct {
	Provider string // "razorpay" or "paypal".
	ID       string // Gateway-unique event identifier.
	Type     string // Gateway event type string.
	Payload  []byte // Raw JSON body.
}

type handlerFunc func(*Machine, context.Context, []byte) (Outcome, error)

// Machine applies webhook events to subscriptions, quota and invoices.
type Machine struct {
	db       *gorm.DB
	ledger   *quota.Ledger
	gateways map[string]gateway.Client
}

// NewMachine constructs a Machine. gateways is keyed by provider name and may
// omit providers in test setups.
func NewMachine(conn *gorm.DB, ledger *quota.Ledger, gateways map[string]gateway.Client) *Machine {
	if gateways == nil {
		gateways = make(map[string]gateway.Client)
	}
	return &Machine{db: conn, ledger: ledger, gateways: gateways}
}

// Process records the event, enforces idempotency on (provider, event ID),
// and dispatches to the provider's handler table. Unknown event types are
// recorded and ignored. Handler failures leave the event unprocessed so the
// gateway's retry can land it again.
func (m *Machine) Process(ctx context.Context, evt Event) (Outcome, error) {
	if evt.ID == "" {
		return OutcomeIgnored, nil
	}

	record, fresh, errRecord := m.recordEvent(ctx, evt)
	if errRecord != nil {
		return OutcomeIgnored, errRecord
	}
	if !fresh && record.Processed {
		return OutcomeAlreadyProcessed, nil
	}

	kind, handler := m.resolve(evt.Provider, evt.Type)
	if kind == kindUnknown {
		if errMark := m.markProcessed(ctx, record.ID); errMark != nil {
			return OutcomeIgnored, errMark
		}
		log.WithFields(log.Fields{
			"provider": evt.Provider,
			"type":     evt.Type,
		}).Debug("ignoring unhandled webhook event type")
		return OutcomeIgnored, nil
	}

	outcome, errHandle := handler(m, ctx, evt.Payload)
	if errHandle != nil {
		return outcome, errHandle
	}
	if errMark := m.markProcessed(ctx, record.ID); errMark != nil {
		return outcome, errMark
	}
	return outcome, nil
}

func (m *Machine) resolve(provider, eventType string) (eventKind, handlerFunc) {
	var kind eventKind
	var handlers map[eventKind]handlerFunc
	switch provider {
	case models.GatewayRazorpay:
		kind = razorpayEventKinds[eventType]
		handlers = razorpayHandlers
	case models.GatewayPaypal:
		kind = paypalEventKinds[eventType]
		handlers = paypalHandlers
	default:
		return kindUnknown, nil
	}
	handler, ok := handlers[kind]
	if !ok {
		return kindUnknown, nil
	}
	return kind, handler
}

// eventEntityIDs pulls the gateway entity the event concerns and, when the
// payload carries one, the owning user. Best effort: either may be empty.
func eventEntityIDs(provider, eventType string, payload []byte) (string, string) {
	switch provider {
	case models.GatewayRazorpay:
		var parsed struct {
			Payload struct {
				Subscription struct {
					Entity struct {
						ID    string `json:"id"`
						Notes struct {
							UserID string `json:"user_id"`
						} `json:"notes"`
					} `json:"entity"`
				} `json:"subscription"`
			} `json:"payload"`
		}
		if json.Unmarshal(payload, &parsed) == nil {
			entity := parsed.Payload.Subscription.Entity
			return entity.ID, entity.Notes.UserID
		}
	case models.GatewayPaypal:
		var parsed struct {
			Resource struct {
				ID       string `json:"id"`
				CustomID string `json:"custom_id"`
			} `json:"resource"`
		}
		if json.Unmarshal(payload, &parsed) == nil {
			userID := ""
			// Subscription custom ids carry "user|app"; order custom ids
			// carry a payment kind instead.
			if strings.HasPrefix(eventType, "BILLING.SUBSCRIPTION.") {
				userID, _, _ = strings.Cut(parsed.Resource.CustomID, "|")
			}
			return parsed.Resource.ID, userID
		}
	}
	return "", ""
}

// recordEvent inserts the event row or returns the existing one. fresh is
// false when the row already existed.
func (m *Machine) recordEvent(ctx context.Context, evt Event) (*models.WebhookEvent, bool, error) {
	var existing models.WebhookEvent
	errFind := m.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", evt.Provider, evt.ID).
		First(&existing).Error
	if errFind == nil {
		return &existing, false, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("lifecycle: find event: %w", errFind)
	}

	entityID, userID := eventEntityIDs(evt.Provider, evt.Type, evt.Payload)
	record := models.WebhookEvent{
		Provider:  evt.Provider,
		EventID:   evt.ID,
		EventType: evt.Type,
		EntityID:  entityID,
		UserID:    userID,
		Payload:   datatypes.JSON(evt.Payload),
	}
	if errCreate := m.db.WithContext(ctx).Create(&record).Error; errCreate != nil {
		// A concurrent delivery may have won the insert race.
		if errRetry := m.db.WithContext(ctx).
			Where("provider = ? AND event_id = ?", evt.Provider, evt.ID).
			First(&existing).Error; errRetry == nil {
			return &existing, false, nil
		}
		return nil, false, fmt.Errorf("lifecycle: record event: %w", errCreate)
	}
	return &record, true, nil
}

func (m *Machine) markProcessed(ctx context.Context, eventRowID uint64) error {
	if errUpdate := m.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ?", eventRowID).
		Update("processed", true).Error; errUpdate != nil {
		return fmt.Errorf("lifecycle: mark event processed: %w", errUpdate)
	}
	return nil
}

// subscriptionByGatewayID loads a subscription through its gateway-side
// reference. Returns nil when no row matches.
func (m *Machine) subscriptionByGatewayID(ctx context.Context, provider, gatewayID string) (*models.Subscription, error) {
	if gatewayID == "" {
		return nil, nil
	}
	column := "razorpay_subscription_id"
	if provider == models.GatewayPaypal {
		column = "paypal_subscription_id"
	}

	var sub models.Subscription
	errFind := m.db.WithContext(ctx).Preload("Plan").
		Where(column+" = ?", gatewayID).
		First(&sub).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lifecycle: find subscription by gateway id: %w", errFind)
	}
	return &sub, nil
}

// setStatus updates the subscription status and writes an audit entry.
func (m *Machine) setStatus(ctx context.Context, sub *models.Subscription, status models.SubscriptionStatus, source string) error {
	previous := sub.Status
	if errUpdate := m.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now().UTC(),
		}).Error; errUpdate != nil {
		return fmt.Errorf("lifecycle: update status: %w", errUpdate)
	}
	sub.Status = status
	m.audit(ctx, sub.ID, "status_change", source, map[string]any{
		"from": previous,
		"to":   status,
	})
	return nil
}

// audit appends a SubscriptionAction row. Audit failures are logged, never
// propagated: bookkeeping must not fail the transition itself.
func (m *Machine) audit(ctx context.Context, subscriptionID, action, performedBy string, details map[string]any) {
	raw, _ := json.Marshal(details)
	entry := models.SubscriptionAction{
		SubscriptionID: subscriptionID,
		Action:         action,
		Details:        datatypes.JSON(raw),
		PerformedBy:    performedBy,
	}
	if errCreate := m.db.WithContext(ctx).Create(&entry).Error; errCreate != nil {
		log.WithError(errCreate).WithField("subscription_id", subscriptionID).Warn("audit entry not recorded")
	}
}

// applyPeriod writes the billing period onto the subscription. Zero times
// fall back to now and the plan's computed period end.
func (m *Machine) applyPeriod(ctx context.Context, sub *models.Subscription, start, end time.Time) error {
	if start.IsZero() {
		start = time.Now().UTC()
	}
	if end.IsZero() || !end.After(start) {
		end = billing.PeriodEnd(start, sub.Plan.Interval, sub.Plan.IntervalCount)
	}
	if errUpdate := m.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"current_period_start": start,
			"current_period_end":   end,
			"updated_at":           time.Now().UTC(),
		}).Error; errUpdate != nil {
		return fmt.Errorf("lifecycle: update period: %w", errUpdate)
	}
	sub.CurrentPeriodStart = &start
	sub.CurrentPeriodEnd = &end
	return nil
}

// recordInvoice inserts an invoice unless one already exists for the gateway
// payment ID. Returns true when a new invoice was written.
func (m *Machine) recordInvoice(ctx context.Context, sub *models.Subscription, paymentID string, amount float64, method, flow string) (bool, error) {
	if paymentID == "" {
		return false, nil
	}
	column := "razorpay_payment_id"
	if sub.PaymentGateway == models.GatewayPaypal {
		column = "paypal_payment_id"
	}

	var count int64
	if errCount := m.db.WithContext(ctx).
		Model(&models.Invoice{}).
		Where(column+" = ?", paymentID).
		Count(&count).Error; errCount != nil {
		return false, fmt.Errorf("lifecycle: check invoice: %w", errCount)
	}
	if count > 0 {
		return false, nil
	}

	now := time.Now().UTC()
	invoice := models.Invoice{
		ID:             ids.NewInvoice(),
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		AppID:          sub.AppID,
		Amount:         amount,
		Currency:       sub.Plan.Currency,
		Status:         models.InvoiceStatusPaid,
		PaymentMethod:  method,
		InvoiceDate:    now,
		PaidAt:         &now,
	}
	if sub.PaymentGateway == models.GatewayPaypal {
		invoice.PaypalPaymentID = paymentID
	} else {
		invoice.RazorpayPaymentID = paymentID
	}
	if errCreate := m.db.WithContext(ctx).Create(&invoice).Error; errCreate != nil {
		return false, fmt.Errorf("lifecycle: create invoice: %w", errCreate)
	}
	m.audit(ctx, sub.ID, "invoice_recorded", "webhook:"+sub.PaymentGateway, map[string]any{
		"invoice_id": invoice.ID,
		"payment_id": paymentID,
		"amount":     amount,
		"flow":       flow,
	})
	return true, nil
}

// activate marks the subscription active, sets the billing period, grants the
// plan's full quota and stamps the first-payment flag when told the payment
// settled.
func (m *Machine) activate(ctx context.Context, sub *models.Subscription, start, end time.Time, paymentSettled bool, source string) error {
	if errStatus := m.setStatus(ctx, sub, models.StatusActive, source); errStatus != nil {
		return errStatus
	}
	if errPeriod := m.applyPeriod(ctx, sub, start, end); errPeriod != nil {
		return errPeriod
	}
	if paymentSettled && !sub.FirstPaymentCompleted {
		if errFlag := m.db.WithContext(ctx).
			Model(&models.Subscription{}).
			Where("id = ?", sub.ID).
			Update("first_payment_completed", true).Error; errFlag != nil {
			return fmt.Errorf("lifecycle: flag first payment: %w", errFlag)
		}
		sub.FirstPaymentCompleted = true
	}
	if errInit := m.ledger.Initialize(ctx, sub.UserID, sub.ID, sub.AppID, 1); errInit != nil {
		return errInit
	}
	log.WithFields(log.Fields{
		"subscription_id": sub.ID,
		"user_id":         sub.UserID,
		"plan_id":         sub.PlanID,
	}).Info("subscription activated")
	return nil
}

// renew advances the billing period and resets quota, expiring addons.
func (m *Machine) renew(ctx context.Context, sub *models.Subscription, start, end time.Time, source string) error {
	if errPeriod := m.applyPeriod(ctx, sub, start, end); errPeriod != nil {
		return errPeriod
	}
	if sub.Status != models.StatusActive {
		if errStatus := m.setStatus(ctx, sub, models.StatusActive, source); errStatus != nil {
			return errStatus
		}
	}
	if errReset := m.ledger.ResetOnRenewal(ctx, sub.ID); errReset != nil {
		return errReset
	}
	m.audit(ctx, sub.ID, "renewed", source, map[string]any{
		"period_start": start,
		"period_end":   end,
	})
	return nil
}

// switchPlan points the subscription at a new plan and reloads the
// association for subsequent period math.
func (m *Machine) switchPlan(ctx context.Context, sub *models.Subscription, newPlanID, source string) error {
	if errUpdate := m.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"plan_id":    newPlanID,
			"updated_at": time.Now().UTC(),
		}).Error; errUpdate != nil {
		return fmt.Errorf("lifecycle: switch plan: %w", errUpdate)
	}
	previous := sub.PlanID
	sub.PlanID = newPlanID

	var plan models.Plan
	if errFind := m.db.WithContext(ctx).Where("id = ?", newPlanID).First(&plan).Error; errFind != nil {
		return fmt.Errorf("lifecycle: load new plan: %w", errFind)
	}
	sub.Plan = plan

	m.audit(ctx, sub.ID, "plan_change", source, map[string]any{
		"from": previous,
		"to":   newPlanID,
	})
	return nil
}

// pendingUpgrade returns the in-flight upgrade for the subscription, or nil.
func (m *Machine) pendingUpgrade(ctx context.Context, subscriptionID string) (*models.PendingUpgrade, error) {
	var pending models.PendingUpgrade
	errFind := m.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		First(&pending).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lifecycle: find pending upgrade: %w", errFind)
	}
	return &pending, nil
}

// completePendingUpgrade settles an in-flight upgrade: the plan switches,
// quota is granted proportionally to the recorded time factor, the stopgap
// resource flag clears and the pending row is removed.
func (m *Machine) completePendingUpgrade(ctx context.Context, sub *models.Subscription, pending *models.PendingUpgrade, source string) error {
	if errSwitch := m.switchPlan(ctx, sub, pending.NewPlanID, source); errSwitch != nil {
		return errSwitch
	}
	if errInit := m.ledger.Initialize(ctx, sub.UserID, sub.ID, sub.AppID, pending.TimeFactor); errInit != nil {
		return errInit
	}
	if sub.TemporaryResourcesGranted {
		if errFlag := m.db.WithContext(ctx).
			Model(&models.Subscription{}).
			Where("id = ?", sub.ID).
			Update("temporary_resources_granted", false).Error; errFlag != nil {
			return fmt.Errorf("lifecycle: clear temporary resources flag: %w", errFlag)
		}
		sub.TemporaryResourcesGranted = false
	}
	if errDelete := m.db.WithContext(ctx).
		Delete(&models.PendingUpgrade{}, "id = ?", pending.ID).Error; errDelete != nil {
		return fmt.Errorf("lifecycle: remove pending upgrade: %w", errDelete)
	}
	m.audit(ctx, sub.ID, "upgrade_completed", source, map[string]any{
		"new_plan_id": pending.NewPlanID,
		"time_factor": pending.TimeFactor,
	})
	return nil
}
