package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marketfit/billingcore/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// razorpayEventKinds classifies Razorpay webhook event types.
var razorpayEventKinds = map[string]eventKind{
	"subscription.authenticated": kindAuthenticated,
	"subscription.activated":     kindActivated,
	"subscription.charged":       kindCharged,
	"subscription.completed":     kindCompleted,
	"subscription.cancelled":     kindCancelled,
	"subscription.pending":       kindPending,
	"subscription.halted":        kindHalted,
	"subscription.updated":       kindUpdated,
}

// razorpayHandlers dispatches classified Razorpay events.
var razorpayHandlers = map[eventKind]handlerFunc{
	kindAuthenticated: (*Machine).razorpayAuthenticated,
	kindActivated:     (*Machine).razorpayActivated,
	kindCharged:       (*Machine).razorpayCharged,
	kindCompleted:     (*Machine).razorpayCompleted,
	kindCancelled:     (*Machine).razorpayCancelled,
	kindPending:       (*Machine).razorpayPending,
	kindHalted:        (*Machine).razorpayHalted,
	kindUpdated:       (*Machine).razorpayUpdated,
}

// razorpayPayload is the envelope Razorpay wraps around subscription and
// payment entities.
type razorpayPayload struct {
	Payload struct {
		Subscription struct {
			Entity struct {
				ID           string `json:"id"`
				PlanID       string `json:"plan_id"`
				Status       string `json:"status"`
				CurrentStart int64  `json:"current_start"`
				CurrentEnd   int64  `json:"current_end"`
			} `json:"entity"`
		} `json:"subscription"`
		Payment struct {
			Entity struct {
				ID     string `json:"id"`
				Amount int64  `json:"amount"` // Minor unit (paise).
				Method string `json:"method"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

func parseRazorpay(raw []byte) (razorpayPayload, error) {
	var parsed razorpayPayload
	if errUnmarshal := json.Unmarshal(raw, &parsed); errUnmarshal != nil {
		return parsed, fmt.Errorf("lifecycle: decode razorpay payload: %w", errUnmarshal)
	}
	return parsed, nil
}

func unixTime(seconds int64) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}

// razorpaySubscription resolves the local subscription for a parsed event.
// A nil subscription means the event concerns an entity this system never
// created and should be ignored.
func (m *Machine) razorpaySubscription(ctx context.Context, parsed razorpayPayload) (*models.Subscription, error) {
	return m.subscriptionByGatewayID(ctx, models.GatewayRazorpay, parsed.Payload.Subscription.Entity.ID)
}

// maybeSwitchRazorpayPlan detects a gateway-side plan change and mirrors it
// locally. Unknown gateway plan IDs are logged and left alone.
func (m *Machine) maybeSwitchRazorpayPlan(ctx context.Context, sub *models.Subscription, gatewayPlanID, source string) error {
	if gatewayPlanID == "" || gatewayPlanID == sub.Plan.RazorpayPlanID {
		return nil
	}
	var plan models.Plan
	errFind := m.db.WithContext(ctx).
		Where("razorpay_plan_id = ?", gatewayPlanID).
		First(&plan).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			log.WithFields(log.Fields{
				"subscription_id": sub.ID,
				"gateway_plan_id": gatewayPlanID,
			}).Warn("razorpay reports a plan this system does not know")
			return nil
		}
		return fmt.Errorf("lifecycle: resolve razorpay plan: %w", errFind)
	}
	return m.switchPlan(ctx, sub, plan.ID, source)
}

func (m *Machine) razorpayAuthenticated(ctx context.Context, raw []byte) (Outcome, error) {
	parsed, errParse := parseRazorpay(raw)
	if errParse != nil {
		return OutcomeIgnored, errParse
	}
	sub, errFind := m.razorpaySubscription(ctx, parsed)
	if errFind != nil {
		return OutcomeIgnored, errFind
	}
	if sub == nil {
		return OutcomeIgnored, ErrSubscriptionNotFound
	}
	if errStatus := m.setStatus(ctx, sub, models.StatusAuthenticated, "webhook:razorpay"); errStatus != nil {
		return OutcomeIgnored, errStatus
	}
	return OutcomeProcessed, nil
}

func (m *Machine) razorpayActivated(ctx context.Context, raw []byte) (Outcome, error) {
	parsed, errParse := parseRazorpay(raw)
	if errParse != nil {
		return OutcomeIgnored, errParse
	}
	sub, errFind := m.razorpaySubscription(ctx, parsed)
	if errFind != nil {
		return OutcomeIgnored, errFind
	}
	if sub == nil {
		return OutcomeIgnored, ErrSubscriptionNotFound
	}

	entity := parsed.Payload.Subscription.Entity
	payment := parsed.Payload.Payment.Entity
	if errActivate := m.activate(ctx, sub, unixTime(entity.CurrentStart), unixTime(entity.CurrentEnd), payment.ID != "", "webhook:razorpay"); errActivate != nil {
		return OutcomeIgnored, errActivate
	}
	if _, errInvoice := m.recordInvoice(ctx, sub, payment.ID, float64(payment.Amount)/100, payment.Method, "activation"); errInvoice != nil {
		return OutcomeIgnored, errInvoice
	}
	return OutcomeProcessed, nil
}

func (m *Machine) razorpayCharged(ctx context.Context, raw []byte) (Outcome, error) {
	parsed, errParse := parseRazorpay(raw)
	if errParse != nil {
		return OutcomeIgnored, errParse
	}
	sub, errFind := m.razorpaySubscription(ctx, parsed)
	if errFind != nil {
		return OutcomeIgnored, errFind
	}
	if sub == nil {
		return OutcomeIgnored, ErrSubscriptionNotFound
	}

	entity := parsed.Payload.Subscription.Entity
	payment := parsed.Payload.Payment.Entity

	// Activation and the first charge arrive back to back; when the
	// subscription was just updated, only the invoice is new information.
	if time.Since(sub.UpdatedAt) < chargeDuplicateWindow && sub.Status == models.StatusActive {
		if _, errInvoice := m.recordInvoice(ctx, sub, payment.ID, float64(payment.Amount)/100, payment.Method, "first_charge"); errInvoice != nil {
			return OutcomeIgnored, errInvoice
		}
		return OutcomeProcessed, nil
	}

	if errSwitch := m.maybeSwitchRazorpayPlan(ctx, sub, entity.PlanID, "webhook:razorpay"); errSwitch != nil {
		return OutcomeIgnored, errSwitch
	}
	if errRenew := m.renew(ctx, sub, unixTime(entity.CurrentStart), unixTime(entity.CurrentEnd), "webhook:razorpay"); errRenew != nil {
		return OutcomeIgnored, errRenew
	}
	if !sub.FirstPaymentCompleted {
		if errFlag := m.db.WithContext(ctx).
			Model(&models.Subscription{}).
			Where("id = ?", sub.ID).
			Update("first_payment_completed", true).Error; errFlag != nil {
			return OutcomeIgnored, fmt.Errorf("lifecycle: flag first payment: %w", errFlag)
		}
		sub.FirstPaymentCompleted = true
	}
	m.noteMethodChange(ctx, sub, payment.Method)
	if _, errInvoice := m.recordInvoice(ctx, sub, payment.ID, float64(payment.Amount)/100, payment.Method, "renewal"); errInvoice != nil {
		return OutcomeIgnored, errInvoice
	}
	return OutcomeProcessed, nil
}

// noteMethodChange audits when a renewal settles with a different payment
// instrument than the previous charge. Bookkeeping only.
func (m *Machine) noteMethodChange(ctx context.Context, sub *models.Subscription, method string) {
	if method == "" {
		return
	}
	var last models.Invoice
	errFind := m.db.WithContext(ctx).
		Where("subscription_id = ? AND status = ? AND payment_method <> ''", sub.ID, models.InvoiceStatusPaid).
		Order("invoice_date DESC").
		First(&last).Error
	if errFind != nil || last.PaymentMethod == method {
		return
	}
	m.audit(ctx, sub.ID, "payment_method_changed", "webhook:razorpay", map[string]any{
		"from": last.PaymentMethod,
		"to":   method,
	})
}

func (m *Machine) razorpayCompleted(ctx context.Context, raw []byte) (Outcome, error) {
	return m.razorpayTerminal(ctx, raw, models.StatusCompleted)
}

func (m *Machine) razorpayCancelled(ctx context.Context, raw []byte) (Outcome, error) {
	parsed, errParse := parseRazorpay(raw)
	if errParse != nil {
		return OutcomeIgnored, errParse
	}
	sub, errFind := m.razorpaySubscription(ctx, parsed)
	if errFind != nil {
		return OutcomeIgnored, errFind
	}
	if sub == nil {
		return OutcomeIgnored, ErrSubscriptionNotFound
	}

	now := time.Now().UTC()
	if errUpdate := m.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"status":            models.StatusCancelled,
			"gateway_cancelled": true,
			"cancelled_at":      now,
			"updated_at":        now,
		}).Error; errUpdate != nil {
		return OutcomeIgnored, fmt.Errorf("lifecycle: cancel subscription: %w", errUpdate)
	}
	m.audit(ctx, sub.ID, "status_change", "webhook:razorpay", map[string]any{
		"from": sub.Status,
		"to":   models.StatusCancelled,
	})
	return OutcomeProcessed, nil
}

func (m *Machine) razorpayPending(ctx context.Context, raw []byte) (Outcome, error) {
	return m.razorpayTerminal(ctx, raw, models.StatusPending)
}

func (m *Machine) razorpayHalted(ctx context.Context, raw []byte) (Outcome, error) {
	return m.razorpayTerminal(ctx, raw, models.StatusHalted)
}

// razorpayTerminal applies a plain status transition with no side effects.
func (m *Machine) razorpayTerminal(ctx context.Context, raw []byte, status models.SubscriptionStatus) (Outcome, error) {
	parsed, errParse := parseRazorpay(raw)
	if errParse != nil {
		return OutcomeIgnored, errParse
	}
	sub, errFind := m.razorpaySubscription(ctx, parsed)
	if errFind != nil {
		return OutcomeIgnored, errFind
	}
	if sub == nil {
		return OutcomeIgnored, ErrSubscriptionNotFound
	}
	if errStatus := m.setStatus(ctx, sub, status, "webhook:razorpay"); errStatus != nil {
		return OutcomeIgnored, errStatus
	}
	return OutcomeProcessed, nil
}

// razorpayUpdated mirrors gateway-side plan revisions and snapshots the
// entity for later inspection.
func (m *Machine) razorpayUpdated(ctx context.Context, raw []byte) (Outcome, error) {
	parsed, errParse := parseRazorpay(raw)
	if errParse != nil {
		return OutcomeIgnored, errParse
	}
	sub, errFind := m.razorpaySubscription(ctx, parsed)
	if errFind != nil {
		return OutcomeIgnored, errFind
	}
	if sub == nil {
		return OutcomeIgnored, ErrSubscriptionNotFound
	}

	if errSwitch := m.maybeSwitchRazorpayPlan(ctx, sub, parsed.Payload.Subscription.Entity.PlanID, "webhook:razorpay"); errSwitch != nil {
		return OutcomeIgnored, errSwitch
	}
	if errSnapshot := m.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Update("metadata", datatypes.JSON(raw)).Error; errSnapshot != nil {
		return OutcomeIgnored, fmt.Errorf("lifecycle: snapshot update payload: %w", errSnapshot)
	}
	return OutcomeProcessed, nil
}
