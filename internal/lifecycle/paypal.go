package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/marketfit/billingcore/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// paypalEventKinds classifies PayPal webhook event types.
var paypalEventKinds = map[string]eventKind{
	"BILLING.SUBSCRIPTION.CREATED":        kindSubscriptionCreated,
	"BILLING.SUBSCRIPTION.ACTIVATED":      kindActivated,
	"BILLING.SUBSCRIPTION.CANCELLED":      kindCancelled,
	"BILLING.SUBSCRIPTION.SUSPENDED":      kindSuspended,
	"BILLING.SUBSCRIPTION.PAYMENT.FAILED": kindPaymentFailed,
	"PAYMENT.SALE.COMPLETED":              kindSaleCompleted,
	"PAYMENT.CAPTURE.COMPLETED":           kindCaptureCompleted,
}

// paypalHandlers dispatches classified PayPal events.
var paypalHandlers = map[eventKind]handlerFunc{
	kindSubscriptionCreated: (*Machine).paypalCreated,
	kindActivated:           (*Machine).paypalActivated,
	kindCancelled:           (*Machine).paypalCancelled,
	kindSuspended:           (*Machine).paypalSuspended,
	kindPaymentFailed:       (*Machine).paypalPaymentFailed,
	kindSaleCompleted:       (*Machine).paypalSaleCompleted,
	kindCaptureCompleted:    (*Machine).paypalCaptureCompleted,
}

// paypalPayload covers the resource fields this machine reads across
// subscription, sale and capture events.
type paypalPayload struct {
	Resource struct {
		ID                 string `json:"id"`
		Status             string `json:"status"`
		StartTime          string `json:"start_time"`
		BillingAgreementID string `json:"billing_agreement_id"` // Sale events: owning subscription.
		CustomID           string `json:"custom_id"`
		BillingInfo        struct {
			NextBillingTime string `json:"next_billing_time"`
		} `json:"billing_info"`
		Amount struct {
			Total    string `json:"total"` // Sale amount.
			Value    string `json:"value"` // Capture amount.
			Currency string `json:"currency"`
		} `json:"amount"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

func parsePaypal(raw []byte) (paypalPayload, error) {
	var parsed paypalPayload
	if errUnmarshal := json.Unmarshal(raw, &parsed); errUnmarshal != nil {
		return parsed, fmt.Errorf("lifecycle: decode paypal payload: %w", errUnmarshal)
	}
	return parsed, nil
}

func rfc3339Time(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, errParse := time.Parse(time.RFC3339, value)
	if errParse != nil {
		return time.Time{}
	}
	return parsed.UTC()
}

func paypalAmount(parsed paypalPayload) float64 {
	raw := parsed.Resource.Amount.Total
	if raw == "" {
		raw = parsed.Resource.Amount.Value
	}
	amount, errParse := strconv.ParseFloat(raw, 64)
	if errParse != nil {
		return 0
	}
	return amount
}

func (m *Machine) paypalCreated(ctx context.Context, raw []byte) (Outcome, error) {
	parsed, errParse := parsePaypal(raw)
	if errParse != nil {
		return OutcomeIgnored, errParse
	}
	sub, errFind := m.subscriptionByGatewayID(ctx, models.GatewayPaypal, parsed.Resource.ID)
	if errFind != nil {
		return OutcomeIgnored, errFind
	}
	if sub == nil {
		return OutcomeIgnored, ErrSubscriptionNotFound
	}
	if errStatus := m.setStatus(ctx, sub, models.StatusPendingApproval, "webhook:paypal"); errStatus != nil {
		return OutcomeIgnored, errStatus
	}
	return OutcomeProcessed, nil
}

// paypalActivated marks the subscription usable. The invoice is deferred to
// the PAYMENT.SALE.COMPLETED event carrying the charge.
func (m *Machine) paypalActivated(ctx context.Context, raw []byte) (Outcome, error) {
	parsed, errParse := parsePaypal(raw)
	if errParse != nil {
		return OutcomeIgnored, errParse
	}
	sub, errFind := m.subscriptionByGatewayID(ctx, models.GatewayPaypal, parsed.Resource.ID)
	if errFind != nil {
		return OutcomeIgnored, errFind
	}
	if sub == nil {
		return OutcomeIgnored, ErrSubscriptionNotFound
	}

	start := rfc3339Time(parsed.Resource.StartTime)
	end := rfc3339Time(parsed.Resource.BillingInfo.NextBillingTime)
	if errActivate := m.activate(ctx, sub, start, end, false, "webhook:paypal"); errActivate != nil {
		return OutcomeIgnored, errActivate
	}
	return OutcomeProcessed, nil
}

// paypalCancelled confirms a gateway-side cancellation. PayPal cannot cancel
// at period end, so access is preserved locally: the status stays put and the
// cancellation flags record that renewal will not happen.
func (m *Machine) paypalCancelled(ctx context.Context, raw []byte) (Outcome, error) {
	parsed, errParse := parsePaypal(raw)
	if errParse != nil {
		return OutcomeIgnored, errParse
	}
	sub, errFind := m.subscriptionByGatewayID(ctx, models.GatewayPaypal, parsed.Resource.ID)
	if errFind != nil {
		return OutcomeIgnored, errFind
	}
	if sub == nil {
		return OutcomeIgnored, ErrSubscriptionNotFound
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"gateway_cancelled":      true,
		"cancellation_scheduled": true,
		"updated_at":             now,
	}
	if sub.CancelledAt == nil {
		updates["cancelled_at"] = now
	}
	if sub.Status != models.StatusActive {
		// Cancellation of an unpaid subscription has nothing to preserve.
		updates["status"] = models.StatusCancelled
	}
	if errUpdate := m.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(updates).Error; errUpdate != nil {
		return OutcomeIgnored, fmt.Errorf("lifecycle: record paypal cancellation: %w", errUpdate)
	}
	m.audit(ctx, sub.ID, "gateway_cancelled", "webhook:paypal", map[string]any{
		"status_preserved": sub.Status == models.StatusActive,
	})
	return OutcomeProcessed, nil
}

func (m *Machine) paypalSuspended(ctx context.Context, raw []byte) (Outcome, error) {
	return m.paypalStatusOnly(ctx, raw, models.StatusSuspended)
}

func (m *Machine) paypalPaymentFailed(ctx context.Context, raw []byte) (Outcome, error) {
	return m.paypalStatusOnly(ctx, raw, models.StatusPaymentFailed)
}

func (m *Machine) paypalStatusOnly(ctx context.Context, raw []byte, status models.SubscriptionStatus) (Outcome, error) {
	parsed, errParse := parsePaypal(raw)
	if errParse != nil {
		return OutcomeIgnored, errParse
	}
	sub, errFind := m.subscriptionByGatewayID(ctx, models.GatewayPaypal, parsed.Resource.ID)
	if errFind != nil {
		return OutcomeIgnored, errFind
	}
	if sub == nil {
		return OutcomeIgnored, ErrSubscriptionNotFound
	}
	if errStatus := m.setStatus(ctx, sub, status, "webhook:paypal"); errStatus != nil {
		return OutcomeIgnored, errStatus
	}
	return OutcomeProcessed, nil
}

// paypalSaleCompleted is PayPal's single "money arrived" event for recurring
// charges. The same event type covers the first payment, renewals, and the
// charge that settles an in-flight plan revision, so the handler inspects
// local state to tell them apart.
func (m *Machine) paypalSaleCompleted(ctx context.Context, raw []byte) (Outcome, error) {
	parsed, errParse := parsePaypal(raw)
	if errParse != nil {
		return OutcomeIgnored, errParse
	}
	if parsed.Resource.BillingAgreementID == "" {
		// A sale with no billing agreement is a one-time order; captures
		// handle those.
		return OutcomeIgnored, nil
	}
	sub, errFind := m.subscriptionByGatewayID(ctx, models.GatewayPaypal, parsed.Resource.BillingAgreementID)
	if errFind != nil {
		return OutcomeIgnored, errFind
	}
	if sub == nil {
		return OutcomeIgnored, ErrSubscriptionNotFound
	}

	amount := paypalAmount(parsed)
	saleID := parsed.Resource.ID

	// First payment: the activation event may have arrived in either order,
	// so make the subscription fully usable here.
	if !sub.FirstPaymentCompleted {
		if errActivate := m.activate(ctx, sub, time.Time{}, time.Time{}, true, "webhook:paypal"); errActivate != nil {
			return OutcomeIgnored, errActivate
		}
		if _, errInvoice := m.recordInvoice(ctx, sub, saleID, amount, "paypal", "activation"); errInvoice != nil {
			return OutcomeIgnored, errInvoice
		}
		return OutcomeProcessed, nil
	}

	pending, errPending := m.pendingUpgrade(ctx, sub.ID)
	if errPending != nil {
		return OutcomeIgnored, errPending
	}
	if pending != nil && pending.PaymentRef == "" {
		// A revised plan's first charge settles the upgrade.
		if errComplete := m.completePendingUpgrade(ctx, sub, pending, "webhook:paypal"); errComplete != nil {
			return OutcomeIgnored, errComplete
		}
		if errPeriod := m.applyPeriod(ctx, sub, time.Time{}, time.Time{}); errPeriod != nil {
			return OutcomeIgnored, errPeriod
		}
		if _, errInvoice := m.recordInvoice(ctx, sub, saleID, amount, "paypal", "upgrade"); errInvoice != nil {
			return OutcomeIgnored, errInvoice
		}
		return OutcomeProcessed, nil
	}

	if errRenew := m.renew(ctx, sub, time.Time{}, time.Time{}, "webhook:paypal"); errRenew != nil {
		return OutcomeIgnored, errRenew
	}
	if _, errInvoice := m.recordInvoice(ctx, sub, saleID, amount, "paypal", "renewal"); errInvoice != nil {
		return OutcomeIgnored, errInvoice
	}
	return OutcomeProcessed, nil
}

// paypalCaptureCompleted settles a one-time order. When the order backs an
// in-flight upgrade, the upgrade completes and the gateway plan is revised
// so the next renewal bills the new amount.
func (m *Machine) paypalCaptureCompleted(ctx context.Context, raw []byte) (Outcome, error) {
	parsed, errParse := parsePaypal(raw)
	if errParse != nil {
		return OutcomeIgnored, errParse
	}

	orderID := parsed.Resource.SupplementaryData.RelatedIDs.OrderID
	if orderID == "" {
		orderID = parsed.Resource.ID
	}

	var pending models.PendingUpgrade
	errFind := m.db.WithContext(ctx).
		Where("payment_ref = ?", orderID).
		First(&pending).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return OutcomeIgnored, nil
		}
		return OutcomeIgnored, fmt.Errorf("lifecycle: find pending upgrade by payment: %w", errFind)
	}

	var sub models.Subscription
	if errSub := m.db.WithContext(ctx).Preload("Plan").
		Where("id = ?", pending.SubscriptionID).
		First(&sub).Error; errSub != nil {
		return OutcomeIgnored, fmt.Errorf("lifecycle: load subscription for upgrade: %w", errSub)
	}

	if errComplete := m.completePendingUpgrade(ctx, &sub, &pending, "webhook:paypal"); errComplete != nil {
		return OutcomeIgnored, errComplete
	}
	if _, errInvoice := m.recordInvoice(ctx, &sub, parsed.Resource.ID, paypalAmount(parsed), "paypal", "upgrade_payment"); errInvoice != nil {
		return OutcomeIgnored, errInvoice
	}

	// Best effort: renewals should bill the new plan. A failure here is
	// recoverable by support, not a reason to refuse the webhook.
	if client, ok := m.gateways[models.GatewayPaypal]; ok && sub.Plan.PaypalPlanID != "" {
		if _, errRevise := client.RevisePlan(ctx, sub.PaypalSubscriptionID, sub.Plan.PaypalPlanID); errRevise != nil {
			log.WithError(errRevise).WithField("subscription_id", sub.ID).Warn("gateway plan revision after upgrade payment failed")
		}
	}
	return OutcomeProcessed, nil
}
