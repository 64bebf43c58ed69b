// Package upgrade decides and drives mid-cycle plan changes. Strategy
// selection depends on the subscription's currency, billing interval and
// payment method; the multi-step side effects (gateway calls, temporary
// resources, pending-upgrade bookkeeping) run here.
package upgrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marketfit/billingcore/internal/billing"
	"github.com/marketfit/billingcore/internal/config"
	"github.com/marketfit/billingcore/internal/gateway"
	"github.com/marketfit/billingcore/internal/ids"
	"github.com/marketfit/billingcore/internal/models"
	"github.com/marketfit/billingcore/internal/quota"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Expected business outcomes. Each carries an actionable message for the
// caller; none is retried automatically.
var (
	// ErrSubscriptionNotFound means no subscription matches the user and ID.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrPlanNotFound means the target plan does not exist for the app.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrUnsupportedCurrency rejects plans outside the two supported currencies.
	ErrUnsupportedCurrency = errors.New("plan currency is not supported for automatic upgrades")
	// ErrAnnualToMonthly rejects shortening a committed annual term.
	ErrAnnualToMonthly = errors.New("switching from an annual to a monthly plan requires manual processing, please contact support")
	// ErrUpgradeBlocked flags disproportionate resource burn against a long
	// commitment; the upgrade needs a human decision.
	ErrUpgradeBlocked = errors.New("upgrade blocked: resource consumption outpaces elapsed time on a long-commitment plan, please contact support")
)

// Upgrade strategies reported in Result.Strategy.
const (
	// StrategyDiscount cancels and recreates the gateway subscription with a
	// discount offer covering the remaining value.
	StrategyDiscount = "razorpay_discount"
	// StrategyRefundScheduled cancels and recreates at full price, bookkeeping
	// a manual refund obligation for the remaining value.
	StrategyRefundScheduled = "razorpay_refund_scheduled"
	// StrategyRevise switches the gateway plan natively; quota follows
	// immediately or after subscriber approval.
	StrategyRevise = "paypal_revise"
	// StrategyProrationPayment collects a one-time payment before the plan
	// switch settles.
	StrategyProrationPayment = "paypal_proration_payment"
)

// Result reports what the orchestrator did and what the user must do next.
type Result struct {
	Strategy          string  `json:"strategy"`
	SubscriptionID    string  `json:"subscription_id"`
	NewSubscriptionID string  `json:"new_subscription_id,omitempty"` // Set when the gateway subscription was recreated.
	NewPlanID         string  `json:"new_plan_id"`
	DiscountPct       float64 `json:"discount_pct,omitempty"`
	RefundAmount      float64 `json:"refund_amount,omitempty"`
	ProrationAmount   float64 `json:"proration_amount,omitempty"`
	PaymentRequired   bool    `json:"payment_required"`
	RequiresApproval  bool    `json:"requires_approval"`
	CheckoutURL       string  `json:"checkout_url,omitempty"`
	Message           string  `json:"message"`
}

// Orchestrator coordinates plan upgrades across the store, the quota ledger
// and the payment gateways.
type Orchestrator struct {
	db       *gorm.DB
	ledger   *quota.Ledger
	gateways map[string]gateway.Client
	policy   config.UpgradePolicy
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(conn *gorm.DB, ledger *quota.Ledger, gateways map[string]gateway.Client, policy config.UpgradePolicy) *Orchestrator {
	if gateways == nil {
		gateways = make(map[string]gateway.Client)
	}
	return &Orchestrator{db: conn, ledger: ledger, gateways: gateways, policy: policy}
}

// monthsCommitted returns the plan's committed term in months.
func monthsCommitted(plan *models.Plan) int {
	count := plan.IntervalCount
	if count <= 0 {
		count = 1
	}
	if plan.Interval == models.IntervalYear {
		return 12 * count
	}
	return count
}

// ShouldBlockUpgrade reports whether a long-commitment subscription has burned
// resources disproportionately faster than time. Callers surface this to the
// user instead of proceeding.
func (o *Orchestrator) ShouldBlockUpgrade(plan *models.Plan, cycle billing.CycleInfo, utilization billing.Utilization) bool {
	if monthsCommitted(plan) <= 6 {
		return false
	}
	timeConsumed := 1 - cycle.TimeFactor
	return utilization.BasePlanConsumedPct-timeConsumed >= o.policy.LongCommitmentBlockPct
}

// Upgrade runs the decision tree for moving the subscription to newPlanID.
// Downgrades, unsupported currencies and policy-blocked upgrades are rejected
// before any gateway call; gateway failures abort the upgrade mid-flight and
// are surfaced verbatim.
func (o *Orchestrator) Upgrade(ctx context.Context, userID, subscriptionID, newPlanID, appID string) (Result, error) {
	var sub models.Subscription
	errFind := o.db.WithContext(ctx).Preload("Plan").
		Where("id = ? AND user_id = ?", subscriptionID, userID).
		First(&sub).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return Result{}, ErrSubscriptionNotFound
		}
		return Result{}, fmt.Errorf("upgrade: load subscription: %w", errFind)
	}

	var newPlan models.Plan
	errPlan := o.db.WithContext(ctx).
		Where("id = ? AND app_id = ? AND is_active = ?", newPlanID, appID, true).
		First(&newPlan).Error
	if errPlan != nil {
		if errors.Is(errPlan, gorm.ErrRecordNotFound) {
			return Result{}, ErrPlanNotFound
		}
		return Result{}, fmt.Errorf("upgrade: load plan: %w", errPlan)
	}

	if newPlan.Currency != models.CurrencyINR && newPlan.Currency != models.CurrencyUSD {
		return Result{}, ErrUnsupportedCurrency
	}
	if newPlan.Amount <= sub.Plan.Amount {
		return Result{}, billing.ErrDowngradeRequested
	}

	cycle, utilization, errState := o.currentState(ctx, &sub, appID)
	if errState != nil {
		return Result{}, errState
	}
	if o.ShouldBlockUpgrade(&sub.Plan, cycle, utilization) {
		return Result{}, ErrUpgradeBlocked
	}

	var result Result
	var errUpgrade error
	switch sub.PaymentGateway {
	case models.GatewayPaypal:
		result, errUpgrade = o.upgradePaypal(ctx, &sub, &newPlan, appID, cycle, utilization)
	default:
		result, errUpgrade = o.upgradeRazorpay(ctx, &sub, &newPlan, cycle, utilization)
	}
	if errUpgrade != nil {
		return Result{}, errUpgrade
	}

	o.audit(ctx, sub.ID, "plan_upgrade", "user_"+userID, map[string]any{
		"old_plan_id": sub.Plan.ID,
		"new_plan_id": newPlan.ID,
		"strategy":    result.Strategy,
	})
	return result, nil
}

// currentState loads the usage row and derives cycle and utilization figures.
func (o *Orchestrator) currentState(ctx context.Context, sub *models.Subscription, appID string) (billing.CycleInfo, billing.Utilization, error) {
	var usage models.ResourceUsage
	if errFind := o.db.WithContext(ctx).
		Where("user_id = ? AND subscription_id = ? AND app_id = ?", sub.UserID, sub.ID, appID).
		First(&usage).Error; errFind != nil {
		return billing.CycleInfo{}, billing.Utilization{}, fmt.Errorf("upgrade: load usage: %w", errFind)
	}

	var start, end time.Time
	if sub.CurrentPeriodStart != nil {
		start = *sub.CurrentPeriodStart
	}
	if sub.CurrentPeriodEnd != nil {
		end = *sub.CurrentPeriodEnd
	}
	cycle := billing.NewCycleInfo(start, end, time.Now().UTC())
	utilization := billing.NewUtilization(&usage, appID)
	return cycle, utilization, nil
}

// latestPaymentMethod returns the instrument of the most recent paid invoice,
// defaulting to card when the subscription has no payment history yet.
func (o *Orchestrator) latestPaymentMethod(ctx context.Context, subscriptionID string) string {
	var invoice models.Invoice
	errFind := o.db.WithContext(ctx).
		Where("subscription_id = ? AND status = ?", subscriptionID, models.InvoiceStatusPaid).
		Order("invoice_date DESC").
		First(&invoice).Error
	if errFind != nil || invoice.PaymentMethod == "" {
		return "card"
	}
	return invoice.PaymentMethod
}

// supportsDiscountOffer reports whether the payment method can carry a
// discount offer on a recreated subscription.
func supportsDiscountOffer(method string) bool {
	return method == "card" || method == "upi"
}

// upgradeRazorpay cancels the current gateway subscription and recreates it on
// the new plan, crediting the remaining value either as a discount offer or a
// bookkept manual refund depending on the payment method.
func (o *Orchestrator) upgradeRazorpay(ctx context.Context, sub *models.Subscription, newPlan *models.Plan, cycle billing.CycleInfo, utilization billing.Utilization) (Result, error) {
	client, ok := o.gateways[models.GatewayRazorpay]
	if !ok {
		return Result{}, fmt.Errorf("upgrade: razorpay gateway not configured")
	}

	valueRemaining := billing.ValueRemainingPct(cycle, utilization)
	remainingValue := valueRemaining * sub.Plan.Amount
	pctOfNewPlan := 0.0
	if newPlan.Amount > 0 {
		pctOfNewPlan = remainingValue / newPlan.Amount * 100
	}

	// The ceiling applies regardless of strategy: above it the credit is too
	// large to hand out automatically.
	discountPct, errTier := billing.DiscountTier(pctOfNewPlan, o.policy.DiscountCeilingPct)
	if errTier != nil {
		return Result{}, errTier
	}

	method := o.latestPaymentMethod(ctx, sub.ID)
	useDiscount := supportsDiscountOffer(method)
	if !useDiscount {
		discountPct = 0
	}

	if errCancel := client.CancelSubscription(ctx, sub.RazorpaySubscriptionID, false); errCancel != nil {
		return Result{}, fmt.Errorf("upgrade: cancel current subscription: %w", errCancel)
	}

	created, errCreate := client.CreateSubscription(ctx, newPlan.RazorpayPlanID, gateway.Customer{UserID: sub.UserID}, sub.AppID, discountPct)
	if errCreate != nil {
		// The old subscription is already cancelled at the gateway; this
		// window needs manual reconciliation from the audit trail.
		log.WithError(errCreate).WithFields(log.Fields{
			"subscription_id": sub.ID,
			"new_plan_id":     newPlan.ID,
		}).Error("gateway subscription recreate failed after cancel")
		return Result{}, fmt.Errorf("upgrade: create replacement subscription: %w", errCreate)
	}

	newSub := models.Subscription{
		ID:                     ids.NewSubscription(),
		UserID:                 sub.UserID,
		AppID:                  sub.AppID,
		PlanID:                 newPlan.ID,
		Status:                 models.StatusCreated,
		PaymentGateway:         models.GatewayRazorpay,
		RazorpaySubscriptionID: created.SubscriptionID,
	}

	now := time.Now().UTC()
	errTx := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errCreateRow := tx.Create(&newSub).Error; errCreateRow != nil {
			return fmt.Errorf("upgrade: create replacement row: %w", errCreateRow)
		}
		if errMark := tx.Model(&models.Subscription{}).
			Where("id = ?", sub.ID).
			Updates(map[string]any{
				"status":            models.StatusCancelled,
				"gateway_cancelled": true,
				"cancellation_type": models.CancellationImmediateWithAccess,
				"cancelled_at":      now,
				"updated_at":        now,
			}).Error; errMark != nil {
			return fmt.Errorf("upgrade: mark old subscription cancelled: %w", errMark)
		}
		if !useDiscount && remainingValue > 0 {
			refund := models.Invoice{
				ID:             ids.NewInvoice(),
				SubscriptionID: sub.ID,
				UserID:         sub.UserID,
				AppID:          sub.AppID,
				Amount:         -remainingValue,
				Currency:       sub.Plan.Currency,
				Status:         models.InvoiceStatusRefundScheduled,
				PaymentMethod:  method,
				InvoiceDate:    now,
			}
			if errRefund := tx.Create(&refund).Error; errRefund != nil {
				return fmt.Errorf("upgrade: schedule refund record: %w", errRefund)
			}
		}
		return nil
	})
	if errTx != nil {
		return Result{}, errTx
	}

	if useDiscount {
		return Result{
			Strategy:          StrategyDiscount,
			SubscriptionID:    sub.ID,
			NewSubscriptionID: newSub.ID,
			NewPlanID:         newPlan.ID,
			DiscountPct:       discountPct,
			PaymentRequired:   true,
			CheckoutURL:       created.CheckoutURL,
			Message:           fmt.Sprintf("A %.0f%% discount covering your unused value is applied to the new subscription.", discountPct),
		}, nil
	}
	return Result{
		Strategy:          StrategyRefundScheduled,
		SubscriptionID:    sub.ID,
		NewSubscriptionID: newSub.ID,
		NewPlanID:         newPlan.ID,
		RefundAmount:      remainingValue,
		PaymentRequired:   true,
		CheckoutURL:       created.CheckoutURL,
		Message:           fmt.Sprintf("A refund of %.2f for your unused value will be processed manually.", remainingValue),
	}, nil
}

// upgradePaypal revises the gateway plan natively. Monthly plans switch
// immediately; annual-to-annual switches may additionally collect a one-time
// payment when resource consumption ran well ahead of elapsed time.
func (o *Orchestrator) upgradePaypal(ctx context.Context, sub *models.Subscription, newPlan *models.Plan, appID string, cycle billing.CycleInfo, utilization billing.Utilization) (Result, error) {
	client, ok := o.gateways[models.GatewayPaypal]
	if !ok {
		return Result{}, fmt.Errorf("upgrade: paypal gateway not configured")
	}

	if sub.Plan.IsAnnual() && !newPlan.IsAnnual() {
		return Result{}, ErrAnnualToMonthly
	}

	if sub.Plan.IsMonthly() {
		return o.paypalSimpleRevise(ctx, client, sub, newPlan, appID)
	}
	return o.paypalAnnualUpgrade(ctx, client, sub, newPlan, appID, cycle, utilization)
}

// paypalSimpleRevise handles monthly-to-any upgrades: the cycle is short
// enough that the full new-plan quota is granted as soon as the revision
// settles.
func (o *Orchestrator) paypalSimpleRevise(ctx context.Context, client gateway.Client, sub *models.Subscription, newPlan *models.Plan, appID string) (Result, error) {
	revised, errRevise := client.RevisePlan(ctx, sub.PaypalSubscriptionID, newPlan.PaypalPlanID)
	if errRevise != nil {
		return Result{}, fmt.Errorf("upgrade: revise plan: %w", errRevise)
	}

	if revised.RequiresApproval {
		// Stopgap resources now; the charge webhook settles the switch.
		if errPending := o.storePendingUpgrade(ctx, sub.ID, newPlan.ID, "", 1); errPending != nil {
			return Result{}, errPending
		}
		if errTemp := o.ledger.AddTemporaryResources(ctx, sub.UserID, sub.ID, appID); errTemp != nil {
			return Result{}, errTemp
		}
		return Result{
			Strategy:         StrategyRevise,
			SubscriptionID:   sub.ID,
			NewPlanID:        newPlan.ID,
			RequiresApproval: true,
			CheckoutURL:      revised.ApprovalURL,
			Message:          "Temporary resources are active. Approve the plan change on PayPal to finalize the upgrade.",
		}, nil
	}

	if errSwitch := o.switchPlanNow(ctx, sub, newPlan, 1); errSwitch != nil {
		return Result{}, errSwitch
	}
	return Result{
		Strategy:       StrategyRevise,
		SubscriptionID: sub.ID,
		NewPlanID:      newPlan.ID,
		Message:        "Plan upgraded. Your full new quota is available now.",
	}, nil
}

// paypalAnnualUpgrade handles annual-to-annual switches. When time remaining
// runs ahead of resources remaining by at least the policy gap, the excess is
// collected as a one-time payment before the switch settles; otherwise the
// plan switches immediately with quota proportional to the remaining term.
func (o *Orchestrator) paypalAnnualUpgrade(ctx context.Context, client gateway.Client, sub *models.Subscription, newPlan *models.Plan, appID string, cycle billing.CycleInfo, utilization billing.Utilization) (Result, error) {
	revised, errRevise := client.RevisePlan(ctx, sub.PaypalSubscriptionID, newPlan.PaypalPlanID)
	if errRevise != nil {
		return Result{}, fmt.Errorf("upgrade: revise plan: %w", errRevise)
	}

	timeRemaining := cycle.TimeFactor
	resourceRemaining := 1 - utilization.BasePlanConsumedPct
	gap := timeRemaining - resourceRemaining

	if gap >= o.policy.TemporaryResourceGapPct {
		excess := gap - o.policy.TemporaryResourceGapPct
		amount := excess * sub.Plan.Amount

		payment, errPayment := client.CreateOneTimePayment(ctx, amount, newPlan.Currency,
			fmt.Sprintf("Upgrade proration payment: %.2f", amount),
			map[string]string{"subscription_id": sub.ID, "kind": "upgrade_proration"})
		if errPayment != nil {
			return Result{}, fmt.Errorf("upgrade: create proration payment: %w", errPayment)
		}

		if errPending := o.storePendingUpgrade(ctx, sub.ID, newPlan.ID, payment.OrderID, timeRemaining); errPending != nil {
			return Result{}, errPending
		}
		if errTemp := o.ledger.AddTemporaryResources(ctx, sub.UserID, sub.ID, appID); errTemp != nil {
			return Result{}, errTemp
		}
		return Result{
			Strategy:        StrategyProrationPayment,
			SubscriptionID:  sub.ID,
			NewPlanID:       newPlan.ID,
			ProrationAmount: amount,
			PaymentRequired: true,
			CheckoutURL:     payment.CheckoutURL,
			Message:         fmt.Sprintf("Temporary resources are active. Complete the %.2f payment to finalize the upgrade.", amount),
		}, nil
	}

	if revised.RequiresApproval {
		if errPending := o.storePendingUpgrade(ctx, sub.ID, newPlan.ID, "", timeRemaining); errPending != nil {
			return Result{}, errPending
		}
		if errTemp := o.ledger.AddTemporaryResources(ctx, sub.UserID, sub.ID, appID); errTemp != nil {
			return Result{}, errTemp
		}
		return Result{
			Strategy:         StrategyRevise,
			SubscriptionID:   sub.ID,
			NewPlanID:        newPlan.ID,
			RequiresApproval: true,
			CheckoutURL:      revised.ApprovalURL,
			Message:          "Temporary resources are active. Approve the plan change on PayPal to finalize the upgrade.",
		}, nil
	}

	if errSwitch := o.switchPlanNow(ctx, sub, newPlan, timeRemaining); errSwitch != nil {
		return Result{}, errSwitch
	}
	return Result{
		Strategy:       StrategyRevise,
		SubscriptionID: sub.ID,
		NewPlanID:      newPlan.ID,
		Message:        "Plan upgraded. Quota for the remaining term is available now.",
	}, nil
}

// switchPlanNow points the subscription at the new plan and grants quota
// scaled by timeFactor.
func (o *Orchestrator) switchPlanNow(ctx context.Context, sub *models.Subscription, newPlan *models.Plan, timeFactor float64) error {
	if errUpdate := o.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"plan_id":    newPlan.ID,
			"updated_at": time.Now().UTC(),
		}).Error; errUpdate != nil {
		return fmt.Errorf("upgrade: switch plan: %w", errUpdate)
	}
	sub.PlanID = newPlan.ID
	sub.Plan = *newPlan
	return o.ledger.Initialize(ctx, sub.UserID, sub.ID, sub.AppID, timeFactor)
}

// storePendingUpgrade records the in-flight upgrade, replacing any stale one
// for the subscription.
func (o *Orchestrator) storePendingUpgrade(ctx context.Context, subscriptionID, newPlanID, paymentRef string, timeFactor float64) error {
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errClear := tx.Delete(&models.PendingUpgrade{}, "subscription_id = ?", subscriptionID).Error; errClear != nil {
			return fmt.Errorf("upgrade: clear stale pending upgrade: %w", errClear)
		}
		pending := models.PendingUpgrade{
			SubscriptionID: subscriptionID,
			NewPlanID:      newPlanID,
			PaymentRef:     paymentRef,
			TimeFactor:     timeFactor,
		}
		if errCreate := tx.Create(&pending).Error; errCreate != nil {
			return fmt.Errorf("upgrade: store pending upgrade: %w", errCreate)
		}
		return nil
	})
}

func (o *Orchestrator) audit(ctx context.Context, subscriptionID, action, performedBy string, details map[string]any) {
	raw, _ := json.Marshal(details)
	entry := models.SubscriptionAction{
		SubscriptionID: subscriptionID,
		Action:         action,
		Details:        datatypes.JSON(raw),
		PerformedBy:    performedBy,
	}
	if errCreate := o.db.WithContext(ctx).Create(&entry).Error; errCreate != nil {
		log.WithError(errCreate).WithField("subscription_id", subscriptionID).Warn("audit entry not recorded")
	}
}
