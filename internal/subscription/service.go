// Package subscription is the façade the HTTP layer talks to: plan catalog,
// subscription creation and cancellation, addon purchases, billing history,
// and pass-throughs to the quota ledger, the webhook machine and the upgrade
// orchestrator.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marketfit/billingcore/internal/billing"
	"github.com/marketfit/billingcore/internal/gateway"
	"github.com/marketfit/billingcore/internal/ids"
	"github.com/marketfit/billingcore/internal/lifecycle"
	"github.com/marketfit/billingcore/internal/models"
	"github.com/marketfit/billingcore/internal/quota"
	"github.com/marketfit/billingcore/internal/upgrade"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Expected business outcomes surfaced to the HTTP layer.
var (
	// ErrPlanNotFound means the plan does not exist or is inactive for the app.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrSubscriptionNotFound means no subscription matches the user and ID.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrAlreadySubscribed rejects re-subscribing to the current plan.
	ErrAlreadySubscribed = errors.New("subscription to this plan is already active")
	// ErrNoGatewayForCurrency means no configured gateway handles the plan's currency.
	ErrNoGatewayForCurrency = errors.New("no payment gateway available for the plan currency")
	// ErrSubscriptionNotActive rejects operations that need a paid, active subscription.
	ErrSubscriptionNotActive = errors.New("subscription is not active")
)

// CreateResult reports a newly created subscription and the checkout step, if
// the gateway requires one.
type CreateResult struct {
	SubscriptionID string `json:"subscription_id"`
	PlanID         string `json:"plan_id"`
	Status         string `json:"status"`
	CheckoutURL    string `json:"checkout_url,omitempty"`
}

// AddonResult reports a recorded addon purchase.
type AddonResult struct {
	AddonID     string  `json:"addon_id"`
	Resource    string  `json:"resource"`
	Quantity    float64 `json:"quantity"`
	Amount      float64 `json:"amount"`
	CheckoutURL string  `json:"checkout_url,omitempty"`
}

// Service wires the billing components together behind one surface.
type Service struct {
	db           *gorm.DB
	ledger       *quota.Ledger
	machine      *lifecycle.Machine
	orchestrator *upgrade.Orchestrator
	gateways     map[string]gateway.Client
}

// NewService constructs a Service.
func NewService(conn *gorm.DB, ledger *quota.Ledger, machine *lifecycle.Machine, orchestrator *upgrade.Orchestrator, gateways map[string]gateway.Client) *Service {
	if gateways == nil {
		gateways = make(map[string]gateway.Client)
	}
	return &Service{db: conn, ledger: ledger, machine: machine, orchestrator: orchestrator, gateways: gateways}
}

// gatewayForCurrency picks the gateway handling a plan currency.
func (s *Service) gatewayForCurrency(currency string) (gateway.Client, string, error) {
	name := models.GatewayRazorpay
	if currency == models.CurrencyUSD {
		name = models.GatewayPaypal
	}
	client, ok := s.gateways[name]
	if !ok {
		return nil, "", ErrNoGatewayForCurrency
	}
	return client, name, nil
}

// AvailablePlans lists the app's active plans, cheapest first.
func (s *Service) AvailablePlans(ctx context.Context, appID string) ([]models.Plan, error) {
	var plans []models.Plan
	if errFind := s.db.WithContext(ctx).
		Where("app_id = ? AND is_active = ?", appID, true).
		Order("amount ASC").
		Find(&plans).Error; errFind != nil {
		return nil, fmt.Errorf("subscription: list plans: %w", errFind)
	}
	return plans, nil
}

// UserSubscription returns the user's current subscription for the app,
// preferring an active one over an in-flight one. Nil when the user has none.
func (s *Service) UserSubscription(ctx context.Context, userID, appID string) (*models.Subscription, error) {
	var sub models.Subscription
	errActive := s.db.WithContext(ctx).Preload("Plan").
		Where("user_id = ? AND app_id = ? AND status = ?", userID, appID, models.StatusActive).
		Order("updated_at DESC").
		First(&sub).Error
	if errActive == nil {
		return &sub, nil
	}
	if !errors.Is(errActive, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("subscription: find active subscription: %w", errActive)
	}

	errPending := s.db.WithContext(ctx).Preload("Plan").
		Where("user_id = ? AND app_id = ? AND status IN ?", userID, appID,
			[]models.SubscriptionStatus{models.StatusCreated, models.StatusPendingApproval, models.StatusAuthenticated}).
		Order("updated_at DESC").
		First(&sub).Error
	if errPending != nil {
		if errors.Is(errPending, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("subscription: find pending subscription: %w", errPending)
	}
	return &sub, nil
}

// CreateSubscription enrolls the user on a plan. Free plans activate locally
// with a default period; paid plans go through the gateway matching the plan
// currency and return a checkout URL.
func (s *Service) CreateSubscription(ctx context.Context, userID, planID, appID string, customer gateway.Customer) (CreateResult, error) {
	var plan models.Plan
	errPlan := s.db.WithContext(ctx).
		Where("id = ? AND app_id = ? AND is_active = ?", planID, appID, true).
		First(&plan).Error
	if errPlan != nil {
		if errors.Is(errPlan, gorm.ErrRecordNotFound) {
			return CreateResult{}, ErrPlanNotFound
		}
		return CreateResult{}, fmt.Errorf("subscription: load plan: %w", errPlan)
	}

	existing, errExisting := s.UserSubscription(ctx, userID, appID)
	if errExisting != nil {
		return CreateResult{}, errExisting
	}
	if existing != nil && existing.PlanID == planID && existing.Status == models.StatusActive {
		return CreateResult{}, ErrAlreadySubscribed
	}

	if plan.IsFree() {
		return s.createFreeSubscription(ctx, userID, appID, &plan, existing)
	}
	return s.createPaidSubscription(ctx, userID, appID, &plan, customer)
}

// createFreeSubscription activates the free plan locally, retiring any
// existing free enrollment.
func (s *Service) createFreeSubscription(ctx context.Context, userID, appID string, plan *models.Plan, existing *models.Subscription) (CreateResult, error) {
	now := time.Now().UTC()
	periodEnd := billing.PeriodEnd(now, plan.Interval, plan.IntervalCount)
	sub := models.Subscription{
		ID:                 ids.NewSubscription(),
		UserID:             userID,
		AppID:              appID,
		PlanID:             plan.ID,
		Status:             models.StatusActive,
		CurrentPeriodStart: &now,
		CurrentPeriodEnd:   &periodEnd,
	}

	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if existing != nil && existing.Plan.IsFree() {
			if errRetire := tx.Model(&models.Subscription{}).
				Where("id = ?", existing.ID).
				Updates(map[string]any{
					"status":     models.StatusCancelled,
					"updated_at": now,
				}).Error; errRetire != nil {
				return fmt.Errorf("subscription: retire free subscription: %w", errRetire)
			}
		}
		if errCreate := tx.Create(&sub).Error; errCreate != nil {
			return fmt.Errorf("subscription: create free subscription: %w", errCreate)
		}
		return nil
	})
	if errTx != nil {
		return CreateResult{}, errTx
	}

	if errInit := s.ledger.Initialize(ctx, userID, sub.ID, appID, 1); errInit != nil {
		return CreateResult{}, errInit
	}
	s.audit(ctx, sub.ID, "subscription_created", "user_"+userID, map[string]any{"plan_id": plan.ID, "free": true})
	return CreateResult{SubscriptionID: sub.ID, PlanID: plan.ID, Status: string(models.StatusActive)}, nil
}

// createPaidSubscription creates the gateway subscription and stores the
// local row awaiting webhook confirmation.
func (s *Service) createPaidSubscription(ctx context.Context, userID, appID string, plan *models.Plan, customer gateway.Customer) (CreateResult, error) {
	client, gatewayName, errGateway := s.gatewayForCurrency(plan.Currency)
	if errGateway != nil {
		return CreateResult{}, errGateway
	}

	gatewayPlanID := plan.RazorpayPlanID
	if gatewayName == models.GatewayPaypal {
		gatewayPlanID = plan.PaypalPlanID
	}
	if gatewayPlanID == "" {
		return CreateResult{}, fmt.Errorf("subscription: plan %s has no %s plan reference", plan.ID, gatewayName)
	}

	customer.UserID = userID
	created, errCreate := client.CreateSubscription(ctx, gatewayPlanID, customer, appID, 0)
	if errCreate != nil {
		return CreateResult{}, fmt.Errorf("subscription: create gateway subscription: %w", errCreate)
	}

	status := models.StatusCreated
	if gatewayName == models.GatewayPaypal {
		status = models.StatusPendingApproval
	}
	sub := models.Subscription{
		ID:             ids.NewSubscription(),
		UserID:         userID,
		AppID:          appID,
		PlanID:         plan.ID,
		Status:         status,
		PaymentGateway: gatewayName,
	}
	if gatewayName == models.GatewayPaypal {
		sub.PaypalSubscriptionID = created.SubscriptionID
	} else {
		sub.RazorpaySubscriptionID = created.SubscriptionID
	}
	if errRow := s.db.WithContext(ctx).Create(&sub).Error; errRow != nil {
		return CreateResult{}, fmt.Errorf("subscription: store subscription: %w", errRow)
	}

	s.audit(ctx, sub.ID, "subscription_created", "user_"+userID, map[string]any{
		"plan_id": plan.ID,
		"gateway": gatewayName,
	})
	log.WithFields(log.Fields{
		"subscription_id": sub.ID,
		"user_id":         userID,
		"gateway":         gatewayName,
	}).Info("gateway subscription created")

	return CreateResult{
		SubscriptionID: sub.ID,
		PlanID:         plan.ID,
		Status:         string(status),
		CheckoutURL:    created.CheckoutURL,
	}, nil
}

// CancelSubscription stops renewal. Razorpay cancels at the cycle boundary;
// PayPal has no end-of-cycle cancel, so the gateway side ends now while local
// access runs until the paid period closes. Access is never cut immediately.
func (s *Service) CancelSubscription(ctx context.Context, userID, subscriptionID string) error {
	var sub models.Subscription
	errFind := s.db.WithContext(ctx).Preload("Plan").
		Where("id = ? AND user_id = ?", subscriptionID, userID).
		First(&sub).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("subscription: load subscription: %w", errFind)
	}

	cancellationType := models.CancellationEndOfCycle
	atPeriodEnd := true
	if sub.PaymentGateway == models.GatewayPaypal {
		cancellationType = models.CancellationImmediateWithAccess
		atPeriodEnd = false
	}

	if !sub.Plan.IsFree() && sub.GatewaySubscriptionID() != "" {
		client, ok := s.gateways[sub.PaymentGateway]
		if !ok {
			return ErrNoGatewayForCurrency
		}
		if errCancel := client.CancelSubscription(ctx, sub.GatewaySubscriptionID(), atPeriodEnd); errCancel != nil {
			return fmt.Errorf("subscription: gateway cancel: %w", errCancel)
		}
	}

	now := time.Now().UTC()
	if errUpdate := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"cancellation_scheduled": true,
			"cancellation_type":      cancellationType,
			"cancelled_at":           now,
			"updated_at":             now,
		}).Error; errUpdate != nil {
		return fmt.Errorf("subscription: record cancellation: %w", errUpdate)
	}

	s.audit(ctx, sub.ID, "cancellation_requested", "user_"+userID, map[string]any{
		"cancellation_type": cancellationType,
	})
	return nil
}

// PurchaseAddon tops up a resource for the current billing period. The addon
// is valid only until the period ends; renewal expires it.
func (s *Service) PurchaseAddon(ctx context.Context, userID, subscriptionID, appID, resource string, quantity, amount float64) (AddonResult, error) {
	var sub models.Subscription
	errFind := s.db.WithContext(ctx).Preload("Plan").
		Where("id = ? AND user_id = ?", subscriptionID, userID).
		First(&sub).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return AddonResult{}, ErrSubscriptionNotFound
		}
		return AddonResult{}, fmt.Errorf("subscription: load subscription: %w", errFind)
	}
	if sub.Status != models.StatusActive {
		return AddonResult{}, ErrSubscriptionNotActive
	}

	checkoutURL := ""
	if amount > 0 && !sub.Plan.IsFree() {
		client, _, errGateway := s.gatewayForCurrency(sub.Plan.Currency)
		if errGateway != nil {
			return AddonResult{}, errGateway
		}
		payment, errPayment := client.CreateOneTimePayment(ctx, amount, sub.Plan.Currency,
			fmt.Sprintf("Addon: %.0f %s", quantity, resource),
			map[string]string{"subscription_id": sub.ID, "kind": "addon"})
		if errPayment != nil {
			return AddonResult{}, fmt.Errorf("subscription: create addon payment: %w", errPayment)
		}
		checkoutURL = payment.CheckoutURL
	}

	addon := models.AddonPurchase{
		ID:             ids.NewAddon(),
		SubscriptionID: sub.ID,
		UserID:         userID,
		AppID:          appID,
		ResourceType:   resource,
		Quantity:       quantity,
		Amount:         amount,
		Currency:       sub.Plan.Currency,
		Status:         models.AddonStatusActive,
		ValidFrom:      sub.CurrentPeriodStart,
		ValidUntil:     sub.CurrentPeriodEnd,
	}
	if errCreate := s.db.WithContext(ctx).Create(&addon).Error; errCreate != nil {
		return AddonResult{}, fmt.Errorf("subscription: store addon: %w", errCreate)
	}
	if errGrant := s.ledger.AddAddon(ctx, userID, sub.ID, appID, resource, quantity); errGrant != nil {
		return AddonResult{}, errGrant
	}

	s.audit(ctx, sub.ID, "addon_purchased", "user_"+userID, map[string]any{
		"resource": resource,
		"quantity": quantity,
		"amount":   amount,
	})
	return AddonResult{
		AddonID:     addon.ID,
		Resource:    resource,
		Quantity:    quantity,
		Amount:      amount,
		CheckoutURL: checkoutURL,
	}, nil
}

// BillingHistory lists the user's invoices for the app, newest first.
func (s *Service) BillingHistory(ctx context.Context, userID, appID string) ([]models.Invoice, error) {
	var invoices []models.Invoice
	if errFind := s.db.WithContext(ctx).
		Where("user_id = ? AND app_id = ?", userID, appID).
		Order("invoice_date DESC").
		Find(&invoices).Error; errFind != nil {
		return nil, fmt.Errorf("subscription: list invoices: %w", errFind)
	}
	return invoices, nil
}

// Upgrade delegates to the upgrade orchestrator.
func (s *Service) Upgrade(ctx context.Context, userID, subscriptionID, newPlanID, appID string) (upgrade.Result, error) {
	return s.orchestrator.Upgrade(ctx, userID, subscriptionID, newPlanID, appID)
}

// ProcessWebhook delegates to the lifecycle machine.
func (s *Service) ProcessWebhook(ctx context.Context, evt lifecycle.Event) (lifecycle.Outcome, error) {
	return s.machine.Process(ctx, evt)
}

// Quota delegates to the quota ledger.
func (s *Service) Quota(ctx context.Context, userID, appID string) map[string]float64 {
	return s.ledger.Quota(ctx, userID, appID)
}

// CheckAvailability delegates to the quota ledger.
func (s *Service) CheckAvailability(ctx context.Context, userID, appID, resource string, count float64) (bool, error) {
	return s.ledger.CheckAvailability(ctx, userID, appID, resource, count)
}

// Decrement delegates to the quota ledger.
func (s *Service) Decrement(ctx context.Context, userID, appID, resource string, count float64) (bool, error) {
	return s.ledger.Decrement(ctx, userID, appID, resource, count)
}

// EnsureQuota delegates to the quota ledger, provisioning the free tier when
// the user has no subscription yet.
func (s *Service) EnsureQuota(ctx context.Context, userID, appID string) (*models.ResourceUsage, *models.Subscription, error) {
	return s.ledger.Ensure(ctx, userID, appID)
}

func (s *Service) audit(ctx context.Context, subscriptionID, action, performedBy string, details map[string]any) {
	raw, _ := json.Marshal(details)
	entry := models.SubscriptionAction{
		SubscriptionID: subscriptionID,
		Action:         action,
		Details:        datatypes.JSON(raw),
		PerformedBy:    performedBy,
	}
	if errCreate := s.db.WithContext(ctx).Create(&entry).Error; errCreate != nil {
		log.WithError(errCreate).WithField("subscription_id", subscriptionID).Warn("audit entry not recorded")
	}
}
