package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/marketfit/billingcore/internal/gateway"
	"github.com/marketfit/billingcore/internal/models"
	"github.com/marketfit/billingcore/internal/quota"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "lifecycle.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := conn.AutoMigrate(
		&models.Plan{},
		&models.Subscription{},
		&models.PendingUpgrade{},
		&models.ResourceUsage{},
		&models.AddonPurchase{},
		&models.Invoice{},
		&models.WebhookEvent{},
		&models.SubscriptionAction{},
	); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func newTestMachine(t *testing.T, conn *gorm.DB) *Machine {
	t.Helper()
	return NewMachine(conn, quota.NewLedger(conn), nil)
}

func seedPlan(t *testing.T, conn *gorm.DB, id, appID string, amount float64, currency, gatewayPlanID string) models.Plan {
	t.Helper()
	plan := models.Plan{
		ID:            id,
		AppID:         appID,
		Name:          id,
		Amount:        amount,
		Currency:      currency,
		Interval:      models.IntervalMonth,
		IntervalCount: 1,
		Features:      datatypes.JSON([]byte(`{"document_pages":100,"perplexity_requests":50,"requests":200}`)),
		IsActive:      true,
	}
	if currency == models.CurrencyUSD {
		plan.PaypalPlanID = gatewayPlanID
	} else {
		plan.RazorpayPlanID = gatewayPlanID
	}
	if err := conn.Create(&plan).Error; err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	return plan
}

func seedSubscription(t *testing.T, conn *gorm.DB, sub models.Subscription) models.Subscription {
	t.Helper()
	if err := conn.Create(&sub).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return sub
}

func razorpayEvent(id, eventType, gatewaySubID, planID, paymentID string, start, end int64) Event {
	payload := fmt.Sprintf(`{
		"event": %q,
		"payload": {
			"subscription": {"entity": {"id": %q, "plan_id": %q, "current_start": %d, "current_end": %d}},
			"payment": {"entity": {"id": %q, "amount": 50000, "method": "card"}}
		}
	}`, eventType, gatewaySubID, planID, start, end, paymentID)
	return Event{Provider: models.GatewayRazorpay, ID: id, Type: eventType, Payload: []byte(payload)}
}

func TestProcess_Idempotent(t *testing.T) {
	conn := openTestDB(t)
	seedPlan(t, conn, "plan_pro", models.AppMarketFit, 500, models.CurrencyINR, "rzp_plan_pro")
	seedSubscription(t, conn, models.Subscription{
		ID: "sub_1", UserID: "user_1", AppID: models.AppMarketFit, PlanID: "plan_pro",
		Status: models.StatusCreated, PaymentGateway: models.GatewayRazorpay,
		RazorpaySubscriptionID: "rzp_sub_1",
	})

	machine := newTestMachine(t, conn)
	now := time.Now().UTC()
	evt := razorpayEvent("evt_1", "subscription.activated", "rzp_sub_1", "rzp_plan_pro", "pay_1", now.Unix(), now.AddDate(0, 0, 30).Unix())

	outcome, err := machine.Process(context.Background(), evt)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("expected processed, got %q", outcome)
	}

	outcome, err = machine.Process(context.Background(), evt)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if outcome != OutcomeAlreadyProcessed {
		t.Fatalf("expected already_processed, got %q", outcome)
	}

	var invoices int64
	if errCount := conn.Model(&models.Invoice{}).Count(&invoices).Error; errCount != nil {
		t.Fatalf("count invoices: %v", errCount)
	}
	if invoices != 1 {
		t.Fatalf("expected exactly one invoice after duplicate delivery, got %d", invoices)
	}
}

func TestProcess_UnknownSubscriptionLeavesEventRetryable(t *testing.T) {
	conn := openTestDB(t)
	machine := newTestMachine(t, conn)
	now := time.Now().UTC()
	evt := razorpayEvent("evt_1", "subscription.activated", "rzp_sub_unknown", "rzp_plan_pro", "pay_1", now.Unix(), now.AddDate(0, 0, 30).Unix())

	_, err := machine.Process(context.Background(), evt)
	if !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}

	// The event stays recorded but unprocessed so the gateway retry lands.
	var record models.WebhookEvent
	if errFind := conn.Where("provider = ? AND event_id = ?", models.GatewayRazorpay, "evt_1").First(&record).Error; errFind != nil {
		t.Fatalf("load event row: %v", errFind)
	}
	if record.Processed {
		t.Fatalf("event referencing an unknown subscription must not be marked processed")
	}

	var usageRows int64
	if errCount := conn.Model(&models.ResourceUsage{}).Count(&usageRows).Error; errCount != nil {
		t.Fatalf("count usage rows: %v", errCount)
	}
	if usageRows != 0 {
		t.Fatalf("expected no quota rows, got %d", usageRows)
	}

	// Once the local row exists, the redelivered event activates it.
	seedPlan(t, conn, "plan_pro", models.AppMarketFit, 500, models.CurrencyINR, "rzp_plan_pro")
	seedSubscription(t, conn, models.Subscription{
		ID: "sub_1", UserID: "user_1", AppID: models.AppMarketFit, PlanID: "plan_pro",
		Status: models.StatusCreated, PaymentGateway: models.GatewayRazorpay,
		RazorpaySubscriptionID: "rzp_sub_unknown",
	})

	outcome, errRetry := machine.Process(context.Background(), evt)
	if errRetry != nil {
		t.Fatalf("redelivery: %v", errRetry)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("expected processed on redelivery, got %q", outcome)
	}

	var sub models.Subscription
	if errFind := conn.Where("id = ?", "sub_1").First(&sub).Error; errFind != nil {
		t.Fatalf("load subscription: %v", errFind)
	}
	if sub.Status != models.StatusActive {
		t.Fatalf("expected active after redelivery, got %q", sub.Status)
	}
}

func TestRecordEvent_CapturesEntityAndUser(t *testing.T) {
	conn := openTestDB(t)
	machine := newTestMachine(t, conn)

	razorpayPayload := []byte(`{
		"event": "subscription.pending",
		"payload": {"subscription": {"entity": {"id": "rzp_sub_9", "notes": {"user_id": "user_9"}}}}
	}`)
	// The handler fails on the unknown subscription, but the row is already
	// recorded with its identifiers.
	_, _ = machine.Process(context.Background(), Event{
		Provider: models.GatewayRazorpay, ID: "evt_rzp", Type: "subscription.pending", Payload: razorpayPayload,
	})

	var record models.WebhookEvent
	if errFind := conn.Where("event_id = ?", "evt_rzp").First(&record).Error; errFind != nil {
		t.Fatalf("load razorpay event: %v", errFind)
	}
	if record.EntityID != "rzp_sub_9" || record.UserID != "user_9" {
		t.Fatalf("expected entity/user captured, got entity=%q user=%q", record.EntityID, record.UserID)
	}

	paypalPayload := []byte(`{
		"id": "WH-5",
		"event_type": "BILLING.SUBSCRIPTION.ACTIVATED",
		"resource": {"id": "I-PP5", "custom_id": "user_5|saleswit"}
	}`)
	_, _ = machine.Process(context.Background(), Event{
		Provider: models.GatewayPaypal, ID: "WH-5", Type: "BILLING.SUBSCRIPTION.ACTIVATED", Payload: paypalPayload,
	})

	record = models.WebhookEvent{}
	if errFind := conn.Where("event_id = ?", "WH-5").First(&record).Error; errFind != nil {
		t.Fatalf("load paypal event: %v", errFind)
	}
	if record.EntityID != "I-PP5" || record.UserID != "user_5" {
		t.Fatalf("expected entity/user captured, got entity=%q user=%q", record.EntityID, record.UserID)
	}
}

func TestProcess_UnknownEventIgnored(t *testing.T) {
	conn := openTestDB(t)
	machine := newTestMachine(t, conn)

	evt := Event{Provider: models.GatewayRazorpay, ID: "evt_x", Type: "payment_link.paid", Payload: []byte(`{}`)}
	outcome, err := machine.Process(context.Background(), evt)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != OutcomeIgnored {
		t.Fatalf("expected ignored, got %q", outcome)
	}

	var record models.WebhookEvent
	if errFind := conn.Where("event_id = ?", "evt_x").First(&record).Error; errFind != nil {
		t.Fatalf("event not recorded: %v", errFind)
	}
	if !record.Processed {
		t.Fatalf("unknown events must still be marked processed")
	}
}

func TestRazorpayActivation(t *testing.T) {
	conn := openTestDB(t)
	seedPlan(t, conn, "plan_pro", models.AppMarketFit, 500, models.CurrencyINR, "rzp_plan_pro")
	seedSubscription(t, conn, models.Subscription{
		ID: "sub_1", UserID: "user_1", AppID: models.AppMarketFit, PlanID: "plan_pro",
		Status: models.StatusAuthenticated, PaymentGateway: models.GatewayRazorpay,
		RazorpaySubscriptionID: "rzp_sub_1",
	})

	machine := newTestMachine(t, conn)
	start := time.Now().UTC().Truncate(time.Second)
	end := start.AddDate(0, 0, 30)
	evt := razorpayEvent("evt_1", "subscription.activated", "rzp_sub_1", "rzp_plan_pro", "pay_1", start.Unix(), end.Unix())

	if _, err := machine.Process(context.Background(), evt); err != nil {
		t.Fatalf("process: %v", err)
	}

	var sub models.Subscription
	if err := conn.First(&sub, "id = ?", "sub_1").Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.Status != models.StatusActive {
		t.Fatalf("expected active, got %q", sub.Status)
	}
	if !sub.FirstPaymentCompleted {
		t.Fatalf("expected first payment flag set")
	}
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(end) {
		t.Fatalf("expected period end %v, got %v", end, sub.CurrentPeriodEnd)
	}

	var usage models.ResourceUsage
	if err := conn.Where("subscription_id = ?", "sub_1").First(&usage).Error; err != nil {
		t.Fatalf("quota not initialized: %v", err)
	}
	if usage.DocumentPagesQuota != 100 {
		t.Fatalf("expected plan quota 100, got %v", usage.DocumentPagesQuota)
	}

	var invoice models.Invoice
	if err := conn.Where("razorpay_payment_id = ?", "pay_1").First(&invoice).Error; err != nil {
		t.Fatalf("invoice not recorded: %v", err)
	}
	if invoice.Amount != 500 {
		t.Fatalf("expected amount 500, got %v", invoice.Amount)
	}
}

func TestRazorpayCharged_RenewalResetsQuota(t *testing.T) {
	conn := openTestDB(t)
	seedPlan(t, conn, "plan_pro", models.AppMarketFit, 500, models.CurrencyINR, "rzp_plan_pro")
	periodStart := time.Now().UTC().AddDate(0, 0, -30)
	periodEnd := time.Now().UTC()
	seedSubscription(t, conn, models.Subscription{
		ID: "sub_1", UserID: "user_1", AppID: models.AppMarketFit, PlanID: "plan_pro",
		Status: models.StatusActive, PaymentGateway: models.GatewayRazorpay,
		RazorpaySubscriptionID: "rzp_sub_1", FirstPaymentCompleted: true,
		CurrentPeriodStart: &periodStart, CurrentPeriodEnd: &periodEnd,
	})
	// Age the row so the charge is treated as a renewal, not an activation echo.
	if err := conn.Model(&models.Subscription{}).Where("id = ?", "sub_1").
		UpdateColumn("updated_at", time.Now().UTC().Add(-time.Hour)).Error; err != nil {
		t.Fatalf("age subscription: %v", err)
	}

	machine := newTestMachine(t, conn)
	ledger := quota.NewLedger(conn)
	if err := ledger.Initialize(context.Background(), "user_1", "sub_1", models.AppMarketFit, 1); err != nil {
		t.Fatalf("initialize quota: %v", err)
	}
	if ok, err := ledger.Decrement(context.Background(), "user_1", models.AppMarketFit, models.ResourceDocumentPages, 60); err != nil || !ok {
		t.Fatalf("decrement: ok=%v err=%v", ok, err)
	}

	newStart := time.Now().UTC().Truncate(time.Second)
	newEnd := newStart.AddDate(0, 0, 30)
	evt := razorpayEvent("evt_renew", "subscription.charged", "rzp_sub_1", "rzp_plan_pro", "pay_2", newStart.Unix(), newEnd.Unix())
	if _, err := machine.Process(context.Background(), evt); err != nil {
		t.Fatalf("process: %v", err)
	}

	var sub models.Subscription
	if err := conn.First(&sub, "id = ?", "sub_1").Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(newEnd) {
		t.Fatalf("expected advanced period end %v, got %v", newEnd, sub.CurrentPeriodEnd)
	}

	quotaMap := ledger.Quota(context.Background(), "user_1", models.AppMarketFit)
	if quotaMap[models.ResourceDocumentPages] != 100 {
		t.Fatalf("expected quota reset to 100, got %v", quotaMap[models.ResourceDocumentPages])
	}
}

func TestRazorpayCharged_ActivationEchoOnlyRecordsInvoice(t *testing.T) {
	conn := openTestDB(t)
	seedPlan(t, conn, "plan_pro", models.AppMarketFit, 500, models.CurrencyINR, "rzp_plan_pro")
	periodStart := time.Now().UTC().Truncate(time.Second)
	periodEnd := periodStart.AddDate(0, 0, 30)
	seedSubscription(t, conn, models.Subscription{
		ID: "sub_1", UserID: "user_1", AppID: models.AppMarketFit, PlanID: "plan_pro",
		Status: models.StatusActive, PaymentGateway: models.GatewayRazorpay,
		RazorpaySubscriptionID: "rzp_sub_1", FirstPaymentCompleted: true,
		CurrentPeriodStart: &periodStart, CurrentPeriodEnd: &periodEnd,
	})

	machine := newTestMachine(t, conn)
	farEnd := time.Now().UTC().AddDate(0, 0, 60)
	evt := razorpayEvent("evt_echo", "subscription.charged", "rzp_sub_1", "rzp_plan_pro", "pay_1", time.Now().UTC().Unix(), farEnd.Unix())
	if _, err := machine.Process(context.Background(), evt); err != nil {
		t.Fatalf("process: %v", err)
	}

	var sub models.Subscription
	if err := conn.First(&sub, "id = ?", "sub_1").Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if !sub.CurrentPeriodEnd.Equal(periodEnd) {
		t.Fatalf("period must not advance for an activation echo, got %v", sub.CurrentPeriodEnd)
	}

	var invoices int64
	if err := conn.Model(&models.Invoice{}).Count(&invoices).Error; err != nil {
		t.Fatalf("count invoices: %v", err)
	}
	if invoices != 1 {
		t.Fatalf("expected the charge invoice, got %d", invoices)
	}
}

func paypalSaleEvent(id, agreementID, saleID, total string) Event {
	payload := fmt.Sprintf(`{
		"event_type": "PAYMENT.SALE.COMPLETED",
		"resource": {"id": %q, "billing_agreement_id": %q, "amount": {"total": %q, "currency": "USD"}}
	}`, saleID, agreementID, total)
	return Event{Provider: models.GatewayPaypal, ID: id, Type: "PAYMENT.SALE.COMPLETED", Payload: []byte(payload)}
}

func TestPaypalSaleCompleted_FirstPayment(t *testing.T) {
	conn := openTestDB(t)
	seedPlan(t, conn, "plan_growth", models.AppSalesWit, 29, models.CurrencyUSD, "pp_plan_growth")
	seedSubscription(t, conn, models.Subscription{
		ID: "sub_1", UserID: "user_1", AppID: models.AppSalesWit, PlanID: "plan_growth",
		Status: models.StatusPendingApproval, PaymentGateway: models.GatewayPaypal,
		PaypalSubscriptionID: "pp_sub_1",
	})

	machine := newTestMachine(t, conn)
	if _, err := machine.Process(context.Background(), paypalSaleEvent("wh_1", "pp_sub_1", "sale_1", "29.00")); err != nil {
		t.Fatalf("process: %v", err)
	}

	var sub models.Subscription
	if err := conn.First(&sub, "id = ?", "sub_1").Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.Status != models.StatusActive || !sub.FirstPaymentCompleted {
		t.Fatalf("expected active first-paid subscription, got status=%q first=%v", sub.Status, sub.FirstPaymentCompleted)
	}

	var invoice models.Invoice
	if err := conn.Where("paypal_payment_id = ?", "sale_1").First(&invoice).Error; err != nil {
		t.Fatalf("invoice not recorded: %v", err)
	}
	if invoice.Amount != 29 {
		t.Fatalf("expected amount 29, got %v", invoice.Amount)
	}
}

func TestPaypalSaleCompleted_SettlesPlanRevision(t *testing.T) {
	conn := openTestDB(t)
	seedPlan(t, conn, "plan_growth", models.AppSalesWit, 29, models.CurrencyUSD, "pp_plan_growth")
	seedPlan(t, conn, "plan_scale", models.AppSalesWit, 79, models.CurrencyUSD, "pp_plan_scale")
	seedSubscription(t, conn, models.Subscription{
		ID: "sub_1", UserID: "user_1", AppID: models.AppSalesWit, PlanID: "plan_growth",
		Status: models.StatusActive, PaymentGateway: models.GatewayPaypal,
		PaypalSubscriptionID: "pp_sub_1", FirstPaymentCompleted: true,
	})
	if err := conn.Create(&models.PendingUpgrade{
		SubscriptionID: "sub_1", NewPlanID: "plan_scale", TimeFactor: 1,
	}).Error; err != nil {
		t.Fatalf("seed pending upgrade: %v", err)
	}

	machine := newTestMachine(t, conn)
	if _, err := machine.Process(context.Background(), paypalSaleEvent("wh_2", "pp_sub_1", "sale_2", "79.00")); err != nil {
		t.Fatalf("process: %v", err)
	}

	var sub models.Subscription
	if err := conn.First(&sub, "id = ?", "sub_1").Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.PlanID != "plan_scale" {
		t.Fatalf("expected plan switched to plan_scale, got %q", sub.PlanID)
	}

	var remaining int64
	if err := conn.Model(&models.PendingUpgrade{}).Count(&remaining).Error; err != nil {
		t.Fatalf("count pending upgrades: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected pending upgrade removed, got %d rows", remaining)
	}
}

type reviseRecorder struct {
	gateway.Client
	revised []string
}

func (r *reviseRecorder) Name() string { return models.GatewayPaypal }

func (r *reviseRecorder) RevisePlan(ctx context.Context, subID, planID string) (gateway.ReviseResult, error) {
	r.revised = append(r.revised, planID)
	return gateway.ReviseResult{}, nil
}

func TestPaypalCaptureCompleted_SettlesUpgradeOrder(t *testing.T) {
	conn := openTestDB(t)
	seedPlan(t, conn, "plan_growth", models.AppSalesWit, 290, models.CurrencyUSD, "pp_plan_growth")
	seedPlan(t, conn, "plan_scale", models.AppSalesWit, 790, models.CurrencyUSD, "pp_plan_scale")
	seedSubscription(t, conn, models.Subscription{
		ID: "sub_1", UserID: "user_1", AppID: models.AppSalesWit, PlanID: "plan_growth",
		Status: models.StatusActive, PaymentGateway: models.GatewayPaypal,
		PaypalSubscriptionID: "pp_sub_1", FirstPaymentCompleted: true,
		TemporaryResourcesGranted: true,
	})
	if err := conn.Create(&models.PendingUpgrade{
		SubscriptionID: "sub_1", NewPlanID: "plan_scale", PaymentRef: "order_9", TimeFactor: 0.5,
	}).Error; err != nil {
		t.Fatalf("seed pending upgrade: %v", err)
	}

	recorder := &reviseRecorder{}
	machine := NewMachine(conn, quota.NewLedger(conn), map[string]gateway.Client{
		models.GatewayPaypal: recorder,
	})

	payload := `{
		"event_type": "PAYMENT.CAPTURE.COMPLETED",
		"resource": {
			"id": "cap_1",
			"amount": {"value": "245.00", "currency_code": "USD"},
			"supplementary_data": {"related_ids": {"order_id": "order_9"}}
		}
	}`
	evt := Event{Provider: models.GatewayPaypal, ID: "wh_3", Type: "PAYMENT.CAPTURE.COMPLETED", Payload: []byte(payload)}
	if _, err := machine.Process(context.Background(), evt); err != nil {
		t.Fatalf("process: %v", err)
	}

	var sub models.Subscription
	if err := conn.First(&sub, "id = ?", "sub_1").Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.PlanID != "plan_scale" {
		t.Fatalf("expected plan switched, got %q", sub.PlanID)
	}
	if sub.TemporaryResourcesGranted {
		t.Fatalf("expected temporary resources flag cleared")
	}

	var usage models.ResourceUsage
	if err := conn.Where("subscription_id = ?", "sub_1").First(&usage).Error; err != nil {
		t.Fatalf("quota not granted: %v", err)
	}
	if usage.RequestsQuota != 100 {
		t.Fatalf("expected half of 200 requests for time factor 0.5, got %v", usage.RequestsQuota)
	}

	if len(recorder.revised) != 1 || recorder.revised[0] != "pp_plan_scale" {
		t.Fatalf("expected gateway revision to pp_plan_scale, got %v", recorder.revised)
	}
}

func TestPaypalCancelled_PreservesAccess(t *testing.T) {
	conn := openTestDB(t)
	seedPlan(t, conn, "plan_growth", models.AppSalesWit, 29, models.CurrencyUSD, "pp_plan_growth")
	periodStart := time.Now().UTC().AddDate(0, 0, -10)
	periodEnd := periodStart.AddDate(0, 0, 30)
	seedSubscription(t, conn, models.Subscription{
		ID: "sub_1", UserID: "user_1", AppID: models.AppSalesWit, PlanID: "plan_growth",
		Status: models.StatusActive, PaymentGateway: models.GatewayPaypal,
		PaypalSubscriptionID: "pp_sub_1", FirstPaymentCompleted: true,
		CurrentPeriodStart: &periodStart, CurrentPeriodEnd: &periodEnd,
	})

	machine := newTestMachine(t, conn)
	payload := `{"event_type": "BILLING.SUBSCRIPTION.CANCELLED", "resource": {"id": "pp_sub_1"}}`
	evt := Event{Provider: models.GatewayPaypal, ID: "wh_4", Type: "BILLING.SUBSCRIPTION.CANCELLED", Payload: []byte(payload)}
	if _, err := machine.Process(context.Background(), evt); err != nil {
		t.Fatalf("process: %v", err)
	}

	var sub models.Subscription
	if err := conn.First(&sub, "id = ?", "sub_1").Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.Status != models.StatusActive {
		t.Fatalf("access must survive gateway cancellation, got status %q", sub.Status)
	}
	if !sub.GatewayCancelled || !sub.CancellationScheduled {
		t.Fatalf("expected cancellation flags set, got gateway=%v scheduled=%v", sub.GatewayCancelled, sub.CancellationScheduled)
	}
	if sub.CancelledAt == nil {
		t.Fatalf("expected cancelled_at recorded")
	}
}
