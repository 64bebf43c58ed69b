package quota

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/marketfit/billingcore/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "quota.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := conn.AutoMigrate(
		&models.Plan{},
		&models.Subscription{},
		&models.ResourceUsage{},
		&models.AddonPurchase{},
	); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func seedPlan(t *testing.T, conn *gorm.DB, id, appID string, amount float64, features string) models.Plan {
	t.Helper()
	plan := models.Plan{
		ID:            id,
		AppID:         appID,
		Name:          id,
		Amount:        amount,
		Currency:      models.CurrencyINR,
		Interval:      models.IntervalMonth,
		IntervalCount: 1,
		Features:      datatypes.JSON([]byte(features)),
		IsActive:      true,
	}
	if err := conn.Create(&plan).Error; err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	return plan
}

func seedSubscription(t *testing.T, conn *gorm.DB, id, userID, appID, planID string, status models.SubscriptionStatus) models.Subscription {
	t.Helper()
	now := time.Now().UTC()
	end := now.AddDate(0, 0, 30)
	sub := models.Subscription{
		ID:                 id,
		UserID:             userID,
		AppID:              appID,
		PlanID:             planID,
		Status:             status,
		CurrentPeriodStart: &now,
		CurrentPeriodEnd:   &end,
	}
	if err := conn.Create(&sub).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return sub
}

func TestInitialize_Idempotent(t *testing.T) {
	conn := openTestDB(t)
	seedPlan(t, conn, "plan_paid", models.AppMarketFit, 500, `{"document_pages":40,"perplexity_requests":10}`)
	seedSubscription(t, conn, "sub_1", "user_1", models.AppMarketFit, "plan_paid", models.StatusActive)

	ledger := NewLedger(conn)
	ctx := context.Background()

	if err := ledger.Initialize(ctx, "user_1", "sub_1", models.AppMarketFit, 1); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Consume some quota and stack an addon, then re-initialize: the row
	// must come back to plan values with zeroed addon counters.
	if ok, err := ledger.Decrement(ctx, "user_1", models.AppMarketFit, models.ResourceDocumentPages, 7); err != nil || !ok {
		t.Fatalf("decrement: ok=%v err=%v", ok, err)
	}
	if err := ledger.AddAddon(ctx, "user_1", "sub_1", models.AppMarketFit, models.ResourceDocumentPages, 10); err != nil {
		t.Fatalf("add addon: %v", err)
	}

	if err := ledger.Initialize(ctx, "user_1", "sub_1", models.AppMarketFit, 1); err != nil {
		t.Fatalf("re-initialize: %v", err)
	}

	var row models.ResourceUsage
	if err := conn.Where("subscription_id = ?", "sub_1").First(&row).Error; err != nil {
		t.Fatalf("load usage: %v", err)
	}
	if row.DocumentPagesQuota != 40 || row.OriginalDocumentPagesQuota != 40 {
		t.Fatalf("expected quota reset to 40, got current=%v original=%v", row.DocumentPagesQuota, row.OriginalDocumentPagesQuota)
	}
	if row.CurrentAddonDocumentPages != 0 {
		t.Fatalf("expected addon counter zeroed, got %v", row.CurrentAddonDocumentPages)
	}

	var count int64
	if err := conn.Model(&models.ResourceUsage{}).Where("subscription_id = ?", "sub_1").Count(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single usage row, got %d", count)
	}
}

func TestDecrement_FloorsAtZero(t *testing.T) {
	conn := openTestDB(t)
	seedPlan(t, conn, "plan_paid", models.AppSalesWit, 300, `{"requests":5}`)
	seedSubscription(t, conn, "sub_1", "user_1", models.AppSalesWit, "plan_paid", models.StatusActive)

	ledger := NewLedger(conn)
	ctx := context.Background()

	if err := ledger.Initialize(ctx, "user_1", "sub_1", models.AppSalesWit, 1); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// More than remaining: availability fails, quota untouched.
	ok, err := ledger.Decrement(ctx, "user_1", models.AppSalesWit, models.ResourceRequests, 50)
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if ok {
		t.Fatalf("expected decrement beyond quota to report false")
	}

	if ok, err = ledger.Decrement(ctx, "user_1", models.AppSalesWit, models.ResourceRequests, 5); err != nil || !ok {
		t.Fatalf("full decrement: ok=%v err=%v", ok, err)
	}

	quota := ledger.Quota(ctx, "user_1", models.AppSalesWit)
	if quota[models.ResourceRequests] != 0 {
		t.Fatalf("expected zero remaining, got %v", quota[models.ResourceRequests])
	}
	if quota[models.ResourceRequests] < 0 {
		t.Fatalf("quota went negative: %v", quota[models.ResourceRequests])
	}
}

func TestAddAddon_DoesNotCountAsBaseConsumption(t *testing.T) {
	conn := openTestDB(t)
	seedPlan(t, conn, "plan_paid", models.AppMarketFit, 500, `{"document_pages":40,"perplexity_requests":10}`)
	seedSubscription(t, conn, "sub_1", "user_1", models.AppMarketFit, "plan_paid", models.StatusActive)

	ledger := NewLedger(conn)
	ctx := context.Background()

	if err := ledger.Initialize(ctx, "user_1", "sub_1", models.AppMarketFit, 1); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if ok, err := ledger.Decrement(ctx, "user_1", models.AppMarketFit, models.ResourceDocumentPages, 5); err != nil || !ok {
		t.Fatalf("decrement: ok=%v err=%v", ok, err)
	}
	if err := ledger.AddAddon(ctx, "user_1", "sub_1", models.AppMarketFit, models.ResourceDocumentPages, 10); err != nil {
		t.Fatalf("add addon: %v", err)
	}

	var row models.ResourceUsage
	if err := conn.Where("subscription_id = ?", "sub_1").First(&row).Error; err != nil {
		t.Fatalf("load usage: %v", err)
	}
	if row.DocumentPagesQuota != 45 {
		t.Fatalf("expected current=45, got %v", row.DocumentPagesQuota)
	}
	if row.CurrentAddonDocumentPages != 10 {
		t.Fatalf("expected addon=10, got %v", row.CurrentAddonDocumentPages)
	}
	baseUsed := row.OriginalDocumentPagesQuota - (row.DocumentPagesQuota - row.CurrentAddonDocumentPages)
	if baseUsed != 5 {
		t.Fatalf("expected base consumption unchanged at 5, got %v", baseUsed)
	}
}

func TestEnsure_BlockingStatusRefused(t *testing.T) {
	conn := openTestDB(t)
	seedPlan(t, conn, "plan_paid", models.AppMarketFit, 500, `{"document_pages":40}`)
	seedSubscription(t, conn, "sub_1", "user_1", models.AppMarketFit, "plan_paid", models.StatusHalted)

	ledger := NewLedger(conn)
	_, _, err := ledger.Ensure(context.Background(), "user_1", models.AppMarketFit)

	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if blocked.Status != models.StatusHalted {
		t.Fatalf("expected halted status in error, got %q", blocked.Status)
	}

	var count int64
	if errCount := conn.Model(&models.ResourceUsage{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count usage rows: %v", errCount)
	}
	if count != 0 {
		t.Fatalf("expected no usage row for blocked subscription, got %d", count)
	}
}

func TestEnsure_AutoProvisionsFreePlan(t *testing.T) {
	conn := openTestDB(t)
	seedPlan(t, conn, "plan_free", models.AppSalesWit, 0, `{"requests":20}`)

	ledger := NewLedger(conn)
	row, sub, err := ledger.Ensure(context.Background(), "user_new", models.AppSalesWit)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if sub.PlanID != "plan_free" || sub.Status != models.StatusActive {
		t.Fatalf("expected active free subscription, got plan=%s status=%s", sub.PlanID, sub.Status)
	}
	if row.RequestsQuota != 20 || row.OriginalRequestsQuota != 20 {
		t.Fatalf("expected free quota 20, got current=%v original=%v", row.RequestsQuota, row.OriginalRequestsQuota)
	}
}

func TestEnsure_CancelledSubscriptionFallsBackToFree(t *testing.T) {
	conn := openTestDB(t)
	seedPlan(t, conn, "plan_free", models.AppMarketFit, 0, `{"document_pages":50,"perplexity_requests":20}`)
	seedPlan(t, conn, "plan_paid", models.AppMarketFit, 500, `{"document_pages":1000}`)
	seedSubscription(t, conn, "sub_old", "user_1", models.AppMarketFit, "plan_paid", models.StatusCancelled)

	ledger := NewLedger(conn)
	row, sub, err := ledger.Ensure(context.Background(), "user_1", models.AppMarketFit)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if sub.ID == "sub_old" {
		t.Fatalf("cancelled subscription must not govern quota")
	}
	if sub.PlanID != "plan_free" || sub.Status != models.StatusActive {
		t.Fatalf("expected provisioned free subscription, got plan=%s status=%s", sub.PlanID, sub.Status)
	}
	if row.DocumentPagesQuota != 50 {
		t.Fatalf("expected free-tier quota 50, got %v", row.DocumentPagesQuota)
	}

	// The cancelled paid plan's quota must not linger anywhere.
	var count int64
	if errCount := conn.Model(&models.ResourceUsage{}).Where("subscription_id = ?", "sub_old").Count(&count).Error; errCount != nil {
		t.Fatalf("count usage rows: %v", errCount)
	}
	if count != 0 {
		t.Fatalf("expected no usage row for the cancelled subscription, got %d", count)
	}
}

func TestResetOnRenewal_ExpiresAddons(t *testing.T) {
	conn := openTestDB(t)
	seedPlan(t, conn, "plan_paid", models.AppSalesWit, 300, `{"requests":100}`)
	seedSubscription(t, conn, "sub_1", "user_1", models.AppSalesWit, "plan_paid", models.StatusActive)

	ledger := NewLedger(conn)
	ctx := context.Background()

	if err := ledger.Initialize(ctx, "user_1", "sub_1", models.AppSalesWit, 1); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := ledger.AddAddon(ctx, "user_1", "sub_1", models.AppSalesWit, models.ResourceRequests, 25); err != nil {
		t.Fatalf("add addon: %v", err)
	}
	addon := models.AddonPurchase{
		ID:             "addon_1",
		SubscriptionID: "sub_1",
		UserID:         "user_1",
		AppID:          models.AppSalesWit,
		ResourceType:   models.ResourceRequests,
		Quantity:       25,
		Currency:       models.CurrencyUSD,
		Status:         models.AddonStatusActive,
	}
	if err := conn.Create(&addon).Error; err != nil {
		t.Fatalf("seed addon: %v", err)
	}

	if err := ledger.ResetOnRenewal(ctx, "sub_1"); err != nil {
		t.Fatalf("reset on renewal: %v", err)
	}

	var reloaded models.AddonPurchase
	if err := conn.First(&reloaded, "id = ?", "addon_1").Error; err != nil {
		t.Fatalf("load addon: %v", err)
	}
	if reloaded.Status != models.AddonStatusExpired {
		t.Fatalf("expected addon expired, got %q", reloaded.Status)
	}

	quota := ledger.Quota(ctx, "user_1", models.AppSalesWit)
	if quota[models.ResourceRequests] != 100 {
		t.Fatalf("expected quota restored to 100, got %v", quota[models.ResourceRequests])
	}
}

func TestInitialize_ProportionalTimeFactor(t *testing.T) {
	conn := openTestDB(t)
	seedPlan(t, conn, "plan_paid", models.AppSalesWit, 300, `{"requests":100}`)
	seedSubscription(t, conn, "sub_1", "user_1", models.AppSalesWit, "plan_paid", models.StatusActive)

	ledger := NewLedger(conn)
	if err := ledger.Initialize(context.Background(), "user_1", "sub_1", models.AppSalesWit, 0.4); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	quota := ledger.Quota(context.Background(), "user_1", models.AppSalesWit)
	if quota[models.ResourceRequests] != 40 {
		t.Fatalf("expected proportional quota 40, got %v", quota[models.ResourceRequests])
	}
}
