package db

import (
	"errors"
	"fmt"

	"github.com/marketfit/billingcore/internal/ids"
	"github.com/marketfit/billingcore/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite:
		return migrateSQLite(conn)
	case DialectPostgres, "":
		return migratePostgres(conn)
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}

// migrateModels is the AutoMigrate list shared by both dialects.
func migrateModels(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(
		&models.Plan{},
		&models.Subscription{},
		&models.PendingUpgrade{},
		&models.ResourceUsage{},
		&models.AddonPurchase{},
		&models.Invoice{},
		&models.WebhookEvent{},
		&models.SubscriptionAction{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	return nil
}

// migratePostgres applies PostgreSQL-specific schema updates and indexes.
func migratePostgres(conn *gorm.DB) error {
	if errModels := migrateModels(conn); errModels != nil {
		return errModels
	}
	if errSeed := ensureFreePlans(conn); errSeed != nil {
		return errSeed
	}

	// ddl pairs a name for error reporting with the SQL to execute.
	type ddl struct {
		name string // Human-readable name for error reporting.
		sql  string // SQL to execute.
	}
	ddls := []ddl{
		{
			name: "idx_subscriptions_user_app_updated",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_subscriptions_user_app_updated
				ON subscriptions (user_id, app_id, updated_at DESC)
			`,
		},
		{
			name: "idx_invoices_razorpay_payment",
			sql: `
				CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_razorpay_payment
				ON invoices (razorpay_payment_id)
				WHERE razorpay_payment_id <> ''
			`,
		},
		{
			name: "idx_invoices_paypal_payment",
			sql: `
				CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_paypal_payment
				ON invoices (paypal_payment_id)
				WHERE paypal_payment_id <> ''
			`,
		},
		{
			name: "idx_usage_user_sub_app",
			sql: `
				CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_user_sub_app
				ON resource_usages (user_id, subscription_id, app_id)
			`,
		},
	}
	for _, d := range ddls {
		if errExec := conn.Exec(d.sql).Error; errExec != nil {
			return fmt.Errorf("db: create %s: %w", d.name, errExec)
		}
	}
	return nil
}

// migrateSQLite applies SQLite schema updates and indexes.
func migrateSQLite(conn *gorm.DB) error {
	if errModels := migrateModels(conn); errModels != nil {
		return errModels
	}
	if errSeed := ensureFreePlans(conn); errSeed != nil {
		return errSeed
	}
	if errIdx := conn.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_user_sub_app
		ON resource_usages (user_id, subscription_id, app_id)
	`).Error; errIdx != nil {
		return fmt.Errorf("db: create idx_usage_user_sub_app: %w", errIdx)
	}
	return nil
}

// freePlanFeatures returns the default free-tier feature map per app.
func freePlanFeatures(appID string) datatypes.JSON {
	if appID == models.AppMarketFit {
		return datatypes.JSON([]byte(`{"document_pages":50,"perplexity_requests":20}`))
	}
	return datatypes.JSON([]byte(`{"requests":20}`))
}

// ensureFreePlans seeds one active free plan per application when missing.
func ensureFreePlans(conn *gorm.DB) error {
	for _, appID := range []string{models.AppMarketFit, models.AppSalesWit} {
		var existing models.Plan
		errFind := conn.Where("app_id = ? AND amount = 0 AND is_active = ?", appID, true).
			First(&existing).Error
		if errFind == nil {
			continue
		}
		if !errors.Is(errFind, gorm.ErrRecordNotFound) {
			return fmt.Errorf("db: find free plan for %s: %w", appID, errFind)
		}

		currency := models.CurrencyINR
		if appID == models.AppSalesWit {
			currency = models.CurrencyUSD
		}
		plan := models.Plan{
			ID:            ids.New("plan_"),
			AppID:         appID,
			Name:          "Free",
			Amount:        0,
			Currency:      currency,
			Interval:      models.IntervalMonth,
			IntervalCount: 1,
			Features:      freePlanFeatures(appID),
			IsActive:      true,
		}
		if errCreate := conn.Create(&plan).Error; errCreate != nil {
			return fmt.Errorf("db: seed free plan for %s: %w", appID, errCreate)
		}
	}
	return nil
}
