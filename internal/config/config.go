package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath            = "CONFIG_PATH"
	EnvDBConnection          = "DB_CONNECTION"
	EnvJWTSecret             = "JWT_SECRET"
	EnvJWTExpiry             = "JWT_EXPIRY"
	EnvRazorpayKeyID         = "RAZORPAY_KEY_ID"
	EnvRazorpayKeySecret     = "RAZORPAY_KEY_SECRET"
	EnvRazorpayWebhookSecret = "RAZORPAY_WEBHOOK_SECRET"
	EnvPaypalClientID        = "PAYPAL_CLIENT_ID"
	EnvPaypalClientSecret    = "PAYPAL_CLIENT_SECRET"
	EnvPaypalWebhookID       = "PAYPAL_WEBHOOK_ID"
	EnvPaypalBaseURL         = "PAYPAL_BASE_URL"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// JWTConfig holds JWT secret and expiry settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// defaultJWTExpiry is used when the config omits or invalidates JWT expiry.
const defaultJWTExpiry = 30 * 24 * time.Hour

// LoadJWTConfig loads JWT settings from the YAML config file.
func LoadJWTConfig(configPath string) (JWTConfig, error) {
	// fileConfig maps the YAML fields needed for JWT settings.
	type fileConfig struct {
		JWT JWTConfig `yaml:"jwt"`
	}

	result := JWTConfig{Expiry: defaultJWTExpiry}

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			result = cfg.JWT
		}
	}

	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		result.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		if expiry, errParse := time.ParseDuration(expiryRaw); errParse == nil && expiry > 0 {
			result.Expiry = expiry
		}
	}

	if result.Expiry <= 0 {
		result.Expiry = defaultJWTExpiry
	}
	return result, nil
}

// RazorpayConfig holds Razorpay API and webhook credentials.
type RazorpayConfig struct {
	KeyID         string `yaml:"key-id"`
	KeySecret     string `yaml:"key-secret"`
	WebhookSecret string `yaml:"webhook-secret"`
}

// PaypalConfig holds PayPal API and webhook credentials.
type PaypalConfig struct {
	ClientID     string `yaml:"client-id"`
	ClientSecret string `yaml:"client-secret"`
	WebhookID    string `yaml:"webhook-id"`
	BaseURL      string `yaml:"base-url"`
}

// defaultPaypalBaseURL targets the sandbox unless overridden.
const defaultPaypalBaseURL = "https://api.sandbox.paypal.com"

// GatewayConfig bundles both gateway credential sets.
type GatewayConfig struct {
	Razorpay RazorpayConfig `yaml:"razorpay"`
	Paypal   PaypalConfig   `yaml:"paypal"`
}

// LoadGatewayConfig loads gateway credentials from the YAML config file with
// environment overrides.
func LoadGatewayConfig(configPath string) (GatewayConfig, error) {
	// fileConfig maps the YAML fields needed for gateway credentials.
	type fileConfig struct {
		Gateways GatewayConfig `yaml:"gateways"`
	}

	var result GatewayConfig

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			result = cfg.Gateways
		}
	}

	if v := strings.TrimSpace(os.Getenv(EnvRazorpayKeyID)); v != "" {
		result.Razorpay.KeyID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRazorpayKeySecret)); v != "" {
		result.Razorpay.KeySecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRazorpayWebhookSecret)); v != "" {
		result.Razorpay.WebhookSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPaypalClientID)); v != "" {
		result.Paypal.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPaypalClientSecret)); v != "" {
		result.Paypal.ClientSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPaypalWebhookID)); v != "" {
		result.Paypal.WebhookID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPaypalBaseURL)); v != "" {
		result.Paypal.BaseURL = v
	}
	if strings.TrimSpace(result.Paypal.BaseURL) == "" {
		result.Paypal.BaseURL = defaultPaypalBaseURL
	}

	return result, nil
}

// UpgradePolicy holds the tunable thresholds of the upgrade orchestrator.
type UpgradePolicy struct {
	// MinimumProrationCharge floors any positive proration amount.
	MinimumProrationCharge float64 `yaml:"minimum-proration-charge"`
	// DiscountCeilingPct bounds the automatic discount ladder; remaining
	// value above it requires manual handling.
	DiscountCeilingPct float64 `yaml:"discount-ceiling-pct"`
	// TemporaryResourceGapPct is the time-vs-resource gap (fraction) above
	// which annual upgrades collect an additional payment.
	TemporaryResourceGapPct float64 `yaml:"temporary-resource-gap-pct"`
	// LongCommitmentBlockPct is the consumption-over-time excess (fraction)
	// that flags upgrades on plans committed longer than six months.
	LongCommitmentBlockPct float64 `yaml:"long-commitment-block-pct"`
}

// Default upgrade policy values.
const (
	defaultMinimumProrationCharge  = 50.0
	defaultDiscountCeilingPct      = 67.0
	defaultTemporaryResourceGapPct = 0.05
	defaultLongCommitmentBlockPct  = 0.20
)

// LoadUpgradePolicy loads upgrade policy knobs from the YAML config file,
// applying defaults for omitted or non-positive values.
func LoadUpgradePolicy(configPath string) (UpgradePolicy, error) {
	// fileConfig maps the YAML fields needed for the upgrade policy.
	type fileConfig struct {
		UpgradePolicy UpgradePolicy `yaml:"upgrade-policy"`
	}

	var result UpgradePolicy

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			result = cfg.UpgradePolicy
		}
	}

	if result.MinimumProrationCharge <= 0 {
		result.MinimumProrationCharge = defaultMinimumProrationCharge
	}
	if result.DiscountCeilingPct <= 0 {
		result.DiscountCeilingPct = defaultDiscountCeilingPct
	}
	if result.TemporaryResourceGapPct <= 0 {
		result.TemporaryResourceGapPct = defaultTemporaryResourceGapPct
	}
	if result.LongCommitmentBlockPct <= 0 {
		result.LongCommitmentBlockPct = defaultLongCommitmentBlockPct
	}
	return result, nil
}
