package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/marketfit/billingcore/internal/config"
	log "github.com/sirupsen/logrus"
)

const razorpayBaseURL = "https://api.razorpay.com/v1"

// Razorpay drives subscriptions and one-time orders on the Razorpay REST API
// using basic authentication. It handles the INR side of the house.
type Razorpay struct {
	cfg     config.RazorpayConfig
	baseURL string
	client  *http.Client
}

// NewRazorpay constructs a Razorpay client from gateway configuration.
func NewRazorpay(cfg config.RazorpayConfig) *Razorpay {
	return &Razorpay{
		cfg:     cfg,
		baseURL: razorpayBaseURL,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

// Name implements Client.
func (r *Razorpay) Name() string { return "razorpay" }

func (r *Razorpay) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("gateway: encode razorpay request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("gateway: build razorpay request: %w", err)
	}
	req.SetBasicAuth(r.cfg.KeyID, r.cfg.KeySecret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: razorpay: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gateway: read razorpay response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError("razorpay", resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("gateway: decode razorpay response: %w", err)
		}
	}
	return nil
}

// createOffer registers a one-cycle percentage discount offer and returns its
// identifier. The offer is attached to the subscription at creation time.
func (r *Razorpay) createOffer(ctx context.Context, discountPct float64) (string, error) {
	payload := map[string]any{
		"name":            fmt.Sprintf("Upgrade credit %.0f%%", discountPct),
		"payment_method":  "all",
		"type":            "already_discounted",
		"percent_rate":    int(discountPct * 100), // Basis points.
		"max_offer_usage": "one_time",
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := r.do(ctx, http.MethodPost, "/offers", payload, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// CreateSubscription implements Client. A positive discountPct is converted to
// a one-cycle offer applied on the first charge.
func (r *Razorpay) CreateSubscription(ctx context.Context, gatewayPlanID string, customer Customer, appID string, discountPct float64) (SubscriptionResult, error) {
	payload := map[string]any{
		"plan_id":         gatewayPlanID,
		"total_count":     totalCountForPlan,
		"customer_notify": 1,
		"notes": map[string]string{
			"user_id": customer.UserID,
			"app_id":  appID,
		},
	}
	if discountPct > 0 {
		offerID, err := r.createOffer(ctx, discountPct)
		if err != nil {
			return SubscriptionResult{}, err
		}
		payload["offers"] = []string{offerID}
		log.Infof("razorpay: attached discount offer %s (%.0f%%) for user %s", offerID, discountPct, customer.UserID)
	}

	var out struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		ShortURL string `json:"short_url"`
	}
	if err := r.do(ctx, http.MethodPost, "/subscriptions", payload, &out); err != nil {
		return SubscriptionResult{}, err
	}
	return SubscriptionResult{SubscriptionID: out.ID, Status: out.Status, CheckoutURL: out.ShortURL}, nil
}

// totalCountForPlan is the number of renewals a subscription authorizes.
// Razorpay requires a finite count; effectively "until cancelled".
const totalCountForPlan = 120

// CancelSubscription implements Client.
func (r *Razorpay) CancelSubscription(ctx context.Context, gatewaySubscriptionID string, atPeriodEnd bool) error {
	cycleEnd := 0
	if atPeriodEnd {
		cycleEnd = 1
	}
	payload := map[string]any{"cancel_at_cycle_end": cycleEnd}
	return r.do(ctx, http.MethodPost, "/subscriptions/"+gatewaySubscriptionID+"/cancel", payload, nil)
}

// RevisePlan implements Client. Razorpay updates take effect from the next
// cycle without user approval.
func (r *Razorpay) RevisePlan(ctx context.Context, gatewaySubscriptionID, newGatewayPlanID string) (ReviseResult, error) {
	payload := map[string]any{
		"plan_id":            newGatewayPlanID,
		"schedule_change_at": "now",
		"customer_notify":    1,
	}
	if err := r.do(ctx, http.MethodPatch, "/subscriptions/"+gatewaySubscriptionID, payload, nil); err != nil {
		return ReviseResult{}, err
	}
	return ReviseResult{RequiresApproval: false}, nil
}

// CreateOneTimePayment implements Client via the orders API. Amounts are
// converted to the minor unit (paise).
func (r *Razorpay) CreateOneTimePayment(ctx context.Context, amount float64, currency, description string, metadata map[string]string) (PaymentResult, error) {
	notes := map[string]string{"description": description}
	for k, v := range metadata {
		notes[k] = v
	}
	payload := map[string]any{
		"amount":   int64(amount * 100),
		"currency": currency,
		"notes":    notes,
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := r.do(ctx, http.MethodPost, "/orders", payload, &out); err != nil {
		return PaymentResult{}, err
	}
	return PaymentResult{OrderID: out.ID}, nil
}

// CapturePayment implements Client. Razorpay orders settle through checkout,
// so there is nothing to capture server-side.
func (r *Razorpay) CapturePayment(ctx context.Context, orderID string) error {
	return nil
}
