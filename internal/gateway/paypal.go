package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/marketfit/billingcore/internal/config"
	log "github.com/sirupsen/logrus"
)

// tokenSkew forces a refresh slightly before the reported expiry.
const tokenSkew = 60 * time.Second

// Paypal drives subscriptions, orders and captures on the PayPal REST API.
// It handles the USD side of the house. Access tokens are fetched via the
// client-credentials grant and cached until close to expiry.
type Paypal struct {
	cfg    config.PaypalConfig
	client *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewPaypal constructs a Paypal client from gateway configuration.
func NewPaypal(cfg config.PaypalConfig) *Paypal {
	return &Paypal{
		cfg:    cfg,
		client: &http.Client{Timeout: requestTimeout},
	}
}

// Name implements Client.
func (p *Paypal) Name() string { return "paypal" }

func (p *Paypal) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accessToken != "" && time.Now().Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("gateway: build paypal token request: %w", err)
	}
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: paypal: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("gateway: read paypal token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", apiError("paypal", resp.StatusCode, raw)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("gateway: decode paypal token response: %w", err)
	}
	p.accessToken = out.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn)*time.Second - tokenSkew)
	return p.accessToken, nil
}

func (p *Paypal) do(ctx context.Context, method, path string, payload any, out any) error {
	token, err := p.token(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		raw, errMarshal := json.Marshal(payload)
		if errMarshal != nil {
			return fmt.Errorf("gateway: encode paypal request: %w", errMarshal)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("gateway: build paypal request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: paypal: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gateway: read paypal response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError("paypal", resp.StatusCode, raw)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("gateway: decode paypal response: %w", err)
		}
	}
	return nil
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

func approvalLink(links []paypalLink) string {
	for _, l := range links {
		if l.Rel == "approve" {
			return l.Href
		}
	}
	return ""
}

// CreateSubscription implements Client. PayPal has no offer mechanism, so
// discountPct is ignored; discounted upgrades are handled as one-time
// payments instead.
func (p *Paypal) CreateSubscription(ctx context.Context, gatewayPlanID string, customer Customer, appID string, discountPct float64) (SubscriptionResult, error) {
	if discountPct > 0 {
		log.Warnf("paypal: discount %.0f%% requested for user %s but subscriptions do not support offers", discountPct, customer.UserID)
	}
	payload := map[string]any{
		"plan_id":   gatewayPlanID,
		"custom_id": customer.UserID + "|" + appID,
		"subscriber": map[string]any{
			"email_address": customer.Email,
		},
		"application_context": map[string]any{
			"user_action": "SUBSCRIBE_NOW",
		},
	}
	var out struct {
		ID     string       `json:"id"`
		Status string       `json:"status"`
		Links  []paypalLink `json:"links"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/billing/subscriptions", payload, &out); err != nil {
		return SubscriptionResult{}, err
	}
	return SubscriptionResult{SubscriptionID: out.ID, Status: out.Status, CheckoutURL: approvalLink(out.Links)}, nil
}

// CancelSubscription implements Client. PayPal has no end-of-cycle cancel;
// callers that want access until the period end cancel the gateway side
// immediately and keep local access flags until renewal would have occurred.
func (p *Paypal) CancelSubscription(ctx context.Context, gatewaySubscriptionID string, atPeriodEnd bool) error {
	payload := map[string]any{"reason": "Customer requested cancellation"}
	return p.do(ctx, http.MethodPost, "/v1/billing/subscriptions/"+gatewaySubscriptionID+"/cancel", payload, nil)
}

// RevisePlan implements Client. Revisions may require the subscriber to
// approve the new plan; the approval link is returned when present.
func (p *Paypal) RevisePlan(ctx context.Context, gatewaySubscriptionID, newGatewayPlanID string) (ReviseResult, error) {
	payload := map[string]any{"plan_id": newGatewayPlanID}
	var out struct {
		Links []paypalLink `json:"links"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/billing/subscriptions/"+gatewaySubscriptionID+"/revise", payload, &out); err != nil {
		return ReviseResult{}, err
	}
	link := approvalLink(out.Links)
	return ReviseResult{RequiresApproval: link != "", ApprovalURL: link}, nil
}

// CreateOneTimePayment implements Client via the orders API. Metadata is
// packed into custom_id so capture webhooks can recover the context.
func (p *Paypal) CreateOneTimePayment(ctx context.Context, amount float64, currency, description string, metadata map[string]string) (PaymentResult, error) {
	customID := metadata["subscription_id"]
	if kind := metadata["kind"]; kind != "" {
		customID = kind + "|" + customID
	}
	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"description": description,
			"custom_id":   customID,
			"amount": map[string]any{
				"currency_code": currency,
				"value":         fmt.Sprintf("%.2f", amount),
			},
		}},
	}
	var out struct {
		ID    string       `json:"id"`
		Links []paypalLink `json:"links"`
	}
	if err := p.do(ctx, http.MethodPost, "/v2/checkout/orders", payload, &out); err != nil {
		return PaymentResult{}, err
	}
	return PaymentResult{OrderID: out.ID, CheckoutURL: approvalLink(out.Links)}, nil
}

// CapturePayment implements Client.
func (p *Paypal) CapturePayment(ctx context.Context, orderID string) error {
	return p.do(ctx, http.MethodPost, "/v2/checkout/orders/"+orderID+"/capture", struct{}{}, nil)
}
