// Package gateway abstracts the payment gateway operations the billing core
// needs, with REST implementations for Razorpay and PayPal.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// requestTimeout bounds every synchronous gateway API call. Failures are
// surfaced to the caller; redelivery is the webhook sender's job.
const requestTimeout = 30 * time.Second

// ErrGatewayUnavailable wraps transport-level failures talking to a gateway.
var ErrGatewayUnavailable = errors.New("gateway: upstream unavailable")

// Customer carries the buyer details a gateway subscription needs.
type Customer struct {
	UserID string
	Email  string
	Name   string
}

// SubscriptionResult is the outcome of creating a gateway subscription.
type SubscriptionResult struct {
	SubscriptionID string // Gateway-side subscription reference.
	Status         string // Gateway-reported initial status.
	CheckoutURL    string // Approval/checkout link for the user, when required.
}

// PaymentResult is the outcome of creating a one-time payment order.
type PaymentResult struct {
	OrderID     string // Gateway-side order reference.
	CheckoutURL string // Payment approval link.
}

// ReviseResult is the outcome of a native plan revision.
type ReviseResult struct {
	RequiresApproval bool   // User must approve the revision at the gateway.
	ApprovalURL      string // Approval link when RequiresApproval is set.
}

// Client is the gateway surface consumed by the state machine and the
// upgrade orchestrator. Implementations are constructed once at startup and
// injected.
type Client interface {
	// Name returns the gateway identifier ("razorpay" or "paypal").
	Name() string
	// CreateSubscription starts a recurring subscription on the gateway plan.
	// discountPct, when positive, applies a one-cycle discount offer where
	// the gateway supports it.
	CreateSubscription(ctx context.Context, gatewayPlanID string, customer Customer, appID string, discountPct float64) (SubscriptionResult, error)
	// CancelSubscription cancels a gateway subscription, optionally at the
	// end of the current billing cycle.
	CancelSubscription(ctx context.Context, gatewaySubscriptionID string, atPeriodEnd bool) error
	// RevisePlan switches a subscription to a different gateway plan.
	RevisePlan(ctx context.Context, gatewaySubscriptionID, newGatewayPlanID string) (ReviseResult, error)
	// CreateOneTimePayment raises a standalone order for a proration or
	// addon charge.
	CreateOneTimePayment(ctx context.Context, amount float64, currency, description string, metadata map[string]string) (PaymentResult, error)
	// CapturePayment settles a previously approved one-time order.
	CapturePayment(ctx context.Context, orderID string) error
}

// apiError converts a non-2xx gateway response into an error value.
func apiError(gateway string, status int, body []byte) error {
	return fmt.Errorf("gateway: %s returned %d: %s", gateway, status, truncate(body, 512))
}

// truncate bounds error bodies so logs stay readable.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
