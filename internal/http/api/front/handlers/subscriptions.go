package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/marketfit/billingcore/internal/subscription"
)

// SubscriptionFrontHandler handles subscription endpoints for users.
type SubscriptionFrontHandler struct {
	svc *subscription.Service
}

// NewSubscriptionFrontHandler constructs a SubscriptionFrontHandler.
func NewSubscriptionFrontHandler(svc *subscription.Service) *SubscriptionFrontHandler {
	return &SubscriptionFrontHandler{svc: svc}
}

// Get returns the caller's current subscription, or null when the user has
// none beyond the implicit free tier.
func (h *SubscriptionFrontHandler) Get(c *gin.Context) {
	userID := getUserID(c)
	appID := getAppID(c)
	if appID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "app_id is required"})
		return
	}

	sub, errFind := h.svc.UserSubscription(c.Request.Context(), userID, appID)
	if errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query subscription failed"})
		return
	}
	if sub == nil {
		c.JSON(http.StatusOK, gin.H{"subscription": nil})
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscription": gin.H{
		"id":                     sub.ID,
		"plan_id":                sub.PlanID,
		"status":                 sub.Status,
		"payment_gateway":        sub.PaymentGateway,
		"current_period_start":   sub.CurrentPeriodStart,
		"current_period_end":     sub.CurrentPeriodEnd,
		"cancellation_scheduled": sub.CancellationScheduled,
		"created_at":             sub.CreatedAt,
	}})
}

// createSubscriptionRequest defines the request body for creating subscriptions.
type createSubscriptionRequest struct {
	PlanID string `json:"plan_id"`
}

// Create starts a subscription to the requested plan.
func (h *SubscriptionFrontHandler) Create(c *gin.Context) {
	userID := getUserID(c)
	appID := getAppID(c)
	if appID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "app_id is required"})
		return
	}

	var body createSubscriptionRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.PlanID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plan_id is required"})
		return
	}

	result, errCreate := h.svc.CreateSubscription(c.Request.Context(), userID, body.PlanID, appID, getCustomer(c))
	if errCreate != nil {
		writeServiceError(c, errCreate)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Cancel schedules cancellation of a subscription.
func (h *SubscriptionFrontHandler) Cancel(c *gin.Context) {
	userID := getUserID(c)
	subscriptionID := strings.TrimSpace(c.Param("id"))
	if subscriptionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subscription id is required"})
		return
	}

	if errCancel := h.svc.CancelSubscription(c.Request.Context(), userID, subscriptionID); errCancel != nil {
		writeServiceError(c, errCancel)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancellation_scheduled"})
}

// upgradeSubscriptionRequest defines the request body for plan upgrades.
type upgradeSubscriptionRequest struct {
	PlanID string `json:"plan_id"`
}

// Upgrade moves a subscription to a higher-priced plan.
func (h *SubscriptionFrontHandler) Upgrade(c *gin.Context) {
	userID := getUserID(c)
	appID := getAppID(c)
	subscriptionID := strings.TrimSpace(c.Param("id"))
	if subscriptionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subscription id is required"})
		return
	}

	var body upgradeSubscriptionRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.PlanID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plan_id is required"})
		return
	}

	result, errUpgrade := h.svc.Upgrade(c.Request.Context(), userID, subscriptionID, body.PlanID, appID)
	if errUpgrade != nil {
		writeServiceError(c, errUpgrade)
		return
	}
	c.JSON(http.StatusOK, result)
}
