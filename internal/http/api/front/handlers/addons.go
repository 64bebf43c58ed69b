package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/marketfit/billingcore/internal/subscription"
)

// AddonFrontHandler serves addon purchase endpoints.
type AddonFrontHandler struct {
	svc *subscription.Service
}

// NewAddonFrontHandler constructs an AddonFrontHandler.
func NewAddonFrontHandler(svc *subscription.Service) *AddonFrontHandler {
	return &AddonFrontHandler{svc: svc}
}

// purchaseAddonRequest defines the request body for addon purchases.
type purchaseAddonRequest struct {
	SubscriptionID string  `json:"subscription_id"`
	Resource       string  `json:"resource"`
	Quantity       float64 `json:"quantity"`
	Amount         float64 `json:"amount"`
}

// Purchase buys extra resource units valid for the current billing period.
func (h *AddonFrontHandler) Purchase(c *gin.Context) {
	userID := getUserID(c)
	appID := getAppID(c)
	if appID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "app_id is required"})
		return
	}

	var body purchaseAddonRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.SubscriptionID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subscription_id is required"})
		return
	}
	if strings.TrimSpace(body.Resource) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource is required"})
		return
	}
	if body.Quantity <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity must be positive"})
		return
	}
	if body.Amount < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must not be negative"})
		return
	}

	result, errPurchase := h.svc.PurchaseAddon(c.Request.Context(), userID, body.SubscriptionID, appID, body.Resource, body.Quantity, body.Amount)
	if errPurchase != nil {
		writeServiceError(c, errPurchase)
		return
	}
	c.JSON(http.StatusOK, result)
}
