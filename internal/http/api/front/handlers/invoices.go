package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/marketfit/billingcore/internal/subscription"
)

// InvoiceFrontHandler serves billing history endpoints.
type InvoiceFrontHandler struct {
	svc *subscription.Service
}

// NewInvoiceFrontHandler constructs an InvoiceFrontHandler.
func NewInvoiceFrontHandler(svc *subscription.Service) *InvoiceFrontHandler {
	return &InvoiceFrontHandler{svc: svc}
}

// List returns the caller's invoices, newest first.
func (h *InvoiceFrontHandler) List(c *gin.Context) {
	userID := getUserID(c)
	appID := getAppID(c)
	if appID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "app_id is required"})
		return
	}

	invoices, errList := h.svc.BillingHistory(c.Request.Context(), userID, appID)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list invoices failed"})
		return
	}

	out := make([]gin.H, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, gin.H{
			"id":              inv.ID,
			"subscription_id": inv.SubscriptionID,
			"amount":          inv.Amount,
			"currency":        inv.Currency,
			"status":          inv.Status,
			"payment_method":  inv.PaymentMethod,
			"invoice_date":    inv.InvoiceDate,
			"paid_at":         inv.PaidAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"invoices": out})
}
