package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/marketfit/billingcore/internal/subscription"
)

// PlanFrontHandler serves plan catalog endpoints.
type PlanFrontHandler struct {
	svc *subscription.Service
}

// NewPlanFrontHandler constructs a PlanFrontHandler.
func NewPlanFrontHandler(svc *subscription.Service) *PlanFrontHandler {
	return &PlanFrontHandler{svc: svc}
}

// List returns purchasable plans for the calling application.
func (h *PlanFrontHandler) List(c *gin.Context) {
	appID := getAppID(c)
	if appID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "app_id is required"})
		return
	}

	plans, errList := h.svc.AvailablePlans(c.Request.Context(), appID)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list plans failed"})
		return
	}

	out := make([]gin.H, 0, len(plans))
	for _, plan := range plans {
		out = append(out, gin.H{
			"id":             plan.ID,
			"name":           plan.Name,
			"amount":         plan.Amount,
			"currency":       plan.Currency,
			"interval":       plan.Interval,
			"interval_count": plan.IntervalCount,
			"features":       plan.Features,
			"is_free":        plan.IsFree(),
		})
	}

	c.JSON(http.StatusOK, gin.H{"plans": out})
}
