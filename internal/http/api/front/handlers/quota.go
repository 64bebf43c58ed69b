package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/marketfit/billingcore/internal/subscription"
)

// QuotaFrontHandler serves resource quota endpoints.
type QuotaFrontHandler struct {
	svc *subscription.Service
}

// NewQuotaFrontHandler constructs a QuotaFrontHandler.
func NewQuotaFrontHandler(svc *subscription.Service) *QuotaFrontHandler {
	return &QuotaFrontHandler{svc: svc}
}

// Get returns the caller's remaining quota per resource, provisioning the
// free tier when the user has no usage row yet.
func (h *QuotaFrontHandler) Get(c *gin.Context) {
	userID := getUserID(c)
	appID := getAppID(c)
	if appID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "app_id is required"})
		return
	}

	if _, _, errEnsure := h.svc.EnsureQuota(c.Request.Context(), userID, appID); errEnsure != nil {
		writeServiceError(c, errEnsure)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quota": h.svc.Quota(c.Request.Context(), userID, appID)})
}

// quotaRequest defines the request body for quota checks and decrements.
type quotaRequest struct {
	Resource string  `json:"resource"`
	Count    float64 `json:"count"`
}

func (r *quotaRequest) validate() string {
	if strings.TrimSpace(r.Resource) == "" {
		return "resource is required"
	}
	if r.Count <= 0 {
		return "count must be positive"
	}
	return ""
}

// Check reports whether the caller can consume the requested units.
func (h *QuotaFrontHandler) Check(c *gin.Context) {
	userID := getUserID(c)
	appID := getAppID(c)
	if appID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "app_id is required"})
		return
	}

	var body quotaRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if msg := body.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	available, errCheck := h.svc.CheckAvailability(c.Request.Context(), userID, appID, body.Resource, body.Count)
	if errCheck != nil {
		writeServiceError(c, errCheck)
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": available})
}

// Decrement consumes quota units for the caller.
func (h *QuotaFrontHandler) Decrement(c *gin.Context) {
	userID := getUserID(c)
	appID := getAppID(c)
	if appID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "app_id is required"})
		return
	}

	var body quotaRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if msg := body.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	consumed, errDecrement := h.svc.Decrement(c.Request.Context(), userID, appID, body.Resource, body.Count)
	if errDecrement != nil {
		writeServiceError(c, errDecrement)
		return
	}
	if !consumed {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient quota"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
