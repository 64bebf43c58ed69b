package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/marketfit/billingcore/internal/billing"
	"github.com/marketfit/billingcore/internal/gateway"
	"github.com/marketfit/billingcore/internal/quota"
	"github.com/marketfit/billingcore/internal/subscription"
	"github.com/marketfit/billingcore/internal/upgrade"
)

// writeServiceError maps service-layer sentinels to HTTP responses. Anything
// unrecognized is treated as an internal fault without leaking its message.
func writeServiceError(c *gin.Context, err error) {
	var blocked *quota.BlockedError
	switch {
	case errors.Is(err, subscription.ErrPlanNotFound),
		errors.Is(err, upgrade.ErrPlanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
	case errors.Is(err, subscription.ErrSubscriptionNotFound),
		errors.Is(err, upgrade.ErrSubscriptionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
	case errors.Is(err, subscription.ErrAlreadySubscribed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, subscription.ErrSubscriptionNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, subscription.ErrNoGatewayForCurrency),
		errors.Is(err, upgrade.ErrUnsupportedCurrency):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, billing.ErrDowngradeRequested),
		errors.Is(err, billing.ErrDiscountTooHigh),
		errors.Is(err, upgrade.ErrAnnualToMonthly),
		errors.Is(err, upgrade.ErrUpgradeBlocked):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.As(err, &blocked):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "status": blocked.Status})
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}
