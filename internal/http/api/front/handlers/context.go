package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/marketfit/billingcore/internal/gateway"
)

// getUserID returns the authenticated user's ID, or "" when unauthenticated.
func getUserID(c *gin.Context) string {
	return c.GetString("userID")
}

// getAppID returns the calling application's ID from the token, falling back
// to the app_id query parameter for tokens issued without one.
func getAppID(c *gin.Context) string {
	if appID := strings.TrimSpace(c.GetString("appID")); appID != "" {
		return appID
	}
	return strings.TrimSpace(c.Query("app_id"))
}

// getCustomer assembles gateway customer details from the token claims.
func getCustomer(c *gin.Context) gateway.Customer {
	return gateway.Customer{
		UserID: getUserID(c),
		Email:  c.GetString("userEmail"),
		Name:   c.GetString("userName"),
	}
}
