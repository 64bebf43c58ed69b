package front

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/marketfit/billingcore/internal/config"
	handlers "github.com/marketfit/billingcore/internal/http/api/front/handlers"
	"github.com/marketfit/billingcore/internal/subscription"
	"gorm.io/gorm"
)

// RegisterFrontRoutes registers user-facing routes, middleware, and handlers.
func RegisterFrontRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, gatewayCfg config.GatewayConfig, svc *subscription.Service) {
	if r == nil || db == nil || svc == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(db)
	r.GET("/healthz", healthHandler.Healthz)

	webhookHandler := handlers.NewWebhookHandler(svc, gatewayCfg)
	r.POST("/v0/webhooks/razorpay", webhookHandler.Razorpay)
	r.POST("/v0/webhooks/paypal", webhookHandler.Paypal)

	frontGroup := r.Group("/v0/front")

	authed := frontGroup.Group("")
	authed.Use(userAuthMiddleware(jwtCfg))

	planHandler := handlers.NewPlanFrontHandler(svc)
	authed.GET("/plans", planHandler.List)

	subscriptionHandler := handlers.NewSubscriptionFrontHandler(svc)
	authed.GET("/subscription", subscriptionHandler.Get)
	authed.POST("/subscriptions", subscriptionHandler.Create)
	authed.POST("/subscriptions/:id/cancel", subscriptionHandler.Cancel)
	authed.POST("/subscriptions/:id/upgrade", subscriptionHandler.Upgrade)

	quotaHandler := handlers.NewQuotaFrontHandler(svc)
	authed.GET("/quota", quotaHandler.Get)
	authed.POST("/quota/check", quotaHandler.Check)
	authed.POST("/quota/decrement", quotaHandler.Decrement)

	addonHandler := handlers.NewAddonFrontHandler(svc)
	authed.POST("/addons", addonHandler.Purchase)

	invoiceHandler := handlers.NewInvoiceFrontHandler(svc)
	authed.GET("/invoices", invoiceHandler.List)
}

// userClaims carries the identity fields issued to application users.
type userClaims struct {
	UserID string `json:"user_id"`
	AppID  string `json:"app_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

// parseUserToken validates a user JWT and returns its claims.
func parseUserToken(secret, token string) (*userClaims, error) {
	claims := &userClaims{}
	parsed, errParse := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if errParse != nil {
		return nil, errParse
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return claims, nil
}

func userAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := parseUserToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if strings.TrimSpace(claims.UserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token missing user identity"})
			return
		}

		c.Set("userID", claims.UserID)
		c.Set("appID", claims.AppID)
		c.Set("userEmail", claims.Email)
		c.Set("userName", claims.Name)
		c.Next()
	}
}
