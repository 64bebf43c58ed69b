// Package app wires configuration, storage, gateways, and the HTTP surface
// into a runnable billing server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/marketfit/billingcore/internal/config"
	"github.com/marketfit/billingcore/internal/db"
	"github.com/marketfit/billingcore/internal/gateway"
	front "github.com/marketfit/billingcore/internal/http/api/front"
	"github.com/marketfit/billingcore/internal/lifecycle"
	"github.com/marketfit/billingcore/internal/models"
	"github.com/marketfit/billingcore/internal/quota"
	"github.com/marketfit/billingcore/internal/subscription"
	"github.com/marketfit/billingcore/internal/upgrade"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// shutdownTimeout bounds graceful drain of in-flight requests.
const shutdownTimeout = 10 * time.Second

// Migrate applies database migrations and exits.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	return db.Migrate(conn)
}

// buildGateways constructs the gateway clients keyed by provider name.
func buildGateways(cfg config.GatewayConfig) map[string]gateway.Client {
	return map[string]gateway.Client{
		models.GatewayRazorpay: gateway.NewRazorpay(cfg.Razorpay),
		models.GatewayPaypal:   gateway.NewPaypal(cfg.Paypal),
	}
}

// buildRouter assembles the gin engine with all billing routes registered.
func buildRouter(conn *gorm.DB, jwtCfg config.JWTConfig, gatewayCfg config.GatewayConfig, svc *subscription.Service) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	front.RegisterFrontRoutes(r, conn, jwtCfg, gatewayCfg, svc)
	return r
}

// RunServer boots the billing API server with database-backed components.
func RunServer(ctx context.Context, cfg config.AppConfig, defaultPort int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	jwtConfig, _ := config.LoadJWTConfig(configPath)
	gatewayConfig, _ := config.LoadGatewayConfig(configPath)
	policy, _ := config.LoadUpgradePolicy(configPath)

	ledger := quota.NewLedger(conn)
	gateways := buildGateways(gatewayConfig)
	machine := lifecycle.NewMachine(conn, ledger, gateways)
	orchestrator := upgrade.NewOrchestrator(conn, ledger, gateways, policy)
	svc := subscription.NewService(conn, ledger, machine, orchestrator, gateways)

	if defaultPort <= 0 {
		defaultPort = 8318
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", defaultPort),
		Handler:           buildRouter(conn, jwtConfig, gatewayConfig, svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("starting billing server on %s with config=%s", server.Addr, cfg.ConfigPath)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			return errShutdown
		}
		return ctx.Err()
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}
