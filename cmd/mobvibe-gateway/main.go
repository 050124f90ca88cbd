package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mobvibe/mobvibe/internal/bus"
	"github.com/mobvibe/mobvibe/internal/config"
	"github.com/mobvibe/mobvibe/internal/gateway"
	"github.com/mobvibe/mobvibe/pkg/logger"
)

const orphanSweepInterval = 5 * time.Minute

func main() {
	cfg, err := config.LoadGateway(config.GatewayOverrides{})
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		logger.SetLevel(logger.LevelDebug)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	eventBus := bus.New()
	registry := gateway.NewRegistry(eventBus)
	router := gateway.NewRouter(registry, cfg.RPCTimeout)

	// MOBVIBE_AUTH_TOKENS gates the gateway with a static token table; an
	// external auth framework's validator replaces it in larger deployments.
	// Without tokens the self-hosted gateway runs open.
	auth := gateway.AuthDisabled()
	if len(cfg.AuthTokens) > 0 {
		auth = gateway.AuthEnabled(gateway.NewTokenValidator(cfg.AuthTokens))
	}
	hub := gateway.NewHub(registry, auth)
	sockets := gateway.NewSocketServer(registry, router, hub, auth)
	server := gateway.NewServer(registry, router, hub, auth, sockets, cfg.AllowedOrigins)

	go sweepOrphans(context.Background(), router)

	logger.Infof("Mobvibe Gateway starting on %s", cfg.Addr)
	if err := server.Engine().Run(cfg.Addr); err != nil {
		logger.Errorf("Failed to start server: %v", err)
		os.Exit(1)
	}
}

// sweepOrphans periodically rejects pending calls that outlived twice the RPC
// timeout. Defense in depth beyond the per-call timer.
func sweepOrphans(ctx context.Context, router *gateway.Router) {
	ticker := time.NewTicker(orphanSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := router.SweepOrphans(2 * gateway.DefaultRPCTimeout); n > 0 {
				logger.Warnf("gateway: swept %d orphaned calls", n)
			}
		}
	}
}
