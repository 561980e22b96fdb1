// The main file of Trophonius.

package main

import (
	"Trophonius/internal/admin"
	"Trophonius/internal/config"
	"Trophonius/internal/directory"
	"Trophonius/internal/metrics"
	"Trophonius/internal/registry"
	"Trophonius/internal/relay"
	"Trophonius/internal/router"
	"Trophonius/pkg/cleanup"
	"Trophonius/pkg/log"
	"Trophonius/pkg/logger"
	"Trophonius/pkg/validations"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
)

var (
	// Indicates the current version of Trophonius.
	Version = "1.0.0"
	// Addresses the three listeners bind to.
	srvaddr, clientport, adminport, opsport string
	// Where the Directory Service lives.
	directoryaddr string
)

func init() {
	if len(os.Getenv("ENV")) == 0 {
		logger.Logger.Fatal().Err(errors.New("os couldn't load ENV."))
	}

	logger.Setup(os.Getenv("ENV"))
	// Development runs load the rest of their environment from config/dev.env.
	if os.Getenv("ENV") == "DEV" {
		config.LoadDevConfig()
	}
	logger.Logger.Info().Msg(fmt.Sprintf("Welcome to Trophonius: v%s", Version))
	logger.Logger.Info().Msg(fmt.Sprintf("Trophonius Environment: %s", os.Getenv("ENV")))

	// Fetching listener addresses and the Directory Service address depending upon env flag.
	srvaddr = config.EnvOrDefault("SRV_ADDR", "0.0.0.0")
	clientport = config.EnvOrDefault("CLIENT_PORT", "23456")
	adminport = config.EnvOrDefault("ADMIN_PORT", "23457")
	opsport = config.EnvOrDefault("OPS_PORT", "8081")
	directoryaddr = os.Getenv("DIRECTORY_ADDR")
	if len(directoryaddr) == 0 {
		logger.Logger.Fatal().Err(errors.New("os couldn't load DIRECTORY_ADDR."))
	}

	// This is the preferred mode used by gin server in DEV environment.
	if os.Getenv("ENV") == "DEV" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
}

func main() {
	ctx := context.Background()
	applogger := log.New(Version)

	// Custom validations (nospace etc.) used by the wire entities.
	validations.RegisterCustomValidations(ctx, applogger)

	// The timing contract of the client protocol is tunable for tests and staging.
	connectTimeout := config.EnvDurationOrDefault("CONNECT_TIMEOUT", relay.DefaultConnectTimeout)
	pingDeadline := config.EnvDurationOrDefault("PING_DEADLINE", relay.DefaultPingDeadline)

	// Shared state and collaborators, all injected explicitly.
	clientRegistry := registry.NewService(applogger)
	directoryRepo := directory.NewRepository(directoryaddr, 10*time.Second)
	relayMetrics := metrics.NewService()

	relayService := relay.NewService(srvaddr+":"+clientport, connectTimeout, pingDeadline,
		clock.New(), clientRegistry, directoryRepo, relayMetrics, applogger)
	routerService := router.NewService(clientRegistry, directoryRepo, relayMetrics, applogger)
	adminService := admin.NewService(srvaddr+":"+adminport, routerService, applogger)

	// Initializing the gin server for the ops endpoints.
	server := gin.New()
	server.Use(log.LoggerGinExtension(applogger))
	server.Use(gin.Recovery())
	Router(server, relayMetrics, clientRegistry, applogger)
	srv := &http.Server{
		Addr:    srvaddr + ":" + opsport,
		Handler: server,
	}

	// Serve is a blocking operation, putting each listener in a goroutine.
	go func() {
		if err := relayService.Serve(ctx); err != nil {
			applogger.Fatal().Err(err).Msg("Client listener failed")
		}
	}()
	go func() {
		if err := adminService.Serve(ctx); err != nil {
			applogger.Fatal().Err(err).Msg("Admin listener failed")
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			applogger.Fatal().Err(err).Msg("Ops server failed")
		}
	}()

	// Graceful shutdown of Trophonius triggered due to system interruptions.
	wait := cleanup.GracefulShutdown(ctx, applogger, 15*time.Second, map[string]cleanup.Operation{
		"Client-listener": func(ctx context.Context) error {
			return relayService.Shutdown(ctx)
		},
		"Admin-listener": func(ctx context.Context) error {
			return adminService.Shutdown(ctx)
		},
		"Ops-server": func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	<-wait
}
