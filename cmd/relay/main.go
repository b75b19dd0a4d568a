package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"rillcall/internal/core/ports"
	"rillcall/internal/core/services"
	httphandlers "rillcall/internal/handlers/http"
	"rillcall/internal/infrastructure/middleware"
	"rillcall/internal/infrastructure/monitoring"
	signaling "rillcall/internal/infrastructure/signal"
	"rillcall/pkg/config"
	"rillcall/pkg/logger"
	"rillcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/root/configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	var loadedFrom string

	for _, path := range configPaths {
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		cfg, err = config.Load(path)
		loadedFrom = path
		break
	}
	if cfg == nil && err == nil {
		cfg, err = config.Load(configPaths[0])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if loadedFrom != "" {
		log.Infow("configuration loaded", "path", loadedFrom)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-relay",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	health := monitoring.NewHealthChecker(logger.Named(zapLogger, "health"))

	var authService *services.RelayAuthService
	var validator ports.TokenValidator
	if cfg.Auth.Enabled {
		authService = services.NewRelayAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
		validator = authService
		log.Info("relay authentication enabled")
	}

	relayServer := signaling.NewRelayServer(signaling.RelayServerConfigFromConfig(cfg), validator, collector, logger.Named(zapLogger, "relay"))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpLog := logger.NewContextLogger(zapLogger.Named("http"))
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(middleware.RequestLoggerMiddleware(httpLog))
	router.Use(middleware.ErrorHandlerMiddleware(httpLog))
	if validator != nil {
		// Lets the rate limiter key authenticated callers by user.
		router.Use(middleware.OptionalAuthMiddleware(validator))
	}
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	httphandlers.NewRelayHandler(relayServer, health).SetupRoutes(router)
	if authService != nil {
		httphandlers.NewAuthHandler(authService, int(authService.TTL().Seconds())).SetupRoutes(router)
	}
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	health.StartBackgroundChecks(ctx)

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting RillCall relay on %s", cfg.Signal.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("Relay server failed", "error", err)
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	relayServer.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during relay shutdown", "error", err)
		srv.Close()
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error flushing traces", "error", err)
	}

	log.Info("RillCall relay stopped")
}
