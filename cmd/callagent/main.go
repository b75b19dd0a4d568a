package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/services"
	httphandlers "rillcall/internal/handlers/http"
	"rillcall/internal/infrastructure/middleware"
	"rillcall/internal/infrastructure/monitoring"
	signaling "rillcall/internal/infrastructure/signal"
	webrtcinfra "rillcall/internal/infrastructure/webrtc"
	"rillcall/pkg/config"
	"rillcall/pkg/logger"
	"rillcall/pkg/tracing"
	"rillcall/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/root/configs/config.yaml",
	"config.yaml",
}

// loadConfig reads the first config file found. Without one, defaults
// plus RILLCALL_* overrides apply.
func loadConfig() (*config.Config, string, error) {
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, path, err
		}
	}
	cfg, err := config.Load(configPaths[0])
	return cfg, "", err
}

func main() {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if cfgPath != "" {
		log.Infow("configuration loaded", "path", cfgPath)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	health := monitoring.NewHealthChecker(logger.Named(zapLogger, "health"))

	backend, err := newRelay(ctx, cfg, health, logger.Named(zapLogger, "relay"))
	if err != nil {
		log.Fatalw("failed to create relay", "driver", cfg.Relay.Driver, "error", err)
	}
	defer backend.Close()

	transport := signaling.NewTransport(backend, signaling.TransportConfigFromConfig(cfg), logger.Named(zapLogger, "signal"))

	engines, err := webrtcinfra.NewEngineFactory(webrtcinfra.EngineConfigFromConfig(cfg), logger.Named(zapLogger, "engine"))
	if err != nil {
		log.Fatalw("failed to create negotiation engine factory", "error", err)
	}
	devices := webrtcinfra.NewSyntheticDevices(webrtcinfra.DefaultDeviceOptions(), logger.Named(zapLogger, "media"))

	deps := services.CallDependencies{
		Transport: transport,
		Engines:   engines,
		Devices:   devices,
		Metrics:   collector,
		Logger:    logger.Named(zapLogger, "call"),
	}
	if cfg.WebRTC.Probe.Enabled {
		deps.Ranker = webrtcinfra.NewICEProber(cfg.WebRTC.Probe.Timeout, logger.Named(zapLogger, "ice")).
			WithResultTTL(cfg.WebRTC.Probe.CacheTTL, nil)
	}
	call := services.NewCallService(services.CallConfigFromConfig(cfg), deps)

	health.AddCallCheck(func() domain.HealthState { return call.Status().Health }, 10*time.Second, time.Second)
	health.StartBackgroundChecks(ctx)

	go logEvents(ctx, call.Events(), log.Named("events"))

	session := sessionFromConfig(cfg)
	if err := joinCall(ctx, call, session); err != nil {
		log.Fatalw("failed to join call", "room_id", session.RoomID, "user_id", session.UserID, "error", err)
	}
	log.Infow("call joined", "room_id", session.RoomID, "user_id", session.UserID, "role", session.Role, "kind", session.Kind)

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

	var guards []gin.HandlerFunc
	if cfg.Auth.Enabled {
		// Status API tokens are minted by the relay with the shared secret.
		validator := services.NewRelayAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
		router.Use(middleware.OptionalAuthMiddleware(validator))
		guards = append(guards, middleware.AuthMiddleware(validator, log.Named("auth")))
	}
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	httphandlers.NewCallHandler(call, health).SetupRoutes(router, guards...)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting call agent status API on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := call.EndCall(shutdownCtx); err != nil {
		log.Warnw("Error ending call", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error flushing traces", "error", err)
	}

	log.Info("Call agent stopped")
}

func sessionFromConfig(cfg *config.Config) domain.CallSession {
	userID := cfg.Call.UserID
	if userID == "" {
		userID = utils.GenerateUserID()
	}
	kind := domain.CallKindAudio
	if cfg.Media.Video {
		kind = domain.CallKindVideo
	}
	return domain.CallSession{
		RoomID: domain.RoomID(cfg.Call.RoomID),
		UserID: domain.UserID(userID),
		Kind:   kind,
		Role:   domain.CallRole(cfg.Call.Role),
	}
}

func joinCall(ctx context.Context, call *services.CallService, session domain.CallSession) error {
	if session.Role == domain.RoleCaller {
		_, err := call.StartCall(ctx, session)
		return err
	}
	_, err := call.JoinCall(ctx, session)
	return err
}

func logEvents(ctx context.Context, events *services.CallEvents, log *zap.SugaredLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-events.LocalStream():
			log.Infow("local stream ready", "stream_id", s.ID(), "tracks", len(s.Tracks()))
		case t := <-events.RemoteStream():
			log.Infow("remote track", "track_id", t.ID(), "kind", t.Kind())
		case state := <-events.ConnectionState():
			log.Infow("call state", "state", state)
		case state := <-events.ICEState():
			log.Debugw("ice state", "state", state)
		case q := <-events.Quality():
			log.Debugw("quality", "overall", q.Overall, "audio_score", q.AudioScore, "video_score", q.VideoScore)
		case r := <-events.Reconnection():
			log.Infow("reconnection", "phase", r.Phase, "attempt", r.Attempt)
		case h := <-events.Health():
			log.Infow("connection health", "state", h.State, "failures", h.ConsecutiveFailures)
		case m := <-events.DataMessage():
			log.Infow("chat", "from", m.SenderID, "text", m.Text)
		case p := <-events.ProfileChanged():
			log.Infow("quality profile", "profile", p.Name)
		case a := <-events.Adaptation():
			log.Infow("adaptation", "type", a.Type, "from", a.From, "to", a.To)
		case err := <-events.Errors():
			log.Warnw("call error", "error", err)
		}
	}
}
