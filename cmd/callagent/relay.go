package main

import (
	"context"
	"fmt"
	"time"

	"rillcall/internal/core/ports"
	"rillcall/internal/infrastructure/monitoring"
	"rillcall/internal/infrastructure/relay"
	"rillcall/internal/infrastructure/reliability"
	"rillcall/pkg/circuitbreaker"
	"rillcall/pkg/config"

	"go.uber.org/zap"
)

// newRelay builds the configured relay backend, registers its health check
// and wraps it in a circuit breaker when enabled.
func newRelay(ctx context.Context, cfg *config.Config, health *monitoring.HealthChecker, log *zap.SugaredLogger) (ports.Relay, error) {
	var backend ports.Relay

	switch cfg.Relay.Driver {
	case "redis":
		client, err := relay.NewRedisClient(ctx, relay.RedisOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, log)
		if err != nil {
			return nil, err
		}
		redisRelay := relay.NewRedisRelay(client, log)
		health.AddPingCheck("redis", redisRelay, 10*time.Second, 2*time.Second)
		backend = redisRelay

	case "websocket":
		ws, err := relay.DialWebSocketRelay(ctx, relay.DefaultWebSocketOptions(cfg.Relay.WebSocketURL, cfg.Relay.Token), log)
		if err != nil {
			return nil, err
		}
		backend = ws

	case "memory":
		log.Warn("memory relay only reaches peers inside this process")
		backend = relay.NewMemoryRelay(log)

	default:
		return nil, fmt.Errorf("unknown relay driver %q", cfg.Relay.Driver)
	}

	if !cfg.Relay.CircuitBreaker.Enabled {
		return backend, nil
	}
	cb := circuitbreaker.DefaultConfig()
	cb.FailureThreshold = cfg.Relay.CircuitBreaker.MaxFailures
	cb.Timeout = cfg.Relay.CircuitBreaker.Timeout
	return reliability.NewRelayWrapper(backend, cb, log), nil
}
