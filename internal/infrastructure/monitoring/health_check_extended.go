package monitoring

import (
	"context"
	"fmt"
	"time"

	"rillcall/internal/core/domain"
)

// Pinger is anything with a cheap liveness round trip.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AddPingCheck adds a check that passes while p answers.
func (h *HealthChecker) AddPingCheck(name string, p Pinger, interval, timeout time.Duration) {
	h.AddCheck(name, func(ctx context.Context) (bool, error) {
		if err := p.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddCallCheck reports unhealthy once the call's connection health is failed.
func (h *HealthChecker) AddCallCheck(health func() domain.HealthState, interval, timeout time.Duration) {
	h.AddCheck("call", func(ctx context.Context) (bool, error) {
		state := health()
		if state == domain.HealthFailed {
			return false, fmt.Errorf("connection health %s", state)
		}
		return true, nil
	}, interval, timeout)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
