package services

import (
	"context"
	"math"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/tracing"
	"rillcall/pkg/utils"

	"go.uber.org/zap"
)

// ReconnectPhase tracks the reconnection side of the controller.
type ReconnectPhase int

const (
	ReconnectIdle ReconnectPhase = iota
	// ReconnectWaiting: degraded, giving the transport one delay window to recover.
	ReconnectWaiting
	ReconnectReconnecting
	// ReconnectExhausted: budget spent; only ForceReconnect leaves this phase.
	ReconnectExhausted
)

func (p ReconnectPhase) String() string {
	switch p {
	case ReconnectWaiting:
		return "waiting"
	case ReconnectReconnecting:
		return "reconnecting"
	case ReconnectExhausted:
		return "exhausted"
	default:
		return "idle"
	}
}

// Reconnector is the part of the call the controller drives.
type Reconnector interface {
	RestartICE(ctx context.Context) error
	ReconnectionFailed(attempts int)
}

type ResilienceConfig struct {
	HealthCheckInterval  time.Duration
	ReconnectDelay       time.Duration
	ConnectionTimeout    time.Duration
	EscalationFactor     float64
	MaxReconnectAttempts int
	PollInterval         time.Duration
}

func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		HealthCheckInterval:  5 * time.Second,
		ReconnectDelay:       2 * time.Second,
		ConnectionTimeout:    10 * time.Second,
		EscalationFactor:     1.5,
		MaxReconnectAttempts: 5,
		PollInterval:         time.Second,
	}
}

// AttemptTimeout is how long attempt n (1-based) waits for the transport.
func (c ResilienceConfig) AttemptTimeout(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return time.Duration(float64(c.ConnectionTimeout) * math.Pow(c.EscalationFactor, float64(n-1)))
}

// ResilienceService watches transport health and drives ICE restarts when
// the connection is lost.
type ResilienceService struct {
	cfg         ResilienceConfig
	roomID      domain.RoomID
	reconnector Reconnector
	clock       utils.Clock
	events      *CallEvents
	metrics     ports.CallMetrics
	logger      *zap.SugaredLogger

	mu            sync.Mutex
	engine        ports.NegotiationEngine
	health        domain.ConnectionHealth
	phase         ReconnectPhase
	attempts      int
	transport     domain.TransportState
	everConnected bool

	runCtx     context.Context
	cancel     context.CancelFunc
	waitCancel context.CancelFunc
	wg         sync.WaitGroup
}

func NewResilienceService(
	cfg ResilienceConfig,
	roomID domain.RoomID,
	reconnector Reconnector,
	clock utils.Clock,
	events *CallEvents,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *ResilienceService {
	if clock == nil {
		clock = utils.SystemClock
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.EscalationFactor < 1 {
		cfg.EscalationFactor = 1
	}
	return &ResilienceService{
		cfg:         cfg,
		roomID:      roomID,
		reconnector: reconnector,
		clock:       clock,
		events:      events,
		metrics:     metricsOrNop(metrics),
		logger:      loggerOrNop(logger),
		health:      domain.ConnectionHealth{IsHealthy: true, State: domain.HealthHealthy},
		transport:   domain.TransportNew,
	}
}

// Start begins the periodic health check against engine.
func (r *ResilienceService) Start(ctx context.Context, engine ports.NegotiationEngine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	r.runCtx, r.cancel = context.WithCancel(ctx)
	r.engine = engine

	if r.cfg.HealthCheckInterval > 0 {
		r.wg.Add(1)
		go r.healthLoop(r.runCtx)
	}
}

// Stop cancels the health check, any pending wait and any reconnect loop,
// and waits for them. Idempotent.
func (r *ResilienceService) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.waitCancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()

	r.mu.Lock()
	r.engine = nil
	if r.phase != ReconnectExhausted {
		r.phase = ReconnectIdle
	}
	r.mu.Unlock()
}

func (r *ResilienceService) Health() domain.ConnectionHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.health
}

func (r *ResilienceService) Phase() ReconnectPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *ResilienceService) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// HandleTransportState reacts to a peer connection state change.
func (r *ResilienceService) HandleTransportState(state domain.TransportState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transport = state
	if r.cancel == nil {
		return
	}

	switch state {
	case domain.TransportConnected:
		r.everConnected = true
		if r.phase == ReconnectReconnecting {
			return
		}
		r.cancelWaitLocked()
		r.phase = ReconnectIdle
		r.attempts = 0
		r.health.ConsecutiveFailures = 0
		r.health.LastSuccessfulCheck = r.clock.Now()
		r.setHealthLocked(domain.HealthHealthy)

	case domain.TransportDisconnected:
		if r.busyLocked() {
			return
		}
		if r.health.State == domain.HealthHealthy {
			r.setHealthLocked(domain.HealthDegraded)
		}
		r.scheduleWaitLocked()

	case domain.TransportFailed:
		if r.busyLocked() {
			return
		}
		r.cancelWaitLocked()
		r.setHealthLocked(domain.HealthFailing)
		r.startReconnectLocked()
	}
}

// HandleQuality lets a bad reading demote healthy to degraded. It never
// escalates further on its own.
func (r *ResilienceService) HandleQuality(m domain.QualityMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil || r.busyLocked() {
		return
	}

	switch {
	case m.Overall.IsBad():
		if r.health.State == domain.HealthHealthy {
			r.setHealthLocked(domain.HealthDegraded)
			r.scheduleWaitLocked()
		}
	case r.health.State == domain.HealthDegraded && r.transport == domain.TransportConnected:
		r.cancelWaitLocked()
		r.phase = ReconnectIdle
		r.setHealthLocked(domain.HealthHealthy)
	}
}

// CheckHealth cross-checks the connection state against the ability to
// read statistics. Skipped until the first connection.
func (r *ResilienceService) CheckHealth(ctx context.Context) {
	r.mu.Lock()
	engine := r.engine
	skip := engine == nil || !r.everConnected || r.busyLocked()
	r.mu.Unlock()
	if skip {
		return
	}

	state := engine.ConnectionState()
	_, statsErr := engine.GetStats(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil || r.busyLocked() {
		return
	}

	if state == domain.TransportConnected && statsErr == nil {
		r.health.ConsecutiveFailures = 0
		r.health.LastSuccessfulCheck = r.clock.Now()
		if r.health.State == domain.HealthFailing {
			r.setHealthLocked(domain.HealthHealthy)
		}
		return
	}

	r.health.ConsecutiveFailures++
	r.logger.Debugw("health check failed",
		"state", state,
		"failures", r.health.ConsecutiveFailures,
		"stats_error", statsErr,
	)

	switch r.health.State {
	case domain.HealthHealthy:
		r.setHealthLocked(domain.HealthDegraded)
		r.scheduleWaitLocked()
	case domain.HealthDegraded:
		if r.phase != ReconnectWaiting {
			r.setHealthLocked(domain.HealthFailing)
			r.startReconnectLocked()
		}
	}
}

// ForceReconnect resets the attempt budget and starts reconnecting.
func (r *ResilienceService) ForceReconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil || r.phase == ReconnectReconnecting {
		return
	}
	r.logger.Infow("forced reconnect", "previous_attempts", r.attempts)
	r.cancelWaitLocked()
	r.attempts = 0
	r.phase = ReconnectIdle
	r.setHealthLocked(domain.HealthFailing)
	r.startReconnectLocked()
}

func (r *ResilienceService) healthLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckHealth(ctx)
		}
	}
}

func (r *ResilienceService) busyLocked() bool {
	return r.phase == ReconnectReconnecting || r.phase == ReconnectExhausted
}

func (r *ResilienceService) setHealthLocked(to domain.HealthState) {
	from := r.health.State
	if from == to {
		return
	}
	if !from.CanTransition(to) {
		r.logger.Debugw("ignored health transition", "from", from, "to", to)
		return
	}
	r.health.State = to
	r.health.IsHealthy = to == domain.HealthHealthy
	r.logger.Infow("connection health changed", "from", from, "to", to)
	r.metrics.RecordHealthState(to)
	r.events.emitHealth(r.health)
}

func (r *ResilienceService) cancelWaitLocked() {
	if r.waitCancel != nil {
		r.waitCancel()
		r.waitCancel = nil
	}
	if r.phase == ReconnectWaiting {
		r.phase = ReconnectIdle
	}
}

func (r *ResilienceService) scheduleWaitLocked() {
	if r.phase != ReconnectIdle {
		return
	}
	waitCtx, cancel := context.WithCancel(r.runCtx)
	r.waitCancel = cancel
	r.phase = ReconnectWaiting

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		timer := time.NewTimer(r.cfg.ReconnectDelay)
		defer timer.Stop()
		select {
		case <-waitCtx.Done():
		case <-timer.C:
			r.onWaitElapsed(waitCtx)
		}
	}()
}

func (r *ResilienceService) onWaitElapsed(waitCtx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if waitCtx.Err() != nil || r.phase != ReconnectWaiting {
		return
	}
	r.phase = ReconnectIdle
	r.waitCancel = nil

	// a quality dip on a connected transport stays degraded
	if r.health.State != domain.HealthDegraded || r.transport == domain.TransportConnected {
		return
	}
	r.setHealthLocked(domain.HealthFailing)
	r.startReconnectLocked()
}

func (r *ResilienceService) startReconnectLocked() {
	if r.phase == ReconnectReconnecting || r.runCtx == nil {
		return
	}
	r.phase = ReconnectReconnecting
	r.wg.Add(1)
	go r.reconnectLoop(r.runCtx)
}

func (r *ResilienceService) reconnectLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		r.mu.Lock()
		if r.attempts >= r.cfg.MaxReconnectAttempts {
			attempts := r.attempts
			r.phase = ReconnectExhausted
			r.setHealthLocked(domain.HealthFailed)
			r.mu.Unlock()
			r.exhausted(attempts)
			return
		}
		r.attempts++
		n := r.attempts
		engine := r.engine
		r.mu.Unlock()

		status := domain.ReconnectionStatus{Phase: domain.ReconnectAttempting, Attempt: n}
		r.metrics.RecordReconnection(status)
		r.events.emitReconnection(status)

		timeout := r.cfg.AttemptTimeout(n)
		r.logger.Infow("reconnection attempt", "attempt", n, "timeout", timeout)

		spanCtx, span := tracing.TraceReconnect(ctx, string(r.roomID), n)
		if err := r.reconnector.RestartICE(spanCtx); err != nil {
			tracing.RecordError(spanCtx, err)
			r.logger.Warnw("ice restart failed", "attempt", n, "error", err)
		}
		ok := r.awaitConnected(ctx, engine, timeout)
		span.End()

		if ctx.Err() != nil {
			return
		}
		if ok {
			r.mu.Lock()
			r.attempts = 0
			r.phase = ReconnectIdle
			r.health.ConsecutiveFailures = 0
			r.health.LastSuccessfulCheck = r.clock.Now()
			r.setHealthLocked(domain.HealthHealthy)
			r.mu.Unlock()

			status := domain.ReconnectionStatus{Phase: domain.ReconnectSuccess, Attempt: n}
			r.logger.Infow("reconnected", "attempt", n)
			r.metrics.RecordReconnection(status)
			r.events.emitReconnection(status)
			return
		}
	}
}

func (r *ResilienceService) exhausted(attempts int) {
	r.logger.Errorw("reconnection budget exhausted", "attempts", attempts)
	status := domain.ReconnectionStatus{Phase: domain.ReconnectFailed, Attempt: attempts}
	r.metrics.RecordReconnection(status)
	r.events.emitReconnection(status)
	r.events.emitError(apperrors.NewReconnectionFailedError(attempts))
	if r.reconnector != nil {
		r.reconnector.ReconnectionFailed(attempts)
	}
}

// awaitConnected polls the engine every PollInterval until it reports
// connected or timeout elapses.
func (r *ResilienceService) awaitConnected(ctx context.Context, engine ports.NegotiationEngine, timeout time.Duration) bool {
	if engine == nil {
		return false
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return engine.ConnectionState() == domain.TransportConnected
		case <-poll.C:
			if engine.ConnectionState() == domain.TransportConnected {
				return true
			}
		}
	}
}
