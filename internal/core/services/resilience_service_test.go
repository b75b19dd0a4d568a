package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/internal/testutil"
	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeReconnector struct {
	mu        sync.Mutex
	restarts  []time.Time
	failed    []int
	onRestart func(n int)
}

func (f *fakeReconnector) RestartICE(ctx context.Context) error {
	f.mu.Lock()
	f.restarts = append(f.restarts, time.Now())
	n := len(f.restarts)
	hook := f.onRestart
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (f *fakeReconnector) ReconnectionFailed(attempts int) {
	f.mu.Lock()
	f.failed = append(f.failed, attempts)
	f.mu.Unlock()
}

func (f *fakeReconnector) restartTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.restarts...)
}

func (f *fakeReconnector) failures() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.failed...)
}

func fastResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		ReconnectDelay:       30 * time.Millisecond,
		ConnectionTimeout:    20 * time.Millisecond,
		EscalationFactor:     2,
		MaxReconnectAttempts: 3,
		PollInterval:         2 * time.Millisecond,
	}
}

func newResilienceHarness(t *testing.T, cfg ResilienceConfig) (*ResilienceService, *testutil.FakeEngine, *fakeReconnector, *CallEvents) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	events := NewCallEvents(64, logger)
	rec := &fakeReconnector{}
	r := NewResilienceService(cfg, "r1", rec, utils.SystemClock, events, nil, logger)
	engine := testutil.NewFakeEngine()
	r.Start(context.Background(), engine)
	t.Cleanup(r.Stop)

	engine.SetStateSilently(domain.TransportConnected)
	r.HandleTransportState(domain.TransportConnected)
	return r, engine, rec, events
}

func reconnectionStatuses(e *CallEvents) []domain.ReconnectionStatus {
	var out []domain.ReconnectionStatus
	for {
		select {
		case s := <-e.Reconnection():
			out = append(out, s)
		default:
			return out
		}
	}
}

func TestResilienceConfig_AttemptTimeout(t *testing.T) {
	cfg := DefaultResilienceConfig()
	assert.Equal(t, 10*time.Second, cfg.AttemptTimeout(1))
	assert.Equal(t, 15*time.Second, cfg.AttemptTimeout(2))
	assert.Equal(t, 22500*time.Millisecond, cfg.AttemptTimeout(3))
	assert.Equal(t, 10*time.Second, cfg.AttemptTimeout(0))
}

func TestResilience_FailedTransportReconnectsImmediately(t *testing.T) {
	r, engine, rec, _ := newResilienceHarness(t, fastResilienceConfig())
	rec.onRestart = func(int) { engine.SetStateSilently(domain.TransportConnected) }

	engine.SetStateSilently(domain.TransportFailed)
	r.HandleTransportState(domain.TransportFailed)

	require.Eventually(t, func() bool { return len(rec.restartTimes()) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return r.Health().State == domain.HealthHealthy }, time.Second, time.Millisecond)
	assert.Equal(t, 0, r.Attempts())
	assert.Equal(t, ReconnectIdle, r.Phase())
}

func TestResilience_ExhaustionStopsAutomaticAttempts(t *testing.T) {
	r, engine, rec, events := newResilienceHarness(t, fastResilienceConfig())

	engine.SetStateSilently(domain.TransportFailed)
	r.HandleTransportState(domain.TransportFailed)

	require.Eventually(t, func() bool { return r.Phase() == ReconnectExhausted }, 2*time.Second, time.Millisecond)
	assert.Len(t, rec.restartTimes(), 3)
	assert.Equal(t, []int{3}, rec.failures())
	assert.Equal(t, domain.HealthFailed, r.Health().State)

	statuses := reconnectionStatuses(events)
	require.Len(t, statuses, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, domain.ReconnectionStatus{Phase: domain.ReconnectAttempting, Attempt: i + 1}, statuses[i])
	}
	assert.Equal(t, domain.ReconnectionStatus{Phase: domain.ReconnectFailed, Attempt: 3}, statuses[3])

	select {
	case err := <-events.Errors():
		appErr := apperrors.GetAppError(err)
		require.NotNil(t, appErr)
		assert.Equal(t, apperrors.ErrCodeReconnectionFailed, appErr.Code)
		assert.True(t, appErr.Terminal())
	default:
		t.Fatal("expected reconnection failed error")
	}

	// further transport failures do not restart anything
	r.HandleTransportState(domain.TransportFailed)
	r.HandleTransportState(domain.TransportDisconnected)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rec.restartTimes(), 3)
}

func TestResilience_EscalatingAttemptTimeouts(t *testing.T) {
	cfg := fastResilienceConfig()
	r, engine, rec, _ := newResilienceHarness(t, cfg)

	engine.SetStateSilently(domain.TransportFailed)
	r.HandleTransportState(domain.TransportFailed)
	require.Eventually(t, func() bool { return r.Phase() == ReconnectExhausted }, 2*time.Second, time.Millisecond)

	times := rec.restartTimes()
	require.Len(t, times, 3)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), cfg.AttemptTimeout(i),
			"attempt %d waited less than its timeout", i)
	}
}

func TestResilience_ForceReconnectResetsBudget(t *testing.T) {
	r, engine, rec, events := newResilienceHarness(t, fastResilienceConfig())

	engine.SetStateSilently(domain.TransportFailed)
	r.HandleTransportState(domain.TransportFailed)
	require.Eventually(t, func() bool { return r.Phase() == ReconnectExhausted }, 2*time.Second, time.Millisecond)
	reconnectionStatuses(events)

	rec.mu.Lock()
	rec.onRestart = func(int) { engine.SetStateSilently(domain.TransportConnected) }
	rec.mu.Unlock()

	r.ForceReconnect()
	require.Eventually(t, func() bool { return r.Health().State == domain.HealthHealthy }, time.Second, time.Millisecond)

	statuses := reconnectionStatuses(events)
	require.Len(t, statuses, 2)
	assert.Equal(t, domain.ReconnectionStatus{Phase: domain.ReconnectAttempting, Attempt: 1}, statuses[0])
	assert.Equal(t, domain.ReconnectionStatus{Phase: domain.ReconnectSuccess, Attempt: 1}, statuses[1])
	assert.Equal(t, 0, r.Attempts())
	assert.Equal(t, 0, r.Health().ConsecutiveFailures)
}

func TestResilience_SuccessOnLaterAttemptResets(t *testing.T) {
	r, engine, rec, events := newResilienceHarness(t, fastResilienceConfig())
	rec.onRestart = func(n int) {
		if n == 2 {
			engine.SetStateSilently(domain.TransportConnected)
		}
	}

	engine.SetStateSilently(domain.TransportFailed)
	r.HandleTransportState(domain.TransportFailed)

	require.Eventually(t, func() bool { return r.Health().State == domain.HealthHealthy }, time.Second, time.Millisecond)
	statuses := reconnectionStatuses(events)
	require.NotEmpty(t, statuses)
	assert.Equal(t, domain.ReconnectionStatus{Phase: domain.ReconnectSuccess, Attempt: 2}, statuses[len(statuses)-1])
	assert.Equal(t, 0, r.Attempts())
}

func TestResilience_DisconnectWaitsBeforeReconnecting(t *testing.T) {
	r, engine, rec, _ := newResilienceHarness(t, fastResilienceConfig())
	rec.onRestart = func(int) { engine.SetStateSilently(domain.TransportConnected) }

	engine.SetStateSilently(domain.TransportDisconnected)
	r.HandleTransportState(domain.TransportDisconnected)
	assert.Equal(t, domain.HealthDegraded, r.Health().State)
	assert.Equal(t, ReconnectWaiting, r.Phase())
	assert.Empty(t, rec.restartTimes())

	require.Eventually(t, func() bool { return len(rec.restartTimes()) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return r.Health().State == domain.HealthHealthy }, time.Second, time.Millisecond)
}

func TestResilience_NaturalRecoveryCancelsWait(t *testing.T) {
	cfg := fastResilienceConfig()
	cfg.ReconnectDelay = 50 * time.Millisecond
	r, engine, rec, _ := newResilienceHarness(t, cfg)

	r.HandleTransportState(domain.TransportDisconnected)
	engine.SetStateSilently(domain.TransportConnected)
	r.HandleTransportState(domain.TransportConnected)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.restartTimes())
	assert.Equal(t, domain.HealthHealthy, r.Health().State)
}

func TestResilience_QualityOnlyDemotesToDegraded(t *testing.T) {
	r, _, rec, _ := newResilienceHarness(t, fastResilienceConfig())

	for i := 0; i < 5; i++ {
		r.HandleQuality(domain.QualityMetrics{Overall: domain.QualityDisconnected})
	}
	assert.Equal(t, domain.HealthDegraded, r.Health().State)

	// transport is still connected, so the wait ends without escalation
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, domain.HealthDegraded, r.Health().State)
	assert.Empty(t, rec.restartTimes())

	r.HandleQuality(domain.QualityMetrics{Overall: domain.QualityGood})
	assert.Equal(t, domain.HealthHealthy, r.Health().State)
}

func TestResilience_CheckHealth(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	rec := &fakeReconnector{}
	r := NewResilienceService(fastResilienceConfig(), "r1", rec, utils.SystemClock, nil, nil, logger)
	engine := testutil.NewFakeEngine()
	r.Start(context.Background(), engine)
	defer r.Stop()

	engine.SetStats(ports.StatsReport{}, errors.New("closed"))
	r.CheckHealth(context.Background())
	assert.Equal(t, 0, r.Health().ConsecutiveFailures, "no checks before first connection")

	engine.SetStateSilently(domain.TransportConnected)
	r.HandleTransportState(domain.TransportConnected)

	r.CheckHealth(context.Background())
	h := r.Health()
	assert.Equal(t, 1, h.ConsecutiveFailures)
	assert.Equal(t, domain.HealthDegraded, h.State)
	assert.False(t, h.IsHealthy)

	engine.SetStats(ports.StatsReport{}, nil)
	r.CheckHealth(context.Background())
	h = r.Health()
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.False(t, h.LastSuccessfulCheck.IsZero())
}

func TestResilience_StopIsIdempotent(t *testing.T) {
	r := NewResilienceService(fastResilienceConfig(), "r1", &fakeReconnector{}, nil, nil, nil, nil)
	r.Stop()

	r.Start(context.Background(), testutil.NewFakeEngine())
	r.HandleTransportState(domain.TransportConnected)
	r.HandleTransportState(domain.TransportDisconnected)
	r.Stop()
	r.Stop()

	assert.Equal(t, ReconnectIdle, r.Phase())
}
