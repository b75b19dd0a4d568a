package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	_ ports.CallMetrics  = (*PrometheusCollector)(nil)
	_ ports.RelayMetrics = (*PrometheusCollector)(nil)
)

func TestPrometheusCollector_Quality(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.RecordQuality(domain.QualityMetrics{
		Overall:    domain.QualityGood,
		Audio:      domain.NetworkStats{Bitrate: 32000, FractionLost: 0.01, RoundTripTime: 120},
		Video:      &domain.NetworkStats{Bitrate: 900000},
		AudioScore: 88,
		VideoScore: 75,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.qualityClass.WithLabelValues("good")))
	assert.Equal(t, 88.0, testutil.ToFloat64(c.qualityScore.WithLabelValues("audio")))
	assert.Equal(t, 75.0, testutil.ToFloat64(c.qualityScore.WithLabelValues("video")))
	assert.Equal(t, 900000.0, testutil.ToFloat64(c.inboundBitrate.WithLabelValues("video")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.roundTripTime))
}

func TestPrometheusCollector_ProfileAndHealth(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.RecordProfile(domain.VideoLadder[2])
	assert.Equal(t, 2.0, testutil.ToFloat64(c.currentProfile))
	c.RecordProfile(domain.AudioOnlyProfile)
	assert.Equal(t, -1.0, testutil.ToFloat64(c.currentProfile))

	c.RecordHealthState(domain.HealthFailing)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.healthState.WithLabelValues("failing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.healthState.WithLabelValues("healthy")))

	c.RecordAdaptation(domain.AdaptationEvent{Type: domain.AdaptationDowngrade, From: "high", To: "medium"})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.adaptations.WithLabelValues("downgrade", "medium")))

	c.RecordReconnection(domain.ReconnectionStatus{Phase: domain.ReconnectAttempting, Attempt: 1})
	c.RecordReconnection(domain.ReconnectionStatus{Phase: domain.ReconnectAttempting, Attempt: 2})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.reconnections.WithLabelValues("attempting")))
}

func TestPrometheusCollector_Relay(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.RecordRelayConnection(1)
	c.RecordRelayConnection(1)
	c.RecordRelayConnection(-1)
	c.RecordRelayFrame("publish")
	c.RecordRelayDrop("slow_consumer")
	c.SetRelayTopics(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayFrames.WithLabelValues("publish")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayDrops.WithLabelValues("slow_consumer")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.relayTopics))
}

func TestPrometheusCollector_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusCollector(reg)
	assert.Panics(t, func() { NewPrometheusCollector(reg) })
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker(zaptest.NewLogger(t).Sugar())
	h.AddPingCheck("relay", pingFunc(func(ctx context.Context) error { return nil }), time.Second, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["relay"])
	assert.True(t, h.IsReady(context.Background()))

	h.AddPingCheck("redis", pingFunc(func(ctx context.Context) error { return errors.New("connection refused") }), time.Second, time.Second)
	status = h.GetReadinessStatus(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "connection refused", status.Checks["redis"])
	assert.False(t, h.IsReady(context.Background()))
}

func TestHealthChecker_CheckTimeout(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddPingCheck("slow", pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), time.Second, 20*time.Millisecond)

	start := time.Now()
	status := h.CheckAll(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "unhealthy", status.Status)
}

func TestHealthChecker_CallCheck(t *testing.T) {
	state := domain.HealthDegraded
	h := NewHealthChecker(nil)
	h.AddCallCheck(func() domain.HealthState { return state }, time.Second, time.Second)

	assert.True(t, h.IsReady(context.Background()))

	state = domain.HealthFailed
	status := h.CheckAll(context.Background())
	require.Equal(t, "unhealthy", status.Status)
	assert.Contains(t, status.Checks["call"], "failed")
}
