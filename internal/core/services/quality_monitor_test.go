package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/internal/testutil"
	"rillcall/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestMonitor(t *testing.T, interval time.Duration) (*QualityMonitor, *testutil.FakeEngine) {
	t.Helper()
	m := NewQualityMonitor(NewQualityService(), interval, utils.SystemClock, nil, nil, zaptest.NewLogger(t).Sugar())
	e := testutil.NewFakeEngine()
	return m, e
}

func statsAt(at time.Time, audioBytes, videoBytes uint64, videoRecv uint64, videoLost int64) ports.StatsReport {
	return ports.StatsReport{
		Timestamp: at,
		Inbound: []ports.InboundRTPStats{
			{Kind: domain.MediaAudio, BytesReceived: audioBytes, PacketsReceived: audioBytes / 100},
			{Kind: domain.MediaVideo, BytesReceived: videoBytes, PacketsReceived: videoRecv, PacketsLost: videoLost, Jitter: 0.01},
		},
	}
}

func TestQualityMonitor_FirstSampleIsDisconnected(t *testing.T) {
	m, e := newTestMonitor(t, time.Hour)
	m.Start(context.Background(), e)
	defer m.Stop()

	e.SetStats(statsAt(time.Unix(100, 0), 5000, 200000, 1000, 0), nil)
	reading, err := m.Sample(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.QualityDisconnected, reading.Overall)
	assert.Zero(t, reading.Audio.Bitrate)
}

func TestQualityMonitor_BitrateAndLossFromDeltas(t *testing.T) {
	m, e := newTestMonitor(t, time.Hour)
	m.Start(context.Background(), e)
	defer m.Stop()

	t0 := time.Unix(100, 0)
	e.SetStats(statsAt(t0, 0, 0, 0, 0), nil)
	_, err := m.Sample(context.Background())
	require.NoError(t, err)

	// 2s later: 12.5kB audio, 250kB video, 900 received / 100 lost video packets
	e.SetStats(statsAt(t0.Add(2*time.Second), 12_500, 250_000, 900, 100), nil)
	reading, err := m.Sample(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 50_000, reading.Audio.Bitrate, 1)
	require.NotNil(t, reading.Video)
	assert.InDelta(t, 1_000_000, reading.Video.Bitrate, 1)
	assert.InDelta(t, 0.1, reading.Video.FractionLost, 1e-9)
	assert.Equal(t, int64(100), reading.Video.PacketsLost)
	assert.InDelta(t, 0.01, reading.Video.Jitter, 1e-9)
	assert.Equal(t, domain.QualityFair, reading.Overall)
}

func TestQualityMonitor_RTTFallbacks(t *testing.T) {
	report := ports.StatsReport{
		RemoteInbound: []ports.RemoteInboundRTPStats{
			{Kind: domain.MediaVideo, RoundTripTime: 0.120},
		},
		CandidatePairRTT: 0.050,
	}
	assert.InDelta(t, 120, rttFor(report, domain.MediaVideo), 1e-9)
	assert.InDelta(t, 120, rttFor(report, domain.MediaAudio), 1e-9, "falls back to any remote-inbound")

	report.RemoteInbound = nil
	assert.InDelta(t, 50, rttFor(report, domain.MediaAudio), 1e-9, "falls back to candidate pair")
}

func TestQualityMonitor_RemoteReport(t *testing.T) {
	m, e := newTestMonitor(t, time.Hour)
	m.Start(context.Background(), e)
	defer m.Stop()

	t0 := time.Unix(100, 0)
	r := statsAt(t0, 0, 0, 0, 0)
	r.Outbound = []ports.OutboundRTPStats{{Kind: domain.MediaVideo, BytesSent: 0}}
	e.SetStats(r, nil)
	_, err := m.Sample(context.Background())
	require.NoError(t, err)

	r = statsAt(t0.Add(time.Second), 6000, 100_000, 800, 0)
	r.Outbound = []ports.OutboundRTPStats{{Kind: domain.MediaVideo, BytesSent: 125_000}}
	r.RemoteInbound = []ports.RemoteInboundRTPStats{
		{Kind: domain.MediaAudio, FractionLost: 0.01, RoundTripTime: 0.08},
		{Kind: domain.MediaVideo, FractionLost: 0.07, RoundTripTime: 0.09},
	}
	e.SetStats(r, nil)
	reading, err := m.Sample(context.Background())
	require.NoError(t, err)

	assert.True(t, reading.Remote.Available)
	assert.InDelta(t, 0.07, reading.Remote.FractionLost, 1e-9)
	assert.InDelta(t, 90, reading.Remote.RoundTripTime, 1e-9)
	assert.InDelta(t, 1_000_000, reading.Remote.OutboundBps, 1)
}

func TestQualityMonitor_ColdStartTicksStayDisconnected(t *testing.T) {
	m, e := newTestMonitor(t, time.Hour)
	m.Start(context.Background(), e)
	defer m.Stop()

	t0 := time.Unix(100, 0)
	for i := 0; i < 5; i++ {
		e.SetStats(statsAt(t0.Add(time.Duration(i)*2*time.Second), 0, 0, 0, 0), nil)
		reading, err := m.Sample(context.Background())
		require.NoError(t, err)
		assert.Equal(t, domain.QualityDisconnected, reading.Overall, "tick %d", i)
		assert.Zero(t, reading.AudioScore)
		assert.Zero(t, reading.VideoScore)
	}
}

func TestQualityMonitor_StatsErrorIsSwallowed(t *testing.T) {
	m, e := newTestMonitor(t, 10*time.Millisecond)
	e.SetStats(ports.StatsReport{}, errors.New("stats unavailable"))
	m.Start(context.Background(), e)

	time.Sleep(50 * time.Millisecond)
	m.Stop()

	_, ok := m.Last()
	assert.False(t, ok)
}

func TestQualityMonitor_FanOutAndLast(t *testing.T) {
	m, e := newTestMonitor(t, time.Hour)
	m.Start(context.Background(), e)
	defer m.Stop()

	a, cancelA := m.Subscribe(1)
	b, cancelB := m.Subscribe(1)
	defer cancelB()

	e.SetStats(statsAt(time.Unix(1, 0), 0, 0, 0, 0), nil)
	_, err := m.Sample(context.Background())
	require.NoError(t, err)

	e.SetStats(statsAt(time.Unix(2, 0), 10_000, 100_000, 100, 0), nil)
	second, err := m.Sample(context.Background())
	require.NoError(t, err)

	// buffers of one keep only the newest reading
	got := <-a
	assert.Equal(t, second.Timestamp, got.Timestamp)
	got = <-b
	assert.Equal(t, second.Timestamp, got.Timestamp)

	last, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, second.Timestamp, last.Timestamp)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
}

func TestQualityMonitor_StartStopIdempotent(t *testing.T) {
	m, e := newTestMonitor(t, 5*time.Millisecond)

	m.Stop()
	m.Start(context.Background(), e)
	m.Start(context.Background(), e)
	assert.True(t, m.Running())

	m.Stop()
	m.Stop()
	assert.False(t, m.Running())

	_, err := m.Sample(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoEngine)
}

func TestQualityMonitor_TickerSamples(t *testing.T) {
	m, e := newTestMonitor(t, 10*time.Millisecond)
	ch, cancel := m.Subscribe(8)
	defer cancel()

	m.Start(context.Background(), e)
	defer m.Stop()

	select {
	case reading := <-ch:
		assert.Equal(t, domain.QualityDisconnected, reading.Overall)
	case <-time.After(time.Second):
		t.Fatal("no reading from ticker")
	}
}

func TestQualityMonitor_FirstTickMeasuresAgainstBaseline(t *testing.T) {
	m, e := newTestMonitor(t, 10*time.Millisecond)
	t0 := time.Unix(100, 0)
	// every GetStats call is one second and 5kB audio / 100kB video later
	e.SetStatsFunc(func(n int) (ports.StatsReport, error) {
		return statsAt(t0.Add(time.Duration(n)*time.Second), uint64(n)*5_000, uint64(n)*100_000, uint64(n)*100, 0), nil
	})

	ch, cancel := m.Subscribe(8)
	defer cancel()
	m.Start(context.Background(), e)
	defer m.Stop()

	select {
	case reading := <-ch:
		assert.NotEqual(t, domain.QualityDisconnected, reading.Overall)
		assert.InDelta(t, 40_000, reading.Audio.Bitrate, 1)
		require.NotNil(t, reading.Video)
		assert.InDelta(t, 800_000, reading.Video.Bitrate, 1)
	case <-time.After(time.Second):
		t.Fatal("no reading from ticker")
	}
}
