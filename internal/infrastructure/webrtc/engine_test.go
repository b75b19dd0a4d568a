package webrtc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/internal/testutil"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestEngine(t *testing.T) *PeerEngine {
	t.Helper()
	factory, err := NewEngineFactory(DefaultEngineConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	engine, err := factory.NewEngine(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine.(*PeerEngine)
}

func TestNewEngineFactory_InvalidPortRange(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.PortRange.Min = 6000
	cfg.PortRange.Max = 5000

	_, err := NewEngineFactory(cfg, nil)
	assert.Error(t, err)
}

func TestTransportStateMapping(t *testing.T) {
	cases := map[webrtc.PeerConnectionState]domain.TransportState{
		webrtc.PeerConnectionStateNew:          domain.TransportNew,
		webrtc.PeerConnectionStateConnecting:   domain.TransportConnecting,
		webrtc.PeerConnectionStateConnected:    domain.TransportConnected,
		webrtc.PeerConnectionStateDisconnected: domain.TransportDisconnected,
		webrtc.PeerConnectionStateFailed:       domain.TransportFailed,
		webrtc.PeerConnectionStateClosed:       domain.TransportClosed,
	}
	for in, want := range cases {
		assert.Equal(t, want, transportState(in), in.String())
	}
}

func TestToPionICEServers(t *testing.T) {
	servers := toPionICEServers([]domain.ICEServer{
		{URLs: []string{"stun:stun.example.org:3478"}},
		{URLs: []string{"turn:turn.example.org:3478"}, Username: "u", Credential: "secret"},
	})

	require.Len(t, servers, 2)
	assert.Nil(t, servers[0].Credential)
	assert.Equal(t, "secret", servers[1].Credential)
	assert.Equal(t, webrtc.ICECredentialTypePassword, servers[1].CredentialType)
}

func TestPeerEngine_OfferAndRollback(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.CreateDataChannel("chat", true)
	require.NoError(t, err)

	offer, err := engine.CreateOffer(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.NotEmpty(t, offer.SDP)

	require.NoError(t, engine.SetLocalDescription(offer))
	assert.True(t, engine.HasLocalOffer())
	assert.False(t, engine.HasRemoteDescription())

	require.NoError(t, engine.Rollback())
	assert.False(t, engine.HasLocalOffer())
}

func TestPeerEngine_AddTrackRejectsForeignTrack(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.AddTrack(testutil.NewFakeTrack(domain.MediaAudio, ""))
	assert.ErrorIs(t, err, ErrUnsupportedTrack)
}

func TestPeerEngine_SenderEncodingFollowsTrack(t *testing.T) {
	engine := newTestEngine(t)
	devices := NewSyntheticDevices(DefaultDeviceOptions(), nil)

	first, err := devices.GetUserMedia(context.Background(), domain.MediaConstraints{Video: true})
	require.NoError(t, err)
	defer first.Stop()
	second, err := devices.GetUserMedia(context.Background(), domain.MediaConstraints{Video: true, FacingMode: "environment"})
	require.NoError(t, err)
	defer second.Stop()

	sender, err := engine.AddTrack(first.VideoTracks()[0])
	require.NoError(t, err)

	params := ports.EncodingParameters{MaxBitrate: 300_000, MaxFramerate: 15}
	require.NoError(t, sender.SetEncoding(params))
	assert.Equal(t, params, sender.Encoding())
	assert.Equal(t, params, first.VideoTracks()[0].(*SyntheticTrack).Encoding())

	require.NoError(t, sender.ReplaceTrack(second.VideoTracks()[0]))
	assert.Equal(t, second.VideoTracks()[0], sender.Track())
	assert.Equal(t, params, second.VideoTracks()[0].(*SyntheticTrack).Encoding())
}

func TestPeerEngine_CloseEndsEvents(t *testing.T) {
	engine := newTestEngine(t)

	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close())

	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-engine.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("events channel not closed")
		}
	}
}

func TestPeerEngine_HelpersStopAtClose(t *testing.T) {
	engine := newTestEngine(t)

	var running atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.spawn(func() {
				running.Add(1)
				<-engine.done
				running.Add(-1)
			})
		}()
	}

	require.NoError(t, engine.Close())
	// Close waited for every helper it let start
	assert.Zero(t, running.Load())
	wg.Wait()

	assert.False(t, engine.spawn(func() { t.Error("helper started after close") }))
	assert.Zero(t, running.Load())
}

func TestPeerEngine_GetStatsAfterClose(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.GetStats(context.Background())
	require.NoError(t, err)

	require.NoError(t, engine.Close())
	_, err = engine.GetStats(context.Background())
	assert.ErrorIs(t, err, domain.ErrCallClosed)
}

// forwardCandidates applies src's local candidates to dst and reports
// src's connection states.
func forwardCandidates(t *testing.T, src, dst *PeerEngine, states chan<- domain.TransportState, tracks chan<- ports.RemoteTrack) {
	for ev := range src.Events() {
		switch ev.Type {
		case ports.EventLocalCandidate:
			if ev.Candidate != nil {
				if err := dst.AddICECandidate(*ev.Candidate); err != nil {
					t.Logf("add candidate: %v", err)
				}
			}
		case ports.EventConnectionState:
			select {
			case states <- ev.ConnectionState:
			default:
			}
		case ports.EventRemoteTrack:
			select {
			case tracks <- ev.Track:
			default:
			}
		}
	}
}

func TestPeerEngine_LoopbackCall(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}

	caller := newTestEngine(t)
	callee := newTestEngine(t)
	devices := NewSyntheticDevices(DefaultDeviceOptions(), nil)

	stream, err := devices.GetUserMedia(context.Background(), domain.MediaConstraints{Audio: true})
	require.NoError(t, err)
	defer stream.Stop()

	_, err = caller.AddTrack(stream.AudioTracks()[0])
	require.NoError(t, err)

	ctx := context.Background()
	offer, err := caller.CreateOffer(ctx, false)
	require.NoError(t, err)
	require.NoError(t, caller.SetLocalDescription(offer))
	require.NoError(t, callee.SetRemoteDescription(offer))

	answer, err := callee.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, callee.SetLocalDescription(answer))
	require.NoError(t, caller.SetRemoteDescription(answer))

	callerStates := make(chan domain.TransportState, 16)
	calleeStates := make(chan domain.TransportState, 16)
	remoteTracks := make(chan ports.RemoteTrack, 1)
	go forwardCandidates(t, caller, callee, callerStates, make(chan ports.RemoteTrack))
	go forwardCandidates(t, callee, caller, calleeStates, remoteTracks)

	waitConnected := func(states <-chan domain.TransportState) {
		timeout := time.After(20 * time.Second)
		for {
			select {
			case s := <-states:
				if s == domain.TransportConnected {
					return
				}
				require.NotEqual(t, domain.TransportFailed, s)
			case <-timeout:
				t.Fatal("peer connection did not connect")
			}
		}
	}
	waitConnected(callerStates)
	waitConnected(calleeStates)

	select {
	case track := <-remoteTracks:
		assert.Equal(t, domain.MediaAudio, track.Kind())
		pkt, err := track.ReadRTP()
		require.NoError(t, err)
		assert.NotEmpty(t, pkt.Payload)
	case <-time.After(10 * time.Second):
		t.Fatal("no remote track")
	}

	report, err := caller.GetStats(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, report.Outbound)
}
