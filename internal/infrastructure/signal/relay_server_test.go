package signal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/internal/infrastructure/relay"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type staticValidator map[string]domain.UserID

func (v staticValidator) ValidateToken(token string) (domain.UserID, error) {
	if u, ok := v[token]; ok {
		return u, nil
	}
	return "", errors.New("invalid token")
}

type relayHarness struct {
	server *RelayServer
	http   *httptest.Server
	url    string
}

func newRelayHarness(t *testing.T, cfg RelayServerConfig, auth ports.TokenValidator) *relayHarness {
	t.Helper()
	server := NewRelayServer(cfg, auth, nil, zaptest.NewLogger(t).Sugar())
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})
	return &relayHarness{
		server: server,
		http:   ts,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func (h *relayHarness) dial(t *testing.T, token string) *relay.WebSocketRelay {
	t.Helper()
	opts := relay.DefaultWebSocketOptions(h.url, token)
	opts.Dial.Enabled = false
	client, err := relay.DialWebSocketRelay(context.Background(), opts, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func nextMessage(t *testing.T, sub ports.Subscription) []byte {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestRelayServer_RoundTrip(t *testing.T) {
	h := newRelayHarness(t, DefaultRelayServerConfig(), nil)
	ctx := context.Background()

	alice := h.dial(t, "")
	bob := h.dial(t, "")

	aliceSub, err := alice.Subscribe(ctx, "call:room1")
	require.NoError(t, err)
	bobSub, err := bob.Subscribe(ctx, "call:room1")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.server.Subscribers("call:room1") == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Publish(ctx, "call:room1", []byte(`{"type":"offer","roomId":"room1"}`)))

	assert.JSONEq(t, `{"type":"offer","roomId":"room1"}`, string(nextMessage(t, bobSub)))
	// The publisher hears its own message too.
	assert.JSONEq(t, `{"type":"offer","roomId":"room1"}`, string(nextMessage(t, aliceSub)))
}

func TestRelayServer_TopicsAreIsolated(t *testing.T) {
	h := newRelayHarness(t, DefaultRelayServerConfig(), nil)
	ctx := context.Background()

	client := h.dial(t, "")
	room1, err := client.Subscribe(ctx, "call:room1")
	require.NoError(t, err)
	room2, err := client.Subscribe(ctx, "call:room2")
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, "call:room2", []byte(`{"n":2}`)))
	assert.JSONEq(t, `{"n":2}`, string(nextMessage(t, room2)))

	select {
	case msg := <-room1.Messages():
		t.Fatalf("unexpected message on room1: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelayServer_UnsubscribeOnLastClose(t *testing.T) {
	h := newRelayHarness(t, DefaultRelayServerConfig(), nil)
	ctx := context.Background()

	client := h.dial(t, "")
	a, err := client.Subscribe(ctx, "call:room1")
	require.NoError(t, err)
	b, err := client.Subscribe(ctx, "call:room1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.server.Subscribers("call:room1") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	require.Never(t, func() bool { return h.server.Subscribers("call:room1") == 0 }, 100*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, b.Close())
	assert.Eventually(t, func() bool { return h.server.Subscribers("call:room1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestRelayServer_RequiresToken(t *testing.T) {
	h := newRelayHarness(t, DefaultRelayServerConfig(), staticValidator{"secret": "alice"})

	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(h.url+"?token=wrong", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	client := h.dial(t, "secret")
	_, err = client.Subscribe(context.Background(), "call:room1")
	assert.NoError(t, err)
}

func TestRelayServer_LogsMaskedRejectedToken(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	server := NewRelayServer(DefaultRelayServerConfig(), staticValidator{"secret": "alice"}, nil, zap.New(core).Sugar())
	defer server.Close()
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=stolen-session-key"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	rejected := logs.FilterMessage("relay connection rejected").All()
	require.Len(t, rejected, 1)
	logged := rejected[0].ContextMap()["token"]
	assert.Equal(t, "stolen************", logged)
	assert.NotContains(t, logged, "session-key")
}

func TestRelayServer_MaxConnections(t *testing.T) {
	cfg := DefaultRelayServerConfig()
	cfg.MaxConnections = 1
	h := newRelayHarness(t, cfg, nil)

	h.dial(t, "")
	require.Eventually(t, func() bool { return h.server.Connections() == 1 }, time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRelayServer_RejectsInvalidFrames(t *testing.T) {
	h := newRelayHarness(t, DefaultRelayServerConfig(), nil)

	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	defer ws.Close()

	tests := []struct {
		name  string
		frame relay.Frame
	}{
		{"unknown op", relay.Frame{Op: "shout", Topic: "call:room1"}},
		{"bad topic", relay.Frame{Op: relay.OpSubscribe, Topic: ""}},
		{"empty payload", relay.Frame{Op: relay.OpPublish, Topic: "call:room1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, ws.WriteJSON(tt.frame))
			var reply relay.Frame
			require.NoError(t, ws.ReadJSON(&reply))
			assert.Equal(t, relay.OpError, reply.Op)
			assert.NotEmpty(t, reply.Error)
		})
	}
}

func TestRelayServer_RateLimited(t *testing.T) {
	cfg := DefaultRelayServerConfig()
	cfg.MessagesPerSecond = 0.001
	cfg.Burst = 1
	h := newRelayHarness(t, cfg, nil)

	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(relay.Frame{Op: relay.OpSubscribe, Topic: "call:room1"}))
	var reply relay.Frame
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, relay.OpSubscribed, reply.Op)

	require.NoError(t, ws.WriteJSON(relay.Frame{Op: relay.OpSubscribe, Topic: "call:room2"}))
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, relay.OpError, reply.Op)
	assert.Equal(t, "rate limit exceeded", reply.Error)
}

func TestWebSocketRelay_ServerGoneFailsSubscriptions(t *testing.T) {
	h := newRelayHarness(t, DefaultRelayServerConfig(), nil)
	client := h.dial(t, "")

	sub, err := client.Subscribe(context.Background(), "call:room1")
	require.NoError(t, err)

	h.server.Close()

	select {
	case err := <-sub.Errors():
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription error not reported")
	}

	err = client.Publish(context.Background(), "call:room1", []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrRelayClosed)
}

func TestWebSocketRelay_RejectsNonJSONPayload(t *testing.T) {
	h := newRelayHarness(t, DefaultRelayServerConfig(), nil)
	client := h.dial(t, "")

	err := client.Publish(context.Background(), "call:room1", []byte("not json"))
	assert.ErrorIs(t, err, relay.ErrInvalidPayload)
}
