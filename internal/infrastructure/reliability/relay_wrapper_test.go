package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"rillcall/internal/core/ports"
	"rillcall/internal/infrastructure/relay"
	"rillcall/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errBackend = errors.New("backend down")

// flakyRelay fails while down is set and delegates to an in-memory relay
// otherwise.
type flakyRelay struct {
	*relay.MemoryRelay
	down  atomic.Bool
	calls atomic.Int32
}

func (f *flakyRelay) Publish(ctx context.Context, topic string, payload []byte) error {
	f.calls.Add(1)
	if f.down.Load() {
		return errBackend
	}
	return f.MemoryRelay.Publish(ctx, topic, payload)
}

func (f *flakyRelay) Subscribe(ctx context.Context, topic string) (ports.Subscription, error) {
	f.calls.Add(1)
	if f.down.Load() {
		return nil, errBackend
	}
	return f.MemoryRelay.Subscribe(ctx, topic)
}

func testBreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             50 * time.Millisecond,
		MaxRequestsHalfOpen: 1,
	}
}

func TestRelayWrapper_PassesThrough(t *testing.T) {
	backend := &flakyRelay{MemoryRelay: relay.NewMemoryRelay(nil)}
	w := NewRelayWrapper(backend, testBreakerConfig(), zaptest.NewLogger(t).Sugar())
	defer w.Close()
	ctx := context.Background()

	sub, err := w.Subscribe(ctx, "call:room1")
	require.NoError(t, err)
	require.NoError(t, w.Publish(ctx, "call:room1", []byte(`{"ok":true}`)))

	select {
	case msg := <-sub.Messages():
		assert.JSONEq(t, `{"ok":true}`, string(msg))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	assert.Equal(t, circuitbreaker.StateClosed, w.State())
}

func TestRelayWrapper_OpensAndRecovers(t *testing.T) {
	backend := &flakyRelay{MemoryRelay: relay.NewMemoryRelay(nil)}
	w := NewRelayWrapper(backend, testBreakerConfig(), zaptest.NewLogger(t).Sugar())
	defer w.Close()
	ctx := context.Background()

	backend.down.Store(true)
	assert.ErrorIs(t, w.Publish(ctx, "call:room1", []byte(`{}`)), errBackend)
	_, err := w.Subscribe(ctx, "call:room1")
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, circuitbreaker.StateOpen, w.State())

	calls := backend.calls.Load()
	assert.ErrorIs(t, w.Publish(ctx, "call:room1", []byte(`{}`)), circuitbreaker.ErrOpen)
	assert.Equal(t, calls, backend.calls.Load(), "open circuit must not reach the backend")

	backend.down.Store(false)
	require.Eventually(t, func() bool {
		return w.Publish(ctx, "call:room1", []byte(`{}`)) == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, circuitbreaker.StateClosed, w.State())
}

func TestRelayWrapper_CancelledContextDoesNotTrip(t *testing.T) {
	backend := &flakyRelay{MemoryRelay: relay.NewMemoryRelay(nil)}
	w := NewRelayWrapper(backend, testBreakerConfig(), nil)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		_, err := w.Subscribe(ctx, "call:room1")
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, circuitbreaker.StateClosed, w.State())
}
