package webrtc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/pkg/utils"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func fakeProbe(rtts map[string]time.Duration) ProbeFunc {
	return func(ctx context.Context, url string) (time.Duration, error) {
		rtt, ok := rtts[url]
		if !ok {
			return 0, errors.New("no response")
		}
		return rtt, nil
	}
}

func TestICEProber_Rank(t *testing.T) {
	slow := domain.ICEServer{URLs: []string{"stun:slow.example.org:3478"}}
	fast := domain.ICEServer{URLs: []string{"stun:fast.example.org:3478"}}
	dead := domain.ICEServer{URLs: []string{"stun:dead.example.org:3478"}}
	turnA := domain.ICEServer{URLs: []string{"turn:a.example.org:3478"}, Username: "u", Credential: "p"}
	turnB := domain.ICEServer{URLs: []string{"turns:b.example.org:5349"}, Username: "u", Credential: "p"}

	prober := NewICEProber(time.Second, zaptest.NewLogger(t).Sugar()).WithProbe(fakeProbe(map[string]time.Duration{
		"stun:slow.example.org:3478": 80 * time.Millisecond,
		"stun:fast.example.org:3478": 10 * time.Millisecond,
	}))

	ranked := prober.Rank(context.Background(), []domain.ICEServer{dead, turnA, slow, turnB, fast})

	assert.Equal(t, []domain.ICEServer{fast, slow, turnA, turnB, dead}, ranked)
}

func TestICEProber_MixedEntryProbedByStunURL(t *testing.T) {
	mixed := domain.ICEServer{URLs: []string{"turn:m.example.org:3478", "stun:m.example.org:3478"}}
	plain := domain.ICEServer{URLs: []string{"stun:p.example.org:3478"}}

	prober := NewICEProber(time.Second, nil).WithProbe(fakeProbe(map[string]time.Duration{
		"stun:m.example.org:3478": 5 * time.Millisecond,
		"stun:p.example.org:3478": 50 * time.Millisecond,
	}))

	ranked := prober.Rank(context.Background(), []domain.ICEServer{plain, mixed})
	assert.Equal(t, []domain.ICEServer{mixed, plain}, ranked)
}

func TestICEProber_SingleServerUntouched(t *testing.T) {
	called := false
	prober := NewICEProber(time.Second, nil).WithProbe(func(ctx context.Context, url string) (time.Duration, error) {
		called = true
		return 0, nil
	})

	servers := []domain.ICEServer{{URLs: []string{"stun:only.example.org:3478"}}}
	assert.Equal(t, servers, prober.Rank(context.Background(), servers))
	assert.False(t, called)
}

func TestICEProber_ProbeHonorsTimeout(t *testing.T) {
	prober := NewICEProber(20*time.Millisecond, nil).WithProbe(func(ctx context.Context, url string) (time.Duration, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	a := domain.ICEServer{URLs: []string{"stun:a.example.org:3478"}}
	b := domain.ICEServer{URLs: []string{"turn:b.example.org:3478"}}

	start := time.Now()
	ranked := prober.Rank(context.Background(), []domain.ICEServer{a, b})
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []domain.ICEServer{b, a}, ranked)
}

func TestProbeSTUN_InvalidURL(t *testing.T) {
	_, err := ProbeSTUN(context.Background(), "http://not-stun")
	assert.Error(t, err)
}

func TestICEProber_ReusesCachedRoundTrips(t *testing.T) {
	clock := utils.NewManualClock(time.Unix(1_700_000_000, 0))
	var mu sync.Mutex
	probes := map[string]int{}

	prober := NewICEProber(time.Second, nil).WithProbe(func(ctx context.Context, url string) (time.Duration, error) {
		mu.Lock()
		defer mu.Unlock()
		probes[url]++
		if url == "stun:dead.example.org:3478" {
			return 0, errors.New("no response")
		}
		return 10 * time.Millisecond, nil
	}).WithResultTTL(time.Minute, clock)

	servers := []domain.ICEServer{
		{URLs: []string{"stun:live.example.org:3478"}},
		{URLs: []string{"stun:dead.example.org:3478"}},
	}
	prober.Rank(context.Background(), servers)
	prober.Rank(context.Background(), servers)

	mu.Lock()
	assert.Equal(t, 1, probes["stun:live.example.org:3478"])
	assert.Equal(t, 2, probes["stun:dead.example.org:3478"], "failures are not cached")
	mu.Unlock()

	clock.Advance(time.Minute)
	prober.Rank(context.Background(), servers)

	mu.Lock()
	assert.Equal(t, 2, probes["stun:live.example.org:3478"])
	mu.Unlock()
}
