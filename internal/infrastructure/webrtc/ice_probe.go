package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/pkg/cache"
	"rillcall/pkg/utils"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"
)

// ProbeFunc measures the binding round trip to one STUN URL.
type ProbeFunc func(ctx context.Context, url string) (time.Duration, error)

// ICEProber orders ICE servers by measured STUN round trip. Reachable STUN
// servers come first, fastest first, then TURN-only entries in their
// configured order, then servers that did not answer.
type ICEProber struct {
	timeout time.Duration
	probe   ProbeFunc
	results *cache.Cache[string, time.Duration] // nil: probe on every Rank
	logger  *zap.SugaredLogger
}

func NewICEProber(timeout time.Duration, logger *zap.SugaredLogger) *ICEProber {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ICEProber{timeout: timeout, probe: ProbeSTUN, logger: logger}
}

// WithProbe replaces the network probe.
func (p *ICEProber) WithProbe(probe ProbeFunc) *ICEProber {
	p.probe = probe
	return p
}

// WithResultTTL keeps successful round trips for ttl so reconnects within
// that window reuse them. Failed probes are always retried.
func (p *ICEProber) WithResultTTL(ttl time.Duration, clock utils.Clock) *ICEProber {
	if ttl > 0 {
		p.results = cache.New[string, time.Duration](ttl, clock)
	}
	return p
}

func (p *ICEProber) measure(ctx context.Context, url string) (time.Duration, error) {
	if p.results == nil {
		return p.probe(ctx, url)
	}
	return p.results.GetOrLoad(ctx, url, func(ctx context.Context) (time.Duration, error) {
		return p.probe(ctx, url)
	})
}

type probeResult struct {
	index  int
	server domain.ICEServer
	rtt    time.Duration
	err    error
	stun   bool
}

func (p *ICEProber) Rank(ctx context.Context, servers []domain.ICEServer) []domain.ICEServer {
	if len(servers) < 2 {
		return servers
	}

	results := make([]probeResult, len(servers))
	var wg sync.WaitGroup
	for i, server := range servers {
		results[i] = probeResult{index: i, server: server}
		url := stunURL(server)
		if url == "" {
			continue
		}
		results[i].stun = true

		wg.Add(1)
		go func(r *probeResult, url string) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			r.rtt, r.err = p.measure(probeCtx, url)
		}(&results[i], url)
	}
	wg.Wait()

	var reachable, turnOnly, unreachable []probeResult
	for _, r := range results {
		switch {
		case !r.stun:
			turnOnly = append(turnOnly, r)
		case r.err != nil:
			p.logger.Infow("ICE server unreachable", "urls", r.server.URLs, "error", r.err)
			unreachable = append(unreachable, r)
		default:
			p.logger.Debugw("ICE server probed", "urls", r.server.URLs, "rtt", r.rtt)
			reachable = append(reachable, r)
		}
	}
	sort.SliceStable(reachable, func(i, j int) bool { return reachable[i].rtt < reachable[j].rtt })

	ranked := make([]domain.ICEServer, 0, len(servers))
	for _, group := range [][]probeResult{reachable, turnOnly, unreachable} {
		for _, r := range group {
			ranked = append(ranked, r.server)
		}
	}
	return ranked
}

func stunURL(server domain.ICEServer) string {
	for _, u := range server.URLs {
		if strings.HasPrefix(u, "stun:") {
			return u
		}
	}
	return ""
}

// ProbeSTUN sends one binding request and returns the time to a valid
// XOR-MAPPED-ADDRESS response.
func ProbeSTUN(ctx context.Context, url string) (time.Duration, error) {
	uri, err := stun.ParseURI(url)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", url, err)
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return 0, err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan time.Duration, 1)
	fail := make(chan error, 2)

	start := time.Now()
	go func() {
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			var addr stun.XORMappedAddress
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- time.Since(start)
		})
		if err != nil {
			fail <- err
		}
	}()

	select {
	case rtt := <-result:
		return rtt, nil
	case err := <-fail:
		return 0, err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, fmt.Errorf("stun probe %s timed out", url)
		}
		return 0, ctx.Err()
	}
}
