package services

import (
	"context"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/utils"

	"go.uber.org/zap"
)

type inboundCounters struct {
	bytes    uint64
	received uint64
	lost     int64
}

type statsSample struct {
	at       time.Time
	inbound  map[domain.MediaKind]inboundCounters
	outbound uint64
}

// QualityMonitor samples the engine's statistics on a fixed interval and
// fans graded readings out to subscribers.
type QualityMonitor struct {
	quality  *QualityService
	interval time.Duration
	clock    utils.Clock
	events   *CallEvents
	metrics  ports.CallMetrics
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	engine  ports.NegotiationEngine
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	prev    *statsSample
	last    *domain.QualityMetrics
	subs    map[int]chan domain.QualityMetrics
	nextSub int
}

func NewQualityMonitor(
	quality *QualityService,
	interval time.Duration,
	clock utils.Clock,
	events *CallEvents,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *QualityMonitor {
	if clock == nil {
		clock = utils.SystemClock
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &QualityMonitor{
		quality:  quality,
		interval: interval,
		clock:    clock,
		events:   events,
		metrics:  metricsOrNop(metrics),
		logger:   loggerOrNop(logger),
		subs:     make(map[int]chan domain.QualityMetrics),
	}
}

// Start begins periodic sampling of engine. Starting a running monitor is a
// logged no-op.
func (m *QualityMonitor) Start(ctx context.Context, engine ports.NegotiationEngine) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.logger.Warn("quality monitor already running")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.engine = engine
	m.cancel = cancel
	m.prev = nil

	m.wg.Add(1)
	go m.run(runCtx)
	m.logger.Debugw("quality monitor started", "interval", m.interval)
}

// Stop halts sampling and waits for the sampling goroutine. Idempotent.
func (m *QualityMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()

	m.mu.Lock()
	m.engine = nil
	m.prev = nil
	m.mu.Unlock()
}

func (m *QualityMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Subscribe registers a reading consumer. The returned cancel func
// unregisters it and closes the channel.
func (m *QualityMonitor) Subscribe(buffer int) (<-chan domain.QualityMetrics, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan domain.QualityMetrics, buffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			close(ch)
			m.mu.Unlock()
		})
	}
}

// Last returns the most recent reading, if any.
func (m *QualityMonitor) Last() (domain.QualityMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return domain.QualityMetrics{}, false
	}
	return *m.last, true
}

// run publishes a reading per tick. Rates need two samples, so a tick
// without a previous sample only records one.
func (m *QualityMonitor) run(ctx context.Context) {
	defer m.wg.Done()

	if err := m.baseline(ctx); err != nil {
		m.logger.Debugw("quality baseline skipped", "error", err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			primed := m.prev != nil
			m.mu.Unlock()

			var err error
			if primed {
				_, err = m.Sample(ctx)
			} else {
				err = m.baseline(ctx)
			}
			if err != nil {
				m.logger.Debugw("quality sample skipped", "error", err)
			}
		}
	}
}

// baseline records the current counters without publishing a reading.
func (m *QualityMonitor) baseline(ctx context.Context) error {
	m.mu.Lock()
	engine := m.engine
	m.mu.Unlock()
	if engine == nil {
		return domain.ErrNoEngine
	}

	report, err := engine.GetStats(ctx)
	if err != nil {
		return err
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = m.clock.Now()
	}

	m.mu.Lock()
	m.prev = newStatsSample(report)
	m.mu.Unlock()
	return nil
}

// Sample takes one reading from the attached engine and publishes it.
func (m *QualityMonitor) Sample(ctx context.Context) (domain.QualityMetrics, error) {
	m.mu.Lock()
	engine := m.engine
	m.mu.Unlock()
	if engine == nil {
		return domain.QualityMetrics{}, domain.ErrNoEngine
	}

	report, err := engine.GetStats(ctx)
	if err != nil {
		m.logger.Warnw("failed to read transport stats", "error", err)
		return domain.QualityMetrics{}, err
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = m.clock.Now()
	}

	m.mu.Lock()
	reading := m.build(report)
	m.last = &reading
	// sends never block, and cancel funcs close channels under the same lock
	for _, ch := range m.subs {
		offerLatest(ch, reading)
	}
	m.mu.Unlock()

	m.metrics.RecordQuality(reading)
	m.events.emitQuality(reading)
	return reading, nil
}

func newStatsSample(report ports.StatsReport) *statsSample {
	s := &statsSample{
		at:      report.Timestamp,
		inbound: make(map[domain.MediaKind]inboundCounters),
	}
	for _, in := range report.Inbound {
		c := s.inbound[in.Kind]
		c.bytes += in.BytesReceived
		c.received += in.PacketsReceived
		c.lost += in.PacketsLost
		s.inbound[in.Kind] = c
	}
	for _, out := range report.Outbound {
		s.outbound += out.BytesSent
	}
	return s
}

// build turns a raw report into a graded reading. Caller holds m.mu.
func (m *QualityMonitor) build(report ports.StatsReport) domain.QualityMetrics {
	cur := newStatsSample(report)
	prev := m.prev
	m.prev = cur

	var elapsed float64
	if prev != nil {
		elapsed = cur.at.Sub(prev.at).Seconds()
	}

	jitter := make(map[domain.MediaKind]float64)
	for _, in := range report.Inbound {
		if in.Jitter > jitter[in.Kind] {
			jitter[in.Kind] = in.Jitter
		}
	}

	statsFor := func(kind domain.MediaKind) domain.NetworkStats {
		c := cur.inbound[kind]
		s := domain.NetworkStats{
			PacketsLost:   c.lost,
			Jitter:        jitter[kind],
			RoundTripTime: rttFor(report, kind),
		}
		if prev == nil || elapsed <= 0 {
			return s
		}
		p := prev.inbound[kind]
		if c.bytes >= p.bytes {
			s.Bitrate = float64(c.bytes-p.bytes) * 8 / elapsed
		}
		dLost := c.lost - p.lost
		var dRecv int64
		if c.received >= p.received {
			dRecv = int64(c.received - p.received)
		}
		if dLost > 0 && dLost+dRecv > 0 {
			s.FractionLost = float64(dLost) / float64(dLost+dRecv)
		}
		return s
	}

	reading := domain.QualityMetrics{
		Audio:     statsFor(domain.MediaAudio),
		Timestamp: report.Timestamp,
	}
	if _, ok := cur.inbound[domain.MediaVideo]; ok {
		v := statsFor(domain.MediaVideo)
		reading.Video = &v
	}

	if len(report.RemoteInbound) > 0 {
		reading.Remote.Available = true
		for _, ri := range report.RemoteInbound {
			if ri.FractionLost > reading.Remote.FractionLost {
				reading.Remote.FractionLost = ri.FractionLost
			}
			if rtt := ri.RoundTripTime * 1000; rtt > reading.Remote.RoundTripTime {
				reading.Remote.RoundTripTime = rtt
			}
		}
	}
	if prev != nil && elapsed > 0 && cur.outbound >= prev.outbound {
		reading.Remote.OutboundBps = float64(cur.outbound-prev.outbound) * 8 / elapsed
	}

	m.quality.Evaluate(&reading)
	return reading
}

// rttFor prefers the remote-inbound report for kind, then any remote-inbound
// report, then the nominated candidate pair. Result is in ms.
func rttFor(report ports.StatsReport, kind domain.MediaKind) float64 {
	for _, ri := range report.RemoteInbound {
		if ri.Kind == kind && ri.RoundTripTime > 0 {
			return ri.RoundTripTime * 1000
		}
	}
	for _, ri := range report.RemoteInbound {
		if ri.RoundTripTime > 0 {
			return ri.RoundTripTime * 1000
		}
	}
	return report.CandidatePairRTT * 1000
}

// offerLatest delivers v, evicting the oldest buffered reading when full.
func offerLatest(ch chan domain.QualityMetrics, v domain.QualityMetrics) {
	for i := 0; i < 2; i++ {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
