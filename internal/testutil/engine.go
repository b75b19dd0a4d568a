package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
)

var engineSeq atomic.Int64

var ErrNoRemoteDescription = errors.New("no remote description")

// FakeEngine is an in-memory peer connection. With AutoConnect set it
// reports connecting then connected as soon as an offer/answer exchange has
// completed on it.
type FakeEngine struct {
	id     int64
	events chan ports.EngineEvent

	mu             sync.Mutex
	local          *domain.SessionDescription
	remote         *domain.SessionDescription
	haveLocalOffer bool
	state          domain.TransportState
	applied        []domain.ICECandidate
	senders        []*FakeSender
	channels       []*FakeDataChannel
	stats          ports.StatsReport
	statsErr       error
	statsFn        func(call int) (ports.StatsReport, error)
	statsCalls     int
	offers         int
	restarts       int
	rollbacks      int
	closed         bool

	AutoConnect bool
	// LocalCandidates is how many candidates to emit per local description.
	LocalCandidates int
	OfferErr        error
	RemoteErr       error
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		id:     engineSeq.Add(1),
		events: make(chan ports.EngineEvent, 128),
		state:  domain.TransportNew,
	}
}

func (e *FakeEngine) CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.OfferErr != nil {
		return domain.SessionDescription{}, e.OfferErr
	}
	e.offers++
	if iceRestart {
		e.restarts++
	}
	return domain.SessionDescription{Type: "offer", SDP: fmt.Sprintf("v=0 engine-%d offer-%d", e.id, e.offers)}, nil
}

func (e *FakeEngine) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remote == nil || e.remote.Type != "offer" {
		return domain.SessionDescription{}, ErrNoRemoteDescription
	}
	return domain.SessionDescription{Type: "answer", SDP: fmt.Sprintf("v=0 engine-%d answer", e.id)}, nil
}

func (e *FakeEngine) SetLocalDescription(d domain.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.local = &d
	e.haveLocalOffer = d.Type == "offer"
	for i := 0; i < e.LocalCandidates; i++ {
		mid := "0"
		idx := uint16(0)
		e.emitLocked(ports.EngineEvent{
			Type: ports.EventLocalCandidate,
			Candidate: &domain.ICECandidate{
				Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 5000%d typ host", i, e.id, i),
				SDPMid:        &mid,
				SDPMLineIndex: &idx,
			},
		})
	}
	e.maybeConnectLocked()
	return nil
}

func (e *FakeEngine) SetRemoteDescription(d domain.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.RemoteErr != nil {
		return e.RemoteErr
	}
	e.remote = &d
	if d.Type == "answer" {
		e.haveLocalOffer = false
	}
	e.maybeConnectLocked()
	return nil
}

func (e *FakeEngine) HasRemoteDescription() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote != nil
}

func (e *FakeEngine) HasLocalOffer() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.haveLocalOffer
}

func (e *FakeEngine) Rollback() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.haveLocalOffer = false
	e.local = nil
	e.rollbacks++
	return nil
}

func (e *FakeEngine) AddICECandidate(c domain.ICECandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remote == nil {
		return ErrNoRemoteDescription
	}
	e.applied = append(e.applied, c)
	return nil
}

func (e *FakeEngine) AddTrack(t ports.LocalTrack) (ports.TrackSender, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := NewFakeSender(t)
	e.senders = append(e.senders, s)
	return s, nil
}

func (e *FakeEngine) CreateDataChannel(label string, ordered bool) (ports.DataChannel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dc := &FakeDataChannel{label: label}
	e.channels = append(e.channels, dc)
	return dc, nil
}

func (e *FakeEngine) GetStats(ctx context.Context) (ports.StatsReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statsCalls++
	if e.statsFn != nil {
		return e.statsFn(e.statsCalls)
	}
	return e.stats, e.statsErr
}

func (e *FakeEngine) ConnectionState() domain.TransportState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *FakeEngine) Events() <-chan ports.EngineEvent {
	return e.events
}

func (e *FakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.state = domain.TransportClosed
	close(e.events)
	return nil
}

// SetState moves the transport to s and emits the change.
func (e *FakeEngine) SetState(s domain.TransportState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setStateLocked(s)
}

// SetStateSilently changes the polled state without emitting an event.
func (e *FakeEngine) SetStateSilently(s domain.TransportState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *FakeEngine) SetStats(r ports.StatsReport, err error) {
	e.mu.Lock()
	e.stats, e.statsErr = r, err
	e.mu.Unlock()
}

// SetStatsFunc makes GetStats return fn(n) for its n-th call, starting at 1.
func (e *FakeEngine) SetStatsFunc(fn func(call int) (ports.StatsReport, error)) {
	e.mu.Lock()
	e.statsFn = fn
	e.mu.Unlock()
}

// Emit pushes an arbitrary engine event.
func (e *FakeEngine) Emit(ev ports.EngineEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitLocked(ev)
}

func (e *FakeEngine) AppliedCandidates() []domain.ICECandidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.ICECandidate(nil), e.applied...)
}

func (e *FakeEngine) Senders() []*FakeSender {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeSender(nil), e.senders...)
}

func (e *FakeEngine) DataChannels() []*FakeDataChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeDataChannel(nil), e.channels...)
}

func (e *FakeEngine) Offers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offers
}

func (e *FakeEngine) Restarts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restarts
}

func (e *FakeEngine) Rollbacks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rollbacks
}

func (e *FakeEngine) LocalDescription() *domain.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

func (e *FakeEngine) RemoteDescription() *domain.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

func (e *FakeEngine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *FakeEngine) maybeConnectLocked() {
	if !e.AutoConnect || e.local == nil || e.remote == nil || e.haveLocalOffer {
		return
	}
	if e.state == domain.TransportConnected {
		return
	}
	e.setStateLocked(domain.TransportConnecting)
	e.setStateLocked(domain.TransportConnected)
}

func (e *FakeEngine) setStateLocked(s domain.TransportState) {
	if e.state == s {
		return
	}
	e.state = s
	e.emitLocked(ports.EngineEvent{Type: ports.EventConnectionState, ConnectionState: s})
}

func (e *FakeEngine) emitLocked(ev ports.EngineEvent) {
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	default:
	}
}

// FakeEngineFactory records every engine it builds.
type FakeEngineFactory struct {
	mu      sync.Mutex
	engines []*FakeEngine
	servers [][]domain.ICEServer

	AutoConnect     bool
	LocalCandidates int
	Err             error
}

func (f *FakeEngineFactory) NewEngine(ctx context.Context, servers []domain.ICEServer) (ports.NegotiationEngine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	e := NewFakeEngine()
	e.AutoConnect = f.AutoConnect
	e.LocalCandidates = f.LocalCandidates
	f.engines = append(f.engines, e)
	f.servers = append(f.servers, servers)
	return e, nil
}

// Last returns the most recently built engine, or nil.
func (f *FakeEngineFactory) Last() *FakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

func (f *FakeEngineFactory) Servers() [][]domain.ICEServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]domain.ICEServer(nil), f.servers...)
}
