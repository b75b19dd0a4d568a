package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var ErrUnsupportedTrack = errors.New("track was not created by this media backend")

const (
	engineEventBuffer = 64
	remoteRTPBuffer   = 128
)

// EngineConfig configures peer connections.
type EngineConfig struct {
	PortRange struct {
		Min uint16
		Max uint16
	}
	// PLIInterval is how often a keyframe is requested on inbound video.
	PLIInterval time.Duration
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{PLIInterval: 3 * time.Second}
}

func EngineConfigFromConfig(cfg *config.Config) EngineConfig {
	ec := DefaultEngineConfig()
	ec.PortRange.Min = cfg.WebRTC.PortRange.Min
	ec.PortRange.Max = cfg.WebRTC.PortRange.Max
	return ec
}

// EngineFactory builds pion peer connections with the default codecs and
// interceptors so RTP statistics are collected.
type EngineFactory struct {
	config EngineConfig
	api    *webrtc.API
	logger *zap.SugaredLogger
}

func NewEngineFactory(config EngineConfig, logger *zap.SugaredLogger) (*EngineFactory, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &EngineFactory{config: config, api: api, logger: logger}, nil
}

// NewEngine creates one peer connection using servers in the given order.
func (f *EngineFactory) NewEngine(ctx context.Context, servers []domain.ICEServer) (ports.NegotiationEngine, error) {
	pcConfig := webrtc.Configuration{
		ICEServers:   toPionICEServers(servers),
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}

	pc, err := f.api.NewPeerConnection(pcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	e := &PeerEngine{
		pc:          pc,
		events:      make(chan ports.EngineEvent, engineEventBuffer),
		done:        make(chan struct{}),
		pliInterval: f.config.PLIInterval,
		logger:      f.logger,
	}
	e.registerHandlers()
	return e, nil
}

func toPionICEServers(servers []domain.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}

// PeerEngine adapts one pion PeerConnection to ports.NegotiationEngine.
// Pion callbacks are funneled into a single ordered event channel that is
// closed by Close.
type PeerEngine struct {
	pc          *webrtc.PeerConnection
	pliInterval time.Duration

	// emitMu makes Close wait for in-flight sends before closing events.
	emitMu sync.RWMutex
	events chan ports.EngineEvent
	closed bool
	done   chan struct{}

	closeOnce sync.Once
	// goMu orders helper start-up against Close's wait on wg.
	goMu     sync.Mutex
	stopping bool
	wg       sync.WaitGroup

	logger *zap.SugaredLogger
}

func (e *PeerEngine) registerHandlers() {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			e.emit(ports.EngineEvent{Type: ports.EventLocalCandidate})
			return
		}
		init := c.ToJSON()
		e.emit(ports.EngineEvent{
			Type: ports.EventLocalCandidate,
			Candidate: &domain.ICECandidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			},
		})
	})

	e.pc.OnTrack(e.handleRemoteTrack)

	e.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		e.logger.Infow("remote data channel opened", "label", dc.Label())
		e.emit(ports.EngineEvent{Type: ports.EventDataChannel, DataChannel: e.wrapDataChannel(dc)})
	})

	e.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		e.logger.Debugw("ICE connection state changed", "ice_state", state)
		e.emit(ports.EngineEvent{Type: ports.EventICEState, ICEState: state.String()})
	})

	e.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Infow("peer connection state changed", "connection_state", state)
		e.emit(ports.EngineEvent{Type: ports.EventConnectionState, ConnectionState: transportState(state)})
	})
}

func (e *PeerEngine) emit(ev ports.EngineEvent) {
	e.emitMu.RLock()
	defer e.emitMu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func transportState(s webrtc.PeerConnectionState) domain.TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.TransportClosed
	default:
		return domain.TransportNew
	}
}

// spawn runs each fn on its own tracked goroutine. Once Close has begun it
// starts none of them and returns false.
func (e *PeerEngine) spawn(fns ...func()) bool {
	e.goMu.Lock()
	defer e.goMu.Unlock()
	if e.stopping {
		return false
	}
	e.wg.Add(len(fns))
	for _, fn := range fns {
		go func(fn func()) {
			defer e.wg.Done()
			fn()
		}(fn)
	}
	return true
}

func (e *PeerEngine) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	e.logger.Infow("remote track started",
		"track_id", track.ID(),
		"stream_id", track.StreamID(),
		"codec", track.Codec().MimeType,
	)

	rt := &remoteTrack{
		track:   track,
		kind:    mediaKind(track.Kind()),
		packets: make(chan *rtp.Packet, remoteRTPBuffer),
	}

	helpers := []func(){
		func() { e.pumpRTP(rt) },
		func() { e.drainRTCP(receiver.ReadRTCP, track.ID()) },
	}
	if track.Kind() == webrtc.RTPCodecTypeVideo && e.pliInterval > 0 {
		helpers = append(helpers, func() { e.requestKeyframes(track) })
	}
	if !e.spawn(helpers...) {
		return
	}

	e.emit(ports.EngineEvent{Type: ports.EventRemoteTrack, Track: rt})
}

// pumpRTP keeps reading the remote track so the stats interceptors see
// every packet, whether or not anyone consumes it.
func (e *PeerEngine) pumpRTP(rt *remoteTrack) {
	defer close(rt.packets)

	for {
		pkt, _, err := rt.track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.logger.Debugw("remote track read ended", "track_id", rt.track.ID(), "error", err)
			}
			return
		}
		select {
		case rt.packets <- pkt:
		default:
			// consumer is behind; the packet still counted in stats
		}
	}
}

func (e *PeerEngine) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(e.pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
			if err := e.pc.WriteRTCP(pli); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return
				}
				e.logger.Debugw("failed to send PLI", "track_id", track.ID(), "error", err)
			}
		}
	}
}

// drainRTCP reads RTCP so interceptors process it and logs feedback.
func (e *PeerEngine) drainRTCP(read func() ([]rtcp.Packet, interceptor.Attributes, error), trackID string) {
	for {
		packets, _, err := read()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.PictureLossIndication:
				e.logger.Debugw("received PLI", "track_id", trackID)
			case *rtcp.TransportLayerNack:
				e.logger.Debugw("received NACK", "track_id", trackID, "nacks", len(p.Nacks))
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					e.logger.Debugw("received receiver report",
						"track_id", trackID,
						"fraction_lost", float64(report.FractionLost)/256,
						"jitter", report.Jitter,
					)
				}
			}
		}
	}
}

func mediaKind(k webrtc.RTPCodecType) domain.MediaKind {
	if k == webrtc.RTPCodecTypeVideo {
		return domain.MediaVideo
	}
	return domain.MediaAudio
}

func (e *PeerEngine) CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error) {
	offer, err := e.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(offer), nil
}

func (e *PeerEngine) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(answer), nil
}

func (e *PeerEngine) SetLocalDescription(desc domain.SessionDescription) error {
	return e.pc.SetLocalDescription(toPionDescription(desc))
}

func (e *PeerEngine) SetRemoteDescription(desc domain.SessionDescription) error {
	return e.pc.SetRemoteDescription(toPionDescription(desc))
}

func (e *PeerEngine) HasRemoteDescription() bool {
	return e.pc.RemoteDescription() != nil
}

func (e *PeerEngine) HasLocalOffer() bool {
	return e.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

// Rollback discards the pending local offer. Pion rejects local
// descriptions with an empty body, so the pending SDP is passed along.
func (e *PeerEngine) Rollback() error {
	rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
	if pending := e.pc.PendingLocalDescription(); pending != nil {
		rollback.SDP = pending.SDP
	}
	return e.pc.SetLocalDescription(rollback)
}

func (e *PeerEngine) AddICECandidate(c domain.ICECandidate) error {
	return e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func fromPionDescription(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func toPionDescription(d domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func (e *PeerEngine) AddTrack(track ports.LocalTrack) (ports.TrackSender, error) {
	local, ok := track.(*SyntheticTrack)
	if !ok {
		return nil, ErrUnsupportedTrack
	}

	sender, err := e.pc.AddTrack(local.TrackLocal())
	if err != nil {
		return nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
	}

	e.spawn(func() { e.drainRTCP(sender.ReadRTCP, track.ID()) })

	return &trackSender{sender: sender, track: local}, nil
}

func (e *PeerEngine) CreateDataChannel(label string, ordered bool) (ports.DataChannel, error) {
	dc, err := e.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel %s: %w", label, err)
	}
	return e.wrapDataChannel(dc), nil
}

func (e *PeerEngine) wrapDataChannel(dc *webrtc.DataChannel) ports.DataChannel {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		e.emit(ports.EngineEvent{Type: ports.EventDataMessage, Message: msg.Data})
	})
	return &dataChannel{dc: dc}
}

// GetStats maps pion's statistics report onto the fields the quality and
// resilience components read.
func (e *PeerEngine) GetStats(ctx context.Context) (ports.StatsReport, error) {
	if err := ctx.Err(); err != nil {
		return ports.StatsReport{}, err
	}
	if e.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return ports.StatsReport{}, domain.ErrCallClosed
	}

	report := ports.StatsReport{Timestamp: time.Now()}
	for _, s := range e.pc.GetStats() {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			report.Inbound = append(report.Inbound, ports.InboundRTPStats{
				Kind:            domain.MediaKind(st.Kind),
				BytesReceived:   st.BytesReceived,
				PacketsReceived: uint64(st.PacketsReceived),
				PacketsLost:     int64(st.PacketsLost),
				Jitter:          st.Jitter,
			})
		case webrtc.RemoteInboundRTPStreamStats:
			report.RemoteInbound = append(report.RemoteInbound, ports.RemoteInboundRTPStats{
				Kind:          domain.MediaKind(st.Kind),
				FractionLost:  st.FractionLost,
				RoundTripTime: st.RoundTripTime,
			})
		case webrtc.OutboundRTPStreamStats:
			report.Outbound = append(report.Outbound, ports.OutboundRTPStats{
				Kind:      domain.MediaKind(st.Kind),
				BytesSent: st.BytesSent,
			})
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.State == webrtc.StatsICECandidatePairStateSucceeded {
				report.CandidatePairRTT = st.CurrentRoundTripTime
			}
		}
	}
	return report, nil
}

func (e *PeerEngine) ConnectionState() domain.TransportState {
	return transportState(e.pc.ConnectionState())
}

func (e *PeerEngine) Events() <-chan ports.EngineEvent {
	return e.events
}

// Close closes the peer connection, waits for helper goroutines and closes
// the event channel.
func (e *PeerEngine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.goMu.Lock()
		e.stopping = true
		e.goMu.Unlock()

		close(e.done)
		err = e.pc.Close()
		e.wg.Wait()

		e.emitMu.Lock()
		e.closed = true
		close(e.events)
		e.emitMu.Unlock()
	})
	return err
}

type trackSender struct {
	sender *webrtc.RTPSender

	mu       sync.Mutex
	track    *SyntheticTrack
	encoding ports.EncodingParameters
}

func (s *trackSender) Track() ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *trackSender) ReplaceTrack(track ports.LocalTrack) error {
	local, ok := track.(*SyntheticTrack)
	if !ok {
		return ErrUnsupportedTrack
	}
	if err := s.sender.ReplaceTrack(local.TrackLocal()); err != nil {
		return err
	}

	s.mu.Lock()
	s.track = local
	enc := s.encoding
	s.mu.Unlock()

	if enc != (ports.EncodingParameters{}) {
		local.SetEncoding(enc)
	}
	return nil
}

// SetEncoding caps the source feeding this sender.
func (s *trackSender) SetEncoding(params ports.EncodingParameters) error {
	s.mu.Lock()
	s.encoding = params
	track := s.track
	s.mu.Unlock()

	track.SetEncoding(params)
	return nil
}

func (s *trackSender) Encoding() ports.EncodingParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encoding
}

type dataChannel struct {
	dc *webrtc.DataChannel
}

func (d *dataChannel) Label() string { return d.dc.Label() }

func (d *dataChannel) SendText(text string) error {
	if d.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return domain.ErrDataChannelClosed
	}
	return d.dc.SendText(text)
}

func (d *dataChannel) Close() error { return d.dc.Close() }

type remoteTrack struct {
	track   *webrtc.TrackRemote
	kind    domain.MediaKind
	packets chan *rtp.Packet
}

func (t *remoteTrack) ID() string             { return t.track.ID() }
func (t *remoteTrack) StreamID() string       { return t.track.StreamID() }
func (t *remoteTrack) Kind() domain.MediaKind { return t.kind }

func (t *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-t.packets
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}
