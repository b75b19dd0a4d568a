package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/config"
	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/logger"
	"rillcall/pkg/tracing"
	"rillcall/pkg/utils"
	"rillcall/pkg/validation"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	chatChannelLabel = "chat"
	chatMessageType  = "chat"

	facingUser        = "user"
	facingEnvironment = "environment"
)

var errTransportFailed = errors.New("peer connection failed")

// CallConfig holds the per-call tunables.
type CallConfig struct {
	ICEServers []domain.ICEServer

	Mobile     bool
	LowPower   bool
	FacingMode string

	QualityInterval time.Duration
	Adaptive        AdaptiveConfig
	Resilience      ResilienceConfig

	ChatRate  rate.Limit
	ChatBurst int

	EventBuffer int
}

func DefaultCallConfig() CallConfig {
	return CallConfig{
		FacingMode:      facingUser,
		QualityInterval: 2 * time.Second,
		Adaptive:        DefaultAdaptiveConfig(),
		Resilience:      DefaultResilienceConfig(),
		ChatRate:        5,
		ChatBurst:       10,
		EventBuffer:     defaultEventBuffer,
	}
}

// CallConfigFromConfig maps the file configuration onto a CallConfig.
func CallConfigFromConfig(cfg *config.Config) CallConfig {
	cc := DefaultCallConfig()

	cc.ICEServers = make([]domain.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		cc.ICEServers = append(cc.ICEServers, domain.ICEServer{
			URLs:       append([]string(nil), s.URLs...),
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	cc.Mobile = cfg.Media.Mobile
	cc.LowPower = cfg.Media.LowPower
	if cfg.Media.FacingMode != "" {
		cc.FacingMode = cfg.Media.FacingMode
	}
	cc.QualityInterval = cfg.Quality.SampleInterval

	cc.Adaptive = AdaptiveConfig{
		Enabled:           cfg.Adaptation.Enabled,
		Interval:          cfg.Adaptation.Interval,
		DowngradeReadings: cfg.Adaptation.DowngradeReadings,
		UpgradeReadings:   cfg.Adaptation.UpgradeReadings,
		LossDowngrade:     cfg.Adaptation.LossDowngrade,
		RTTDowngradeMs:    cfg.Adaptation.RTTDowngradeMs,
		LossUpgrade:       cfg.Adaptation.LossUpgrade,
		Mobile:            cfg.Media.Mobile,
	}
	cc.Resilience = ResilienceConfig{
		HealthCheckInterval:  cfg.Resilience.HealthCheckInterval,
		ReconnectDelay:       cfg.Resilience.ReconnectDelay,
		ConnectionTimeout:    cfg.Resilience.ConnectionTimeout,
		EscalationFactor:     cfg.Resilience.EscalationFactor,
		MaxReconnectAttempts: cfg.Resilience.MaxReconnectAttempts,
		PollInterval:         cfg.Resilience.PollInterval,
	}
	cc.ChatRate = rate.Limit(cfg.RateLimiting.DataChannel.MessagesPerSecond)
	cc.ChatBurst = cfg.RateLimiting.DataChannel.Burst
	return cc
}

// CallDependencies are the collaborators a CallService drives.
type CallDependencies struct {
	Transport ports.SignalingTransport
	Engines   ports.EngineFactory
	Devices   ports.MediaDevices
	Ranker    ports.ICEServerRanker // optional
	Metrics   ports.CallMetrics     // optional
	Logger    *zap.SugaredLogger
	Clock     utils.Clock
}

// CallStatus is a point-in-time view of the call for status endpoints.
type CallStatus struct {
	RoomID   domain.RoomID       `json:"roomId,omitempty"`
	UserID   domain.UserID       `json:"userId,omitempty"`
	Role     domain.CallRole     `json:"role,omitempty"`
	State    domain.CallState    `json:"state"`
	Health   domain.HealthState  `json:"health,omitempty"`
	Quality  domain.QualityClass `json:"quality,omitempty"`
	Profile  string              `json:"profile,omitempty"`
	Since    *time.Time          `json:"since,omitempty"`
	Uptime   string              `json:"uptime,omitempty"`
	Failures int                 `json:"consecutiveFailures"`
}

// CallService owns one call: signaling subscription, peer connection,
// local media and the quality and resilience controllers built for it.
// After Cleanup the same instance can run another call.
type CallService struct {
	cfg     CallConfig
	deps    CallDependencies
	quality *QualityService
	events  *CallEvents
	metrics ports.CallMetrics
	clock   utils.Clock
	logger  *zap.SugaredLogger
	ctxLog  *logger.ContextLogger
	// per-call logger carrying room, user and trace id
	callLog atomic.Pointer[zap.SugaredLogger]

	// serializes track mutation between adaptation and camera switching
	mediaMu sync.Mutex

	mu             sync.Mutex
	session        *domain.CallSession
	state          domain.CallState
	engine         ports.NegotiationEngine
	localStream    *ports.MediaStream
	streamAttached bool
	senders        []ports.TrackSender
	videoSender    ports.TrackSender
	dataChannel    ports.DataChannel
	pending        domain.PendingCandidateQueue
	pendingOffer   *domain.NegotiationMessage
	everConnected  bool
	// set when the call failed because reconnection gave up; ForceReconnect
	// may resume it
	reconnectExhausted bool
	facingMode         string
	chatLimiter        *rate.Limiter

	monitor    *QualityMonitor
	adaptive   *AdaptiveQualityService
	resilience *ResilienceService

	callCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewCallService(cfg CallConfig, deps CallDependencies) *CallService {
	if deps.Clock == nil {
		deps.Clock = utils.SystemClock
	}
	log := loggerOrNop(deps.Logger)
	return &CallService{
		cfg:     cfg,
		deps:    deps,
		quality: NewQualityService(),
		events:  NewCallEvents(cfg.EventBuffer, log),
		metrics: metricsOrNop(deps.Metrics),
		clock:   deps.Clock,
		logger:  log,
		ctxLog:  logger.NewContextLogger(log.Desugar()),
		state:   domain.CallStateNew,
	}
}

// log returns the logger of the current or most recent call.
func (c *CallService) log() *zap.SugaredLogger {
	if l := c.callLog.Load(); l != nil {
		return l
	}
	return c.logger
}

func (c *CallService) Events() *CallEvents {
	return c.events
}

func (c *CallService) State() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CallService) Session() (domain.CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return domain.CallSession{}, false
	}
	return *c.session, true
}

// Initialize starts a call session: builds the per-call controllers and
// subscribes to the room's signaling topic. When the subscription fails the
// call is left failed with nothing held, so Initialize may be called again.
func (c *CallService) Initialize(ctx context.Context, session domain.CallSession) error {
	if err := validation.ValidateRoomID(string(session.RoomID)); err != nil {
		return err
	}
	if err := validation.ValidateUserID(string(session.UserID)); err != nil {
		return err
	}
	if session.Kind == "" {
		session.Kind = domain.CallKindVideo
	}
	if session.Role == "" {
		session.Role = domain.RoleCallee
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = c.clock.Now()
	}

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return domain.ErrAlreadyInitialized
	}

	base := logger.WithCall(context.Background(), string(session.RoomID), string(session.UserID))
	base = logger.WithTraceID(base, utils.GenerateTraceID())
	log := c.ctxLog.Sugar(base)
	c.callLog.Store(log)
	c.callCtx, c.cancel = context.WithCancel(base)

	c.session = &session
	c.state = domain.CallStateNew
	c.pending = domain.PendingCandidateQueue{}
	c.facingMode = c.cfg.FacingMode
	if c.facingMode == "" {
		c.facingMode = facingUser
	}
	c.chatLimiter = rate.NewLimiter(c.cfg.ChatRate, c.cfg.ChatBurst)

	c.monitor = NewQualityMonitor(c.quality, c.cfg.QualityInterval, c.clock, c.events, c.metrics, log.Named("quality"))
	adaptiveCfg := c.cfg.Adaptive
	adaptiveCfg.Mobile = adaptiveCfg.Mobile || c.cfg.Mobile
	c.adaptive = NewAdaptiveQualityService(adaptiveCfg, session.Kind, &c.mediaMu, c.clock, c.events, c.metrics, log.Named("adaptive"))
	c.resilience = NewResilienceService(c.cfg.Resilience, session.RoomID, c, c.clock, c.events, c.metrics, log.Named("resilience"))

	readings, unsub := c.monitor.Subscribe(4)
	c.wg.Add(1)
	go c.forwardQuality(c.callCtx, readings, unsub, c.resilience)
	c.mu.Unlock()

	log.Infow("call initialized", "kind", session.Kind, "role", session.Role)

	if err := c.deps.Transport.Subscribe(ctx, session.RoomID, session.UserID, c); err != nil {
		c.metrics.RecordSignalingError("subscribe")
		c.failCall(err, true)
		c.release(ctx, domain.CallStateFailed, false)
		return err
	}
	return nil
}

func (c *CallService) forwardQuality(ctx context.Context, readings <-chan domain.QualityMetrics, unsub func(), r *ResilienceService) {
	defer c.wg.Done()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-readings:
			if !ok {
				return
			}
			r.HandleQuality(m)
		}
	}
}

// AcquireMedia captures local media, or returns the stream already
// captured for this call.
func (c *CallService) AcquireMedia(ctx context.Context, constraints domain.MediaConstraints) (*ports.MediaStream, error) {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return nil, domain.ErrNotInitialized
	}
	if c.localStream != nil {
		stream := c.localStream
		c.mu.Unlock()
		return stream, nil
	}
	if constraints.FacingMode == "" {
		constraints.FacingMode = c.facingMode
	}
	c.mu.Unlock()

	stream, err := c.deps.Devices.GetUserMedia(ctx, constraints)
	if err != nil {
		appErr := classifyMediaError(err)
		c.log().Errorw("media acquisition failed", "code", appErr.Code, "error", err)
		c.events.emitError(appErr)
		return nil, appErr
	}

	c.mu.Lock()
	if c.localStream != nil {
		existing := c.localStream
		c.mu.Unlock()
		stream.Stop()
		return existing, nil
	}
	c.localStream = stream
	c.facingMode = constraints.FacingMode
	c.mu.Unlock()

	c.events.emitLocalStream(stream)
	return stream, nil
}

func classifyMediaError(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return apperrors.NewPermissionDeniedError(err)
	case errors.Is(err, domain.ErrDeviceNotFound):
		return apperrors.NewDeviceNotFoundError(err)
	case errors.Is(err, domain.ErrDeviceBusy):
		return apperrors.NewDeviceBusyError(err)
	case errors.Is(err, domain.ErrConstraintUnsatisfiable):
		return apperrors.NewConstraintUnsatisfiedError(err)
	default:
		return apperrors.NewMediaUnavailableError(err)
	}
}

// CreateEngine builds the peer connection and starts consuming its events.
func (c *CallService) CreateEngine(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return domain.ErrNotInitialized
	}
	if c.engine != nil {
		c.mu.Unlock()
		return domain.ErrEngineExists
	}
	c.mu.Unlock()

	servers := c.cfg.ICEServers
	if c.deps.Ranker != nil && len(servers) > 0 {
		servers = c.deps.Ranker.Rank(ctx, servers)
	}

	engine, err := c.deps.Engines.NewEngine(ctx, servers)
	if err != nil {
		return apperrors.NewTransportError(err, "failed to create peer connection")
	}

	c.mu.Lock()
	if c.session == nil || c.engine != nil {
		c.mu.Unlock()
		_ = engine.Close()
		if c.session == nil {
			return domain.ErrCallClosed
		}
		return domain.ErrEngineExists
	}
	c.engine = engine
	callCtx := c.callCtx
	resilience := c.resilience
	c.wg.Add(1)
	go c.eventLoop(callCtx, engine)
	c.mu.Unlock()

	resilience.Start(callCtx, engine)
	return nil
}

func (c *CallService) eventLoop(ctx context.Context, engine ports.NegotiationEngine) {
	defer c.wg.Done()
	events := engine.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEngineEvent(ctx, engine, ev)
		}
	}
}

func (c *CallService) handleEngineEvent(ctx context.Context, engine ports.NegotiationEngine, ev ports.EngineEvent) {
	switch ev.Type {
	case ports.EventLocalCandidate:
		if ev.Candidate == nil {
			return
		}
		c.publish(ctx, domain.NegotiationMessage{
			Type:      domain.MessageICECandidate,
			Candidate: ev.Candidate,
		})

	case ports.EventRemoteTrack:
		if ev.Track == nil {
			return
		}
		c.log().Infow("remote track received", "kind", ev.Track.Kind(), "track_id", ev.Track.ID())
		c.events.emitRemoteStream(ev.Track)

	case ports.EventDataChannel:
		c.mu.Lock()
		if c.dataChannel == nil && ev.DataChannel != nil {
			c.dataChannel = ev.DataChannel
		}
		c.mu.Unlock()

	case ports.EventDataMessage:
		var msg domain.ChatMessage
		if err := json.Unmarshal(ev.Message, &msg); err != nil || msg.Type == "" {
			msg = domain.ChatMessage{Type: "text", Text: string(ev.Message), Timestamp: utils.UnixMillis(c.clock.Now())}
		}
		c.events.emitDataMessage(msg)

	case ports.EventConnectionState:
		c.onTransportState(ctx, engine, ev.ConnectionState)

	case ports.EventICEState:
		c.events.emitICEState(ev.ICEState)
	}
}

func (c *CallService) onTransportState(ctx context.Context, engine ports.NegotiationEngine, state domain.TransportState) {
	c.mu.Lock()
	if c.session == nil || c.engine != engine {
		c.mu.Unlock()
		return
	}

	first := state == domain.TransportConnected && !c.everConnected
	connectedBefore := c.everConnected

	switch state {
	case domain.TransportConnecting:
		c.setStateLocked(domain.CallStateConnecting)
	case domain.TransportConnected:
		c.everConnected = true
		c.setStateLocked(domain.CallStateConnected)
	case domain.TransportDisconnected:
		c.setStateLocked(domain.CallStateDisconnected)
	case domain.TransportFailed:
		if connectedBefore {
			// the resilience controller owns recovery from here
			c.setStateLocked(domain.CallStateDisconnected)
		}
	}
	monitor, adaptive, resilience := c.monitor, c.adaptive, c.resilience
	c.mu.Unlock()

	c.log().Infow("transport state changed", "state", state)

	if state == domain.TransportFailed && !connectedBefore {
		c.failCall(apperrors.NewNegotiationError(errTransportFailed, "connection failed before media was established"), true)
		return
	}

	if first {
		monitor.Start(ctx, engine)
		adaptive.Start(ctx, monitor)
	}
	if connectedBefore || state == domain.TransportConnected {
		resilience.HandleTransportState(state)
	}
}

// AddLocalStream attaches every track of stream to the peer connection and
// opens the chat data channel.
func (c *CallService) AddLocalStream(ctx context.Context, stream *ports.MediaStream) error {
	c.mu.Lock()
	engine := c.engine
	if c.session == nil {
		c.mu.Unlock()
		return domain.ErrNotInitialized
	}
	if engine == nil {
		c.mu.Unlock()
		return domain.ErrNoEngine
	}
	c.mu.Unlock()

	if stream == nil {
		return domain.ErrNoLocalStream
	}

	if c.cfg.Mobile || c.cfg.LowPower {
		c.applyDeviceConstraints(stream)
	}

	var (
		senders     []ports.TrackSender
		videoSender ports.TrackSender
	)
	for _, track := range stream.Tracks() {
		sender, err := engine.AddTrack(track)
		if err != nil {
			return apperrors.NewNegotiationError(err, fmt.Sprintf("failed to add %s track", track.Kind()))
		}
		senders = append(senders, sender)
		if track.Kind() == domain.MediaVideo && videoSender == nil {
			videoSender = sender
		}
	}

	dc, err := engine.CreateDataChannel(chatChannelLabel, true)
	if err != nil {
		c.log().Warnw("chat channel unavailable", "error", err)
	}

	c.mu.Lock()
	if c.engine != engine {
		c.mu.Unlock()
		return domain.ErrCallClosed
	}
	if c.localStream == nil {
		c.localStream = stream
	}
	c.senders = senders
	c.videoSender = videoSender
	if c.dataChannel == nil && dc != nil {
		c.dataChannel = dc
	}
	c.streamAttached = true
	pendingOffer := c.pendingOffer
	c.pendingOffer = nil
	adaptive := c.adaptive
	c.mu.Unlock()

	if err := adaptive.Attach(ctx, senders); err != nil {
		c.log().Warnw("initial quality profile not applied", "error", err)
	}

	if pendingOffer != nil {
		return c.HandleOffer(ctx, *pendingOffer)
	}
	return nil
}

func (c *CallService) applyDeviceConstraints(stream *ports.MediaStream) {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	frameRate := 24
	if c.cfg.LowPower {
		frameRate = 15
	}
	for _, track := range stream.VideoTracks() {
		err := track.ApplyConstraints(domain.MediaConstraints{
			Video:      true,
			Width:      640,
			Height:     360,
			FrameRate:  frameRate,
			FacingMode: track.Settings().FacingMode,
		})
		if err != nil {
			c.log().Warnw("device constraints not applied", "track_id", track.ID(), "error", err)
		}
	}
}

// CreateOffer creates and publishes an offer.
func (c *CallService) CreateOffer(ctx context.Context) error {
	return c.sendOffer(ctx, false)
}

// RestartICE renegotiates with fresh ICE credentials.
func (c *CallService) RestartICE(ctx context.Context) error {
	return c.sendOffer(ctx, true)
}

func (c *CallService) sendOffer(ctx context.Context, iceRestart bool) error {
	c.mu.Lock()
	engine, session := c.engine, c.session
	c.mu.Unlock()
	if session == nil {
		return domain.ErrNotInitialized
	}
	if engine == nil {
		return domain.ErrNoEngine
	}

	op := "offer"
	if iceRestart {
		op = "ice_restart"
	}
	ctx, span := tracing.TraceNegotiation(ctx, op, string(session.RoomID), string(session.UserID))
	defer span.End()

	offer, err := engine.CreateOffer(ctx, iceRestart)
	if err == nil {
		err = engine.SetLocalDescription(offer)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return c.negotiationFailed(err, "failed to create offer")
	}

	c.publish(ctx, domain.NegotiationMessage{Type: domain.MessageOffer, Offer: &offer})
	return nil
}

// HandleOffer answers a remote offer. Offers that arrive before local media
// is attached are held and answered by AddLocalStream.
func (c *CallService) HandleOffer(ctx context.Context, msg domain.NegotiationMessage) error {
	if msg.Offer == nil {
		return domain.ErrMalformedMessage
	}

	c.mu.Lock()
	session := c.session
	if session == nil {
		c.mu.Unlock()
		return domain.ErrNotInitialized
	}
	if msg.SenderID == session.UserID {
		c.mu.Unlock()
		return nil
	}
	engine := c.engine
	if engine == nil || !c.streamAttached {
		held := msg
		c.pendingOffer = &held
		c.mu.Unlock()
		c.log().Debugw("offer held until local media is attached", "sender_id", msg.SenderID)
		return nil
	}
	polite := c.politeLocked(msg.SenderID)
	c.mu.Unlock()

	ctx, span := tracing.TraceNegotiation(ctx, "answer", string(session.RoomID), string(session.UserID))
	defer span.End()

	if engine.HasLocalOffer() {
		if !polite {
			c.log().Infow("offer collision, keeping local offer", "sender_id", msg.SenderID)
			return nil
		}
		c.log().Infow("offer collision, rolling back local offer", "sender_id", msg.SenderID)
		if err := engine.Rollback(); err != nil {
			tracing.RecordError(ctx, err)
			return c.negotiationFailed(err, "failed to roll back local offer")
		}
	}

	if err := engine.SetRemoteDescription(*msg.Offer); err != nil {
		tracing.RecordError(ctx, err)
		return c.negotiationFailed(err, "failed to apply remote offer")
	}
	c.flushCandidates(engine)

	answer, err := engine.CreateAnswer(ctx)
	if err == nil {
		err = engine.SetLocalDescription(answer)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return c.negotiationFailed(err, "failed to create answer")
	}

	c.publish(ctx, domain.NegotiationMessage{
		Type:         domain.MessageAnswer,
		Answer:       &answer,
		TargetUserID: msg.SenderID,
	})
	return nil
}

// politeLocked decides who yields on an offer collision: the callee, or
// between two callers the greater user id.
func (c *CallService) politeLocked(remote domain.UserID) bool {
	if c.session.Role == domain.RoleCallee {
		return true
	}
	return c.session.UserID > remote
}

func (c *CallService) HandleAnswer(ctx context.Context, msg domain.NegotiationMessage) error {
	if msg.Answer == nil {
		return domain.ErrMalformedMessage
	}

	c.mu.Lock()
	session, engine := c.session, c.engine
	c.mu.Unlock()
	if session == nil {
		return domain.ErrNotInitialized
	}
	if msg.SenderID == session.UserID {
		return nil
	}
	if engine == nil || !engine.HasLocalOffer() {
		c.log().Debugw("answer without local offer ignored", "sender_id", msg.SenderID)
		return nil
	}

	ctx, span := tracing.TraceNegotiation(ctx, "apply_answer", string(session.RoomID), string(session.UserID))
	defer span.End()

	if err := engine.SetRemoteDescription(*msg.Answer); err != nil {
		tracing.RecordError(ctx, err)
		return c.negotiationFailed(err, "failed to apply remote answer")
	}
	c.flushCandidates(engine)
	return nil
}

// HandleICECandidate applies a remote candidate, or queues it while no
// remote description is set.
func (c *CallService) HandleICECandidate(ctx context.Context, msg domain.NegotiationMessage) error {
	if msg.Candidate == nil {
		return domain.ErrMalformedMessage
	}

	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return domain.ErrNotInitialized
	}
	if msg.SenderID == c.session.UserID {
		c.mu.Unlock()
		return nil
	}
	engine := c.engine
	if engine == nil || !engine.HasRemoteDescription() {
		if c.pending.Push(*msg.Candidate) || engine == nil {
			c.mu.Unlock()
			return nil
		}
	}
	c.mu.Unlock()

	if err := engine.AddICECandidate(*msg.Candidate); err != nil {
		c.log().Warnw("remote candidate rejected", "error", err)
		return err
	}
	return nil
}

func (c *CallService) flushCandidates(engine ports.NegotiationEngine) {
	c.mu.Lock()
	queued := c.pending.Drain()
	c.mu.Unlock()

	for _, cand := range queued {
		if err := engine.AddICECandidate(cand); err != nil {
			c.log().Warnw("queued candidate rejected", "error", err)
		}
	}
	if len(queued) > 0 {
		c.log().Debugw("applied queued candidates", "count", len(queued))
	}
}

// SwitchCamera flips the facing mode of the outbound video track without
// renegotiating. Failures are reported and the call continues.
func (c *CallService) SwitchCamera(ctx context.Context) error {
	c.mu.Lock()
	sender, stream, facing, adaptive := c.videoSender, c.localStream, c.facingMode, c.adaptive
	c.mu.Unlock()

	if sender == nil || stream == nil || adaptive == nil {
		return c.cameraSwitchFailed(domain.ErrNoVideoTrack)
	}

	next := facingEnvironment
	if facing == facingEnvironment {
		next = facingUser
	}

	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	constraints := ProfileConstraints(adaptive.CurrentProfile(), next)
	constraints.Audio = false
	constraints.Video = true

	captured, err := c.deps.Devices.GetUserMedia(ctx, constraints)
	if err != nil {
		return c.cameraSwitchFailed(err)
	}
	tracks := captured.VideoTracks()
	if len(tracks) == 0 {
		captured.Stop()
		return c.cameraSwitchFailed(domain.ErrNoVideoTrack)
	}
	replacement := tracks[0]

	old := sender.Track()
	if err := sender.ReplaceTrack(replacement); err != nil {
		captured.Stop()
		return c.cameraSwitchFailed(err)
	}
	stream.ReplaceTrack(old, replacement)
	if old != nil {
		old.Stop()
	}

	c.mu.Lock()
	c.facingMode = next
	c.mu.Unlock()

	c.log().Infow("camera switched", "facing_mode", next)
	return nil
}

func (c *CallService) cameraSwitchFailed(cause error) error {
	appErr := apperrors.NewCameraSwitchError(cause)
	c.log().Warnw("camera switch failed", "error", cause)
	c.events.emitError(appErr)
	return appErr
}

// SendMessage sends a chat message over the data channel. Control
// characters and surrounding whitespace are stripped first.
func (c *CallService) SendMessage(ctx context.Context, text string) error {
	text = utils.SanitizeString(text)
	if err := validation.ValidateChatMessage(text); err != nil {
		return err
	}

	c.mu.Lock()
	dc, session, limiter := c.dataChannel, c.session, c.chatLimiter
	c.mu.Unlock()
	if session == nil {
		return domain.ErrNotInitialized
	}
	if dc == nil {
		return apperrors.WrapError(domain.ErrDataChannelClosed, apperrors.ErrCodeDataChannelUnavailable,
			"chat channel is not open", http.StatusConflict)
	}
	if !limiter.Allow() {
		return apperrors.NewRateLimitError()
	}

	body, err := json.Marshal(domain.ChatMessage{
		Type:      chatMessageType,
		Text:      text,
		SenderID:  session.UserID,
		Timestamp: utils.UnixMillis(c.clock.Now()),
	})
	if err != nil {
		return err
	}
	return dc.SendText(string(body))
}

// EndCall tells the peer the call is over and tears down locally.
func (c *CallService) EndCall(ctx context.Context) error {
	c.mu.Lock()
	active := c.session != nil
	c.mu.Unlock()
	if !active {
		return nil
	}

	c.publish(ctx, domain.NegotiationMessage{Type: domain.MessageCallEnd})
	return c.Cleanup(ctx)
}

// Cleanup releases everything the call holds. Safe to call repeatedly and
// before Initialize.
func (c *CallService) Cleanup(ctx context.Context) error {
	return c.release(ctx, domain.CallStateClosed, true)
}

// release drops the session and stops everything built for it, leaving the
// call in final.
func (c *CallService) release(ctx context.Context, final domain.CallState, teardown bool) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return nil
	}

	engine, stream, dc := c.engine, c.localStream, c.dataChannel
	monitor, adaptive, resilience := c.monitor, c.adaptive, c.resilience
	cancel := c.cancel

	c.setStateLocked(final)
	c.session = nil
	c.engine = nil
	c.localStream = nil
	c.streamAttached = false
	c.senders = nil
	c.videoSender = nil
	c.dataChannel = nil
	c.pending = domain.PendingCandidateQueue{}
	c.pendingOffer = nil
	c.everConnected = false
	c.reconnectExhausted = false
	c.monitor, c.adaptive, c.resilience = nil, nil, nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	resilience.Stop()
	adaptive.Stop()
	monitor.Stop()

	if dc != nil {
		if err := dc.Close(); err != nil {
			c.log().Debugw("data channel close", "error", err)
		}
	}
	if engine != nil {
		if err := engine.Close(); err != nil {
			c.log().Warnw("engine close", "error", err)
		}
	}
	if stream != nil {
		stream.Stop()
	}

	var err error
	if teardown {
		if err = c.deps.Transport.Teardown(ctx); err != nil {
			c.log().Warnw("signaling teardown", "error", err)
		}
	}

	c.wg.Wait()
	c.log().Infow("call cleaned up", "state", final)
	return err
}

// JoinCall initializes the session and attaches local media, ready to
// answer or offer.
func (c *CallService) JoinCall(ctx context.Context, session domain.CallSession) (*ports.MediaStream, error) {
	if err := c.Initialize(ctx, session); err != nil {
		return nil, err
	}

	constraints := domain.MediaConstraints{Audio: true, Video: session.Kind != domain.CallKindAudio}
	if constraints.Video {
		initial := InitialProfile(domain.CallKindVideo, c.cfg.Mobile)
		constraints = ProfileConstraints(initial, c.cfg.FacingMode)
	}

	stream, err := c.AcquireMedia(ctx, constraints)
	if err != nil {
		c.failCall(err, false)
		return nil, err
	}
	if err := c.CreateEngine(ctx); err != nil {
		c.failCall(err, true)
		return nil, err
	}
	if err := c.AddLocalStream(ctx, stream); err != nil {
		c.failCall(err, true)
		return nil, err
	}
	return stream, nil
}

// StartCall joins as the caller and sends the first offer.
func (c *CallService) StartCall(ctx context.Context, session domain.CallSession) (*ports.MediaStream, error) {
	session.Role = domain.RoleCaller
	stream, err := c.JoinCall(ctx, session)
	if err != nil {
		return nil, err
	}
	if err := c.CreateOffer(ctx); err != nil {
		return nil, err
	}
	return stream, nil
}

// ReconnectionFailed is called by the resilience controller once the retry
// budget is spent. The error event has already been emitted.
func (c *CallService) ReconnectionFailed(attempts int) {
	c.mu.Lock()
	if c.session != nil && !c.state.IsTerminal() {
		c.reconnectExhausted = true
	}
	c.mu.Unlock()
	c.failCall(apperrors.NewReconnectionFailedError(attempts), false)
}

// ForceReconnect resets the reconnection budget and tries again. A call that
// failed because the budget ran out goes back to connecting; one that failed
// for any other reason stays failed.
func (c *CallService) ForceReconnect() error {
	c.mu.Lock()
	resilience := c.resilience
	if resilience == nil {
		c.mu.Unlock()
		return domain.ErrNotInitialized
	}
	if c.state == domain.CallStateFailed {
		if !c.reconnectExhausted {
			c.mu.Unlock()
			return domain.ErrCallFailed
		}
		c.reconnectExhausted = false
		c.resumeLocked()
	}
	c.mu.Unlock()

	resilience.ForceReconnect()
	return nil
}

// resumeLocked is the one way out of failed: back to connecting after the
// reconnection budget was exhausted and then reset.
func (c *CallService) resumeLocked() {
	c.state = domain.CallStateConnecting
	c.metrics.RecordCallState(c.state)
	c.events.emitConnectionState(c.state)
	c.log().Infow("resuming failed call", "state", c.state)
}

func (c *CallService) SetQualityProfile(ctx context.Context, name string) error {
	c.mu.Lock()
	adaptive := c.adaptive
	c.mu.Unlock()
	if adaptive == nil {
		return domain.ErrNotInitialized
	}
	return adaptive.SetQualityProfile(ctx, name)
}

func (c *CallService) SetAdaptationEnabled(enabled bool) {
	c.mu.Lock()
	adaptive := c.adaptive
	c.mu.Unlock()
	if adaptive != nil {
		adaptive.SetEnabled(enabled)
	}
}

// Status snapshots the call for diagnostics.
func (c *CallService) Status() CallStatus {
	c.mu.Lock()
	st := CallStatus{State: c.state}
	session := c.session
	monitor, adaptive, resilience := c.monitor, c.adaptive, c.resilience
	c.mu.Unlock()

	if session == nil {
		return st
	}
	st.RoomID, st.UserID, st.Role = session.RoomID, session.UserID, session.Role
	started := session.StartedAt
	st.Since = &started
	st.Uptime = utils.FormatDuration(c.clock.Now().Sub(started))

	h := resilience.Health()
	st.Health = h.State
	st.Failures = h.ConsecutiveFailures
	if m, ok := monitor.Last(); ok {
		st.Quality = m.Overall
	}
	st.Profile = adaptive.CurrentProfile().Name
	return st
}

// SignalingHandler

func (c *CallService) OnOffer(ctx context.Context, msg domain.NegotiationMessage) {
	c.metrics.RecordSignalingMessage("in", msg.Type)
	if err := c.HandleOffer(ctx, msg); err != nil {
		c.log().Warnw("offer handling failed", "sender_id", msg.SenderID, "error", err)
	}
}

func (c *CallService) OnAnswer(ctx context.Context, msg domain.NegotiationMessage) {
	c.metrics.RecordSignalingMessage("in", msg.Type)
	if err := c.HandleAnswer(ctx, msg); err != nil {
		c.log().Warnw("answer handling failed", "sender_id", msg.SenderID, "error", err)
	}
}

func (c *CallService) OnICECandidate(ctx context.Context, msg domain.NegotiationMessage) {
	c.metrics.RecordSignalingMessage("in", msg.Type)
	if err := c.HandleICECandidate(ctx, msg); err != nil {
		c.log().Debugw("candidate handling failed", "sender_id", msg.SenderID, "error", err)
	}
}

// OnParticipantJoined re-sends the offer when a callee shows up after the
// caller already offered into an empty room.
func (c *CallService) OnParticipantJoined(ctx context.Context, msg domain.NegotiationMessage) {
	c.metrics.RecordSignalingMessage("in", msg.Type)
	c.log().Infow("participant joined", "participant", msg.UserID)

	c.mu.Lock()
	resend := c.session != nil &&
		c.session.Role == domain.RoleCaller &&
		c.engine != nil &&
		!c.everConnected &&
		c.engine.HasLocalOffer()
	c.mu.Unlock()

	if resend {
		if err := c.CreateOffer(ctx); err != nil {
			c.log().Warnw("offer resend failed", "error", err)
		}
	}
}

func (c *CallService) OnParticipantLeft(ctx context.Context, msg domain.NegotiationMessage) {
	c.metrics.RecordSignalingMessage("in", msg.Type)
	c.log().Infow("participant left", "participant", msg.UserID)
}

func (c *CallService) OnCallEnd(ctx context.Context, msg domain.NegotiationMessage) {
	c.metrics.RecordSignalingMessage("in", msg.Type)
	c.log().Infow("call ended by peer", "sender_id", msg.SenderID)
	// Cleanup waits for this dispatch goroutine via Teardown.
	go func() {
		if err := c.Cleanup(context.Background()); err != nil {
			c.log().Debugw("cleanup after remote hangup", "error", err)
		}
	}()
}

// OnTransportError only ends the call while no media path exists yet.
func (c *CallService) OnTransportError(err error) {
	c.mu.Lock()
	connected := c.everConnected
	c.mu.Unlock()

	c.metrics.RecordSignalingError("transport")
	if connected {
		c.log().Warnw("signaling transport error during call", "error", err)
		return
	}
	c.failCall(apperrors.NewSignalingError(err, "signaling lost before the call connected"), true)
}

func (c *CallService) publish(ctx context.Context, msg domain.NegotiationMessage) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return
	}
	msg.RoomID = session.RoomID
	msg.SenderID = session.UserID
	msg.Timestamp = utils.UnixMillis(c.clock.Now())

	if err := c.deps.Transport.Publish(ctx, msg); err != nil {
		c.metrics.RecordSignalingError("publish")
		c.log().Warnw("signaling publish failed", "type", msg.Type, "error", err)
		return
	}
	c.metrics.RecordSignalingMessage("out", msg.Type)
}

// negotiationFailed fails the call if no connection was ever made;
// renegotiation errors on a live call are only reported.
func (c *CallService) negotiationFailed(cause error, message string) error {
	appErr := apperrors.NewNegotiationError(cause, message)

	c.mu.Lock()
	connected := c.everConnected
	c.mu.Unlock()

	if connected {
		c.log().Warnw(message, "error", cause)
		c.events.emitError(apperrors.NewTransportError(cause, message))
		return appErr
	}
	c.failCall(appErr, true)
	return appErr
}

func (c *CallService) failCall(err error, emitErr bool) {
	c.mu.Lock()
	changed := c.setStateLocked(domain.CallStateFailed)
	c.mu.Unlock()

	if changed {
		c.log().Errorw("call failed", "error", err)
	}
	if emitErr {
		c.events.emitError(err)
	}
}

func (c *CallService) setStateLocked(to domain.CallState) bool {
	from := c.state
	if from == to {
		return false
	}
	if !from.CanTransition(to) {
		c.log().Debugw("ignored call state transition", "from", from, "to", to)
		return false
	}
	c.state = to
	c.metrics.RecordCallState(to)
	c.events.emitConnectionState(to)
	return true
}
