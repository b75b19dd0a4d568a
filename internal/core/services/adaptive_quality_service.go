package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/utils"

	"go.uber.org/zap"
)

// AdaptationState guards against overlapping profile applications.
type AdaptationState int

const (
	AdaptationIdle AdaptationState = iota
	AdaptationApplying
)

func (s AdaptationState) String() string {
	if s == AdaptationApplying {
		return "applying"
	}
	return "idle"
}

type AdaptiveConfig struct {
	Enabled           bool
	Interval          time.Duration
	DowngradeReadings int
	UpgradeReadings   int
	LossDowngrade     float64 // fraction, remote-inbound
	RTTDowngradeMs    float64
	LossUpgrade       float64
	Mobile            bool
}

func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Enabled:           true,
		Interval:          5 * time.Second,
		DowngradeReadings: 2,
		UpgradeReadings:   3,
		LossDowngrade:     0.05,
		RTTDowngradeMs:    300,
		LossUpgrade:       0.01,
	}
}

// InitialProfile picks the starting rung for a call.
func InitialProfile(kind domain.CallKind, mobile bool) domain.QualityProfile {
	if kind != domain.CallKindVideo {
		return domain.AudioOnlyProfile
	}
	name := domain.ProfileMedium
	if mobile {
		name = domain.ProfileLow
	}
	p, _ := domain.ProfileByName(name)
	return p
}

// AdaptiveQualityService walks the video quality ladder in response to
// quality readings, with hysteresis and a minimum interval between
// automatic changes.
type AdaptiveQualityService struct {
	cfg     AdaptiveConfig
	clock   utils.Clock
	events  *CallEvents
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger

	// shared with camera switching; serializes track mutation
	mediaMu *sync.Mutex

	mu             sync.Mutex
	enabled        bool
	current        domain.QualityProfile
	state          AdaptationState
	senders        []ports.TrackSender
	poorCount      int
	goodCount      int
	lastAdaptation time.Time

	cancel context.CancelFunc
	unsub  func()
	wg     sync.WaitGroup
}

func NewAdaptiveQualityService(
	cfg AdaptiveConfig,
	kind domain.CallKind,
	mediaMu *sync.Mutex,
	clock utils.Clock,
	events *CallEvents,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *AdaptiveQualityService {
	if clock == nil {
		clock = utils.SystemClock
	}
	if mediaMu == nil {
		mediaMu = &sync.Mutex{}
	}
	if cfg.DowngradeReadings <= 0 {
		cfg.DowngradeReadings = 2
	}
	if cfg.UpgradeReadings <= 0 {
		cfg.UpgradeReadings = 3
	}
	return &AdaptiveQualityService{
		cfg:     cfg,
		clock:   clock,
		events:  events,
		metrics: metricsOrNop(metrics),
		logger:  loggerOrNop(logger),
		mediaMu: mediaMu,
		enabled: cfg.Enabled,
		current: InitialProfile(kind, cfg.Mobile),
	}
}

// Attach hands the outbound senders to the controller and applies the
// current profile to them.
func (a *AdaptiveQualityService) Attach(ctx context.Context, senders []ports.TrackSender) error {
	a.mu.Lock()
	a.senders = append([]ports.TrackSender(nil), senders...)
	profile := a.current
	a.mu.Unlock()

	if err := a.applyToSenders(senders, profile); err != nil {
		a.logger.Warnw("failed to apply initial profile", "profile", profile.Name, "error", err)
		return err
	}
	a.metrics.RecordProfile(profile)
	a.events.emitProfileChanged(profile)
	return nil
}

// Start consumes readings from monitor until Stop.
func (a *AdaptiveQualityService) Start(ctx context.Context, monitor *QualityMonitor) {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	readings, unsub := monitor.Subscribe(4)
	a.cancel = cancel
	a.unsub = unsub
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case m, ok := <-readings:
				if !ok {
					return
				}
				a.HandleQuality(runCtx, m)
			}
		}
	}()
}

// Stop is idempotent.
func (a *AdaptiveQualityService) Stop() {
	a.mu.Lock()
	cancel, unsub := a.cancel, a.unsub
	a.cancel, a.unsub = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	unsub()
	a.wg.Wait()

	a.mu.Lock()
	a.senders = nil
	a.poorCount, a.goodCount = 0, 0
	a.mu.Unlock()
}

// HandleQuality feeds one reading through both adaptation signals. Within a
// single reading the direct transport check wins over the class hysteresis.
func (a *AdaptiveQualityService) HandleQuality(ctx context.Context, m domain.QualityMetrics) {
	a.mu.Lock()
	if !a.enabled || a.current.IsAudioOnly() || a.state == AdaptationApplying {
		a.mu.Unlock()
		return
	}

	switch {
	case m.Overall.IsBad():
		a.poorCount++
		a.goodCount = 0
	case m.Overall.IsGood():
		a.goodCount++
		a.poorCount = 0
	default:
		a.poorCount, a.goodCount = 0, 0
	}

	top := a.current.Level >= len(domain.VideoLadder)-1
	bottom := a.current.Level <= 0

	var (
		step   int
		reason string
	)
	switch r := m.Remote; {
	case r.Available && r.FractionLost > a.cfg.LossDowngrade:
		step, reason = -1, fmt.Sprintf("remote packet loss %.1f%%", r.FractionLost*100)
	case r.Available && r.RoundTripTime > a.cfg.RTTDowngradeMs:
		step, reason = -1, fmt.Sprintf("round trip time %.0fms", r.RoundTripTime)
	case a.poorCount >= a.cfg.DowngradeReadings:
		step, reason = -1, fmt.Sprintf("%d consecutive %s readings", a.poorCount, m.Overall)
	case r.Available && r.FractionLost < a.cfg.LossUpgrade && r.OutboundBps > 0 && !top && !m.Overall.IsBad():
		step, reason = 1, fmt.Sprintf("remote packet loss %.1f%%", r.FractionLost*100)
	case a.goodCount >= a.cfg.UpgradeReadings:
		step, reason = 1, fmt.Sprintf("%d consecutive good readings", a.goodCount)
	}

	if step == 0 || (step < 0 && bottom) || (step > 0 && top) {
		a.mu.Unlock()
		return
	}

	now := a.clock.Now()
	if !a.lastAdaptation.IsZero() && now.Sub(a.lastAdaptation) < a.cfg.Interval {
		a.mu.Unlock()
		return
	}

	target := domain.VideoLadder[a.current.Level+step]
	kind := domain.AdaptationUpgrade
	if step < 0 {
		kind = domain.AdaptationDowngrade
	}
	a.poorCount, a.goodCount = 0, 0
	a.lastAdaptation = now
	a.state = AdaptationApplying
	a.mu.Unlock()

	a.apply(target, kind, reason)
}

// AdaptUp moves one rung up. No-op at the top or while a change is applying.
func (a *AdaptiveQualityService) AdaptUp(ctx context.Context, reason string) bool {
	return a.step(1, domain.AdaptationUpgrade, reason)
}

// AdaptDown moves one rung down. No-op at the floor or while a change is applying.
func (a *AdaptiveQualityService) AdaptDown(ctx context.Context, reason string) bool {
	return a.step(-1, domain.AdaptationDowngrade, reason)
}

func (a *AdaptiveQualityService) step(dir int, kind domain.AdaptationType, reason string) bool {
	a.mu.Lock()
	next := a.current.Level + dir
	if a.current.IsAudioOnly() || a.state == AdaptationApplying || next < 0 || next >= len(domain.VideoLadder) {
		a.mu.Unlock()
		return false
	}
	target := domain.VideoLadder[next]
	a.lastAdaptation = a.clock.Now()
	a.state = AdaptationApplying
	a.mu.Unlock()

	return a.apply(target, kind, reason)
}

// SetQualityProfile applies a named profile immediately.
func (a *AdaptiveQualityService) SetQualityProfile(ctx context.Context, name string) error {
	target, ok := domain.ProfileByName(name)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownProfile, name)
	}

	a.mu.Lock()
	if a.state == AdaptationApplying {
		a.mu.Unlock()
		return domain.ErrAdaptationInFlight
	}
	a.state = AdaptationApplying
	a.lastAdaptation = a.clock.Now()
	a.poorCount, a.goodCount = 0, 0
	a.mu.Unlock()

	if !a.apply(target, domain.AdaptationManual, "manual override") {
		return fmt.Errorf("apply profile %s failed", name)
	}
	return nil
}

// SetEnabled toggles automatic adaptation. Disabling clears the counters.
func (a *AdaptiveQualityService) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = enabled
	if !enabled {
		a.poorCount, a.goodCount = 0, 0
	}
}

func (a *AdaptiveQualityService) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *AdaptiveQualityService) CurrentProfile() domain.QualityProfile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *AdaptiveQualityService) State() AdaptationState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// apply runs with state == AdaptationApplying and returns it to idle.
func (a *AdaptiveQualityService) apply(target domain.QualityProfile, kind domain.AdaptationType, reason string) bool {
	a.mu.Lock()
	senders := a.senders
	from := a.current
	a.mu.Unlock()

	err := a.applyToSenders(senders, target)

	a.mu.Lock()
	a.state = AdaptationIdle
	if err == nil {
		a.current = target
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Warnw("profile change failed, keeping previous profile",
			"from", from.Name,
			"to", target.Name,
			"error", err,
		)
		return false
	}

	ev := domain.AdaptationEvent{
		Type:   kind,
		From:   from.Name,
		To:     target.Name,
		Reason: reason,
		At:     a.clock.Now(),
	}
	a.logger.Infow("quality profile changed", "type", kind, "from", from.Name, "to", target.Name, "reason", reason)
	a.metrics.RecordProfile(target)
	a.metrics.RecordAdaptation(ev)
	a.events.emitProfileChanged(target)
	a.events.emitAdaptation(ev)
	return true
}

// applyToSenders stops on the first failing track; tracks already adapted
// keep their new parameters.
func (a *AdaptiveQualityService) applyToSenders(senders []ports.TrackSender, p domain.QualityProfile) error {
	a.mediaMu.Lock()
	defer a.mediaMu.Unlock()

	for _, s := range senders {
		track := s.Track()
		if track == nil {
			continue
		}
		var (
			params      ports.EncodingParameters
			constraints domain.MediaConstraints
		)
		switch track.Kind() {
		case domain.MediaVideo:
			if p.Video == nil {
				continue
			}
			params = ports.EncodingParameters{MaxBitrate: p.Video.Bitrate, MaxFramerate: p.Video.FrameRate}
			constraints = domain.MediaConstraints{
				Video:      true,
				Width:      p.Video.Width,
				Height:     p.Video.Height,
				FrameRate:  p.Video.FrameRate,
				FacingMode: track.Settings().FacingMode,
			}
		case domain.MediaAudio:
			params = ports.EncodingParameters{MaxBitrate: p.Audio.Bitrate}
			constraints = domain.MediaConstraints{
				Audio:      true,
				SampleRate: p.Audio.SampleRate,
				Channels:   p.Audio.ChannelCount,
			}
		default:
			continue
		}

		if err := s.SetEncoding(params); err != nil {
			return fmt.Errorf("set %s encoding: %w", track.Kind(), err)
		}
		if err := track.ApplyConstraints(constraints); err != nil {
			return fmt.Errorf("apply %s constraints: %w", track.Kind(), err)
		}
	}
	return nil
}

// ProfileConstraints returns the capture constraints a video track should
// carry under p.
func ProfileConstraints(p domain.QualityProfile, facingMode string) domain.MediaConstraints {
	c := domain.MediaConstraints{Audio: true, FacingMode: facingMode}
	if p.Video != nil {
		c.Video = true
		c.Width = p.Video.Width
		c.Height = p.Video.Height
		c.FrameRate = p.Video.FrameRate
	}
	return c
}
