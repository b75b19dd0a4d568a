package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

const (
	audioFrameDuration  = 20 * time.Millisecond
	defaultVideoBitrate = 1_000_000
	defaultWidth        = 1280
	defaultHeight       = 720
	defaultFrameRate    = 30
	defaultSampleRate   = 48000
)

// opusSilence is a valid 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// DeviceOptions describes what the synthetic capture devices can produce.
type DeviceOptions struct {
	Microphone   bool
	Camera       bool
	MaxWidth     int
	MaxHeight    int
	MaxFrameRate int
}

func DefaultDeviceOptions() DeviceOptions {
	return DeviceOptions{
		Microphone:   true,
		Camera:       true,
		MaxWidth:     1920,
		MaxHeight:    1080,
		MaxFrameRate: 60,
	}
}

// SyntheticDevices produces generated Opus and VP8 tracks. It stands in for
// capture hardware on headless agents.
type SyntheticDevices struct {
	opts   DeviceOptions
	logger *zap.SugaredLogger
}

func NewSyntheticDevices(opts DeviceOptions, logger *zap.SugaredLogger) *SyntheticDevices {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SyntheticDevices{opts: opts, logger: logger}
}

func (d *SyntheticDevices) GetUserMedia(ctx context.Context, c domain.MediaConstraints) (*ports.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("no audio or video requested: %w", domain.ErrConstraintUnsatisfiable)
	}
	if c.Width < 0 || c.Height < 0 || c.FrameRate < 0 || c.SampleRate < 0 || c.Channels < 0 {
		return nil, fmt.Errorf("negative constraint: %w", domain.ErrConstraintUnsatisfiable)
	}
	if c.Audio && !d.opts.Microphone {
		return nil, fmt.Errorf("microphone: %w", domain.ErrDeviceNotFound)
	}
	if c.Video && !d.opts.Camera {
		return nil, fmt.Errorf("camera: %w", domain.ErrDeviceNotFound)
	}

	streamID := uuid.NewString()
	var tracks []ports.LocalTrack

	if c.Audio {
		t, err := d.newTrack(domain.MediaAudio, streamID, c)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := d.newTrack(domain.MediaVideo, streamID, c)
		if err != nil {
			for _, started := range tracks {
				started.Stop()
			}
			return nil, err
		}
		tracks = append(tracks, t)
	}

	d.logger.Debugw("synthetic media acquired", "stream_id", streamID, "tracks", len(tracks))
	return ports.NewMediaStream(streamID, tracks...), nil
}

func (d *SyntheticDevices) newTrack(kind domain.MediaKind, streamID string, c domain.MediaConstraints) (*SyntheticTrack, error) {
	mimeType := webrtc.MimeTypeOpus
	if kind == domain.MediaVideo {
		mimeType = webrtc.MimeTypeVP8
	}

	id := fmt.Sprintf("%s-%s", kind, uuid.NewString())
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	t := &SyntheticTrack{
		id:     id,
		kind:   kind,
		local:  local,
		opts:   d.opts,
		stop:   make(chan struct{}),
		logger: d.logger,
	}
	if kind == domain.MediaAudio {
		t.settings = ports.TrackSettings{SampleRate: defaultSampleRate, ChannelCount: 1}
	} else {
		t.settings = ports.TrackSettings{
			Width:      defaultWidth,
			Height:     defaultHeight,
			FrameRate:  defaultFrameRate,
			FacingMode: "user",
		}
	}
	if err := t.ApplyConstraints(c); err != nil {
		return nil, err
	}

	t.wg.Add(1)
	go t.generate()
	return t, nil
}

// SyntheticTrack writes generated samples to a pion static sample track.
// Video frame size follows the encoding cap so bitrate changes are visible
// on the wire.
type SyntheticTrack struct {
	id    string
	kind  domain.MediaKind
	local *webrtc.TrackLocalStaticSample
	opts  DeviceOptions

	mu       sync.Mutex
	settings ports.TrackSettings
	encoding ports.EncodingParameters

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger *zap.SugaredLogger
}

func (t *SyntheticTrack) ID() string             { return t.id }
func (t *SyntheticTrack) Kind() domain.MediaKind { return t.kind }

// TrackLocal exposes the pion track for attaching to a peer connection.
func (t *SyntheticTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *SyntheticTrack) Settings() ports.TrackSettings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings
}

// ApplyConstraints treats values as ideal and clamps them to the device.
func (t *SyntheticTrack) ApplyConstraints(c domain.MediaConstraints) error {
	if c.Width < 0 || c.Height < 0 || c.FrameRate < 0 {
		return domain.ErrConstraintUnsatisfiable
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.kind == domain.MediaAudio {
		if c.SampleRate > 0 {
			t.settings.SampleRate = c.SampleRate
		}
		if c.Channels > 0 {
			t.settings.ChannelCount = c.Channels
		}
		return nil
	}

	if c.Width > 0 {
		t.settings.Width = clamp(c.Width, t.opts.MaxWidth)
	}
	if c.Height > 0 {
		t.settings.Height = clamp(c.Height, t.opts.MaxHeight)
	}
	if c.FrameRate > 0 {
		t.settings.FrameRate = clamp(c.FrameRate, t.opts.MaxFrameRate)
	}
	if c.FacingMode != "" {
		t.settings.FacingMode = c.FacingMode
	}
	return nil
}

func clamp(v, max int) int {
	if max > 0 && v > max {
		return max
	}
	return v
}

// SetEncoding caps the generated bitrate and frame rate.
func (t *SyntheticTrack) SetEncoding(params ports.EncodingParameters) {
	t.mu.Lock()
	t.encoding = params
	t.mu.Unlock()
}

func (t *SyntheticTrack) Encoding() ports.EncodingParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.encoding
}

// frame returns the next sample payload and its duration.
func (t *SyntheticTrack) frame() ([]byte, time.Duration) {
	if t.kind == domain.MediaAudio {
		return opusSilence, audioFrameDuration
	}

	t.mu.Lock()
	fps := t.settings.FrameRate
	bitrate := defaultVideoBitrate
	if t.encoding.MaxFramerate > 0 && t.encoding.MaxFramerate < fps {
		fps = t.encoding.MaxFramerate
	}
	if t.encoding.MaxBitrate > 0 {
		bitrate = t.encoding.MaxBitrate
	}
	t.mu.Unlock()

	if fps <= 0 {
		fps = defaultFrameRate
	}
	size := bitrate / 8 / fps
	if size < 1 {
		size = 1
	}
	return make([]byte, size), time.Second / time.Duration(fps)
}

func (t *SyntheticTrack) generate() {
	defer t.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-timer.C:
			data, duration := t.frame()
			if err := t.local.WriteSample(media.Sample{Data: data, Duration: duration}); err != nil {
				t.logger.Debugw("failed to write sample", "track_id", t.id, "error", err)
			}
			timer.Reset(duration)
		}
	}
}

// Stop ends sample generation. Safe to call more than once.
func (t *SyntheticTrack) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.wg.Wait()
	})
}

// Stopped reports whether Stop has been called.
func (t *SyntheticTrack) Stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}
