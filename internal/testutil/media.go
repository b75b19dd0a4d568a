// Package testutil holds in-memory stand-ins for the peer connection,
// capture devices and signaling transport.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
)

var trackSeq atomic.Int64

type FakeTrack struct {
	id   string
	kind domain.MediaKind

	mu          sync.Mutex
	settings    ports.TrackSettings
	constraints []domain.MediaConstraints
	stopped     bool

	// ConstraintErr is returned by ApplyConstraints when set.
	ConstraintErr error
}

func NewFakeTrack(kind domain.MediaKind, facingMode string) *FakeTrack {
	return &FakeTrack{
		id:       fmt.Sprintf("%s-%d", kind, trackSeq.Add(1)),
		kind:     kind,
		settings: ports.TrackSettings{FacingMode: facingMode},
	}
}

func (t *FakeTrack) ID() string             { return t.id }
func (t *FakeTrack) Kind() domain.MediaKind { return t.kind }

func (t *FakeTrack) Settings() ports.TrackSettings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings
}

func (t *FakeTrack) ApplyConstraints(c domain.MediaConstraints) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ConstraintErr != nil {
		return t.ConstraintErr
	}
	t.constraints = append(t.constraints, c)
	if c.Width > 0 {
		t.settings.Width, t.settings.Height = c.Width, c.Height
	}
	if c.FrameRate > 0 {
		t.settings.FrameRate = c.FrameRate
	}
	if c.SampleRate > 0 {
		t.settings.SampleRate = c.SampleRate
	}
	if c.Channels > 0 {
		t.settings.ChannelCount = c.Channels
	}
	if c.FacingMode != "" {
		t.settings.FacingMode = c.FacingMode
	}
	return nil
}

func (t *FakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *FakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *FakeTrack) Constraints() []domain.MediaConstraints {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.MediaConstraints(nil), t.constraints...)
}

// FakeMediaDevices hands out fake tracks matching the requested constraints.
type FakeMediaDevices struct {
	mu    sync.Mutex
	calls []domain.MediaConstraints
	// Err is returned by every GetUserMedia call when set.
	Err error
	// FailAfter makes calls beyond the first FailAfter fail with Err.
	FailAfter int
}

func (d *FakeMediaDevices) GetUserMedia(ctx context.Context, c domain.MediaConstraints) (*ports.MediaStream, error) {
	d.mu.Lock()
	d.calls = append(d.calls, c)
	n := len(d.calls)
	err := d.Err
	if d.FailAfter > 0 && n <= d.FailAfter {
		err = nil
	}
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}

	var tracks []ports.LocalTrack
	if c.Audio {
		tracks = append(tracks, NewFakeTrack(domain.MediaAudio, ""))
	}
	if c.Video {
		tracks = append(tracks, NewFakeTrack(domain.MediaVideo, c.FacingMode))
	}
	return ports.NewMediaStream(fmt.Sprintf("stream-%d", n), tracks...), nil
}

func (d *FakeMediaDevices) Calls() []domain.MediaConstraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.MediaConstraints(nil), d.calls...)
}

type FakeSender struct {
	mu       sync.Mutex
	track    ports.LocalTrack
	encoding ports.EncodingParameters

	EncodingErr error
	ReplaceErr  error
}

func NewFakeSender(track ports.LocalTrack) *FakeSender {
	return &FakeSender{track: track}
}

func (s *FakeSender) Track() ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *FakeSender) ReplaceTrack(t ports.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReplaceErr != nil {
		return s.ReplaceErr
	}
	s.track = t
	return nil
}

func (s *FakeSender) SetEncoding(p ports.EncodingParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EncodingErr != nil {
		return s.EncodingErr
	}
	s.encoding = p
	return nil
}

func (s *FakeSender) Encoding() ports.EncodingParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encoding
}

type FakeDataChannel struct {
	label string

	mu     sync.Mutex
	sent   []string
	closed bool
}

func (d *FakeDataChannel) Label() string { return d.label }

func (d *FakeDataChannel) SendText(text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.ErrDataChannelClosed
	}
	d.sent = append(d.sent, text)
	return nil
}

func (d *FakeDataChannel) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *FakeDataChannel) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

func (d *FakeDataChannel) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
