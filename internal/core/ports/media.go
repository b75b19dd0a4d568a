package ports

import (
	"context"
	"sync"

	"rillcall/internal/core/domain"

	"github.com/pion/rtp"
)

type TrackSettings struct {
	Width        int
	Height       int
	FrameRate    int
	SampleRate   int
	ChannelCount int
	FacingMode   string
}

// LocalTrack is one captured outbound track.
type LocalTrack interface {
	ID() string
	Kind() domain.MediaKind
	Settings() TrackSettings
	ApplyConstraints(c domain.MediaConstraints) error
	Stop()
}

// MediaDevices is the capture API. Errors wrap the domain device/permission
// sentinels so callers can classify them.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints domain.MediaConstraints) (*MediaStream, error)
}

type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() domain.MediaKind
	ReadRTP() (*rtp.Packet, error)
}

// MediaStream groups local tracks; safe for concurrent use.
type MediaStream struct {
	id     string
	mu     sync.RWMutex
	tracks []LocalTrack
}

func NewMediaStream(id string, tracks ...LocalTrack) *MediaStream {
	return &MediaStream{id: id, tracks: tracks}
}

func (s *MediaStream) ID() string { return s.id }

func (s *MediaStream) Tracks() []LocalTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LocalTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *MediaStream) tracksOf(kind domain.MediaKind) []LocalTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LocalTrack
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *MediaStream) AudioTracks() []LocalTrack { return s.tracksOf(domain.MediaAudio) }
func (s *MediaStream) VideoTracks() []LocalTrack { return s.tracksOf(domain.MediaVideo) }

// ReplaceTrack swaps old for replacement in place and reports whether old was found.
func (s *MediaStream) ReplaceTrack(old, replacement LocalTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t == old {
			s.tracks[i] = replacement
			return true
		}
	}
	return false
}

// Stop stops every track.
func (s *MediaStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
