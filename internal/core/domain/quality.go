package domain

import "time"

// NetworkStats is one media type's transport snapshot for a sampling tick.
type NetworkStats struct {
	Bitrate       float64 // bits/sec
	PacketsLost   int64
	FractionLost  float64 // 0-1
	RoundTripTime float64 // ms
	Jitter        float64 // seconds
}

type QualityClass string

const (
	QualityExcellent    QualityClass = "excellent"
	QualityGood         QualityClass = "good"
	QualityFair         QualityClass = "fair"
	QualityPoor         QualityClass = "poor"
	QualityDisconnected QualityClass = "disconnected"
)

// Rank orders classes from worst (0) to best (4).
func (q QualityClass) Rank() int {
	switch q {
	case QualityExcellent:
		return 4
	case QualityGood:
		return 3
	case QualityFair:
		return 2
	case QualityPoor:
		return 1
	default:
		return 0
	}
}

func (q QualityClass) IsGood() bool {
	return q == QualityExcellent || q == QualityGood
}

func (q QualityClass) IsBad() bool {
	return q == QualityPoor || q == QualityDisconnected
}

// RemoteReport carries what the far end said about our outbound media.
type RemoteReport struct {
	Available     bool // false when no remote-inbound report was present
	FractionLost  float64
	RoundTripTime float64 // ms
	OutboundBps   float64
}

type QualityMetrics struct {
	Overall    QualityClass
	Audio      NetworkStats
	Video      *NetworkStats
	AudioScore float64
	VideoScore float64
	Remote     RemoteReport
	Timestamp  time.Time
}

type VideoProfile struct {
	Width     int
	Height    int
	FrameRate int
	Bitrate   int // bits/sec
}

type AudioProfile struct {
	Bitrate      int // bits/sec
	SampleRate   int
	ChannelCount int
}

type QualityProfile struct {
	Name  string
	Level int
	Video *VideoProfile
	Audio AudioProfile
}

func (p QualityProfile) IsAudioOnly() bool {
	return p.Video == nil
}

const (
	ProfileAudioOnly = "audioOnly"
	ProfileMinimal   = "minimal"
	ProfileLow       = "low"
	ProfileMedium    = "medium"
	ProfileHigh      = "high"
	ProfileUltra     = "ultra"
)

var AudioOnlyProfile = QualityProfile{
	Name:  ProfileAudioOnly,
	Level: 0,
	Audio: AudioProfile{Bitrate: 32000, SampleRate: 48000, ChannelCount: 1},
}

// VideoLadder is ordered by Level, lowest first.
var VideoLadder = []QualityProfile{
	{
		Name:  ProfileMinimal,
		Level: 0,
		Video: &VideoProfile{Width: 320, Height: 180, FrameRate: 15, Bitrate: 150000},
		Audio: AudioProfile{Bitrate: 24000, SampleRate: 24000, ChannelCount: 1},
	},
	{
		Name:  ProfileLow,
		Level: 1,
		Video: &VideoProfile{Width: 640, Height: 360, FrameRate: 20, Bitrate: 500000},
		Audio: AudioProfile{Bitrate: 32000, SampleRate: 48000, ChannelCount: 1},
	},
	{
		Name:  ProfileMedium,
		Level: 2,
		Video: &VideoProfile{Width: 960, Height: 540, FrameRate: 24, Bitrate: 1000000},
		Audio: AudioProfile{Bitrate: 48000, SampleRate: 48000, ChannelCount: 1},
	},
	{
		Name:  ProfileHigh,
		Level: 3,
		Video: &VideoProfile{Width: 1280, Height: 720, FrameRate: 30, Bitrate: 2000000},
		Audio: AudioProfile{Bitrate: 64000, SampleRate: 48000, ChannelCount: 2},
	},
	{
		Name:  ProfileUltra,
		Level: 4,
		Video: &VideoProfile{Width: 1920, Height: 1080, FrameRate: 30, Bitrate: 4000000},
		Audio: AudioProfile{Bitrate: 128000, SampleRate: 48000, ChannelCount: 2},
	},
}

// ProfileByName looks up a ladder or audio-only profile.
func ProfileByName(name string) (QualityProfile, bool) {
	if name == ProfileAudioOnly {
		return AudioOnlyProfile, true
	}
	for _, p := range VideoLadder {
		if p.Name == name {
			return p, true
		}
	}
	return QualityProfile{}, false
}

type AdaptationType string

const (
	AdaptationUpgrade   AdaptationType = "upgrade"
	AdaptationDowngrade AdaptationType = "downgrade"
	AdaptationManual    AdaptationType = "manual"
)

type AdaptationEvent struct {
	Type   AdaptationType
	From   string
	To     string
	Reason string
	At     time.Time
}
