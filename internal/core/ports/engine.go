package ports

import (
	"context"
	"time"

	"rillcall/internal/core/domain"
)

type EngineEventType string

const (
	EventLocalCandidate  EngineEventType = "icecandidate"
	EventRemoteTrack     EngineEventType = "track"
	EventDataChannel     EngineEventType = "datachannel"
	EventDataMessage     EngineEventType = "datamessage"
	EventConnectionState EngineEventType = "connectionstatechange"
	EventICEState        EngineEventType = "iceconnectionstatechange"
)

type EngineEvent struct {
	Type            EngineEventType
	Candidate       *domain.ICECandidate // nil on end-of-candidates
	Track           RemoteTrack
	DataChannel     DataChannel
	Message         []byte
	ConnectionState domain.TransportState
	ICEState        string
}

// EncodingParameters is what an outbound sender may be capped to.
type EncodingParameters struct {
	MaxBitrate   int
	MaxFramerate int
}

type TrackSender interface {
	Track() LocalTrack
	ReplaceTrack(track LocalTrack) error
	SetEncoding(params EncodingParameters) error
	Encoding() EncodingParameters
}

type DataChannel interface {
	Label() string
	SendText(text string) error
	Close() error
}

type InboundRTPStats struct {
	Kind            domain.MediaKind
	BytesReceived   uint64
	PacketsReceived uint64
	PacketsLost     int64
	Jitter          float64 // seconds
}

type RemoteInboundRTPStats struct {
	Kind          domain.MediaKind
	FractionLost  float64
	RoundTripTime float64 // seconds
}

type OutboundRTPStats struct {
	Kind      domain.MediaKind
	BytesSent uint64
}

// StatsReport is the subset of the engine's statistics table the quality
// and resilience components read.
type StatsReport struct {
	Timestamp        time.Time
	Inbound          []InboundRTPStats
	RemoteInbound    []RemoteInboundRTPStats
	Outbound         []OutboundRTPStats
	CandidatePairRTT float64 // seconds, nominated pair; 0 when unknown
}

// NegotiationEngine is one peer connection.
type NegotiationEngine interface {
	CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	HasRemoteDescription() bool
	HasLocalOffer() bool
	Rollback() error
	AddICECandidate(c domain.ICECandidate) error
	AddTrack(track LocalTrack) (TrackSender, error)
	CreateDataChannel(label string, ordered bool) (DataChannel, error)
	GetStats(ctx context.Context) (StatsReport, error)
	ConnectionState() domain.TransportState
	Events() <-chan EngineEvent
	Close() error
}

type EngineFactory interface {
	NewEngine(ctx context.Context, iceServers []domain.ICEServer) (NegotiationEngine, error)
}

// ICEServerRanker orders traversal servers by preference.
type ICEServerRanker interface {
	Rank(ctx context.Context, servers []domain.ICEServer) []domain.ICEServer
}
