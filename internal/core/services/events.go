package services

import (
	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"go.uber.org/zap"
)

const defaultEventBuffer = 32

// CallEvents carries one-way notifications for the UI layer, one channel per
// category. Sends never block: when a reader falls behind the event is
// dropped and logged at debug level.
type CallEvents struct {
	localStream     chan *ports.MediaStream
	remoteStream    chan ports.RemoteTrack
	connectionState chan domain.CallState
	iceState        chan string
	quality         chan domain.QualityMetrics
	reconnection    chan domain.ReconnectionStatus
	health          chan domain.ConnectionHealth
	dataMessage     chan domain.ChatMessage
	profileChanged  chan domain.QualityProfile
	adaptation      chan domain.AdaptationEvent
	errors          chan error

	logger *zap.SugaredLogger
}

func NewCallEvents(buffer int, logger *zap.SugaredLogger) *CallEvents {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CallEvents{
		localStream:     make(chan *ports.MediaStream, buffer),
		remoteStream:    make(chan ports.RemoteTrack, buffer),
		connectionState: make(chan domain.CallState, buffer),
		iceState:        make(chan string, buffer),
		quality:         make(chan domain.QualityMetrics, buffer),
		reconnection:    make(chan domain.ReconnectionStatus, buffer),
		health:          make(chan domain.ConnectionHealth, buffer),
		dataMessage:     make(chan domain.ChatMessage, buffer),
		profileChanged:  make(chan domain.QualityProfile, buffer),
		adaptation:      make(chan domain.AdaptationEvent, buffer),
		errors:          make(chan error, buffer),
		logger:          logger,
	}
}

func (e *CallEvents) LocalStream() <-chan *ports.MediaStream         { return e.localStream }
func (e *CallEvents) RemoteStream() <-chan ports.RemoteTrack         { return e.remoteStream }
func (e *CallEvents) ConnectionState() <-chan domain.CallState       { return e.connectionState }
func (e *CallEvents) ICEState() <-chan string                        { return e.iceState }
func (e *CallEvents) Quality() <-chan domain.QualityMetrics          { return e.quality }
func (e *CallEvents) Reconnection() <-chan domain.ReconnectionStatus { return e.reconnection }
func (e *CallEvents) Health() <-chan domain.ConnectionHealth         { return e.health }
func (e *CallEvents) DataMessage() <-chan domain.ChatMessage         { return e.dataMessage }
func (e *CallEvents) ProfileChanged() <-chan domain.QualityProfile   { return e.profileChanged }
func (e *CallEvents) Adaptation() <-chan domain.AdaptationEvent      { return e.adaptation }
func (e *CallEvents) Errors() <-chan error                           { return e.errors }

func emit[T any](e *CallEvents, ch chan T, v T, name string) {
	select {
	case ch <- v:
	default:
		e.logger.Debugw("event dropped, reader too slow", "event", name)
	}
}

func (e *CallEvents) emitLocalStream(s *ports.MediaStream) {
	if e == nil {
		return
	}
	emit(e, e.localStream, s, "local_stream")
}

func (e *CallEvents) emitRemoteStream(t ports.RemoteTrack) {
	if e == nil {
		return
	}
	emit(e, e.remoteStream, t, "remote_stream")
}

func (e *CallEvents) emitConnectionState(s domain.CallState) {
	if e == nil {
		return
	}
	emit(e, e.connectionState, s, "connection_state")
}

func (e *CallEvents) emitICEState(s string) {
	if e == nil {
		return
	}
	emit(e, e.iceState, s, "ice_state")
}

func (e *CallEvents) emitQuality(m domain.QualityMetrics) {
	if e == nil {
		return
	}
	emit(e, e.quality, m, "quality")
}

func (e *CallEvents) emitReconnection(s domain.ReconnectionStatus) {
	if e == nil {
		return
	}
	emit(e, e.reconnection, s, "reconnection")
}

func (e *CallEvents) emitHealth(h domain.ConnectionHealth) {
	if e == nil {
		return
	}
	emit(e, e.health, h, "health")
}

func (e *CallEvents) emitDataMessage(m domain.ChatMessage) {
	if e == nil {
		return
	}
	emit(e, e.dataMessage, m, "data_message")
}

func (e *CallEvents) emitProfileChanged(p domain.QualityProfile) {
	if e == nil {
		return
	}
	emit(e, e.profileChanged, p, "profile_changed")
}

func (e *CallEvents) emitAdaptation(ev domain.AdaptationEvent) {
	if e == nil {
		return
	}
	emit(e, e.adaptation, ev, "adaptation")
}

func (e *CallEvents) emitError(err error) {
	if e == nil {
		return
	}
	emit(e, e.errors, err, "error")
}

type nopMetrics struct{}

func (nopMetrics) RecordQuality(domain.QualityMetrics)               {}
func (nopMetrics) RecordProfile(domain.QualityProfile)               {}
func (nopMetrics) RecordAdaptation(domain.AdaptationEvent)           {}
func (nopMetrics) RecordReconnection(domain.ReconnectionStatus)      {}
func (nopMetrics) RecordHealthState(domain.HealthState)              {}
func (nopMetrics) RecordCallState(domain.CallState)                  {}
func (nopMetrics) RecordSignalingMessage(string, domain.MessageType) {}
func (nopMetrics) RecordSignalingError(string)                       {}

func metricsOrNop(m ports.CallMetrics) ports.CallMetrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}

func loggerOrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}
