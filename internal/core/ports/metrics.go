package ports

import "rillcall/internal/core/domain"

type CallMetrics interface {
	RecordQuality(m domain.QualityMetrics)
	RecordProfile(profile domain.QualityProfile)
	RecordAdaptation(ev domain.AdaptationEvent)
	RecordReconnection(status domain.ReconnectionStatus)
	RecordHealthState(state domain.HealthState)
	RecordCallState(state domain.CallState)
	RecordSignalingMessage(direction string, msgType domain.MessageType)
	RecordSignalingError(stage string)
}

// RelayMetrics is recorded by the websocket relay server.
type RelayMetrics interface {
	RecordRelayConnection(delta int)
	RecordRelayFrame(op string)
	RecordRelayDrop(reason string)
	SetRelayTopics(n int)
}
