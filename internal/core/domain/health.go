package domain

import "time"

type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthFailing  HealthState = "failing"
	HealthFailed   HealthState = "failed"
)

var healthTransitions = map[HealthState][]HealthState{
	HealthHealthy:  {HealthDegraded, HealthFailing},
	HealthDegraded: {HealthHealthy, HealthFailing},
	HealthFailing:  {HealthHealthy, HealthDegraded, HealthFailed},
	HealthFailed:   {HealthHealthy, HealthFailing},
}

func (s HealthState) CanTransition(to HealthState) bool {
	for _, allowed := range healthTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

type ConnectionHealth struct {
	IsHealthy           bool
	ConsecutiveFailures int
	LastSuccessfulCheck time.Time
	State               HealthState
}

// TransportState is the engine's peer connection state, as reported to the
// resilience controller and lifecycle manager.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

type ReconnectionPhase string

const (
	ReconnectAttempting ReconnectionPhase = "attempting"
	ReconnectSuccess    ReconnectionPhase = "success"
	ReconnectFailed     ReconnectionPhase = "failed"
)

type ReconnectionStatus struct {
	Phase   ReconnectionPhase
	Attempt int
}
