package domain

import "time"

type RoomID string
type UserID string

type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

type CallRole string

const (
	RoleCaller CallRole = "caller"
	RoleCallee CallRole = "callee"
)

type CallSession struct {
	RoomID    RoomID
	UserID    UserID
	Kind      CallKind
	Role      CallRole
	StartedAt time.Time
}

// CallState follows the negotiation engine's connection state.
type CallState string

const (
	CallStateNew          CallState = "new"
	CallStateConnecting   CallState = "connecting"
	CallStateConnected    CallState = "connected"
	CallStateDisconnected CallState = "disconnected"
	CallStateFailed       CallState = "failed"
	CallStateClosed       CallState = "closed"
)

var callTransitions = map[CallState][]CallState{
	CallStateNew:          {CallStateConnecting, CallStateFailed, CallStateClosed},
	CallStateConnecting:   {CallStateConnected, CallStateDisconnected, CallStateFailed, CallStateClosed},
	CallStateConnected:    {CallStateDisconnected, CallStateConnecting, CallStateFailed, CallStateClosed},
	CallStateDisconnected: {CallStateConnecting, CallStateConnected, CallStateFailed, CallStateClosed},
	CallStateFailed:       {CallStateClosed},
	CallStateClosed:       {},
}

// CanTransition reports whether the call may move from one state to another.
func (s CallState) CanTransition(to CallState) bool {
	for _, allowed := range callTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s CallState) IsTerminal() bool {
	return s == CallStateFailed || s == CallStateClosed
}

// MediaConstraints describe what to request from the capture API.
type MediaConstraints struct {
	Audio      bool
	Video      bool
	Width      int
	Height     int
	FrameRate  int
	FacingMode string // "user" | "environment"
	SampleRate int
	Channels   int
}

// ChatMessage is the JSON body carried over the in-call data channel.
type ChatMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SenderID  UserID `json:"senderId"`
	Timestamp int64  `json:"timestamp"`
}

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}
