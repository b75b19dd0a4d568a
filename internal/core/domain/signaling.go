package domain

type MessageType string

const (
	MessageOffer             MessageType = "offer"
	MessageAnswer            MessageType = "answer"
	MessageICECandidate      MessageType = "ice-candidate"
	MessageParticipantJoined MessageType = "participant-joined"
	MessageParticipantLeft   MessageType = "participant-left"
	MessageCallEnd           MessageType = "call-end"
)

// SessionDescription mirrors the RTCSessionDescription JSON shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the RTCIceCandidateInit JSON shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// NegotiationMessage is one envelope on the signaling topic.
type NegotiationMessage struct {
	Type         MessageType         `json:"type"`
	RoomID       RoomID              `json:"roomId"`
	SenderID     UserID              `json:"senderId,omitempty"`
	TargetUserID UserID              `json:"targetUserId,omitempty"`
	UserID       UserID              `json:"userId,omitempty"`
	Offer        *SessionDescription `json:"offer,omitempty"`
	Answer       *SessionDescription `json:"answer,omitempty"`
	Candidate    *ICECandidate       `json:"candidate,omitempty"`
	Timestamp    int64               `json:"timestamp"`
}

func (m *NegotiationMessage) Validate() error {
	switch m.Type {
	case MessageOffer:
		if m.Offer == nil {
			return ErrMalformedMessage
		}
	case MessageAnswer:
		if m.Answer == nil {
			return ErrMalformedMessage
		}
	case MessageICECandidate:
		if m.Candidate == nil {
			return ErrMalformedMessage
		}
	case MessageParticipantJoined, MessageParticipantLeft, MessageCallEnd:
	default:
		return ErrUnknownMessageType
	}
	if m.RoomID == "" {
		return ErrMalformedMessage
	}
	return nil
}

// PendingCandidateQueue holds remote candidates that arrived before the
// remote description. It drains exactly once; afterwards Push refuses and
// the caller must apply candidates directly. Not safe for concurrent use.
type PendingCandidateQueue struct {
	items   []ICECandidate
	drained bool
}

// Push queues c and reports whether it was accepted.
func (q *PendingCandidateQueue) Push(c ICECandidate) bool {
	if q.drained {
		return false
	}
	q.items = append(q.items, c)
	return true
}

// Drain returns queued candidates in receipt order and closes the queue.
func (q *PendingCandidateQueue) Drain() []ICECandidate {
	if q.drained {
		return nil
	}
	items := q.items
	q.items = nil
	q.drained = true
	return items
}

func (q *PendingCandidateQueue) Len() int {
	return len(q.items)
}

func (q *PendingCandidateQueue) Drained() bool {
	return q.drained
}
