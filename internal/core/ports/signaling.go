package ports

import (
	"context"

	"rillcall/internal/core/domain"
)

// SignalingHandler receives filtered inbound negotiation messages, one at a
// time, in receipt order.
type SignalingHandler interface {
	OnOffer(ctx context.Context, msg domain.NegotiationMessage)
	OnAnswer(ctx context.Context, msg domain.NegotiationMessage)
	OnICECandidate(ctx context.Context, msg domain.NegotiationMessage)
	OnParticipantJoined(ctx context.Context, msg domain.NegotiationMessage)
	OnParticipantLeft(ctx context.Context, msg domain.NegotiationMessage)
	OnCallEnd(ctx context.Context, msg domain.NegotiationMessage)
	OnTransportError(err error)
}

type SignalingTransport interface {
	Subscribe(ctx context.Context, roomID domain.RoomID, userID domain.UserID, handler SignalingHandler) error
	Publish(ctx context.Context, msg domain.NegotiationMessage) error
	Teardown(ctx context.Context) error
}
