package testutil

import (
	"context"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
)

// FakeTransport records published messages and lets a test deliver inbound
// ones straight to the subscribed handler.
type FakeTransport struct {
	mu        sync.Mutex
	handler   ports.SignalingHandler
	published []domain.NegotiationMessage
	teardowns int

	SubscribeErr error
	PublishErr   error
}

func (t *FakeTransport) Subscribe(ctx context.Context, roomID domain.RoomID, userID domain.UserID, h ports.SignalingHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SubscribeErr != nil {
		return t.SubscribeErr
	}
	t.handler = h
	return nil
}

func (t *FakeTransport) Publish(ctx context.Context, msg domain.NegotiationMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.PublishErr != nil {
		return t.PublishErr
	}
	t.published = append(t.published, msg)
	return nil
}

func (t *FakeTransport) Teardown(ctx context.Context) error {
	t.mu.Lock()
	t.teardowns++
	t.handler = nil
	t.mu.Unlock()
	return nil
}

// Deliver dispatches msg to the handler as the real transport would.
func (t *FakeTransport) Deliver(ctx context.Context, msg domain.NegotiationMessage) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		return
	}
	switch msg.Type {
	case domain.MessageOffer:
		h.OnOffer(ctx, msg)
	case domain.MessageAnswer:
		h.OnAnswer(ctx, msg)
	case domain.MessageICECandidate:
		h.OnICECandidate(ctx, msg)
	case domain.MessageParticipantJoined:
		h.OnParticipantJoined(ctx, msg)
	case domain.MessageParticipantLeft:
		h.OnParticipantLeft(ctx, msg)
	case domain.MessageCallEnd:
		h.OnCallEnd(ctx, msg)
	}
}

func (t *FakeTransport) Published() []domain.NegotiationMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.NegotiationMessage(nil), t.published...)
}

// PublishedOfType filters Published by message type.
func (t *FakeTransport) PublishedOfType(mt domain.MessageType) []domain.NegotiationMessage {
	var out []domain.NegotiationMessage
	for _, m := range t.Published() {
		if m.Type == mt {
			out = append(out, m)
		}
	}
	return out
}

func (t *FakeTransport) Teardowns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.teardowns
}
