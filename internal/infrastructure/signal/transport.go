package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/config"
	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/retry"
	"rillcall/pkg/tracing"
	"rillcall/pkg/utils"

	"go.uber.org/zap"
)

var ErrAlreadySubscribed = errors.New("signaling transport already subscribed")

// maxLoggedPayload bounds how much of a rejected message reaches the logs.
const maxLoggedPayload = 128

type TransportConfig struct {
	TopicPrefix         string
	SubscribeTimeout    time.Duration
	SubscribeBaseDelay  time.Duration
	SubscribeMaxRetries int
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		TopicPrefix:         "call:",
		SubscribeTimeout:    10 * time.Second,
		SubscribeBaseDelay:  time.Second,
		SubscribeMaxRetries: 3,
	}
}

func TransportConfigFromConfig(cfg *config.Config) TransportConfig {
	return TransportConfig{
		TopicPrefix:         cfg.Signal.TopicPrefix,
		SubscribeTimeout:    cfg.Signal.SubscribeTimeout,
		SubscribeBaseDelay:  cfg.Signal.SubscribeBaseDelay,
		SubscribeMaxRetries: cfg.Signal.SubscribeMaxRetries,
	}
}

// Transport carries negotiation messages for one room over a relay topic.
// Inbound messages are filtered and handed to the handler one at a time on
// a single goroutine.
type Transport struct {
	relay  ports.Relay
	cfg    TransportConfig
	clock  utils.Clock
	logger *zap.SugaredLogger

	mu      sync.Mutex
	roomID  domain.RoomID
	userID  domain.UserID
	topic   string
	sub     ports.Subscription
	handler ports.SignalingHandler
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewTransport(relay ports.Relay, cfg TransportConfig, logger *zap.SugaredLogger) *Transport {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Transport{
		relay:  relay,
		cfg:    cfg,
		clock:  utils.SystemClock,
		logger: logger,
	}
}

// Topic returns the relay topic for a room.
func (t *Transport) Topic(roomID domain.RoomID) string {
	return t.cfg.TopicPrefix + string(roomID)
}

// Subscribe joins the room topic, retrying unacknowledged attempts with
// exponential backoff, then announces the local user.
func (t *Transport) Subscribe(ctx context.Context, roomID domain.RoomID, userID domain.UserID, handler ports.SignalingHandler) error {
	t.mu.Lock()
	if t.sub != nil {
		t.mu.Unlock()
		return ErrAlreadySubscribed
	}
	t.mu.Unlock()

	topic := t.Topic(roomID)
	ctx, span := tracing.TraceRelay(ctx, "subscribe", topic)
	defer span.End()

	attempts := 0
	retryCfg := retry.Config{
		Enabled:      true,
		MaxAttempts:  t.cfg.SubscribeMaxRetries,
		InitialDelay: t.cfg.SubscribeBaseDelay,
		Multiplier:   2.0,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			t.logger.Warnw("signaling subscribe failed, retrying",
				"topic", topic,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
		},
	}

	sub, err := retry.RetryWithResult(ctx, retryCfg, func() (ports.Subscription, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, t.cfg.SubscribeTimeout)
		defer cancel()

		sub, err := t.relay.Subscribe(attemptCtx, topic)
		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrSubscriptionTimeout
		}
		return sub, err
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return apperrors.NewSignalingError(err, "failed to subscribe to signaling topic").
			WithContext("room_id", roomID).
			WithContext("attempts", attempts)
	}

	dispatchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	t.mu.Lock()
	t.roomID = roomID
	t.userID = userID
	t.topic = topic
	t.sub = sub
	t.handler = handler
	t.cancel = cancel
	t.wg.Add(1)
	t.mu.Unlock()

	go t.dispatch(dispatchCtx, sub, handler)

	t.logger.Infow("subscribed to signaling topic", "topic", topic, "user_id", userID, "attempts", attempts)

	if err := t.Publish(ctx, domain.NegotiationMessage{
		Type:   domain.MessageParticipantJoined,
		UserID: userID,
	}); err != nil {
		t.logger.Warnw("failed to announce participant", "topic", topic, "error", err)
	}
	return nil
}

// Publish sends msg once. Missing room, sender and timestamp are filled in.
func (t *Transport) Publish(ctx context.Context, msg domain.NegotiationMessage) error {
	t.mu.Lock()
	topic, roomID, userID := t.topic, t.roomID, t.userID
	t.mu.Unlock()

	if topic == "" {
		return domain.ErrNotInitialized
	}
	if msg.RoomID == "" {
		msg.RoomID = roomID
	}
	if msg.SenderID == "" {
		msg.SenderID = userID
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = utils.UnixMillis(t.clock.Now())
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msg.Type, err)
	}

	ctx, span := tracing.TraceRelay(ctx, "publish", topic)
	defer span.End()

	if err := t.relay.Publish(ctx, topic, data); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to publish %s: %w", msg.Type, err)
	}

	t.logger.Debugw("published signaling message", "type", msg.Type, "topic", topic)
	return nil
}

func (t *Transport) dispatch(ctx context.Context, sub ports.Subscription, handler ports.SignalingHandler) {
	defer t.wg.Done()

	messages := sub.Messages()
	errs := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			errs = nil
			if ctx.Err() == nil {
				t.logger.Warnw("signaling subscription error", "topic", sub.Topic(), "error", err)
				handler.OnTransportError(err)
			}
		case payload, ok := <-messages:
			if !ok {
				if ctx.Err() == nil {
					select {
					case err := <-errs:
						handler.OnTransportError(err)
					default:
						handler.OnTransportError(fmt.Errorf("signaling subscription on %s closed: %w", sub.Topic(), domain.ErrRelayClosed))
					}
				}
				return
			}
			t.handle(ctx, payload, handler)
		}
	}
}

func (t *Transport) handle(ctx context.Context, payload []byte, handler ports.SignalingHandler) {
	var msg domain.NegotiationMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.logger.Warnw("dropping malformed signaling message",
			"error", err,
			"size", len(payload),
			"payload", utils.TruncateString(string(payload), maxLoggedPayload))
		return
	}
	if err := msg.Validate(); err != nil {
		t.logger.Warnw("dropping invalid signaling message", "type", msg.Type, "error", err)
		return
	}
	if !t.accept(msg) {
		return
	}

	switch msg.Type {
	case domain.MessageOffer:
		handler.OnOffer(ctx, msg)
	case domain.MessageAnswer:
		handler.OnAnswer(ctx, msg)
	case domain.MessageICECandidate:
		handler.OnICECandidate(ctx, msg)
	case domain.MessageParticipantJoined:
		handler.OnParticipantJoined(ctx, msg)
	case domain.MessageParticipantLeft:
		handler.OnParticipantLeft(ctx, msg)
	case domain.MessageCallEnd:
		handler.OnCallEnd(ctx, msg)
	}
}

// accept drops messages for other rooms, the local user's own echoes and
// answers addressed to someone else.
func (t *Transport) accept(msg domain.NegotiationMessage) bool {
	t.mu.Lock()
	roomID, userID := t.roomID, t.userID
	t.mu.Unlock()

	if msg.RoomID != roomID {
		t.logger.Debugw("dropping message for another room", "type", msg.Type, "room_id", msg.RoomID)
		return false
	}
	if msg.SenderID == userID {
		return false
	}
	if msg.Type == domain.MessageAnswer && msg.TargetUserID != "" && msg.TargetUserID != userID {
		t.logger.Debugw("dropping answer for another participant", "target_user_id", msg.TargetUserID)
		return false
	}
	return true
}

// Teardown announces departure, closes the subscription and waits for the
// dispatch goroutine. Safe to call repeatedly; the transport may be
// subscribed again afterwards.
func (t *Transport) Teardown(ctx context.Context) error {
	t.mu.Lock()
	sub, cancel, userID := t.sub, t.cancel, t.userID
	t.mu.Unlock()
	if sub == nil {
		return nil
	}

	if err := t.Publish(ctx, domain.NegotiationMessage{
		Type:   domain.MessageParticipantLeft,
		UserID: userID,
	}); err != nil {
		t.logger.Debugw("failed to announce departure", "error", err)
	}

	cancel()
	closeErr := sub.Close()
	t.wg.Wait()

	t.mu.Lock()
	if t.sub == sub {
		t.sub = nil
		t.handler = nil
		t.cancel = nil
		t.topic = ""
		t.roomID = ""
		t.userID = ""
	}
	t.mu.Unlock()

	t.logger.Infow("signaling transport torn down", "topic", sub.Topic())
	return closeErr
}
