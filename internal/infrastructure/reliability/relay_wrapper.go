package reliability

import (
	"context"
	"errors"

	"rillcall/internal/core/ports"
	"rillcall/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// RelayWrapper guards a relay with a circuit breaker. While the circuit is
// open publishes and subscribes fail fast instead of waiting on a dead
// backend.
type RelayWrapper struct {
	relay          ports.Relay
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *zap.SugaredLogger
}

func NewRelayWrapper(relay ports.Relay, cbConfig circuitbreaker.Config, logger *zap.SugaredLogger) *RelayWrapper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	w := &RelayWrapper{
		relay:          relay,
		circuitBreaker: circuitbreaker.New(cbConfig),
		logger:         logger,
	}

	w.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("relay circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return w
}

func (w *RelayWrapper) Subscribe(ctx context.Context, topic string) (ports.Subscription, error) {
	var sub ports.Subscription
	err := w.circuitBreaker.Execute(ctx, func() error {
		var err error
		sub, err = w.relay.Subscribe(ctx, topic)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (w *RelayWrapper) Publish(ctx context.Context, topic string, payload []byte) error {
	err := w.circuitBreaker.Execute(ctx, func() error {
		return w.relay.Publish(ctx, topic, payload)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		w.logger.Warnw("relay publish rejected, circuit open", "topic", topic)
	}
	return err
}

func (w *RelayWrapper) Close() error {
	return w.relay.Close()
}

// State exposes the breaker state for status reporting.
func (w *RelayWrapper) State() circuitbreaker.State {
	return w.circuitBreaker.GetState()
}
