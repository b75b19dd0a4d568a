package ports

import "context"

// Relay is a best-effort topic pub/sub. Subscribe returns only after the
// relay acknowledged the subscription.
type Relay interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

type Subscription interface {
	Topic() string
	// Messages is closed when the subscription ends.
	Messages() <-chan []byte
	// Errors reports failures after the subscription was established.
	Errors() <-chan error
	Close() error
}
