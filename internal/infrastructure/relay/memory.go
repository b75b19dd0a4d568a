package relay

import (
	"context"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/validation"

	"go.uber.org/zap"
)

// MemoryRelay fans messages out to every subscriber of a topic inside one
// process, the publisher's own subscription included.
type MemoryRelay struct {
	mu     sync.RWMutex
	topics map[string]map[*subscription]struct{}
	closed bool

	buffer int
	logger *zap.SugaredLogger
}

func NewMemoryRelay(logger *zap.SugaredLogger) *MemoryRelay {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MemoryRelay{
		topics: make(map[string]map[*subscription]struct{}),
		buffer: defaultSubscriptionBuffer,
		logger: logger,
	}
}

func (r *MemoryRelay) Subscribe(ctx context.Context, topic string) (ports.Subscription, error) {
	if err := validation.ValidateTopic(topic); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, domain.ErrRelayClosed
	}

	var sub *subscription
	sub = newSubscription(topic, r.buffer, func() { r.remove(topic, sub) })
	if r.topics[topic] == nil {
		r.topics[topic] = make(map[*subscription]struct{})
	}
	r.topics[topic][sub] = struct{}{}

	r.logger.Debugw("subscribed", "topic", topic, "subscribers", len(r.topics[topic]))
	return sub, nil
}

func (r *MemoryRelay) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return domain.ErrRelayClosed
	}
	subs := make([]*subscription, 0, len(r.topics[topic]))
	for sub := range r.topics[topic] {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		if !sub.deliver(payload) {
			r.logger.Warnw("subscriber buffer full, message dropped", "topic", topic)
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions on topic.
func (r *MemoryRelay) Subscribers(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

func (r *MemoryRelay) remove(topic string, sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.topics[topic], sub)
	if len(r.topics[topic]) == 0 {
		delete(r.topics, topic)
	}
}

func (r *MemoryRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var subs []*subscription
	for _, set := range r.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}
