package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/validation"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions configures the pub/sub client.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient creates a pooled Redis client and verifies it with PING.
func NewRedisClient(ctx context.Context, opts RedisOptions, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", opts.Address,
			"db", opts.DB,
			"pool_size", opts.PoolSize,
		)
	}
	return client, nil
}

// RedisRelay maps relay topics onto Redis pub/sub channels. Redis delivers
// a publish to every subscriber including the publishing connection's own
// subscriptions, so callers must filter their own messages.
type RedisRelay struct {
	client *redis.Client
	logger *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[*subscription]*redis.PubSub
	closed bool
}

func NewRedisRelay(client *redis.Client, logger *zap.SugaredLogger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisRelay{
		client: client,
		logger: logger,
		subs:   make(map[*subscription]*redis.PubSub),
	}
}

// Subscribe returns once Redis confirmed the SUBSCRIBE.
func (r *RedisRelay) Subscribe(ctx context.Context, topic string) (ports.Subscription, error) {
	if err := validation.ValidateTopic(topic); err != nil {
		return nil, err
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, domain.ErrRelayClosed
	}

	pubsub := r.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	var sub *subscription
	sub = newSubscription(topic, defaultSubscriptionBuffer, func() {
		r.mu.Lock()
		delete(r.subs, sub)
		r.mu.Unlock()
		if err := pubsub.Close(); err != nil {
			r.logger.Debugw("error closing pubsub", "topic", topic, "error", err)
		}
	})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		pubsub.Close()
		return nil, domain.ErrRelayClosed
	}
	r.subs[sub] = pubsub
	r.mu.Unlock()

	go r.pump(sub, pubsub)

	r.logger.Debugw("subscribed", "topic", topic)
	return sub, nil
}

func (r *RedisRelay) pump(sub *subscription, pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		if !sub.deliver([]byte(msg.Payload)) {
			r.logger.Warnw("subscriber buffer full, message dropped", "topic", msg.Channel)
		}
	}
	// Channel closes on pubsub.Close; if we did not close it, the client did.
	sub.fail(fmt.Errorf("redis subscription on %s ended: %w", sub.topic, domain.ErrRelayClosed))
}

func (r *RedisRelay) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return domain.ErrRelayClosed
		}
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Ping checks the Redis connection for readiness probes.
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close ends every subscription and closes the client.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*subscription, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return r.client.Close()
}
