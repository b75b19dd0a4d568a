package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/retry"
	"rillcall/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrInvalidPayload = errors.New("relay payload must be a JSON document")

// WebSocketOptions configures the relay client connection.
type WebSocketOptions struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout bounds the silence between server pings; zero disables it.
	ReadTimeout time.Duration
	Dial        retry.Config
}

func DefaultWebSocketOptions(url, token string) WebSocketOptions {
	dial := retry.DefaultConfig()
	dial.InitialDelay = 500 * time.Millisecond
	return WebSocketOptions{
		URL:              url,
		Token:            token,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      90 * time.Second,
		Dial:             dial,
	}
}

type pendingSubscribe struct {
	sub *subscription
	ack chan error
}

// WebSocketRelay multiplexes topic subscriptions over one websocket to a
// relay server.
type WebSocketRelay struct {
	conn *websocket.Conn
	opts WebSocketOptions

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]map[*subscription]struct{}
	pending map[string][]*pendingSubscribe
	closed  bool

	done   chan struct{}
	logger *zap.SugaredLogger
}

// DialWebSocketRelay connects to the relay server, retrying the dial with
// backoff.
func DialWebSocketRelay(ctx context.Context, opts WebSocketOptions, logger *zap.SugaredLogger) (*WebSocketRelay, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := validation.ValidateURL(opts.URL); err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	dialCfg := opts.Dial
	dialCfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warnw("relay dial failed, retrying",
			"url", opts.URL,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	conn, err := retry.RetryWithResult(ctx, dialCfg, func() (*websocket.Conn, error) {
		c, resp, err := dialer.DialContext(ctx, opts.URL, header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial %s: %w (status %d)", opts.URL, err, resp.StatusCode)
			}
			return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	r := &WebSocketRelay{
		conn:    conn,
		opts:    opts,
		subs:    make(map[string]map[*subscription]struct{}),
		pending: make(map[string][]*pendingSubscribe),
		done:    make(chan struct{}),
		logger:  logger,
	}

	if opts.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
			r.writeMu.Lock()
			defer r.writeMu.Unlock()
			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(opts.WriteTimeout))
		})
	}

	go r.readLoop()

	logger.Infow("connected to relay", "url", opts.URL)
	return r, nil
}

// Subscribe sends a subscribe frame and waits for the server's
// acknowledgement or ctx.
func (r *WebSocketRelay) Subscribe(ctx context.Context, topic string) (ports.Subscription, error) {
	if err := validation.ValidateTopic(topic); err != nil {
		return nil, err
	}

	var sub *subscription
	sub = newSubscription(topic, defaultSubscriptionBuffer, func() { r.unsubscribe(sub) })
	p := &pendingSubscribe{sub: sub, ack: make(chan error, 1)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, domain.ErrRelayClosed
	}
	r.pending[topic] = append(r.pending[topic], p)
	r.mu.Unlock()

	if err := r.write(Frame{Op: OpSubscribe, Topic: topic}); err != nil {
		r.dropPending(p)
		return nil, err
	}

	select {
	case err := <-p.ack:
		if err != nil {
			return nil, err
		}
		return sub, nil
	case <-ctx.Done():
		if !r.dropPending(p) {
			// Acknowledged while we gave up.
			sub.Close()
		}
		return nil, ctx.Err()
	}
}

func (r *WebSocketRelay) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !json.Valid(payload) {
		return ErrInvalidPayload
	}
	return r.write(Frame{Op: OpPublish, Topic: topic, Payload: payload})
}

func (r *WebSocketRelay) write(frame Frame) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return domain.ErrRelayClosed
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.opts.WriteTimeout > 0 {
		r.conn.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout))
	}
	if err := r.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("relay write %s: %w", frame.Op, err)
	}
	return nil
}

// dropPending removes p and reports whether it was still waiting.
func (r *WebSocketRelay) dropPending(p *pendingSubscribe) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.pending[p.sub.topic]
	for i, candidate := range list {
		if candidate == p {
			r.pending[p.sub.topic] = append(list[:i], list[i+1:]...)
			if len(r.pending[p.sub.topic]) == 0 {
				delete(r.pending, p.sub.topic)
			}
			return true
		}
	}
	return false
}

func (r *WebSocketRelay) unsubscribe(sub *subscription) {
	r.mu.Lock()
	delete(r.subs[sub.topic], sub)
	last := len(r.subs[sub.topic]) == 0
	if last {
		delete(r.subs, sub.topic)
	}
	closed := r.closed
	r.mu.Unlock()

	if last && !closed {
		if err := r.write(Frame{Op: OpUnsubscribe, Topic: sub.topic}); err != nil {
			r.logger.Debugw("unsubscribe failed", "topic", sub.topic, "error", err)
		}
	}
}

func (r *WebSocketRelay) readLoop() {
	defer close(r.done)

	for {
		var frame Frame
		if err := r.conn.ReadJSON(&frame); err != nil {
			r.shutdown(err)
			return
		}
		if r.opts.ReadTimeout > 0 {
			r.conn.SetReadDeadline(time.Now().Add(r.opts.ReadTimeout))
		}

		switch frame.Op {
		case OpSubscribed:
			r.resolvePending(frame.Topic, nil)
		case OpMessage:
			r.dispatch(frame)
		case OpError:
			err := fmt.Errorf("relay server: %s", frame.Error)
			if frame.Topic != "" && r.resolvePending(frame.Topic, err) {
				continue
			}
			r.logger.Warnw("relay server error", "topic", frame.Topic, "error", frame.Error)
		default:
			r.logger.Debugw("unknown relay frame", "op", frame.Op)
		}
	}
}

// resolvePending completes the oldest subscribe on topic. On success the
// subscription is registered before the caller is released so no message
// after the acknowledgement is missed.
func (r *WebSocketRelay) resolvePending(topic string, err error) bool {
	r.mu.Lock()
	list := r.pending[topic]
	if len(list) == 0 {
		r.mu.Unlock()
		return false
	}
	p := list[0]
	if len(list) == 1 {
		delete(r.pending, topic)
	} else {
		r.pending[topic] = list[1:]
	}
	if err == nil {
		if r.subs[topic] == nil {
			r.subs[topic] = make(map[*subscription]struct{})
		}
		r.subs[topic][p.sub] = struct{}{}
	}
	r.mu.Unlock()

	p.ack <- err
	return true
}

func (r *WebSocketRelay) dispatch(frame Frame) {
	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.subs[frame.Topic]))
	for sub := range r.subs[frame.Topic] {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		if !sub.deliver([]byte(frame.Payload)) {
			r.logger.Warnw("subscriber buffer full, message dropped", "topic", frame.Topic)
		}
	}
}

// shutdown ends every subscription. A read error after Close is expected
// and ends subscriptions quietly.
func (r *WebSocketRelay) shutdown(cause error) {
	r.mu.Lock()
	wasClosed := r.closed
	r.closed = true
	var subs []*subscription
	for _, set := range r.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	pending := r.pending
	r.pending = make(map[string][]*pendingSubscribe)
	r.mu.Unlock()

	err := fmt.Errorf("relay connection lost: %w", cause)
	if wasClosed {
		err = domain.ErrRelayClosed
	} else {
		r.logger.Warnw("relay connection lost", "error", cause)
	}

	for _, list := range pending {
		for _, p := range list {
			p.ack <- err
		}
	}
	for _, sub := range subs {
		if wasClosed {
			sub.Close()
		} else {
			sub.fail(err)
		}
	}
}

func (r *WebSocketRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.writeMu.Lock()
	r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	r.writeMu.Unlock()

	err := r.conn.Close()
	<-r.done
	return err
}
