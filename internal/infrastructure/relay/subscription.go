// Package relay provides topic pub/sub backends for the signaling transport:
// Redis pub/sub, a websocket relay client and an in-process relay for tests
// and single-binary deployments.
package relay

import (
	"sync"
)

const defaultSubscriptionBuffer = 256

// subscription is the ports.Subscription shared by every backend. Delivery
// and close are serialized on mu so a late message never hits a closed
// channel.
type subscription struct {
	topic    string
	messages chan []byte
	errs     chan error

	mu      sync.Mutex
	closed  bool
	onClose func()
}

func newSubscription(topic string, buffer int, onClose func()) *subscription {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	return &subscription{
		topic:    topic,
		messages: make(chan []byte, buffer),
		errs:     make(chan error, 1),
		onClose:  onClose,
	}
}

func (s *subscription) Topic() string           { return s.topic }
func (s *subscription) Messages() <-chan []byte { return s.messages }
func (s *subscription) Errors() <-chan error    { return s.errs }

// deliver hands payload to the subscriber and reports false when it was
// dropped because the buffer is full or the subscription is closed.
func (s *subscription) deliver(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.messages <- payload:
		return true
	default:
		return false
	}
}

// fail reports err once and ends the subscription.
func (s *subscription) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.errs <- err:
	default:
	}
	s.mu.Unlock()
	s.Close()
}

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.messages)
	onClose := s.onClose
	s.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return nil
}
