package signal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/internal/infrastructure/middleware"
	"rillcall/internal/infrastructure/relay"
	"rillcall/pkg/config"
	"rillcall/pkg/utils"
	"rillcall/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const relaySendBuffer = 256

type RelayServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64

	// Per-connection inbound frame rate; zero disables limiting.
	MessagesPerSecond float64
	Burst             int
	MaxConnections    int

	AllowedOrigins []string
}

func DefaultRelayServerConfig() RelayServerConfig {
	return RelayServerConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

func RelayServerConfigFromConfig(cfg *config.Config) RelayServerConfig {
	rc := RelayServerConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		rc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		rc.Burst = cfg.RateLimiting.WebSocket.Burst
		rc.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
	}
	return rc
}

// RelayServer is a topic fan-out relay over websockets. A publish reaches
// every subscriber of the topic, the publishing connection included.
type RelayServer struct {
	cfg      RelayServerConfig
	auth     ports.TokenValidator
	metrics  ports.RelayMetrics
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	topics map[string]map[*relayConn]struct{}
	conns  map[*relayConn]struct{}

	logger *zap.SugaredLogger
}

type relayConn struct {
	id      string
	userID  domain.UserID
	ws      *websocket.Conn
	send    chan relay.Frame
	limiter *rate.Limiter

	// topics is only touched by the connection's read goroutine and cleanup.
	topics map[string]struct{}

	closeOnce sync.Once
}

// NewRelayServer builds a relay. auth may be nil to accept anonymous
// clients; metrics may be nil.
func NewRelayServer(cfg RelayServerConfig, auth ports.TokenValidator, metrics ports.RelayMetrics, logger *zap.SugaredLogger) *RelayServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if metrics == nil {
		metrics = nopRelayMetrics{}
	}
	s := &RelayServer{
		cfg:     cfg,
		auth:    auth,
		metrics: metrics,
		topics:  make(map[string]map[*relayConn]struct{}),
		conns:   make(map[*relayConn]struct{}),
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *RelayServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket authenticates, upgrades and serves one relay client.
func (s *RelayServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var userID domain.UserID
	if s.auth != nil {
		token := middleware.BearerToken(r)
		if token == "" {
			http.Error(w, "bearer token required", http.StatusUnauthorized)
			return
		}
		id, err := s.auth.ValidateToken(token)
		if err != nil {
			s.logger.Infow("relay connection rejected",
				"remote_addr", r.RemoteAddr,
				"token", middleware.MaskToken(token),
				"error", err,
			)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		userID = id
	}

	if s.cfg.MaxConnections > 0 && s.Connections() >= s.cfg.MaxConnections {
		s.metrics.RecordRelayDrop("max_connections")
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &relayConn{
		id:     utils.GenerateConnectionID(),
		userID: userID,
		ws:     ws,
		send:   make(chan relay.Frame, relaySendBuffer),
		topics: make(map[string]struct{}),
	}
	if s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.RecordRelayConnection(1)

	s.logger.Infow("relay client connected", "conn_id", c.id, "user_id", userID, "remote_addr", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		s.writeLoop(c)
		close(done)
	}()

	s.readLoop(c)

	s.cleanup(c)
	<-done
	s.logger.Infow("relay client disconnected", "conn_id", c.id, "user_id", userID)
}

func (s *RelayServer) readLoop(c *relayConn) {
	if s.cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(s.cfg.MaxMessageSize)
	}
	c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	for {
		var frame relay.Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading relay frame", "conn_id", c.id, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		s.metrics.RecordRelayFrame(frame.Op)

		if c.limiter != nil && !c.limiter.Allow() {
			s.metrics.RecordRelayDrop("rate_limited")
			s.reply(c, relay.Frame{Op: relay.OpError, Topic: frame.Topic, Error: "rate limit exceeded"})
			continue
		}

		if err := s.handleFrame(c, frame); err != nil {
			s.logger.Debugw("relay frame rejected", "conn_id", c.id, "op", frame.Op, "error", err)
			s.reply(c, relay.Frame{Op: relay.OpError, Topic: frame.Topic, Error: err.Error()})
		}
	}
}

func (s *RelayServer) handleFrame(c *relayConn, frame relay.Frame) error {
	switch frame.Op {
	case relay.OpSubscribe:
		if err := validation.ValidateTopic(frame.Topic); err != nil {
			return err
		}
		s.subscribe(c, frame.Topic)
		s.reply(c, relay.Frame{Op: relay.OpSubscribed, Topic: frame.Topic})
		return nil

	case relay.OpUnsubscribe:
		s.unsubscribe(c, frame.Topic)
		return nil

	case relay.OpPublish:
		if err := validation.ValidateTopic(frame.Topic); err != nil {
			return err
		}
		if len(frame.Payload) == 0 || !json.Valid(frame.Payload) {
			return relay.ErrInvalidPayload
		}
		s.Broadcast(frame.Topic, frame.Payload)
		return nil

	default:
		return errUnknownOp(frame.Op)
	}
}

type errUnknownOp string

func (e errUnknownOp) Error() string { return "unknown op: " + string(e) }

func (s *RelayServer) subscribe(c *relayConn, topic string) {
	s.mu.Lock()
	if s.topics[topic] == nil {
		s.topics[topic] = make(map[*relayConn]struct{})
	}
	s.topics[topic][c] = struct{}{}
	c.topics[topic] = struct{}{}
	n := len(s.topics)
	s.mu.Unlock()

	s.metrics.SetRelayTopics(n)
	s.logger.Debugw("relay subscribe", "conn_id", c.id, "topic", topic)
}

func (s *RelayServer) unsubscribe(c *relayConn, topic string) {
	s.mu.Lock()
	delete(s.topics[topic], c)
	if len(s.topics[topic]) == 0 {
		delete(s.topics, topic)
	}
	delete(c.topics, topic)
	n := len(s.topics)
	s.mu.Unlock()

	s.metrics.SetRelayTopics(n)
}

// Broadcast delivers payload to every subscriber of topic. A subscriber
// whose send buffer is full misses the message.
func (s *RelayServer) Broadcast(topic string, payload json.RawMessage) int {
	frame := relay.Frame{Op: relay.OpMessage, Topic: topic, Payload: payload}

	s.mu.RLock()
	defer s.mu.RUnlock()

	delivered := 0
	for c := range s.topics[topic] {
		select {
		case c.send <- frame:
			delivered++
		default:
			s.metrics.RecordRelayDrop("slow_consumer")
			s.logger.Warnw("relay client too slow, message dropped", "conn_id", c.id, "topic", topic)
		}
	}
	return delivered
}

func (s *RelayServer) reply(c *relayConn, frame relay.Frame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conns[c]; !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
		s.metrics.RecordRelayDrop("slow_consumer")
	}
}

func (s *RelayServer) writeLoop(c *relayConn) {
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()
	defer c.ws.Close()

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				s.logger.Infow("error writing relay frame", "conn_id", c.id, "error", err)
				return
			}

		case <-pingTicker.C:
			c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "conn_id", c.id, "error", err)
				return
			}
		}
	}
}

func (s *RelayServer) cleanup(c *relayConn) {
	c.closeOnce.Do(func() {
		s.mu.Lock()
		for topic := range c.topics {
			delete(s.topics[topic], c)
			if len(s.topics[topic]) == 0 {
				delete(s.topics, topic)
			}
		}
		delete(s.conns, c)
		n := len(s.topics)
		// Closed under the lock so Broadcast never sends on it afterwards.
		close(c.send)
		s.mu.Unlock()

		s.metrics.SetRelayTopics(n)
		s.metrics.RecordRelayConnection(-1)
		// Unblocks a writer stuck on a dead peer.
		c.ws.Close()
	})
}

// Connections returns the number of connected clients.
func (s *RelayServer) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Subscribers returns the number of clients subscribed to topic.
func (s *RelayServer) Subscribers(topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics[topic])
}

// Close disconnects every client.
func (s *RelayServer) Close() {
	s.mu.RLock()
	conns := make([]*relayConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) RecordRelayConnection(int) {}
func (nopRelayMetrics) RecordRelayFrame(string)   {}
func (nopRelayMetrics) RecordRelayDrop(string)    {}
func (nopRelayMetrics) SetRelayTopics(int)        {}
