package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/lumenvid/signal-relay/internal/identity"
	"github.com/lumenvid/signal-relay/internal/matchmaking"
	"github.com/lumenvid/signal-relay/internal/metrics"
	"github.com/lumenvid/signal-relay/internal/ratelimit"
)

const (
	defaultMaxMessageBytes   = 64 << 10
	defaultMessagesPerSecond = 50
	defaultSendQueueDepth    = 256
	defaultIdleTimeout       = 60 * time.Second
	defaultPingInterval      = 20 * time.Second
)

// Config configures the WebSocket signaling server. Zero values fall back to
// the defaults above; Service is required.
type Config struct {
	Service *matchmaking.Service
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// MaxMessageBytes caps a single inbound frame.
	MaxMessageBytes int64
	// MaxMessagesPerSecond caps the sustained inbound message rate per
	// connection; the burst equals the rate.
	MaxMessagesPerSecond int64
	// SendQueueDepth is the outbound buffer per connection.
	SendQueueDepth int

	// IdleTimeout closes connections whose reader has gone silent;
	// PingInterval must be below it so pongs keep healthy clients alive.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// AcceptLimiter, when set, bounds the rate of upgrade attempts.
	AcceptLimiter *rate.Limiter

	// CheckOrigin gates the upgrade. Nil allows every origin.
	CheckOrigin func(r *http.Request) bool

	// Clock feeds the per-connection rate limiter; tests inject a fake.
	Clock ratelimit.Clock
}

type Server struct {
	cfg      Config
	service  *matchmaking.Service
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clock    ratelimit.Clock
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = defaultMessagesPerSecond
	}
	if cfg.SendQueueDepth <= 0 {
		cfg.SendQueueDepth = defaultSendQueueDepth
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}

	return &Server{
		cfg:     cfg,
		service: cfg.Service,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		clock:   clock,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/ws", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AcceptLimiter != nil && !s.cfg.AcceptLimiter.Allow() {
		s.metrics.Inc(metrics.AcceptRejected)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	connID, err := identity.NewConnectionID()
	if err != nil {
		s.logger.Error("failed to assign connection id", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := s.logger.With("connId", connID)
	c := newClient(connID, conn, logger, s.metrics, s.cfg.SendQueueDepth, s.cfg.PingInterval)
	go c.writePump()
	defer c.shutdown()

	userID, err := s.service.Register(c)
	if err != nil {
		logger.Warn("rejecting connection", "err", err)
		c.closeWith(websocket.CloseTryAgainLater, "server full")
		return
	}
	logger.Info("connection registered", "userId", userID)

	c.Deliver(encodeServerEnvelope(serverEnvelope{Event: eventCreate, UserID: userID}))

	s.readLoop(c, logger)

	// Transport loss and explicit hangup funnel into the same teardown;
	// Unregister is idempotent so the room partner hears about it once.
	if notify, ok := s.service.Unregister(connID); ok && notify != nil {
		notify.Deliver(encodeServerEnvelope(serverEnvelope{Event: eventHangup, SourceSocketID: connID}))
	}
	logger.Info("connection closed")
}

func (s *Server) readLoop(c *client, logger *slog.Logger) {
	conn := c.conn
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	limiter := ratelimit.NewTokenBucket(s.clock, s.cfg.MaxMessagesPerSecond, s.cfg.MaxMessagesPerSecond)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		// Count after reading so that idle time never accrues a deficit.
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		env, err := parseClientEnvelope(data)
		if err != nil {
			s.metrics.Inc(metrics.MalformedEnvelope)
			logger.Debug("dropping malformed envelope", "err", err)
			continue
		}

		if closed := s.dispatch(c, env, logger); closed {
			return
		}
	}
}

// dispatch routes one parsed envelope. It reports whether the connection
// should be torn down.
func (s *Server) dispatch(c *client, env clientEnvelope, logger *slog.Logger) bool {
	switch env.Event {
	case eventStartChat:
		s.handleStartChat(c, logger)
	case eventCallUser, eventMakeAnswer:
		s.relayToTarget(c, env, logger)
	case eventICECandidate:
		if env.TargetSocketID != "" {
			s.relayToTarget(c, env, logger)
		} else {
			s.relayToRoom(c, env)
		}
	case eventAskIncrement, eventReplyIncrement:
		s.relayToRoom(c, env)
	case eventHangup:
		s.handleHangup(c, logger)
		return true
	}
	return false
}

func (s *Server) handleStartChat(c *client, logger *slog.Logger) {
	match, err := s.service.RequestMatch(c.id)
	if err != nil {
		var message string
		switch {
		case errors.Is(err, matchmaking.ErrWaitingForPeer):
			message = "No user available to chat. Try again shortly."
		case errors.Is(err, matchmaking.ErrNotAvailable):
			message = "Already in a chat session."
		default:
			message = "Unable to start a chat."
		}
		c.Deliver(encodeServerEnvelope(serverEnvelope{Event: eventChatError, Message: message}))
		return
	}

	peerID := match.Peer.ID()
	logger.Info("matched", "roomId", match.RoomID, "peerId", peerID)

	// Both members learn the room and each other's address.
	c.Deliver(encodeServerEnvelope(serverEnvelope{Event: eventChatMatched, RoomID: match.RoomID, To: peerID}))
	match.Peer.Deliver(encodeServerEnvelope(serverEnvelope{Event: eventChatMatched, RoomID: match.RoomID, To: c.id}))
}

func (s *Server) relayToTarget(c *client, env clientEnvelope, logger *slog.Logger) {
	target, err := s.service.ResolvePeer(env.TargetSocketID)
	if err != nil {
		logger.Debug("relay target not found", "target", env.TargetSocketID, "event", env.Event)
		c.Deliver(encodeServerEnvelope(serverEnvelope{
			Event:       eventDeliveryFailed,
			To:          env.TargetSocketID,
			FailedEvent: env.Event,
		}))
		return
	}

	s.metrics.Inc(metrics.RelayedTarget)
	target.Deliver(encodeServerEnvelope(relayedEnvelope(c.id, env)))
}

func (s *Server) relayToRoom(c *client, env clientEnvelope) {
	peer, ok := s.service.RoomPeer(c.id)
	if !ok {
		return
	}

	s.metrics.Inc(metrics.RelayedRoom)
	peer.Deliver(encodeServerEnvelope(relayedEnvelope(c.id, env)))
}

func (s *Server) handleHangup(c *client, logger *slog.Logger) {
	if notify, ok := s.service.Unregister(c.id); ok && notify != nil {
		notify.Deliver(encodeServerEnvelope(serverEnvelope{Event: eventHangup, SourceSocketID: c.id}))
	}
	logger.Info("hangup")
	c.closeWith(websocket.CloseNormalClosure, "hangup")
}
