package signaling

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicelink/voicelink/internal/ice"
	"github.com/voicelink/voicelink/internal/match"
	"github.com/voicelink/voicelink/internal/metrics"
)

// Config configures a Server. Engine is required; everything else has
// working defaults.
type Config struct {
	Engine   *match.Engine
	Provider *ice.Provider
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// MaxMessageBytes caps a single inbound frame; MaxMessagesPerSecond is a
	// per-connection token bucket.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	// SendBuffer is the per-client outbound queue length. A client whose
	// buffer stays full is disconnected rather than allowed to stall others.
	SendBuffer   int
	PingInterval time.Duration
	WriteTimeout time.Duration
	// CredentialTimeout bounds one credential-request round trip to the
	// external provider before the fallback list is substituted.
	CredentialTimeout time.Duration

	// NewID overrides connection id generation, for tests.
	NewID func() string
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = 50
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsWriteWait
	}
	if c.CredentialTimeout <= 0 {
		c.CredentialTimeout = ice.DefaultTimeout
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	return c
}

// Server terminates client WebSocket connections, feeds the matchmaking
// engine, relays negotiation traffic between matched partners and pushes
// state and stats updates.
//
// It implements match.Notifier; NewServer wires itself into the engine.
type Server struct {
	cfg      Config
	engine   *match.Engine
	provider *ice.Provider
	metrics  *metrics.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		engine:   cfg.Engine,
		provider: cfg.Provider,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
	s.engine.SetNotifier(s)
	return s
}

// RegisterRoutes mounts the signaling endpoint.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := s.cfg.NewID()
	c := newClient(id, conn, s.cfg.SendBuffer, s.log)

	s.mu.Lock()
	s.clients[id] = c
	s.mu.Unlock()

	go c.writePump(s.cfg.PingInterval, s.cfg.WriteTimeout)

	s.metrics.Inc(metrics.Connects)
	s.log.Info("client connected", "participant_id", id, "remote", r.RemoteAddr)

	// Registering may immediately produce a match-found, so the client has to
	// be reachable in the map before this call.
	s.engine.AddParticipant(id)
	s.sendStateUpdate(id)
	s.broadcastStats()

	s.readLoop(c)

	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
	c.close()

	s.engine.RemoveParticipant(id)
	s.metrics.Inc(metrics.Disconnects)
	s.log.Info("client disconnected", "participant_id", id)
	s.broadcastStats()
}

func (s *Server) readLoop(c *client) {
	limiter := newRateLimiter(s.cfg.MaxMessagesPerSecond)

	for {
		if !limiter.Allow(time.Now()) {
			s.metrics.Inc(metrics.RateLimited)
			writeClose(c.conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msgType, msgReader, err := c.conn.NextReader()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.ProtocolErrors)
			writeClose(c.conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := readLimited(msgReader, s.cfg.MaxMessageBytes)
		if err != nil {
			s.metrics.Inc(metrics.ProtocolErrors)
			if err == errMessageTooLarge {
				writeClose(c.conn, websocket.CloseMessageTooBig, "message too large")
			} else {
				writeClose(c.conn, websocket.CloseInternalServerErr, "failed to read message")
			}
			return
		}

		env, err := ParseEnvelope(msg)
		if err != nil {
			s.metrics.Inc(metrics.ProtocolErrors)
			s.log.Debug("invalid message", "participant_id", c.id, "err", err)
			writeClose(c.conn, websocket.CloseUnsupportedData, "invalid message")
			return
		}

		if !s.handle(c, env) {
			return
		}
	}
}

// handle dispatches one parsed frame. It reports false when the connection
// should be torn down.
func (s *Server) handle(c *client, env Envelope) bool {
	switch env.Event {
	case EventNextRequest:
		s.metrics.Inc(metrics.NextRequests)
		s.engine.NextUser(c.id)
		s.sendStateUpdate(c.id)
		s.broadcastStats()

	case EventCredentialRequest:
		s.handleCredentialRequest(c)

	case EventNegotiationOffer, EventNegotiationAnswer:
		var p NegotiationPayload
		if err := decodePayload(env.Data, &p); err != nil {
			return s.protocolError(c, err)
		}
		if err := p.validate(env.Event); err != nil {
			return s.protocolError(c, err)
		}
		p.SenderID = c.id
		s.relayToPartner(c.id, env.Event, p)

	case EventNetworkCandidate:
		var p CandidatePayload
		if err := decodePayload(env.Data, &p); err != nil {
			return s.protocolError(c, err)
		}
		if p.Candidate.Candidate == "" {
			// End-of-candidates markers are forwarded as-is.
			s.log.Debug("end of candidates", "participant_id", c.id)
		}
		p.SenderID = c.id
		s.relayToPartner(c.id, env.Event, p)

	case EventVoiceStart, EventVoiceStop:
		s.relayToPartner(c.id, env.Event, VoicePayload{SenderID: c.id})

	case EventAudioFallback:
		var p AudioFallbackPayload
		if err := decodePayload(env.Data, &p); err != nil {
			return s.protocolError(c, err)
		}
		p.SenderID = c.id
		s.relayToPartner(c.id, env.Event, p)
	}
	return true
}

func (s *Server) protocolError(c *client, err error) bool {
	s.metrics.Inc(metrics.ProtocolErrors)
	s.log.Debug("malformed payload", "participant_id", c.id, "err", err)
	writeClose(c.conn, websocket.CloseUnsupportedData, "invalid payload")
	return false
}

// relayToPartner forwards a frame to the sender's current conversation
// partner. Messages from unmatched participants are stale leftovers of an
// ended conversation and are dropped silently.
func (s *Server) relayToPartner(senderID string, event Event, payload any) {
	partner := s.engine.Partner(senderID)
	if partner == nil {
		s.metrics.Inc(metrics.StaleMessagesDropped)
		s.log.Debug("dropping message without partner", "participant_id", senderID, "event", event)
		return
	}
	if s.sendTo(partner.ID, event, payload) {
		s.metrics.Inc(metrics.MessagesRelayed)
	}
}

func (s *Server) handleCredentialRequest(c *client) {
	s.metrics.Inc(metrics.CredentialFetches)
	// Fetched off the read loop so a slow provider never delays signaling.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CredentialTimeout)
		defer cancel()

		res := s.provider.FetchWithFallback(ctx)
		if res.Source == ice.SourceFallback {
			s.metrics.Inc(metrics.CredentialFallbacks)
		}
		s.sendTo(c.id, EventCredentialResponse, CredentialResponsePayload{
			Success:  true,
			Servers:  res.Servers,
			Provider: res.Source,
		})
	}()
}

// MatchFound implements match.Notifier.
func (s *Server) MatchFound(conv match.Conversation, a, b match.Participant) {
	s.metrics.Inc(metrics.MatchesCreated)
	s.sendTo(a.ID, EventMatchFound, MatchFoundPayload{Partner: b, ConversationID: conv.ID})
	s.sendTo(b.ID, EventMatchFound, MatchFoundPayload{Partner: a, ConversationID: conv.ID})
	s.sendStateUpdate(a.ID)
	s.sendStateUpdate(b.ID)
}

// MatchEnded implements match.Notifier. Each side gets a reason phrased from
// its own point of view: the initiator sees "ended", the other side sees why.
func (s *Server) MatchEnded(conv match.Conversation, reason match.EndReason, by string) {
	s.metrics.Inc(metrics.ConversationsEnded)
	for _, id := range []string{conv.A, conv.B} {
		s.sendTo(id, EventMatchEnded, MatchEndedPayload{Reason: wireReason(reason, id == by)})
		s.sendStateUpdate(id)
	}
}

func wireReason(reason match.EndReason, isInitiator bool) EndedReason {
	if isInitiator {
		return EndedReasonEnded
	}
	switch reason {
	case match.ReasonNextUser:
		return EndedReasonPartnerNext
	case match.ReasonPartnerLeft:
		return EndedReasonPartnerLeft
	default:
		return EndedReasonEnded
	}
}

// sendStateUpdate pushes id's current view of the system. Unknown ids (e.g.
// already removed) are skipped.
func (s *Server) sendStateUpdate(id string) {
	state := s.engine.UserState(id)
	if state == nil {
		return
	}
	s.sendTo(id, EventStateUpdate, state)
}

// broadcastStats pushes the aggregate counters to every connected client.
func (s *Server) broadcastStats() {
	frame, err := MarshalEnvelope(EventStatsUpdate, s.engine.Stats())
	if err != nil {
		s.log.Error("encode stats", "err", err)
		return
	}

	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		s.deliver(c, frame)
	}
}

func (s *Server) sendTo(id string, event Event, payload any) bool {
	s.mu.Lock()
	c := s.clients[id]
	s.mu.Unlock()
	if c == nil {
		return false
	}

	frame, err := MarshalEnvelope(event, payload)
	if err != nil {
		s.log.Error("encode message", "event", event, "err", err)
		return false
	}
	return s.deliver(c, frame)
}

// deliver enqueues a frame; a client whose buffer is full is considered dead
// and disconnected.
func (s *Server) deliver(c *client, frame []byte) bool {
	if c.trySend(frame) {
		return true
	}
	s.metrics.Inc(metrics.SlowClientsDropped)
	s.log.Warn("dropping slow client", "participant_id", c.id)
	c.close()
	return false
}
