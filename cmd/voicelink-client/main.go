// Command voicelink-client is a headless probe that joins the matchmaking
// pool, negotiates a WebRTC audio session with whoever it is paired with and
// reports progress. Useful for smoke-testing a deployment without a browser.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicelink/voicelink/internal/ice"
	"github.com/voicelink/voicelink/internal/match"
	"github.com/voicelink/voicelink/internal/peer"
	"github.com/voicelink/voicelink/internal/signaling"
)

func main() {
	serverURL := flag.String("server", "ws://127.0.0.1:3000/ws", "signaling endpoint")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *serverURL, logger); err != nil {
		logger.Error("client exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, serverURL string, logger *slog.Logger) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", serverURL, err)
	}
	defer conn.Close()
	logger.Info("connected", "server", serverURL)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	c := &client{conn: conn, log: logger}
	return c.loop(ctx)
}

// client tracks the probe's matchmaking identity and at most one active
// negotiation.
type client struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	selfID string

	mu  sync.Mutex
	neg *peer.Negotiator
}

func (c *client) loop(ctx context.Context) error {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var env signaling.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.log.Warn("malformed frame", "err", err)
			continue
		}
		if err := c.handle(env); err != nil {
			c.log.Warn("handle event", "event", env.Event, "err", err)
		}
	}
}

func (c *client) handle(env signaling.Envelope) error {
	switch env.Event {
	case signaling.EventStateUpdate:
		var state match.UserState
		if err := json.Unmarshal(env.Data, &state); err != nil {
			return err
		}
		c.selfID = state.Participant.ID
		c.log.Info("state", "id", state.Participant.ID, "status", state.Participant.Status, "queue_position", state.QueuePosition)

	case signaling.EventStatsUpdate:
		var stats match.Stats
		if err := json.Unmarshal(env.Data, &stats); err != nil {
			return err
		}
		c.log.Debug("stats", "total", stats.Total, "conversations", stats.ActiveConversations, "queued", stats.InQueue)

	case signaling.EventMatchFound:
		var m signaling.MatchFoundPayload
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return err
		}
		return c.startNegotiation(m)

	case signaling.EventMatchEnded:
		var e signaling.MatchEndedPayload
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return err
		}
		c.log.Info("match ended", "reason", e.Reason)
		c.stopNegotiation()

	case signaling.EventCredentialResponse:
		var resp signaling.CredentialResponsePayload
		if err := json.Unmarshal(env.Data, &resp); err != nil {
			return err
		}
		c.log.Info("ice servers received", "provider", resp.Provider, "count", len(resp.Servers))
		if neg := c.negotiator(); neg != nil {
			neg.HandleCredentials(ice.ToWebRTC(resp.Servers))
		}

	case signaling.EventNegotiationOffer:
		var p signaling.NegotiationPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		if neg := c.negotiator(); neg != nil {
			return neg.HandleOffer(p.SDP)
		}

	case signaling.EventNegotiationAnswer:
		var p signaling.NegotiationPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		if neg := c.negotiator(); neg != nil {
			return neg.HandleAnswer(p.SDP)
		}

	case signaling.EventNetworkCandidate:
		var p signaling.CandidatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		if neg := c.negotiator(); neg != nil {
			return neg.HandleCandidate(p.Candidate)
		}

	case signaling.EventVoiceStart, signaling.EventVoiceStop, signaling.EventAudioFallback:
		c.log.Debug("partner media event", "event", env.Event)
	}
	return nil
}

func (c *client) startNegotiation(m signaling.MatchFoundPayload) error {
	c.log.Info("matched", "partner", m.Partner.ID, "conversation", m.ConversationID)

	neg, err := peer.NewNegotiator(peer.Config{
		ConversationID: m.ConversationID,
		SelfID:         c.selfID,
		PartnerID:      m.Partner.ID,
		Sink:           (*wsSink)(c),
		Logger:         c.log,
		OnConnected: func() {
			c.log.Info("voice path connected")
		},
		OnFallback: func() {
			c.log.Warn("direct connection failed, relay fallback needed")
		},
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.neg != nil {
		c.neg.Close()
	}
	c.neg = neg
	c.mu.Unlock()

	if err := c.send(signaling.EventCredentialRequest, nil); err != nil {
		return err
	}

	go func() {
		if err := neg.Start(); err != nil {
			c.log.Error("negotiation failed", "err", err)
		}
	}()
	return nil
}

func (c *client) stopNegotiation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.neg != nil {
		c.neg.Close()
		c.neg = nil
	}
}

func (c *client) negotiator() *peer.Negotiator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.neg
}

func (c *client) send(event signaling.Event, payload any) error {
	frame, err := signaling.MarshalEnvelope(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// wsSink adapts the client's WebSocket to the negotiator's output interface.
type wsSink client

func (s *wsSink) SendOffer(sdp signaling.SessionDescription) error {
	return (*client)(s).send(signaling.EventNegotiationOffer, signaling.NegotiationPayload{SDP: sdp})
}

func (s *wsSink) SendAnswer(sdp signaling.SessionDescription) error {
	return (*client)(s).send(signaling.EventNegotiationAnswer, signaling.NegotiationPayload{SDP: sdp})
}

func (s *wsSink) SendCandidate(cand signaling.Candidate) error {
	return (*client)(s).send(signaling.EventNetworkCandidate, signaling.CandidatePayload{Candidate: cand})
}

var _ peer.SignalSink = (*wsSink)(nil)
