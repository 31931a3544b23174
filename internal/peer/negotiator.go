// Package peer implements the client-side negotiation state machine that
// turns a matched conversation into a live WebRTC audio session.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/voicelink/voicelink/internal/signaling"
)

// State is the lifecycle of one negotiation attempt.
type State string

const (
	StateIdle                State = "idle"
	StateAwaitingCredentials State = "awaiting_credentials"
	StateReady               State = "ready"
	StateOffering            State = "offering"
	StateAnswering           State = "answering"
	StateConnected           State = "connected"
	StateDisconnected        State = "disconnected"
	StateFailed              State = "failed"
)

// ErrCredentialTimeout is returned by Start when no ICE server list arrives
// within the configured window.
var ErrCredentialTimeout = errors.New("peer: timed out waiting for ice credentials")

// DefaultCredentialTimeout bounds the wait for a credential-response before
// negotiation proceeds without one.
const DefaultCredentialTimeout = 10 * time.Second

// SignalSink is where the negotiator emits outbound signaling payloads. The
// transport (typically the signaling WebSocket) is injected so the machine
// can be driven in tests without a network.
type SignalSink interface {
	SendOffer(sdp signaling.SessionDescription) error
	SendAnswer(sdp signaling.SessionDescription) error
	SendCandidate(cand signaling.Candidate) error
}

// Config describes one conversation's negotiation.
type Config struct {
	ConversationID string
	SelfID         string
	PartnerID      string

	Sink   SignalSink
	Logger *slog.Logger
	// LoggerFactory is handed to the pion stack; nil uses pion's default.
	LoggerFactory logging.LoggerFactory

	CredentialTimeout time.Duration

	// OnConnected fires when the peer connection reaches connected.
	OnConnected func()
	// OnFallback fires when the connection fails terminally, so the caller
	// can switch to server-relayed audio.
	OnFallback func()
}

// Negotiator drives a single PeerConnection for one conversation. Create one
// per match-found and Close it on match-ended; instances are not reusable.
type Negotiator struct {
	cfg Config
	log *slog.Logger

	credCh chan []webrtc.ICEServer

	mu        sync.Mutex
	state     State
	pc        *webrtc.PeerConnection
	remoteSet bool
	// Candidates that trickled in before the remote description are held
	// back; adding them earlier makes pion error out.
	pendingCandidates []signaling.Candidate
	closed            bool
}

// NewNegotiator builds an idle negotiator. Start launches it.
func NewNegotiator(cfg Config) (*Negotiator, error) {
	if cfg.ConversationID == "" || cfg.SelfID == "" || cfg.PartnerID == "" {
		return nil, fmt.Errorf("peer: conversation, self and partner ids are required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("peer: signal sink is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CredentialTimeout <= 0 {
		cfg.CredentialTimeout = DefaultCredentialTimeout
	}
	return &Negotiator{
		cfg: cfg,
		log: cfg.Logger.With("conversation_id", cfg.ConversationID, "partner_id", cfg.PartnerID),
		// Buffered so HandleCredentials never blocks the signaling reader.
		credCh: make(chan []webrtc.ICEServer, 1),
		state:  StateIdle,
	}, nil
}

// Initiator reports whether this side creates the offer. Both sides compute
// the same answer from the pair of ids, so exactly one peer offers.
func (n *Negotiator) Initiator() bool {
	return n.cfg.SelfID < n.cfg.PartnerID
}

// State returns the current lifecycle state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// HandleCredentials delivers the ICE server list from a credential-response.
// Only the first delivery counts; it never blocks.
func (n *Negotiator) HandleCredentials(servers []webrtc.ICEServer) {
	select {
	case n.credCh <- servers:
	default:
	}
}

// Start waits for ICE credentials, builds the peer connection and, on the
// initiating side, sends the offer. The answering side then waits for
// HandleOffer. Start blocks until the connection exists or setup fails.
func (n *Negotiator) Start() error {
	n.setState(StateAwaitingCredentials)

	var servers []webrtc.ICEServer
	select {
	case servers = <-n.credCh:
	case <-time.After(n.cfg.CredentialTimeout):
		n.setState(StateFailed)
		return ErrCredentialTimeout
	}

	if err := n.setupConnection(servers); err != nil {
		n.setState(StateFailed)
		return err
	}
	n.setState(StateReady)

	if !n.Initiator() {
		return nil
	}

	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		n.setState(StateFailed)
		return fmt.Errorf("peer: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		n.setState(StateFailed)
		return fmt.Errorf("peer: set local offer: %w", err)
	}
	n.setState(StateOffering)
	if err := n.cfg.Sink.SendOffer(signaling.SDPFromPion(offer)); err != nil {
		n.setState(StateFailed)
		return fmt.Errorf("peer: send offer: %w", err)
	}
	return nil
}

func (n *Negotiator) setupConnection(servers []webrtc.ICEServer) error {
	settings := webrtc.SettingEngine{}
	if n.cfg.LoggerFactory != nil {
		settings.LoggerFactory = n.cfg.LoggerFactory
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return fmt.Errorf("peer: new peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		_ = pc.Close()
		return fmt.Errorf("peer: add audio transceiver: %w", err)
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if err := n.cfg.Sink.SendCandidate(signaling.CandidateFromPion(cand.ToJSON())); err != nil {
			n.log.Warn("send candidate", "err", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.log.Debug("connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			n.setState(StateConnected)
			if n.cfg.OnConnected != nil {
				n.cfg.OnConnected()
			}
		case webrtc.PeerConnectionStateDisconnected:
			n.setState(StateDisconnected)
		case webrtc.PeerConnectionStateFailed:
			n.setState(StateFailed)
			if n.cfg.OnFallback != nil {
				n.cfg.OnFallback()
			}
		}
	})

	n.mu.Lock()
	n.pc = pc
	n.mu.Unlock()
	return nil
}

// HandleOffer applies the partner's offer and responds with an answer. Only
// the non-initiating side expects one; an unexpected offer is an error.
func (n *Negotiator) HandleOffer(sdp signaling.SessionDescription) error {
	if n.Initiator() {
		return fmt.Errorf("peer: unexpected offer on initiating side")
	}

	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("peer: expected offer, got %s", desc.Type)
	}

	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("peer: offer before setup")
	}

	n.setState(StateAnswering)
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("peer: set remote offer: %w", err)
	}
	n.flushPendingCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("peer: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("peer: set local answer: %w", err)
	}
	return n.cfg.Sink.SendAnswer(signaling.SDPFromPion(answer))
}

// HandleAnswer applies the partner's answer on the initiating side.
func (n *Negotiator) HandleAnswer(sdp signaling.SessionDescription) error {
	if !n.Initiator() {
		return fmt.Errorf("peer: unexpected answer on answering side")
	}

	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	if desc.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("peer: expected answer, got %s", desc.Type)
	}

	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("peer: answer before setup")
	}

	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("peer: set remote answer: %w", err)
	}
	n.flushPendingCandidates(pc)
	return nil
}

// HandleCandidate applies one trickled candidate, buffering it if the remote
// description is not set yet.
func (n *Negotiator) HandleCandidate(cand signaling.Candidate) error {
	n.mu.Lock()
	pc := n.pc
	if pc == nil || !n.remoteSet {
		n.pendingCandidates = append(n.pendingCandidates, cand)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	if err := pc.AddICECandidate(cand.ToPion()); err != nil {
		return fmt.Errorf("peer: add candidate: %w", err)
	}
	return nil
}

func (n *Negotiator) flushPendingCandidates(pc *webrtc.PeerConnection) {
	n.mu.Lock()
	n.remoteSet = true
	pending := n.pendingCandidates
	n.pendingCandidates = nil
	n.mu.Unlock()

	for _, cand := range pending {
		if err := pc.AddICECandidate(cand.ToPion()); err != nil {
			n.log.Warn("add buffered candidate", "err", err)
		}
	}
}

// Close tears down the peer connection. Safe to call multiple times.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	pc := n.pc
	n.mu.Unlock()

	if pc != nil {
		return pc.Close()
	}
	return nil
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	if n.closed && s != StateDisconnected {
		n.mu.Unlock()
		return
	}
	prev := n.state
	n.state = s
	n.mu.Unlock()
	if prev != s {
		n.log.Debug("negotiation state", "from", prev, "to", s)
	}
}
