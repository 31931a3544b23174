package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/voicelink/voicelink/internal/ice"
	"github.com/voicelink/voicelink/internal/match"
)

// Event is the wire name of a signaling message.
type Event string

const (
	// Server to client.
	EventStateUpdate        Event = "state-update"
	EventStatsUpdate        Event = "stats-update"
	EventMatchFound         Event = "match-found"
	EventMatchEnded         Event = "match-ended"
	EventCredentialResponse Event = "credential-response"

	// Client to server.
	EventNextRequest       Event = "next-request"
	EventCredentialRequest Event = "credential-request"

	// Client to server, forwarded to the sender's current partner only.
	EventNegotiationOffer  Event = "negotiation-offer"
	EventNegotiationAnswer Event = "negotiation-answer"
	EventNetworkCandidate  Event = "network-candidate"
	EventVoiceStart        Event = "voice-start"
	EventVoiceStop         Event = "voice-stop"
	EventAudioFallback     Event = "audio-fallback"
)

// Envelope is the outer frame of every signaling message.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes and validates one inbound client frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := env.validateInbound(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

func (e Envelope) validateInbound() error {
	switch e.Event {
	case EventNextRequest, EventCredentialRequest,
		EventVoiceStart, EventVoiceStop:
		return nil
	case EventNegotiationOffer, EventNegotiationAnswer,
		EventNetworkCandidate, EventAudioFallback:
		if len(e.Data) == 0 {
			return fmt.Errorf("%s message missing data", e.Event)
		}
		return nil
	default:
		return fmt.Errorf("unsupported event %q", e.Event)
	}
}

// MarshalEnvelope encodes an outbound frame.
func MarshalEnvelope(event Event, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// SessionDescription is a JSON-friendly SDP offer/answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is a JSON-friendly trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// NegotiationPayload carries an offer or answer. SenderID is stamped by the
// server before forwarding so the receiver can validate authorship.
type NegotiationPayload struct {
	SDP      SessionDescription `json:"sdp"`
	SenderID string             `json:"senderId,omitempty"`
}

func (p NegotiationPayload) validate(event Event) error {
	want := "offer"
	if event == EventNegotiationAnswer {
		want = "answer"
	}
	if p.SDP.Type != want {
		return fmt.Errorf("%s message has sdp.type=%q", event, p.SDP.Type)
	}
	if p.SDP.SDP == "" {
		return fmt.Errorf("%s message missing sdp", event)
	}
	return nil
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	Candidate Candidate `json:"candidate"`
	SenderID  string    `json:"senderId,omitempty"`
}

// VoicePayload marks the start or stop of voice activity.
type VoicePayload struct {
	SenderID string `json:"senderId,omitempty"`
}

// AudioFallbackPayload carries an opaque relayed audio chunk used while no
// direct media path exists.
type AudioFallbackPayload struct {
	Chunk    []byte `json:"chunk"`
	SenderID string `json:"senderId,omitempty"`
}

// MatchFoundPayload announces a new conversation to one side.
type MatchFoundPayload struct {
	Partner        match.Participant `json:"partner"`
	ConversationID string            `json:"conversationId"`
}

// EndedReason is the per-recipient reason on a match-ended event.
type EndedReason string

const (
	EndedReasonPartnerLeft EndedReason = "partner_left"
	EndedReasonPartnerNext EndedReason = "partner_next"
	EndedReasonEnded       EndedReason = "ended"
)

// MatchEndedPayload announces a conversation teardown to one side.
type MatchEndedPayload struct {
	Reason EndedReason `json:"reason"`
}

// CredentialResponsePayload answers a credential-request. Servers is always
// a non-empty list: provider failures substitute the static fallback.
type CredentialResponsePayload struct {
	Success  bool         `json:"success"`
	Servers  []ice.Server `json:"servers"`
	Provider ice.Source   `json:"provider"`
	Error    string       `json:"error,omitempty"`
}

func decodePayload(data json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
