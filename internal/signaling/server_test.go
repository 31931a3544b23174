package signaling

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicelink/voicelink/internal/ice"
	"github.com/voicelink/voicelink/internal/match"
	"github.com/voicelink/voicelink/internal/metrics"
)

func newServerForTest(t *testing.T, provider *ice.Provider) (*httptest.Server, *Server) {
	t.Helper()

	var n atomic.Int64
	engine := match.NewEngine(match.Options{})
	srv := NewServer(Config{
		Engine:   engine,
		Provider: provider,
		Metrics:  metrics.New(),
		NewID: func() string {
			return fmt.Sprintf("u%d", n.Add(1))
		},
	})

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, srv
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitForEvent reads frames until one with the wanted event arrives,
// discarding everything else.
func waitForEvent(t *testing.T, conn *websocket.Conn, want Event) Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			t.Fatalf("malformed frame %q: %v", msg, err)
		}
		if env.Event == want {
			return env
		}
	}
}

func sendEvent(t *testing.T, conn *websocket.Conn, event Event, payload any) {
	t.Helper()
	frame, err := MarshalEnvelope(event, payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func decodeInto(t *testing.T, env Envelope, v any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("decode %s payload: %v", env.Event, err)
	}
}

func TestPairingFlow(t *testing.T) {
	ts, _ := newServerForTest(t, ice.NewProvider(ice.Config{}))

	c1 := dial(t, ts)

	var s1 match.UserState
	decodeInto(t, waitForEvent(t, c1, EventStateUpdate), &s1)
	if s1.Participant.Status != match.StatusQueued {
		t.Fatalf("first participant status=%s, want queued", s1.Participant.Status)
	}
	if s1.QueuePosition != 1 {
		t.Fatalf("queue position=%d, want 1", s1.QueuePosition)
	}

	c2 := dial(t, ts)

	var m1, m2 MatchFoundPayload
	decodeInto(t, waitForEvent(t, c1, EventMatchFound), &m1)
	decodeInto(t, waitForEvent(t, c2, EventMatchFound), &m2)

	if m1.ConversationID == "" || m1.ConversationID != m2.ConversationID {
		t.Fatalf("conversation ids differ: %q vs %q", m1.ConversationID, m2.ConversationID)
	}
	if m1.Partner.ID != s1.Participant.ID && m2.Partner.ID != s1.Participant.ID {
		t.Fatalf("neither side reports %s as partner", s1.Participant.ID)
	}
	if m1.Partner.ID == m2.Partner.ID {
		t.Fatalf("both sides report the same partner %s", m1.Partner.ID)
	}
}

func TestOfferRelayedWithSenderID(t *testing.T) {
	ts, _ := newServerForTest(t, ice.NewProvider(ice.Config{}))

	c1 := dial(t, ts)
	c2 := dial(t, ts)

	var m2 MatchFoundPayload
	decodeInto(t, waitForEvent(t, c2, EventMatchFound), &m2)
	waitForEvent(t, c1, EventMatchFound)

	sendEvent(t, c1, EventNegotiationOffer, NegotiationPayload{
		SDP: SessionDescription{Type: "offer", SDP: "v=0"},
	})

	var relayed NegotiationPayload
	decodeInto(t, waitForEvent(t, c2, EventNegotiationOffer), &relayed)
	if relayed.SenderID != m2.Partner.ID {
		t.Fatalf("senderId=%q, want %q", relayed.SenderID, m2.Partner.ID)
	}
	if relayed.SDP.SDP != "v=0" {
		t.Fatalf("sdp not forwarded: %q", relayed.SDP.SDP)
	}
}

func TestUnmatchedMessageDroppedSilently(t *testing.T) {
	ts, srv := newServerForTest(t, ice.NewProvider(ice.Config{}))

	c1 := dial(t, ts)
	waitForEvent(t, c1, EventStateUpdate)

	// No partner exists, so this must be dropped without closing the
	// connection or producing an error frame.
	sendEvent(t, c1, EventNegotiationOffer, NegotiationPayload{
		SDP: SessionDescription{Type: "offer", SDP: "v=0"},
	})

	sendEvent(t, c1, EventCredentialRequest, nil)
	waitForEvent(t, c1, EventCredentialResponse)

	if got := srv.metrics.Get(metrics.StaleMessagesDropped); got != 1 {
		t.Fatalf("stale drops=%d, want 1", got)
	}
}

func TestDisconnectNotifiesPartner(t *testing.T) {
	ts, _ := newServerForTest(t, ice.NewProvider(ice.Config{}))

	c1 := dial(t, ts)
	c2 := dial(t, ts)
	waitForEvent(t, c1, EventMatchFound)
	waitForEvent(t, c2, EventMatchFound)

	c2.Close()

	var ended MatchEndedPayload
	decodeInto(t, waitForEvent(t, c1, EventMatchEnded), &ended)
	if ended.Reason != EndedReasonPartnerLeft {
		t.Fatalf("reason=%s, want partner_left", ended.Reason)
	}

	var state match.UserState
	decodeInto(t, waitForEvent(t, c1, EventStateUpdate), &state)
	if state.Participant.Status != match.StatusQueued {
		t.Fatalf("survivor status=%s, want queued", state.Participant.Status)
	}
	if state.QueuePosition != 1 {
		t.Fatalf("queue position=%d, want 1", state.QueuePosition)
	}
}

func TestNextRequestReasonsPerSide(t *testing.T) {
	ts, _ := newServerForTest(t, ice.NewProvider(ice.Config{}))

	c1 := dial(t, ts)
	c2 := dial(t, ts)
	waitForEvent(t, c1, EventMatchFound)
	waitForEvent(t, c2, EventMatchFound)

	sendEvent(t, c1, EventNextRequest, nil)

	var e1, e2 MatchEndedPayload
	decodeInto(t, waitForEvent(t, c1, EventMatchEnded), &e1)
	decodeInto(t, waitForEvent(t, c2, EventMatchEnded), &e2)
	if e1.Reason != EndedReasonEnded {
		t.Fatalf("initiator reason=%s, want ended", e1.Reason)
	}
	if e2.Reason != EndedReasonPartnerNext {
		t.Fatalf("partner reason=%s, want partner_next", e2.Reason)
	}

	// With nobody else waiting the two are immediately re-paired.
	waitForEvent(t, c1, EventMatchFound)
	waitForEvent(t, c2, EventMatchFound)
}

func TestVoiceActivityRelayed(t *testing.T) {
	ts, _ := newServerForTest(t, ice.NewProvider(ice.Config{}))

	c1 := dial(t, ts)
	c2 := dial(t, ts)
	var m2 MatchFoundPayload
	decodeInto(t, waitForEvent(t, c2, EventMatchFound), &m2)
	waitForEvent(t, c1, EventMatchFound)

	sendEvent(t, c1, EventVoiceStart, nil)

	var p VoicePayload
	decodeInto(t, waitForEvent(t, c2, EventVoiceStart), &p)
	if p.SenderID != m2.Partner.ID {
		t.Fatalf("senderId=%q, want %q", p.SenderID, m2.Partner.ID)
	}
}

func TestCredentialRequestFallsBack(t *testing.T) {
	ts, _ := newServerForTest(t, ice.NewProvider(ice.Config{}))

	c1 := dial(t, ts)
	sendEvent(t, c1, EventCredentialRequest, nil)

	var resp CredentialResponsePayload
	decodeInto(t, waitForEvent(t, c1, EventCredentialResponse), &resp)
	if !resp.Success {
		t.Fatal("expected success even with unconfigured provider")
	}
	if resp.Provider != ice.SourceFallback {
		t.Fatalf("provider=%s, want fallback", resp.Provider)
	}
	if len(resp.Servers) == 0 {
		t.Fatal("expected non-empty fallback server list")
	}
	for _, srv := range resp.Servers {
		if err := srv.Validate(); err != nil {
			t.Fatalf("fallback server invalid: %v", err)
		}
	}
}

func TestStatsBroadcastTracksPopulation(t *testing.T) {
	ts, _ := newServerForTest(t, ice.NewProvider(ice.Config{}))

	c1 := dial(t, ts)
	var stats match.Stats
	decodeInto(t, waitForEvent(t, c1, EventStatsUpdate), &stats)
	if stats.Total != 1 {
		t.Fatalf("total=%d, want 1", stats.Total)
	}

	dial(t, ts)
	deadline := time.Now().Add(3 * time.Second)
	for {
		decodeInto(t, waitForEvent(t, c1, EventStatsUpdate), &stats)
		if stats.Total == 2 && stats.ActiveConversations == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stats never converged: %+v", stats)
		}
	}
}

func TestSlowClientDisconnected(t *testing.T) {
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			connCh <- conn
		}
	}))
	t.Cleanup(ws.Close)

	dialer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ws.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { dialer.Close() })
	serverConn := <-connCh

	srv := NewServer(Config{
		Engine:   match.NewEngine(match.Options{}),
		Provider: ice.NewProvider(ice.Config{}),
		Metrics:  metrics.New(),
	})

	// No write pump is draining this client, so one frame fills the buffer
	// and the second delivery must drop and disconnect it.
	c := newClient("u1", serverConn, 1, slog.Default())
	if !c.trySend([]byte(`{}`)) {
		t.Fatal("first frame should fit in the buffer")
	}
	if srv.deliver(c, []byte(`{}`)) {
		t.Fatal("expected delivery to a full buffer to fail")
	}

	select {
	case <-c.done:
	default:
		t.Fatal("slow client was not closed")
	}
	if got := srv.metrics.Get(metrics.SlowClientsDropped); got != 1 {
		t.Fatalf("slow client drops=%d, want 1", got)
	}
}

func TestInvalidFrameClosesConnection(t *testing.T) {
	ts, srv := newServerForTest(t, ice.NewProvider(ice.Config{}))

	c1 := dial(t, ts)
	waitForEvent(t, c1, EventStateUpdate)

	if err := c1.WriteMessage(websocket.TextMessage, []byte(`{"event":"bogus"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = c1.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := c1.ReadMessage(); err != nil {
			break
		}
	}
	if got := srv.metrics.Get(metrics.ProtocolErrors); got == 0 {
		t.Fatal("expected protocol error counter to increment")
	}
}
