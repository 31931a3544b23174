package match

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	kind   string
	conv   Conversation
	reason EndReason
	by     string
}

type recordingNotifier struct {
	events []recordedEvent
}

func (n *recordingNotifier) MatchFound(conv Conversation, a, b Participant) {
	n.events = append(n.events, recordedEvent{kind: "found", conv: conv})
}

func (n *recordingNotifier) MatchEnded(conv Conversation, reason EndReason, by string) {
	n.events = append(n.events, recordedEvent{kind: "ended", conv: conv, reason: reason, by: by})
}

func newTestEngine(t *testing.T) (*Engine, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	var seq int
	e := NewEngine(Options{
		Notifier: n,
		NewID: func() string {
			seq++
			return fmt.Sprintf("conv-%d", seq)
		},
	})
	return e, n
}

// assertInvariants checks that every participant's status matches its
// presence in exactly one of {queue, store} or neither, that no id is queued
// twice, and that every conversation has two distinct registered members.
func assertInvariants(t *testing.T, e *Engine) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := map[string]bool{}
	for _, id := range e.queue.IDs() {
		require.False(t, seen[id], "id %s queued twice", id)
		seen[id] = true
	}

	for _, p := range e.registry.All() {
		inQueue := e.queue.Contains(p.ID)
		conv := e.store.ByParticipant(p.ID)
		switch p.Status {
		case StatusAvailable:
			assert.False(t, inQueue, "%s available but queued", p.ID)
			assert.Nil(t, conv, "%s available but in conversation", p.ID)
		case StatusQueued:
			assert.True(t, inQueue, "%s queued but missing from queue", p.ID)
			assert.Nil(t, conv, "%s queued but in conversation", p.ID)
		case StatusInConversation:
			assert.False(t, inQueue, "%s in conversation but queued", p.ID)
			require.NotNil(t, conv, "%s in conversation but no store entry", p.ID)
			assert.Equal(t, conv.ID, p.ConversationID)
		default:
			t.Fatalf("unknown status %q", p.Status)
		}
	}

	for _, p := range e.registry.All() {
		if conv := e.store.ByParticipant(p.ID); conv != nil {
			assert.NotEqual(t, conv.A, conv.B, "conversation %s pairs a participant with itself", conv.ID)
			assert.NotNil(t, e.registry.Get(conv.A))
			assert.NotNil(t, e.registry.Get(conv.B))
		}
	}
}

func TestAddAloneQueues(t *testing.T) {
	e, _ := newTestEngine(t)

	p := e.AddParticipant("u1")
	require.NotNil(t, p)

	state := e.UserState("u1")
	require.NotNil(t, state)
	assert.Equal(t, StatusQueued, state.Participant.Status)
	assert.Equal(t, 1, state.QueuePosition)
	assert.Equal(t, 1, state.Stats.InQueue)
	assertInvariants(t, e)
}

func TestAddTwoMatches(t *testing.T) {
	e, n := newTestEngine(t)

	e.AddParticipant("u1")
	e.AddParticipant("u2")

	require.Len(t, n.events, 1)
	assert.Equal(t, "found", n.events[0].kind)

	partner := e.Partner("u1")
	require.NotNil(t, partner)
	assert.Equal(t, "u2", partner.ID)

	stats := e.Stats()
	assert.Equal(t, 2, stats.InConversation)
	assert.Equal(t, 0, stats.InQueue)
	assert.Equal(t, 1, stats.ActiveConversations)
	assertInvariants(t, e)
}

func TestThirdParticipantQueues(t *testing.T) {
	e, _ := newTestEngine(t)

	e.AddParticipant("u1")
	e.AddParticipant("u2")
	e.AddParticipant("u3")

	state := e.UserState("u3")
	require.NotNil(t, state)
	assert.Equal(t, StatusQueued, state.Participant.Status)
	assert.Equal(t, 1, state.QueuePosition)
	assertInvariants(t, e)
}

func TestNextUserReleasesPartner(t *testing.T) {
	e, n := newTestEngine(t)

	e.AddParticipant("u1")
	e.AddParticipant("u2")
	n.events = nil

	e.NextUser("u1")

	require.NotEmpty(t, n.events)
	assert.Equal(t, "ended", n.events[0].kind)
	assert.Equal(t, ReasonNextUser, n.events[0].reason)
	assert.Equal(t, "u1", n.events[0].by)

	// With no third participant the two are immediately re-paired.
	partner := e.Partner("u1")
	require.NotNil(t, partner)
	assert.Equal(t, "u2", partner.ID)
	assertInvariants(t, e)
}

func TestNextUserMatchesQueued(t *testing.T) {
	e, _ := newTestEngine(t)

	e.AddParticipant("u1")
	e.AddParticipant("u2")
	e.AddParticipant("u3")

	e.NextUser("u1")

	// Freed participants claim the queue in conversation-member order, so the
	// abandoned u2 takes the waiting u3 and the requester u1 re-queues.
	p2 := e.Partner("u2")
	require.NotNil(t, p2)
	assert.Equal(t, "u3", p2.ID)

	state1 := e.UserState("u1")
	require.NotNil(t, state1)
	assert.Equal(t, StatusQueued, state1.Participant.Status)
	assert.Equal(t, 1, state1.QueuePosition)
	assertInvariants(t, e)
}

func TestDisconnectLeavesPartnerQueued(t *testing.T) {
	e, _ := newTestEngine(t)

	e.AddParticipant("u1")
	e.AddParticipant("u2")

	e.RemoveParticipant("u2")

	// Nobody else around: u1 must end up waiting in the queue, not stranded
	// as Available where no future joiner would be steered to it.
	state := e.UserState("u1")
	require.NotNil(t, state)
	assert.Equal(t, StatusQueued, state.Participant.Status)
	assert.Equal(t, 1, state.QueuePosition)
	assertInvariants(t, e)
}

func TestDisconnectFreesPartner(t *testing.T) {
	e, n := newTestEngine(t)

	e.AddParticipant("u1")
	e.AddParticipant("u2")
	e.AddParticipant("u3")
	n.events = nil

	removed := e.RemoveParticipant("u2")
	require.NotNil(t, removed)

	require.GreaterOrEqual(t, len(n.events), 2)
	assert.Equal(t, "ended", n.events[0].kind)
	assert.Equal(t, ReasonPartnerLeft, n.events[0].reason)
	assert.Equal(t, "u2", n.events[0].by)
	assert.Equal(t, "found", n.events[1].kind)

	// u1 was freed and re-matched with the queued u3.
	partner := e.Partner("u1")
	require.NotNil(t, partner)
	assert.Equal(t, "u3", partner.ID)
	assertInvariants(t, e)
}

func TestDisconnectWithQueuedWaiterNeverRevivesLeaver(t *testing.T) {
	e, n := newTestEngine(t)

	e.AddParticipant("u1")
	e.AddParticipant("u2")
	e.AddParticipant("u3")
	n.events = nil

	// u2 is the conversation's first member in the store; its teardown must
	// not hand the queued u3 to the very participant that is leaving.
	e.RemoveParticipant("u2")

	assert.Nil(t, e.UserState("u2"))
	for _, ev := range n.events {
		if ev.kind == "found" {
			assert.NotEqual(t, "u2", ev.conv.A, "leaver placed in new conversation")
			assert.NotEqual(t, "u2", ev.conv.B, "leaver placed in new conversation")
		}
	}

	p3 := e.Partner("u3")
	require.NotNil(t, p3)
	assert.Equal(t, "u1", p3.ID)

	stats := e.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.InConversation)
	assert.Equal(t, 0, stats.InQueue)
	assert.Equal(t, 1, stats.ActiveConversations)
	assertInvariants(t, e)
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	e, n := newTestEngine(t)

	assert.Nil(t, e.RemoveParticipant("ghost"))
	assert.Nil(t, e.NextUser("ghost"))
	assert.Nil(t, e.TryMatch("ghost"))
	assert.Nil(t, e.Partner("ghost"))
	assert.Nil(t, e.UserState("ghost"))
	assert.Nil(t, e.EndConversation("no-such-conv", ReasonEnded))
	assert.Empty(t, n.events)
}

func TestDuplicateAddRejected(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NotNil(t, e.AddParticipant("u1"))
	assert.Nil(t, e.AddParticipant("u1"))
	assert.Equal(t, 1, e.Stats().Total)
}

func TestNextUserOutsideConversationIsNoop(t *testing.T) {
	e, _ := newTestEngine(t)

	e.AddParticipant("u1")
	assert.Nil(t, e.NextUser("u1"))

	state := e.UserState("u1")
	require.NotNil(t, state)
	assert.Equal(t, StatusQueued, state.Participant.Status)
}

func TestEndConversationRematchesFromQueue(t *testing.T) {
	e, _ := newTestEngine(t)

	e.AddParticipant("u1")
	e.AddParticipant("u2")
	e.AddParticipant("u3")
	e.AddParticipant("u4")

	conv := e.store.ByParticipant("u1")
	require.NotNil(t, conv)

	e.EndConversation(conv.ID, ReasonEnded)

	// The freed pair each claim one queued participant.
	assert.Equal(t, 2, e.Stats().ActiveConversations)
	assert.Equal(t, 0, e.Stats().InQueue)
	assertInvariants(t, e)
}

func TestLivenessAtMostOneUnmatched(t *testing.T) {
	e, _ := newTestEngine(t)

	for i := 1; i <= 7; i++ {
		e.AddParticipant(fmt.Sprintf("u%d", i))
	}

	stats := e.Stats()
	assert.Equal(t, 6, stats.InConversation)
	assert.Equal(t, 1, stats.InQueue)
	assert.Equal(t, 0, stats.Available)
	assertInvariants(t, e)
}

func TestMatchSelectionIsFIFOByJoin(t *testing.T) {
	// A frozen clock forces the registration-order tie-break, so candidate
	// selection must not depend on map iteration order or on id ordering.
	base := time.Unix(1000, 0)
	e := NewEngine(Options{
		Notifier: &recordingNotifier{},
		Now:      func() time.Time { return base },
	})

	e.AddParticipant("z1")
	e.AddParticipant("z2") // pairs with z1
	e.AddParticipant("a")  // queued

	// z2 disconnecting frees z1, which must claim the queued a.
	e.RemoveParticipant("z2")
	partner := e.Partner("z1")
	require.NotNil(t, partner)
	assert.Equal(t, "a", partner.ID)

	// A new joiner pairs with the earliest waiting participant even when ids
	// sort the other way.
	e.AddParticipant("m")
	e.AddParticipant("b")
	p := e.Partner("b")
	require.NotNil(t, p)
	assert.Equal(t, "m", p.ID)
	assertInvariants(t, e)
}

func TestStaleConversationEndIsNoop(t *testing.T) {
	e, _ := newTestEngine(t)

	e.AddParticipant("u1")
	e.AddParticipant("u2")
	conv := e.store.ByParticipant("u1")
	require.NotNil(t, conv)
	id := conv.ID

	require.NotNil(t, e.EndConversation(id, ReasonEnded))
	// A duplicate delivery of the same teardown must be harmless.
	assert.Nil(t, e.EndConversation(id, ReasonEnded))
	assertInvariants(t, e)
}
