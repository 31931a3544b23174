package match

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notifier receives lifecycle events from the Engine.
//
// Notifications are dispatched after the triggering operation has fully
// committed and the engine lock has been released, so implementations may
// call back into Engine accessors. Deliveries to the two sides of a match
// are independent and carry value snapshots; receivers must tolerate stale
// duplicates (acting on an already-ended conversation id is a no-op).
type Notifier interface {
	// MatchFound fires once per created conversation with snapshots of both
	// members taken at creation time.
	MatchFound(conv Conversation, a, b Participant)
	// MatchEnded fires once per destroyed conversation. by is the id of the
	// participant that caused the teardown, or "" for an unattributed end.
	MatchEnded(conv Conversation, reason EndReason, by string)
}

// NopNotifier discards all engine events.
type NopNotifier struct{}

func (NopNotifier) MatchFound(Conversation, Participant, Participant) {}
func (NopNotifier) MatchEnded(Conversation, EndReason, string)        {}

// Options configures an Engine. All fields are optional.
type Options struct {
	Logger   *slog.Logger
	Notifier Notifier
	Now      func() time.Time
	NewID    func() string
}

// Engine orchestrates the registry, wait queue and conversation store to
// realize the matching state machine.
//
// All mutations are serialized under a single mutex: every operation runs to
// completion before the next is admitted, and the engine never performs I/O
// or blocks on external services while holding the lock. Operations on
// unknown ids or ids in the wrong state are silent no-ops returning nil.
type Engine struct {
	log      *slog.Logger
	notifier Notifier
	now      func() time.Time
	newID    func() string

	mu       sync.Mutex
	registry *Registry
	queue    *Queue
	store    *Store
	pending  []func()
}

// NewEngine constructs an Engine with its own registry, queue and store.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Engine{
		log:      opts.Logger,
		notifier: opts.Notifier,
		now:      opts.Now,
		newID:    opts.NewID,
		registry: NewRegistry(opts.Now),
		queue:    NewQueue(),
		store:    NewStore(),
	}
}

// SetNotifier replaces the engine's notifier. It must be called during wiring,
// before any participants are added.
func (e *Engine) SetNotifier(n Notifier) {
	if n == nil {
		n = NopNotifier{}
	}
	e.notifier = n
}

// unlockAndNotify releases the engine lock and dispatches the notifications
// queued by the completed operation, in order.
func (e *Engine) unlockAndNotify() {
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// AddParticipant registers id as Available and immediately attempts a match.
// A duplicate id is rejected and returns nil.
func (e *Engine) AddParticipant(id string) *Participant {
	e.mu.Lock()
	p := e.registry.Add(id)
	if p == nil {
		e.mu.Unlock()
		return nil
	}
	e.log.Debug("participant added", "id", id)
	e.tryMatchLocked(id)
	snap := *p
	e.unlockAndNotify()
	return &snap
}

// RemoveParticipant deletes id from the system. If the participant is in a
// conversation it is ended with reason partner_left, freeing the partner for
// re-matching; if queued, the queue entry is removed. Unknown ids return nil.
func (e *Engine) RemoveParticipant(id string) *Participant {
	e.mu.Lock()
	p := e.registry.Get(id)
	if p == nil {
		e.mu.Unlock()
		return nil
	}
	var partnerID string
	if p.ConversationID != "" {
		if conv := e.store.Get(p.ConversationID); conv != nil {
			partnerID = conv.Other(id)
		}
		// The leaver is about to be deleted and must not be handed a queued
		// waiter by the teardown's re-matching.
		e.endConversationLocked(p.ConversationID, ReasonPartnerLeft, id, id)
	}
	e.queue.Remove(id)
	e.registry.Remove(id)
	e.log.Debug("participant removed", "id", id)
	// The freed partner must not linger Available: re-evaluate it now that
	// the leaver is gone, which either pairs it or puts it in the queue.
	if partnerID != "" {
		e.tryMatchLocked(partnerID)
	}
	snap := *p
	e.unlockAndNotify()
	return &snap
}

// TryMatch attempts to pair id with the earliest-joined participant that has
// no current partner. When no candidate exists the participant is enqueued
// and nil is returned. A no-op unless id is currently Available.
func (e *Engine) TryMatch(id string) *Conversation {
	e.mu.Lock()
	conv := e.tryMatchLocked(id)
	var snap *Conversation
	if conv != nil {
		c := *conv
		snap = &c
	}
	e.unlockAndNotify()
	return snap
}

// EndConversation tears down the conversation with the given id, releasing
// both participants to Available and attempting queue re-matching for each.
// Unknown ids return nil.
func (e *Engine) EndConversation(convID string, reason EndReason) *Conversation {
	e.mu.Lock()
	conv := e.endConversationLocked(convID, reason, "", "")
	var snap *Conversation
	if conv != nil {
		c := *conv
		snap = &c
	}
	e.unlockAndNotify()
	return snap
}

// NextUser ends id's current conversation with reason next_user and
// immediately re-evaluates id for a new match. The participant may land
// directly on a new partner or go back to the queue. A no-op unless id is
// currently InConversation.
func (e *Engine) NextUser(id string) *Conversation {
	e.mu.Lock()
	p := e.registry.Get(id)
	if p == nil || p.Status != StatusInConversation {
		e.mu.Unlock()
		return nil
	}
	var partnerID string
	if c := e.store.Get(p.ConversationID); c != nil {
		partnerID = c.Other(id)
	}
	e.endConversationLocked(p.ConversationID, ReasonNextUser, id, "")
	// Queue re-matching inside endConversation may already have claimed the
	// caller; tryMatch no-ops in that case.
	conv := e.tryMatchLocked(id)
	// The abandoned partner is re-queued or re-matched as well.
	if partnerID != "" {
		e.tryMatchLocked(partnerID)
	}
	var snap *Conversation
	if conv != nil {
		c := *conv
		snap = &c
	}
	e.unlockAndNotify()
	return snap
}

// Partner returns a snapshot of id's current conversation partner, or nil.
func (e *Engine) Partner(id string) *Participant {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.partnerLocked(id)
	if p == nil {
		return nil
	}
	snap := *p
	return &snap
}

// Stats returns the current aggregate counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statsLocked()
}

// QueuePosition returns the 1-based queue position of id, or 0.
func (e *Engine) QueuePosition(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Position(id)
}

// UserState returns the full per-participant view, or nil for unknown ids.
func (e *Engine) UserState(id string) *UserState {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.registry.Get(id)
	if p == nil {
		return nil
	}
	state := &UserState{
		Participant:   *p,
		Stats:         e.statsLocked(),
		QueuePosition: e.queue.Position(id),
	}
	if partner := e.partnerLocked(id); partner != nil {
		snap := *partner
		state.Partner = &snap
	}
	return state
}

func (e *Engine) partnerLocked(id string) *Participant {
	conv := e.store.ByParticipant(id)
	if conv == nil {
		return nil
	}
	return e.registry.Get(conv.Other(id))
}

func (e *Engine) tryMatchLocked(id string) *Conversation {
	p := e.registry.Get(id)
	if p == nil || p.Status != StatusAvailable {
		return nil
	}
	if candidate := e.registry.EarliestCandidate(id); candidate != nil {
		return e.createConversationLocked(p, candidate)
	}
	if e.queue.Push(id) {
		p.Status = StatusQueued
		e.log.Debug("participant queued", "id", id, "position", e.queue.Len())
	}
	return nil
}

func (e *Engine) createConversationLocked(a, b *Participant) *Conversation {
	conv := &Conversation{
		ID:        e.newID(),
		A:         a.ID,
		B:         b.ID,
		StartedAt: e.now(),
	}
	a.Status = StatusInConversation
	a.ConversationID = conv.ID
	b.Status = StatusInConversation
	b.ConversationID = conv.ID

	// Defensive: matched participants should never still be queued.
	e.queue.Remove(a.ID)
	e.queue.Remove(b.ID)

	e.store.Put(conv)
	e.log.Info("conversation created", "conversation_id", conv.ID, "a", a.ID, "b", b.ID)

	convSnap, aSnap, bSnap := *conv, *a, *b
	e.pending = append(e.pending, func() {
		e.notifier.MatchFound(convSnap, aSnap, bSnap)
	})
	return conv
}

// endConversationLocked tears down one conversation. by attributes the
// teardown in the notification; departing names a participant that is being
// removed from the system and therefore must not be re-matched here.
func (e *Engine) endConversationLocked(convID string, reason EndReason, by, departing string) *Conversation {
	conv := e.store.Get(convID)
	if conv == nil {
		return nil
	}
	for _, id := range []string{conv.A, conv.B} {
		if p := e.registry.Get(id); p != nil {
			p.Status = StatusAvailable
			p.ConversationID = ""
		}
	}
	e.store.Delete(convID)
	e.log.Info("conversation ended", "conversation_id", convID, "reason", reason)

	convSnap := *conv
	e.pending = append(e.pending, func() {
		e.notifier.MatchEnded(convSnap, reason, by)
	})

	// Freed participants get first claim on the wait queue, oldest first.
	for _, id := range []string{conv.A, conv.B} {
		if id != departing {
			e.tryMatchFromQueueLocked(id)
		}
	}
	return conv
}

func (e *Engine) tryMatchFromQueueLocked(availableID string) *Conversation {
	p := e.registry.Get(availableID)
	if p == nil || p.Status != StatusAvailable {
		return nil
	}
	queuedID, ok := e.queue.Pop()
	if !ok {
		return nil
	}
	q := e.registry.Get(queuedID)
	if q == nil {
		return nil
	}
	q.Status = StatusAvailable
	return e.createConversationLocked(p, q)
}
