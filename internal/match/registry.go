package match

import "time"

// Registry is the authoritative record of every connected participant.
//
// It is not safe for concurrent use on its own; the Engine serializes all
// access to it.
type Registry struct {
	participants map[string]*Participant
	nextSeq      uint64
	now          func() time.Time
}

// NewRegistry constructs an empty registry. now may be nil, in which case
// time.Now is used.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		participants: make(map[string]*Participant),
		now:          now,
	}
}

// Add registers a new participant as Available and returns it. Adding an id
// that is already registered returns nil; callers guarantee id uniqueness.
func (r *Registry) Add(id string) *Participant {
	if _, ok := r.participants[id]; ok {
		return nil
	}
	r.nextSeq++
	p := &Participant{
		ID:       id,
		Status:   StatusAvailable,
		JoinedAt: r.now(),
		seq:      r.nextSeq,
	}
	r.participants[id] = p
	return p
}

// Get returns the participant registered under id, or nil.
func (r *Registry) Get(id string) *Participant {
	return r.participants[id]
}

// Remove deletes the registry entry for id and returns it, or nil when id is
// unknown.
func (r *Registry) Remove(id string) *Participant {
	p := r.participants[id]
	if p == nil {
		return nil
	}
	delete(r.participants, id)
	return p
}

// Len returns the number of registered participants.
func (r *Registry) Len() int {
	return len(r.participants)
}

// All returns a snapshot slice of every registered participant.
func (r *Registry) All() []*Participant {
	out := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// EarliestCandidate returns the earliest-joined participant other than
// exclude that has no current partner (Available or Queued), or nil when none
// exists. Ties on JoinedAt are broken by registration order, never by map
// iteration order.
func (r *Registry) EarliestCandidate(exclude string) *Participant {
	var best *Participant
	for _, p := range r.participants {
		if p.ID == exclude || p.Status == StatusInConversation {
			continue
		}
		if best == nil || p.JoinedAt.Before(best.JoinedAt) ||
			(p.JoinedAt.Equal(best.JoinedAt) && p.seq < best.seq) {
			best = p
		}
	}
	return best
}
