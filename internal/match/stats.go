package match

import "github.com/samber/lo"

// Stats is the aggregate view of the matching system, recomputed on demand
// from the registry, queue and store.
type Stats struct {
	Total               int `json:"total"`
	Available           int `json:"available"`
	InConversation      int `json:"inConversation"`
	InQueue             int `json:"inQueue"`
	ActiveConversations int `json:"activeConversations"`
}

// UserState is the per-participant view pushed to clients on state changes.
type UserState struct {
	Participant   Participant  `json:"participant"`
	Partner       *Participant `json:"partner,omitempty"`
	Stats         Stats        `json:"stats"`
	QueuePosition int          `json:"queuePosition,omitempty"`
}

func (e *Engine) statsLocked() Stats {
	all := e.registry.All()
	return Stats{
		Total: len(all),
		Available: lo.CountBy(all, func(p *Participant) bool {
			return p.Status == StatusAvailable
		}),
		InConversation: lo.CountBy(all, func(p *Participant) bool {
			return p.Status == StatusInConversation
		}),
		InQueue:             e.queue.Len(),
		ActiveConversations: e.store.Len(),
	}
}
