package match

import "time"

// Conversation is an active pairing of exactly two distinct participants.
// There is no retained "ended" state; a conversation is deleted the moment
// either side leaves.
type Conversation struct {
	ID        string    `json:"id"`
	A         string    `json:"a"`
	B         string    `json:"b"`
	StartedAt time.Time `json:"startedAt"`
}

// Other returns the id of the partner of id within the conversation, or ""
// when id is not a member.
func (c Conversation) Other(id string) string {
	switch id {
	case c.A:
		return c.B
	case c.B:
		return c.A
	default:
		return ""
	}
}

// EndReason explains why a conversation was torn down.
type EndReason string

const (
	// ReasonPartnerLeft marks teardown caused by a disconnect.
	ReasonPartnerLeft EndReason = "partner_left"
	// ReasonNextUser marks teardown requested by one side to move on.
	ReasonNextUser EndReason = "next_user"
	// ReasonEnded marks an explicit, unattributed end.
	ReasonEnded EndReason = "ended"
)
