package match

import "time"

// Status describes where a participant currently sits in the matching state
// machine.
//
// Exactly one of the following holds for every registered participant:
//   - StatusAvailable: tracked by the registry only.
//   - StatusQueued: additionally present in the wait queue.
//   - StatusInConversation: additionally referenced by an active conversation.
type Status string

const (
	StatusAvailable      Status = "available"
	StatusQueued         Status = "queued"
	StatusInConversation Status = "in_conversation"
)

// Participant is one connected client tracked by the matching system.
//
// The ID is the opaque per-connection handle assigned by the transport layer;
// it is unique and stable for the lifetime of the connection. Participants are
// created only by Registry.Add and mutated only by the Engine.
type Participant struct {
	ID             string    `json:"id"`
	Status         Status    `json:"status"`
	JoinedAt       time.Time `json:"joinedAt"`
	ConversationID string    `json:"conversationId,omitempty"`

	// seq is a monotonic registration counter. It breaks ties between
	// participants that share a JoinedAt timestamp so match candidate
	// selection stays deterministic regardless of map iteration order.
	seq uint64
}
