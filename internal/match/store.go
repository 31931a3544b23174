package match

// Store holds the active conversations plus the reverse index from
// participant id to conversation id. Serialized by the Engine.
type Store struct {
	conversations map[string]*Conversation
	byParticipant map[string]string
}

// NewStore constructs an empty conversation store.
func NewStore() *Store {
	return &Store{
		conversations: make(map[string]*Conversation),
		byParticipant: make(map[string]string),
	}
}

// Put stores conv and indexes both members.
func (s *Store) Put(conv *Conversation) {
	s.conversations[conv.ID] = conv
	s.byParticipant[conv.A] = conv.ID
	s.byParticipant[conv.B] = conv.ID
}

// Get returns the conversation with the given id, or nil.
func (s *Store) Get(id string) *Conversation {
	return s.conversations[id]
}

// ByParticipant returns the conversation the participant belongs to, or nil.
func (s *Store) ByParticipant(participantID string) *Conversation {
	convID, ok := s.byParticipant[participantID]
	if !ok {
		return nil
	}
	return s.conversations[convID]
}

// Delete removes the conversation and both reverse-index entries. Deleting an
// unknown id is a no-op and returns nil.
func (s *Store) Delete(id string) *Conversation {
	conv := s.conversations[id]
	if conv == nil {
		return nil
	}
	delete(s.conversations, id)
	delete(s.byParticipant, conv.A)
	delete(s.byParticipant, conv.B)
	return conv
}

// Len returns the number of active conversations.
func (s *Store) Len() int {
	return len(s.conversations)
}
