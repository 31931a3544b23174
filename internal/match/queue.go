package match

// Queue is the FIFO holding area for participants without a current partner.
// An id appears at most once. Like the registry, it is serialized by the
// Engine and not safe for direct concurrent use.
type Queue struct {
	ids []string
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Len returns the number of queued ids.
func (q *Queue) Len() int {
	return len(q.ids)
}

// Contains reports whether id is queued.
func (q *Queue) Contains(id string) bool {
	for _, v := range q.ids {
		if v == id {
			return true
		}
	}
	return false
}

// Push appends id to the back of the queue. Pushing an id that is already
// queued is a no-op and returns false.
func (q *Queue) Push(id string) bool {
	if q.Contains(id) {
		return false
	}
	q.ids = append(q.ids, id)
	return true
}

// Pop removes and returns the front of the queue.
func (q *Queue) Pop() (string, bool) {
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	copy(q.ids, q.ids[1:])
	q.ids = q.ids[:len(q.ids)-1]
	return id, true
}

// Remove deletes id wherever it sits. Removing an absent id is a no-op and
// returns false.
func (q *Queue) Remove(id string) bool {
	for i, v := range q.ids {
		if v == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return true
		}
	}
	return false
}

// Position returns the 1-based queue position of id, or 0 when not queued.
func (q *Queue) Position(id string) int {
	for i, v := range q.ids {
		if v == id {
			return i + 1
		}
	}
	return 0
}

// IDs returns a snapshot of the queued ids in order.
func (q *Queue) IDs() []string {
	out := make([]string, len(q.ids))
	copy(out, q.ids)
	return out
}
