package chat

// Status is the delivery state of a message.
//
// Transitions are monotonic: SENT → DELIVERED → READ, never backward.
// A status flip is always a batch operation (per user across conversations
// on delivery backfill, per conversation on read) and is idempotent: zero
// eligible rows is a zero-count success, not an error.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// rank orders statuses for monotonicity checks.
func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.rank() > 0 }

// CanTransition reports whether from → to moves strictly forward.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return to.rank() > from.rank()
}

// StatusBatch is the per-conversation outcome of a delivery backfill.
type StatusBatch struct {
	ConversationID string
	Count          int64
}
