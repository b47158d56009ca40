package chatsync

// Status is the delivery status of a message as seen by the viewing user.
type Status string

const (
	// StatusSending is the status of an optimistic message awaiting the
	// server.
	StatusSending Status = "sending"

	// StatusSent is the status of a confirmed message nobody else has seen.
	StatusSent Status = "sent"

	// StatusDelivered is the status of a message another participant's
	// device has received.
	StatusDelivered Status = "delivered"

	// StatusRead is the status of a message another participant has read.
	StatusRead Status = "read"

	// StatusFailed is the status of a message whose send failed. It is
	// absorbing; only an explicit retry leaves it.
	StatusFailed Status = "failed"

	// StatusReceived classifies messages authored by someone else. They carry
	// no delivery lifecycle.
	StatusReceived Status = "received"
)

// rank orders the confirmed part of the lifecycle. Statuses outside
// sent → delivered → read rank zero.
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

// Explicit reports whether s dominates inference.
func (s Status) Explicit() bool {
	return s == StatusSending || s == StatusFailed
}

// CalculateStatus derives the status of m for viewerID from the accumulated
// evidence on the message. It is pure: identical inputs yield identical
// outputs, and feeding the result back into m.Status yields the same result.
func CalculateStatus(m Message, viewerID string) Status {
	if m.Status.Explicit() {
		return m.Status
	}
	if m.SenderID != viewerID {
		return StatusReceived
	}

	inferred := StatusSent
	switch {
	case hasOtherUser(m.ReadBy, m.SenderID):
		inferred = StatusRead
	case hasOtherUser(m.DeliveredTo, m.SenderID):
		inferred = StatusDelivered
	}

	// A server-provided status is evidence too; never report less than it.
	if m.Status.rank() > inferred.rank() {
		return m.Status
	}
	return inferred
}

func hasOtherUser(rs []Receipt, senderID string) bool {
	for _, r := range rs {
		if r.UserID != senderID {
			return true
		}
	}
	return false
}
