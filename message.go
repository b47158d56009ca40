package chatsync

import (
	"slices"
	"time"
)

// ============================================================================
// Identity
// ============================================================================

type keyKind uint8

const (
	keyNone keyKind = iota
	keyProvisional
	keyConfirmed
)

// provisionalPrefix is only used to render provisional keys for display and
// the wire. It is never parsed back.
const provisionalPrefix = "temp-"

// Key identifies a message in a conversation log. A key is either
// provisional (client-side, carrying the correlation token of the send
// attempt) or confirmed (server-assigned permanent id). Keys are comparable
// and may be used as map keys.
type Key struct {
	kind  keyKind
	value string
}

// ProvisionalKey returns the key of an optimistic message.
func ProvisionalKey(token string) Key { return Key{kind: keyProvisional, value: token} }

// ConfirmedKey returns the key of a server-confirmed message.
func ConfirmedKey(id string) Key { return Key{kind: keyConfirmed, value: id} }

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool { return k.kind == keyNone }

// IsProvisional reports whether k is a provisional key.
func (k Key) IsProvisional() bool { return k.kind == keyProvisional }

// Token returns the correlation token of a provisional key.
func (k Key) Token() (string, bool) {
	if k.kind != keyProvisional {
		return "", false
	}
	return k.value, true
}

// ID returns the permanent id of a confirmed key.
func (k Key) ID() (string, bool) {
	if k.kind != keyConfirmed {
		return "", false
	}
	return k.value, true
}

// String renders the key as the message id seen by the UI and the wire:
// "temp-<token>" for provisional keys, the permanent id otherwise.
func (k Key) String() string {
	switch k.kind {
	case keyProvisional:
		return provisionalPrefix + k.value
	case keyConfirmed:
		return k.value
	default:
		return ""
	}
}

// ============================================================================
// Message
// ============================================================================

// Direction classifies a message relative to the viewing user.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// DeleteScope selects who a deletion applies to.
type DeleteScope string

const (
	DeleteForMe       DeleteScope = "me"
	DeleteForEveryone DeleteScope = "everyone"
)

// Receipt records that a user read (or received) a message at a point in
// time.
type Receipt struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// Reaction is a single (emoji, user) pair.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// Message is the canonical in-memory record of a chat message.
type Message struct {
	Key              Key        `json:"-"`
	ConversationID   string     `json:"conversationId"`
	SenderID         string     `json:"senderId"`
	Content          string     `json:"content"`
	Kind             string     `json:"kind"`
	Type             Direction  `json:"type"`
	Media            []string   `json:"media"`
	IsForwarded      bool       `json:"isForwarded"`
	CreatedAt        time.Time  `json:"createdAt"`
	Status           Status     `json:"status"`
	ReadBy           []Receipt  `json:"readBy"`
	DeliveredTo      []Receipt  `json:"deliveredTo"`
	Reactions        []Reaction `json:"reactions"`
	IsEdited         bool       `json:"isEdited"`
	EditedAt         time.Time  `json:"editedAt,omitempty"`
	IsDeleted        bool       `json:"isDeleted"`
	CorrelationToken string     `json:"correlationToken,omitempty"`

	// seq is the insertion ordinal inside a conversation log, used to keep
	// same-timestamp messages in a deterministic order.
	seq uint64

	// clockTime is set when CreatedAt came from the local clock because the
	// payload carried no usable timestamp.
	clockTime bool

	// retracted holds reactions removed by an event; a later full copy of
	// the message does not bring them back.
	retracted []Reaction
}

// ID returns the display/wire id of the message.
func (m Message) ID() string { return m.Key.String() }

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	c := m
	c.Media = cloneOrEmpty(m.Media)
	c.ReadBy = cloneOrEmpty(m.ReadBy)
	c.DeliveredTo = cloneOrEmpty(m.DeliveredTo)
	c.Reactions = cloneOrEmpty(m.Reactions)
	c.retracted = slices.Clone(m.retracted)
	return c
}

// HasReaction reports whether the user already holds emoji on m.
func (m Message) HasReaction(emoji, userID string) bool {
	return slices.Contains(m.Reactions, Reaction{Emoji: emoji, UserID: userID})
}

// ReadByUser reports whether userID is present in m.ReadBy.
func (m Message) ReadByUser(userID string) bool {
	return hasReceipt(m.ReadBy, userID)
}

func hasReceipt(rs []Receipt, userID string) bool {
	for _, r := range rs {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// mergeReceipts returns the union of a and b keyed by user. The earliest
// timestamp seen for a user is kept.
func mergeReceipts(a, b []Receipt) []Receipt {
	out := cloneOrEmpty(a)
	for _, r := range b {
		i := slices.IndexFunc(out, func(x Receipt) bool { return x.UserID == r.UserID })
		if i < 0 {
			out = append(out, r)
			continue
		}
		if !r.At.IsZero() && (out[i].At.IsZero() || r.At.Before(out[i].At)) {
			out[i].At = r.At
		}
	}
	return out
}

func cloneOrEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return slices.Clone(s)
}
