package chatsync

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ============================================================================
// Wire envelope
// ============================================================================

// Envelope is the wire format of every real-time event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Real-time event type names.
const (
	TypeMessageNew       = "message.new"
	TypeMessageRead      = "message.read"
	TypeMessagesRead     = "messages.read"
	TypeMessageDelivered = "message.delivered"
	TypeReactionAdded    = "reaction.added"
	TypeReactionRemoved  = "reaction.removed"
	TypeReactionUpdated  = "reaction.updated"
	TypeMessageEdited    = "message.edited"
	TypeMessageDeleted   = "message.deleted"
)

// ============================================================================
// Typed events
// ============================================================================

// Event is an inbound real-time event. The set of implementations is closed;
// every event is one of the types in this file.
type Event interface {
	// EventType returns the wire type name.
	EventType() string

	// Conversation returns the conversation the event targets, if known.
	Conversation() string

	isEvent()
}

// MessageReceived carries a new message, possibly an echo of our own send.
type MessageReceived struct {
	ConversationID string
	// Message is the raw payload handed to the normalizer.
	Message any
}

// MessageRead is a single read receipt.
type MessageRead struct {
	MessageID      string
	ConversationID string
	ReaderID       string
	ReadAt         time.Time
}

// MessagesRead reports that a reader caught up on a conversation.
type MessagesRead struct {
	ConversationID string
	ReaderID       string
	Count          int
}

// MessageDelivered is a delivery receipt from a recipient's device.
type MessageDelivered struct {
	MessageID      string
	ConversationID string
	UserID         string
	DeliveredAt    time.Time
}

// ReactionAdded adds one (emoji, user) pair.
type ReactionAdded struct {
	MessageID      string
	ConversationID string
	Emoji          string
	UserID         string
}

// ReactionRemoved removes one (emoji, user) pair.
type ReactionRemoved struct {
	MessageID      string
	ConversationID string
	Emoji          string
	UserID         string
}

// ReactionsReplaced carries the full reaction set of a message.
type ReactionsReplaced struct {
	MessageID      string
	ConversationID string
	Reactions      []Reaction
}

// MessageEdited carries authorized new content for a message.
type MessageEdited struct {
	MessageID      string
	ConversationID string
	Content        string
	EditedAt       time.Time
}

// MessageDeleted deletes a message for the viewer or for everyone.
type MessageDeleted struct {
	MessageID      string
	ConversationID string
	Scope          DeleteScope
}

func (MessageReceived) EventType() string   { return TypeMessageNew }
func (MessageRead) EventType() string       { return TypeMessageRead }
func (MessagesRead) EventType() string      { return TypeMessagesRead }
func (MessageDelivered) EventType() string  { return TypeMessageDelivered }
func (ReactionAdded) EventType() string     { return TypeReactionAdded }
func (ReactionRemoved) EventType() string   { return TypeReactionRemoved }
func (ReactionsReplaced) EventType() string { return TypeReactionUpdated }
func (MessageEdited) EventType() string     { return TypeMessageEdited }
func (MessageDeleted) EventType() string    { return TypeMessageDeleted }

func (e MessageReceived) Conversation() string   { return e.ConversationID }
func (e MessageRead) Conversation() string       { return e.ConversationID }
func (e MessagesRead) Conversation() string      { return e.ConversationID }
func (e MessageDelivered) Conversation() string  { return e.ConversationID }
func (e ReactionAdded) Conversation() string     { return e.ConversationID }
func (e ReactionRemoved) Conversation() string   { return e.ConversationID }
func (e ReactionsReplaced) Conversation() string { return e.ConversationID }
func (e MessageEdited) Conversation() string     { return e.ConversationID }
func (e MessageDeleted) Conversation() string    { return e.ConversationID }

func (MessageReceived) isEvent()   {}
func (MessageRead) isEvent()       {}
func (MessagesRead) isEvent()      {}
func (MessageDelivered) isEvent()  {}
func (ReactionAdded) isEvent()     {}
func (ReactionRemoved) isEvent()   {}
func (ReactionsReplaced) isEvent() {}
func (MessageEdited) isEvent()     {}
func (MessageDeleted) isEvent()    {}

// ============================================================================
// Decoding
// ============================================================================

// DecodeEvent turns a wire envelope into a typed event. Field names are
// resolved leniently, the same way the normalizer resolves message fields.
func DecodeEvent(env Envelope) (Event, error) {
	var p map[string]any
	if err := json.Unmarshal(env.Payload, &p); err != nil || p == nil {
		return nil, errors.Errorf("payload of %q is not an object", env.Type)
	}

	conversationID := refField(p, conversationAliases...)
	messageID := firstString(p, "messageId", "message_id", "id")
	userID := refField(p, "userId", "user", "user_id")

	switch env.Type {
	case TypeMessageNew:
		ev := MessageReceived{ConversationID: conversationID, Message: p}
		if inner, ok := p["message"].(map[string]any); ok {
			ev.Message = inner
			if ev.ConversationID == "" {
				ev.ConversationID = refField(inner, conversationAliases...)
			}
		}
		return ev, nil

	case TypeMessageRead:
		readAt, _ := firstTime(p, "readAt", "at")
		return MessageRead{
			MessageID:      messageID,
			ConversationID: conversationID,
			ReaderID:       readerOf(p, userID),
			ReadAt:         readAt,
		}, nil

	case TypeMessagesRead:
		count, _ := p["count"].(float64)
		return MessagesRead{
			ConversationID: conversationID,
			ReaderID:       readerOf(p, userID),
			Count:          int(count),
		}, nil

	case TypeMessageDelivered:
		at, _ := firstTime(p, "deliveredAt", "at")
		return MessageDelivered{
			MessageID:      messageID,
			ConversationID: conversationID,
			UserID:         userID,
			DeliveredAt:    at,
		}, nil

	case TypeReactionAdded:
		return ReactionAdded{messageID, conversationID,
			firstString(p, "emoji", "reaction"), userID}, nil

	case TypeReactionRemoved:
		return ReactionRemoved{messageID, conversationID,
			firstString(p, "emoji", "reaction"), userID}, nil

	case TypeReactionUpdated:
		if _, full := p["reactions"]; full {
			return ReactionsReplaced{
				MessageID:      messageID,
				ConversationID: conversationID,
				Reactions:      reactions(p["reactions"]),
			}, nil
		}
		emoji := firstString(p, "emoji", "reaction")
		switch firstString(p, "action", "op") {
		case "remove", "removed":
			return ReactionRemoved{messageID, conversationID, emoji, userID}, nil
		default:
			return ReactionAdded{messageID, conversationID, emoji, userID}, nil
		}

	case TypeMessageEdited:
		editedAt, _ := firstTime(p, "editedAt", "at")
		return MessageEdited{
			MessageID:      messageID,
			ConversationID: conversationID,
			Content:        firstString(p, "newContent", "content", "text"),
			EditedAt:       editedAt,
		}, nil

	case TypeMessageDeleted:
		scope := DeleteForEveryone
		if DeleteScope(firstString(p, "deleteFor", "scope")) == DeleteForMe {
			scope = DeleteForMe
		}
		return MessageDeleted{
			MessageID:      messageID,
			ConversationID: conversationID,
			Scope:          scope,
		}, nil
	}

	return nil, errors.Wrapf(ErrUnknownEvent, "type %q", env.Type)
}

func readerOf(p map[string]any, userID string) string {
	if r := refField(p, "readerId", "reader"); r != "" {
		return r
	}
	return userID
}
