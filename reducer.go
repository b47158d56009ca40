package chatsync

import (
	"slices"
	"time"

	"github.com/forPelevin/gomoji"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Apply folds one real-time event into the conversation logs and reports
// whether anything changed. Applying the same event twice leaves the state
// of the first application. Malformed events are logged and dropped; Apply
// never fails.
func (e *Engine) Apply(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || ev == nil {
		return false
	}

	var changed bool
	switch ev := ev.(type) {
	case MessageReceived:
		changed = e.applyReceived(ev)
	case MessageRead:
		r := Receipt{UserID: ev.ReaderID, At: e.stamp(ev.ReadAt)}
		changed = e.applyOn(ev.ConversationID, ev.MessageID, ev.EventType(),
			func(m *Message) bool { return addReceipt(&m.ReadBy, r) })
	case MessagesRead:
		changed = e.applyBulkRead(ev)
	case MessageDelivered:
		r := Receipt{UserID: ev.UserID, At: e.stamp(ev.DeliveredAt)}
		changed = e.applyOn(ev.ConversationID, ev.MessageID, ev.EventType(),
			func(m *Message) bool { return addReceipt(&m.DeliveredTo, r) })
	case ReactionAdded:
		changed = e.applyReactionAdded(ev)
	case ReactionRemoved:
		changed = e.applyOn(ev.ConversationID, ev.MessageID, ev.EventType(),
			func(m *Message) bool {
				return retractReaction(m, Reaction{Emoji: ev.Emoji, UserID: ev.UserID})
			})
	case ReactionsReplaced:
		changed = e.applyReactionsReplaced(ev)
	case MessageEdited:
		changed = e.applyEdit(ev)
	case MessageDeleted:
		changed = e.applyDelete(ev)
	}

	e.metrics.event(ev.EventType(), changed)
	return changed
}

// ============================================================================
// New messages
// ============================================================================

func (e *Engine) applyReceived(ev MessageReceived) bool {
	m, err := e.normalizer.Normalize(ev.Message)
	if err != nil {
		jww.WARN.Printf("[SYNC] Dropping %s event: %+v", ev.EventType(), err)
		e.metrics.malformed("invalid_message")
		return false
	}
	conversationID := ev.ConversationID
	if conversationID == "" {
		conversationID = m.ConversationID
	}
	if conversationID == "" {
		jww.WARN.Printf("[SYNC] Dropping message %s without conversation", m.Key)
		e.metrics.malformed("missing_conversation")
		return false
	}

	stored, ok := e.reconcile(conversationID, m)
	if ok {
		e.notify(conversationID, stored.Key, ev.EventType())
	}
	return ok
}

// reconcile inserts a confirmed message, resolving it against a provisional
// send when it is the echo of one. Callers hold e.mu.
func (e *Engine) reconcile(conversationID string, m Message) (Message, bool) {
	id, confirmed := m.Key.ID()
	if !confirmed || m.SenderID != e.cfg.ViewerID {
		return e.store.Upsert(conversationID, m)
	}

	if m.CorrelationToken != "" {
		if stored, ok := e.store.ReplaceProvisional(conversationID, m.CorrelationToken, m); ok {
			return stored, true
		}
		return e.store.Upsert(conversationID, m)
	}

	if _, known := e.store.Message(conversationID, ConfirmedKey(id)); !known {
		if stored, ok := e.matchLegacyEcho(conversationID, m); ok {
			return stored, true
		}
	}
	return e.store.Upsert(conversationID, m)
}

// ============================================================================
// Receipts
// ============================================================================

func (e *Engine) applyBulkRead(ev MessagesRead) bool {
	if ev.ReaderID == "" || ev.ConversationID == "" {
		jww.WARN.Printf("[SYNC] Dropping %s event without reader or conversation",
			ev.EventType())
		e.metrics.malformed("incomplete_event")
		return false
	}
	if ev.ReaderID == e.cfg.ViewerID {
		// Our own read marker never changes the status of our own sends.
		return false
	}

	at := e.stamp(time.Time{})
	changed := e.store.UpdateAll(ev.ConversationID, func(m *Message) bool {
		if m.Key.IsProvisional() || m.SenderID != e.cfg.ViewerID {
			return false
		}
		return addReceipt(&m.ReadBy, Receipt{UserID: ev.ReaderID, At: at})
	})
	for _, m := range changed {
		e.notify(ev.ConversationID, m.Key, ev.EventType())
	}
	return len(changed) > 0
}

// stamp returns t, or the local time when the event carried none.
func (e *Engine) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return e.now().UTC()
	}
	return t
}

func addReceipt(rs *[]Receipt, r Receipt) bool {
	if r.UserID == "" || hasReceipt(*rs, r.UserID) {
		return false
	}
	*rs = append(*rs, r)
	return true
}

// ============================================================================
// Reactions
// ============================================================================

// ValidateReaction checks that the reaction is exactly one emoji.
func ValidateReaction(reaction string) error {
	emojis := gomoji.CollectAll(reaction)
	if len(emojis) != 1 || emojis[0].Character != reaction {
		return ErrInvalidReaction
	}
	return nil
}

func (e *Engine) applyReactionAdded(ev ReactionAdded) bool {
	if err := ValidateReaction(ev.Emoji); err != nil {
		jww.WARN.Printf("[SYNC] Dropping reaction %q on %s: %+v", ev.Emoji, ev.MessageID, err)
		e.metrics.malformed("invalid_reaction")
		return false
	}
	if ev.UserID == "" {
		e.metrics.malformed("incomplete_event")
		return false
	}
	return e.applyOn(ev.ConversationID, ev.MessageID, ev.EventType(), func(m *Message) bool {
		if m.IsDeleted {
			return false
		}
		r := Reaction{Emoji: ev.Emoji, UserID: ev.UserID}
		m.retracted = removeReaction(m.retracted, r)
		before := len(m.Reactions)
		m.Reactions = addReaction(m.Reactions, r)
		return len(m.Reactions) != before
	})
}

func (e *Engine) applyReactionsReplaced(ev ReactionsReplaced) bool {
	next := []Reaction{}
	for _, r := range ev.Reactions {
		if err := ValidateReaction(r.Emoji); err != nil {
			jww.WARN.Printf("[SYNC] Dropping reaction %q on %s: %+v", r.Emoji, ev.MessageID, err)
			e.metrics.malformed("invalid_reaction")
			continue
		}
		next = addReaction(next, r)
	}
	return e.applyOn(ev.ConversationID, ev.MessageID, ev.EventType(), func(m *Message) bool {
		if m.IsDeleted || sameReactions(m.Reactions, next) {
			return false
		}
		for _, r := range m.Reactions {
			if !slices.Contains(next, r) {
				m.retracted = addReaction(m.retracted, r)
			}
		}
		m.retracted = slices.DeleteFunc(m.retracted, func(r Reaction) bool {
			return slices.Contains(next, r)
		})
		m.Reactions = slices.Clone(next)
		return true
	})
}

// addReaction appends r unless the (emoji, user) pair is already present.
func addReaction(rs []Reaction, r Reaction) []Reaction {
	if slices.Contains(rs, r) {
		return rs
	}
	return append(rs, r)
}

// retractReaction removes r from m and remembers the removal. It reports
// whether r was present.
func retractReaction(m *Message, r Reaction) bool {
	before := len(m.Reactions)
	m.Reactions = removeReaction(m.Reactions, r)
	if len(m.Reactions) == before {
		return false
	}
	m.retracted = addReaction(m.retracted, r)
	return true
}

// removeReaction drops the (emoji, user) pair if present.
func removeReaction(rs []Reaction, r Reaction) []Reaction {
	return slices.DeleteFunc(rs, func(x Reaction) bool { return x == r })
}

func sameReactions(a, b []Reaction) bool {
	if len(a) != len(b) {
		return false
	}
	for _, r := range a {
		if !slices.Contains(b, r) {
			return false
		}
	}
	return true
}

// ============================================================================
// Edits and deletes
// ============================================================================

func (e *Engine) applyEdit(ev MessageEdited) bool {
	editedAt := e.stamp(ev.EditedAt)
	return e.applyOn(ev.ConversationID, ev.MessageID, ev.EventType(), func(m *Message) bool {
		if m.IsDeleted || m.EditedAt.After(editedAt) {
			return false
		}
		if m.IsEdited && m.Content == ev.Content {
			return false
		}
		m.Content = ev.Content
		m.IsEdited = true
		m.EditedAt = editedAt
		return true
	})
}

func (e *Engine) applyDelete(ev MessageDeleted) bool {
	if ev.MessageID == "" {
		e.metrics.malformed("incomplete_event")
		return false
	}
	conversationID := ev.ConversationID
	if conversationID == "" {
		var ok bool
		if conversationID, ok = e.store.Locate(ev.MessageID); !ok {
			return false
		}
	}

	var changed bool
	if ev.Scope == DeleteForMe {
		changed = e.store.Hide(conversationID, ev.MessageID)
		if changed {
			e.notify(conversationID, ConfirmedKey(ev.MessageID), ReasonRemove)
		}
		return changed
	}
	changed = e.store.Tombstone(conversationID, ev.MessageID)
	if changed {
		e.notify(conversationID, ConfirmedKey(ev.MessageID), ev.EventType())
	}
	return changed
}

// ============================================================================
// Targeting
// ============================================================================

// applyOn runs fn against a confirmed message. Events naming no
// conversation are routed by message id. Callers hold e.mu.
func (e *Engine) applyOn(conversationID, messageID, eventType string,
	fn func(m *Message) bool) bool {
	if messageID == "" {
		jww.WARN.Printf("[SYNC] Dropping %s event without message id", eventType)
		e.metrics.malformed("incomplete_event")
		return false
	}
	if conversationID == "" {
		var ok bool
		if conversationID, ok = e.store.Locate(messageID); !ok {
			jww.DEBUG.Printf("[SYNC] %s for unknown message %s", eventType, messageID)
			return false
		}
	}

	m, ok := e.store.Update(conversationID, ConfirmedKey(messageID), fn)
	if !ok {
		return false
	}
	e.notify(conversationID, m.Key, eventType)
	return true
}

// checkReaction is the outbound counterpart of the reaction validation.
func checkReaction(emoji string) error {
	if err := ValidateReaction(emoji); err != nil {
		return errors.Wrapf(err, "reaction %q", emoji)
	}
	return nil
}
