package chatsync

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// seed inserts a confirmed message from sender into c1.
func seed(t *testing.T, e *testEngine, id, sender string, at time.Time) {
	t.Helper()
	require.True(t, e.Apply(received("c1", id, sender, "content of "+id, at)))
	drainNotices(e.Engine)
}

func lookup(t *testing.T, e *testEngine, id string) Message {
	t.Helper()
	m, ok := e.Message("c1", ConfirmedKey(id))
	require.True(t, ok, "message %s", id)
	return m
}

func TestApply_MessageReceivedIsIdempotent(t *testing.T) {
	e := newTestEngine(t)

	ev := received("c1", "m1", other, "hello", t0)
	require.True(t, e.Apply(ev))
	require.False(t, e.Apply(ev))
	require.Equal(t, []string{"m1"}, ids(e.Messages("c1")))

	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.eventsApplied.WithLabelValues(TypeMessageNew)))
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.eventsIgnored.WithLabelValues(TypeMessageNew)))
}

func TestApply_MessageReceivedOutOfOrder(t *testing.T) {
	e := newTestEngine(t)
	e.Apply(received("c1", "m3", other, "c", t0.Add(3*time.Second)))
	e.Apply(received("c1", "m1", other, "a", t0.Add(time.Second)))
	e.Apply(received("c1", "m2", viewer, "b", t0.Add(2*time.Second)))

	require.Equal(t, []string{"m1", "m2", "m3"}, ids(e.Messages("c1")))
	require.Equal(t, StatusSent, lookup(t, e, "m2").Status)
	require.Equal(t, StatusReceived, lookup(t, e, "m1").Status)
}

func TestApply_MessageReceivedMalformed(t *testing.T) {
	e := newTestEngine(t)

	require.False(t, e.Apply(MessageReceived{ConversationID: "c1", Message: "garbage"}))
	require.False(t, e.Apply(MessageReceived{Message: map[string]any{"id": "m1", "senderId": other}}))
	require.False(t, e.Apply(nil))

	require.Empty(t, e.Conversations())
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.dropped.WithLabelValues("invalid_message")))
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.dropped.WithLabelValues("missing_conversation")))
}

func TestApply_MessageReceivedConversationFromPayload(t *testing.T) {
	e := newTestEngine(t)
	require.True(t, e.Apply(MessageReceived{Message: map[string]any{
		"id": "m1", "senderId": other, "conversationId": "c9",
	}}))
	require.Equal(t, []string{"m1"}, ids(e.Messages("c9")))
}

func TestApply_ReadReceipt(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e, "m1", viewer, t0)
	require.Equal(t, StatusSent, lookup(t, e, "m1").Status)

	read := MessageRead{MessageID: "m1", ConversationID: "c1", ReaderID: other, ReadAt: t0.Add(time.Minute)}
	require.True(t, e.Apply(read))
	require.False(t, e.Apply(read), "a second receipt from the same reader is absorbed")

	m := lookup(t, e, "m1")
	require.Equal(t, StatusRead, m.Status)
	require.Equal(t, []Receipt{{UserID: other, At: t0.Add(time.Minute)}}, m.ReadBy)

	// A delivery receipt arriving after the read never lowers the status.
	require.True(t, e.Apply(MessageDelivered{MessageID: "m1", ConversationID: "c1", UserID: other}))
	m = lookup(t, e, "m1")
	require.Equal(t, StatusRead, m.Status)
	require.Equal(t, []Receipt{{UserID: other, At: t0}}, m.DeliveredTo)
}

func TestApply_DeliveryReceipt(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e, "m1", viewer, t0)

	require.True(t, e.Apply(MessageDelivered{MessageID: "m1", UserID: other}))
	require.Equal(t, StatusDelivered, lookup(t, e, "m1").Status)
}

func TestApply_ReceiptWithoutConversationIsLocated(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e, "m1", viewer, t0)

	require.True(t, e.Apply(MessageRead{MessageID: "m1", ReaderID: other}))
	require.Equal(t, StatusRead, lookup(t, e, "m1").Status)

	require.False(t, e.Apply(MessageRead{MessageID: "unknown", ReaderID: other}))
	require.False(t, e.Apply(MessageRead{ConversationID: "c1", ReaderID: other}))
	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.dropped.WithLabelValues("incomplete_event")))
}

func TestApply_ReceiptNeverTargetsProvisional(t *testing.T) {
	e := newTestEngine(t)
	e.store.Upsert("c1", provisionalMsg("tok-1", "hi", t0))

	require.False(t, e.Apply(MessageRead{MessageID: "temp-tok-1", ConversationID: "c1", ReaderID: other}))
	require.Equal(t, StatusSending, e.Messages("c1")[0].Status)
}

func TestApply_BulkRead(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e, "m1", viewer, t0)
	seed(t, e, "m2", other, t0.Add(time.Second))
	seed(t, e, "m3", viewer, t0.Add(2*time.Second))
	e.store.Upsert("c1", provisionalMsg("tok-1", "pending", t0.Add(3*time.Second)))

	require.True(t, e.Apply(MessagesRead{ConversationID: "c1", ReaderID: other, Count: 2}))
	require.Len(t, drainNotices(e.Engine), 2)

	require.Equal(t, StatusRead, lookup(t, e, "m1").Status)
	require.Equal(t, StatusReceived, lookup(t, e, "m2").Status)
	require.Empty(t, lookup(t, e, "m2").ReadBy)
	require.Equal(t, StatusRead, lookup(t, e, "m3").Status)
	require.Equal(t, StatusSending, e.Messages("c1")[3].Status)

	require.False(t, e.Apply(MessagesRead{ConversationID: "c1", ReaderID: other}))
}

func TestApply_BulkReadCoversTombstones(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e, "m1", viewer, t0)
	require.True(t, e.Apply(MessageDeleted{MessageID: "m1", ConversationID: "c1", Scope: DeleteForEveryone}))

	require.True(t, e.Apply(MessagesRead{ConversationID: "c1", ReaderID: other}))
	m := lookup(t, e, "m1")
	require.True(t, m.IsDeleted)
	require.True(t, m.ReadByUser(other))
	require.Equal(t, StatusRead, m.Status)
}

func TestApply_BulkReadByViewerIsIgnored(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e, "m1", viewer, t0)

	require.False(t, e.Apply(MessagesRead{ConversationID: "c1", ReaderID: viewer}))
	require.Equal(t, StatusSent, lookup(t, e, "m1").Status)

	require.False(t, e.Apply(MessagesRead{ConversationID: "c1"}))
	require.False(t, e.Apply(MessagesRead{ReaderID: other}))
}

func TestApply_Reactions(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e, "m1", other, t0)

	add := ReactionAdded{MessageID: "m1", ConversationID: "c1", Emoji: "👍", UserID: viewer}
	require.True(t, e.Apply(add))
	require.False(t, e.Apply(add))
	require.True(t, e.Apply(ReactionAdded{MessageID: "m1", ConversationID: "c1", Emoji: "👍", UserID: other}))
	require.Len(t, lookup(t, e, "m1").Reactions, 2)

	remove := ReactionRemoved{MessageID: "m1", ConversationID: "c1", Emoji: "👍", UserID: viewer}
	require.True(t, e.Apply(remove))
	require.False(t, e.Apply(remove), "removing an absent pair is a no-op")
	require.Equal(t, []Reaction{{Emoji: "👍", UserID: other}}, lookup(t, e, "m1").Reactions)
}

func TestApply_RemovedReactionStaysRemoved(t *testing.T) {
	e := newTestEngine(t)
	copyWithReaction := MessageReceived{ConversationID: "c1", Message: map[string]any{
		"id":        "m1",
		"senderId":  other,
		"content":   "hi",
		"createdAt": t0.Format(time.RFC3339Nano),
		"reactions": []any{map[string]any{"emoji": "👍", "userId": viewer}},
	}}
	require.True(t, e.Apply(copyWithReaction))
	require.True(t, lookup(t, e, "m1").HasReaction("👍", viewer))

	require.True(t, e.Apply(ReactionRemoved{MessageID: "m1", ConversationID: "c1", Emoji: "👍", UserID: viewer}))
	require.False(t, e.Apply(copyWithReaction), "a stale copy does not resurrect the reaction")
	require.Empty(t, lookup(t, e, "m1").Reactions)

	require.True(t, e.Apply(ReactionAdded{MessageID: "m1", ConversationID: "c1", Emoji: "👍", UserID: viewer}))
	require.True(t, lookup(t, e, "m1").HasReaction("👍", viewer))

	require.True(t, e.Apply(ReactionsReplaced{MessageID: "m1", ConversationID: "c1", Reactions: []Reaction{}}))
	e.Apply(copyWithReaction)
	require.Empty(t, lookup(t, e, "m1").Reactions)
}

func TestApply_ClockTimestampDoesNotReorder(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e, "m1", other, t0)
	seed(t, e, "m2", other, t0.Add(time.Second))
	e.clock.Advance(time.Hour)

	e.Apply(MessageReceived{ConversationID: "c1", Message: map[string]any{
		"id": "m1", "senderId": other, "content": "one",
	}})
	require.Equal(t, []string{"m1", "m2"}, ids(e.Messages("c1")))
	require.True(t, lookup(t, e, "m1").CreatedAt.Equal(t0))
}

func TestApply_InvalidReactionIsDropped(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e, "m1", other, t0)

	for _, emoji := range []string{"", "not an emoji", "🍆🍆", "x👍"} {
		require.False(t, e.Apply(ReactionAdded{MessageID: "m1", ConversationID: "c1", Emoji: emoji, UserID: viewer}), emoji)
	}
	require.Empty(t, lookup(t, e, "m1").Reactions)
	require.Equal(t, 4.0, testutil.ToFloat64(e.metrics.dropped.WithLabelValues("invalid_reaction")))

	require.False(t, e.Apply(ReactionAdded{MessageID: "m1", ConversationID: "c1", Emoji: "👍"}))
}

func TestValidateReaction(t *testing.T) {
	require.NoError(t, ValidateReaction("👍"))
	require.NoError(t, ValidateReaction("🎉"))
	require.ErrorIs(t, ValidateReaction("hello"), ErrInvalidReaction)
	require.ErrorIs(t, ValidateReaction("🎉🎉"), ErrInvalidReaction)
	require.ErrorIs(t, ValidateReaction(""), ErrInvalidReaction)
}

func TestApply_ReactionsReplaced(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e, "m1", other, t0)
	e.Apply(ReactionAdded{MessageID: "m1", ConversationID: "c1", Emoji: "👍", UserID: viewer})

	full := ReactionsReplaced{MessageID: "m1", ConversationID: "c1", Reactions: []Reaction{
		{Emoji: "🎉", UserID: other},
		{Emoji: "🎉", UserID: other},
		{Emoji: "bogus", UserID: other},
	}}
	require.True(t, e.Apply(full))
	require.False(t, e.Apply(full))
	require.Equal(t, []Reaction{{Emoji: "🎉", UserID: other}}, lookup(t, e, "m1").Reactions)

	require.True(t, e.Apply(ReactionsReplaced{MessageID: "m1", ConversationID: "c1"}))
	require.Empty(t, lookup(t, e, "m1").Reactions)
}

func TestApply_Edit(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e, "m1", other, t0)

	edit := MessageEdited{MessageID: "m1", ConversationID: "c1", Content: "fixed", EditedAt: t0.Add(time.Minute)}
	require.True(t, e.Apply(edit))
	require.False(t, e.Apply(edit))

	m := lookup(t, e, "m1")
	require.Equal(t, "fixed", m.Content)
	require.True(t, m.IsEdited)
	require.Equal(t, t0.Add(time.Minute), m.EditedAt)
	require.Equal(t, t0, m.CreatedAt, "edits keep the position")

	// An older edit delivered late does not roll back the content.
	require.False(t, e.Apply(MessageEdited{MessageID: "m1", ConversationID: "c1", Content: "typo", EditedAt: t0.Add(time.Second)}))
	require.Equal(t, "fixed", lookup(t, e, "m1").Content)

	require.False(t, e.Apply(MessageEdited{MessageID: "ghost", ConversationID: "c1", Content: "x"}))
}

func TestApply_DeleteForEveryone(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e, "m1", other, t0)
	seed(t, e, "m2", other, t0.Add(time.Second))
	seed(t, e, "m3", other, t0.Add(2*time.Second))
	e.Apply(ReactionAdded{MessageID: "m2", ConversationID: "c1", Emoji: "👍", UserID: viewer})
	drainNotices(e.Engine)

	del := MessageDeleted{MessageID: "m2", ConversationID: "c1", Scope: DeleteForEveryone}
	require.True(t, e.Apply(del))
	require.False(t, e.Apply(del))
	require.Equal(t, []Notice{{ConversationID: "c1", Key: ConfirmedKey("m2"), Reason: TypeMessageDeleted}},
		drainNotices(e.Engine))

	log := e.Messages("c1")
	require.Equal(t, []string{"m1", "m2", "m3"}, ids(log))
	require.True(t, log[1].IsDeleted)
	require.Equal(t, "", log[1].Content)
	require.Equal(t, []Reaction{}, log[1].Reactions)

	// Nothing touches a tombstone afterwards.
	require.False(t, e.Apply(ReactionAdded{MessageID: "m2", ConversationID: "c1", Emoji: "🎉", UserID: other}))
	require.False(t, e.Apply(ReactionsReplaced{MessageID: "m2", ConversationID: "c1",
		Reactions: []Reaction{{Emoji: "🎉", UserID: other}}}))
	require.False(t, e.Apply(MessageEdited{MessageID: "m2", ConversationID: "c1", Content: "back"}))
	require.False(t, e.Apply(received("c1", "m2", other, "resurrected", t0.Add(time.Second))))
	require.Equal(t, "", lookup(t, e, "m2").Content)
}

func TestApply_DeleteForMe(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e, "m1", other, t0)
	seed(t, e, "m2", other, t0.Add(time.Second))

	del := MessageDeleted{MessageID: "m1", Scope: DeleteForMe}
	require.True(t, e.Apply(del))
	require.False(t, e.Apply(del))
	require.Equal(t, []Notice{{ConversationID: "c1", Key: ConfirmedKey("m1"), Reason: ReasonRemove}},
		drainNotices(e.Engine))
	require.Equal(t, []string{"m2"}, ids(e.Messages("c1")))

	require.False(t, e.Apply(received("c1", "m1", other, "again", t0)))
	require.Equal(t, []string{"m2"}, ids(e.Messages("c1")))

	require.False(t, e.Apply(MessageDeleted{Scope: DeleteForMe}))
	require.False(t, e.Apply(MessageDeleted{MessageID: "ghost"}))
}

func TestApply_DecodedEvents(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e, "m1", viewer, t0)

	for _, env := range []Envelope{
		{Type: TypeMessageNew, Payload: rawJSON(map[string]any{
			"conversationId": "c1",
			"message":        map[string]any{"_id": "m2", "sender": map[string]any{"_id": other}, "text": "yo"},
		})},
		{Type: TypeMessageRead, Payload: rawJSON(map[string]any{"messageId": "m1", "readerId": other})},
		{Type: TypeReactionUpdated, Payload: rawJSON(map[string]any{
			"messageId": "m2", "emoji": "🎉", "user": map[string]any{"_id": viewer},
		})},
		{Type: TypeMessageEdited, Payload: rawJSON(map[string]any{
			"messageId": "m2", "conversationId": "c1", "newContent": "yo!",
		})},
	} {
		ev, err := DecodeEvent(env)
		require.NoError(t, err, env.Type)
		require.True(t, e.Apply(ev), env.Type)
	}

	require.Equal(t, []string{"m1", "m2"}, ids(e.Messages("c1")))
	require.Equal(t, StatusRead, lookup(t, e, "m1").Status)
	m2 := lookup(t, e, "m2")
	require.Equal(t, "yo!", m2.Content)
	require.Equal(t, []Reaction{{Emoji: "🎉", UserID: viewer}}, m2.Reactions)
}

func TestApply_ConvergesUnderReordering(t *testing.T) {
	events := []Event{
		received("c1", "m1", viewer, "one", t0),
		received("c1", "m2", other, "two", t0.Add(time.Second)),
		MessageRead{MessageID: "m1", ConversationID: "c1", ReaderID: other, ReadAt: t0},
		MessageDelivered{MessageID: "m1", ConversationID: "c1", UserID: other, DeliveredAt: t0},
		ReactionAdded{MessageID: "m2", ConversationID: "c1", Emoji: "👍", UserID: viewer},
		MessageEdited{MessageID: "m2", ConversationID: "c1", Content: "two!", EditedAt: t0.Add(time.Minute)},
	}

	forward := newTestEngine(t)
	for _, ev := range events {
		forward.Apply(ev)
	}
	// Messages first, then the remaining events in reverse.
	backward := newTestEngine(t)
	backward.Apply(events[1])
	backward.Apply(events[0])
	for i := len(events) - 1; i >= 2; i-- {
		backward.Apply(events[i])
		backward.Apply(events[i])
	}

	// Insertion ordinals differ by construction.
	a, b := forward.Messages("c1"), backward.Messages("c1")
	for i := range a {
		a[i].seq = 0
	}
	for i := range b {
		b[i].seq = 0
	}
	require.Equal(t, a, b)
}
