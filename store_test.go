package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func msg(id, sender, content string, at time.Time) Message {
	return Message{
		Key:       ConfirmedKey(id),
		SenderID:  sender,
		Content:   content,
		CreatedAt: at,
	}
}

func provisionalMsg(token, content string, at time.Time) Message {
	return Message{
		Key:              ProvisionalKey(token),
		SenderID:         viewer,
		Content:          content,
		CreatedAt:        at,
		Status:           StatusSending,
		CorrelationToken: token,
	}
}

func TestStore_UpsertOrdersByTimestamp(t *testing.T) {
	s := NewStore(viewer)
	s.Upsert("c1", msg("b", other, "second", t0.Add(time.Second)))
	s.Upsert("c1", msg("a", other, "first", t0))
	s.Upsert("c1", msg("c", other, "third", t0.Add(2*time.Second)))

	require.Equal(t, []string{"a", "b", "c"}, ids(s.Messages("c1")))
}

func TestStore_UpsertTiesKeepInsertionOrder(t *testing.T) {
	s := NewStore(viewer)
	for _, id := range []string{"x", "y", "z"} {
		s.Upsert("c1", msg(id, other, id, t0))
	}
	s.Upsert("c1", msg("y", other, "y again", t0))

	require.Equal(t, []string{"x", "y", "z"}, ids(s.Messages("c1")))
}

func TestStore_UpsertMerges(t *testing.T) {
	s := NewStore(viewer)

	first := msg("m1", viewer, "hello", t0)
	first.ReadBy = []Receipt{{UserID: other, At: t0}}
	first.Reactions = []Reaction{{Emoji: "👍", UserID: other}}
	s.Upsert("c1", first)

	second := msg("m1", viewer, "hello there", t0)
	second.DeliveredTo = []Receipt{{UserID: "bob"}}
	stored, ok := s.Upsert("c1", second)
	require.True(t, ok)

	require.Len(t, s.Messages("c1"), 1)
	require.Equal(t, "hello there", stored.Content)
	require.Equal(t, []Receipt{{UserID: other, At: t0}}, stored.ReadBy, "receipts never shrink")
	require.Equal(t, []Receipt{{UserID: "bob"}}, stored.DeliveredTo)
	require.Equal(t, []Reaction{{Emoji: "👍", UserID: other}}, stored.Reactions)
	require.Equal(t, StatusRead, stored.Status)
}

func TestStore_UpsertKeepsNewerEdit(t *testing.T) {
	s := NewStore(viewer)

	edited := msg("m1", other, "edited", t0)
	edited.IsEdited = true
	edited.EditedAt = t0.Add(time.Minute)
	s.Upsert("c1", edited)

	stale := msg("m1", other, "original", t0)
	stored, _ := s.Upsert("c1", stale)

	require.Equal(t, "edited", stored.Content)
	require.True(t, stored.IsEdited)
}

func TestStore_SnapshotsAreCopies(t *testing.T) {
	s := NewStore(viewer)
	s.Upsert("c1", msg("m1", other, "hello", t0))

	snapshot := s.Messages("c1")
	snapshot[0].Content = "mutated"
	snapshot[0].Reactions = append(snapshot[0].Reactions, Reaction{Emoji: "👍", UserID: viewer})

	got, ok := s.Message("c1", ConfirmedKey("m1"))
	require.True(t, ok)
	require.Equal(t, "hello", got.Content)
	require.Empty(t, got.Reactions)
	require.Equal(t, []Message{}, s.Messages("unknown"))
}

func TestStore_ReplaceProvisional(t *testing.T) {
	s := NewStore(viewer)
	s.Upsert("c1", provisionalMsg("tok-1", "hello", t0))

	confirmed := msg("srv-1", viewer, "hello", t0.Add(time.Second))
	confirmed.ReadBy = []Receipt{{UserID: viewer}}
	stored, ok := s.ReplaceProvisional("c1", "tok-1", confirmed)
	require.True(t, ok)
	require.Equal(t, "srv-1", stored.ID())
	require.Equal(t, StatusSent, stored.Status)
	require.Equal(t, "tok-1", stored.CorrelationToken)

	require.Equal(t, []string{"srv-1"}, ids(s.Messages("c1")))
	require.Empty(t, s.Provisionals())

	_, ok = s.ReplaceProvisional("c1", "tok-1", confirmed)
	require.False(t, ok, "already resolved")
	_, ok = s.ReplaceProvisional("c1", "tok-2", confirmed)
	require.False(t, ok)
	_, ok = s.ReplaceProvisional("c1", "tok-1", Message{Key: ProvisionalKey("tok-1")})
	require.False(t, ok)
}

func TestStore_ReplaceProvisionalAfterEcho(t *testing.T) {
	s := NewStore(viewer)
	s.Upsert("c1", provisionalMsg("tok-1", "hello", t0))

	echo := msg("srv-1", viewer, "hello", t0)
	echo.ReadBy = []Receipt{{UserID: other}}
	s.Upsert("c1", echo)
	require.Len(t, s.Messages("c1"), 2)

	stored, ok := s.ReplaceProvisional("c1", "tok-1", msg("srv-1", viewer, "hello", t0))
	require.True(t, ok)
	require.Equal(t, StatusRead, stored.Status)
	require.Equal(t, []string{"srv-1"}, ids(s.Messages("c1")))
}

func TestStore_TwoProvisionalsCoexist(t *testing.T) {
	s := NewStore(viewer)
	s.Upsert("c1", provisionalMsg("tok-1", "same", t0))
	s.Upsert("c1", provisionalMsg("tok-2", "same", t0))
	require.Len(t, s.Provisionals(), 2)

	s.ReplaceProvisional("c1", "tok-2", msg("srv-2", viewer, "same", t0))
	require.Equal(t, []string{"temp-tok-1", "srv-2"}, ids(s.Messages("c1")))
}

func TestStore_FailProvisional(t *testing.T) {
	s := NewStore(viewer)
	s.Upsert("c1", provisionalMsg("tok-1", "hello", t0))

	failed, ok := s.FailProvisional("tok-1")
	require.True(t, ok)
	require.Equal(t, StatusFailed, failed.Status)
	require.Len(t, s.Messages("c1"), 1, "failed messages stay visible")
	require.Empty(t, s.Provisionals())

	_, ok = s.FailProvisional("nope")
	require.False(t, ok)
}

func TestStore_ProvisionalStatusOnlyMovesByResolution(t *testing.T) {
	s := NewStore(viewer)
	s.Upsert("c1", provisionalMsg("tok-1", "hello", t0))
	s.Upsert("c1", provisionalMsg("tok-2", "world", t0))
	s.FailProvisional("tok-2")

	for _, token := range []string{"tok-1", "tok-2"} {
		push := provisionalMsg(token, "hello", t0)
		push.Status = StatusSent
		s.Upsert("c1", push)
	}

	sending, _ := s.Message("c1", ProvisionalKey("tok-1"))
	require.Equal(t, StatusSending, sending.Status)
	failed, _ := s.Message("c1", ProvisionalKey("tok-2"))
	require.Equal(t, StatusFailed, failed.Status)
	require.Equal(t, "hello", failed.Content)
}

func TestStore_ClockTimestampKeepsPosition(t *testing.T) {
	s := NewStore(viewer)
	s.Upsert("c1", msg("m1", other, "one", t0))
	s.Upsert("c1", msg("m2", other, "two", t0.Add(time.Second)))

	late := msg("m1", other, "one", t0.Add(time.Hour))
	late.clockTime = true
	s.Upsert("c1", late)

	require.Equal(t, []string{"m1", "m2"}, ids(s.Messages("c1")))
	m, _ := s.Message("c1", ConfirmedKey("m1"))
	require.True(t, m.CreatedAt.Equal(t0))

	// A real timestamp still wins.
	s.Upsert("c1", msg("m1", other, "one", t0.Add(2*time.Second)))
	require.Equal(t, []string{"m2", "m1"}, ids(s.Messages("c1")))
}

func TestStore_ReplaceProvisionalKeepsLocalTime(t *testing.T) {
	s := NewStore(viewer)
	s.Upsert("c1", provisionalMsg("tok-1", "hello", t0))

	confirmed := msg("srv-1", viewer, "hello", t0.Add(time.Hour))
	confirmed.clockTime = true
	stored, ok := s.ReplaceProvisional("c1", "tok-1", confirmed)
	require.True(t, ok)
	require.True(t, stored.CreatedAt.Equal(t0))
}

func TestStore_HideSuppressesReinsert(t *testing.T) {
	s := NewStore(viewer)
	s.Upsert("c1", msg("m1", other, "hello", t0))

	require.True(t, s.Hide("c1", "m1"))
	require.Empty(t, s.Messages("c1"))

	_, ok := s.Upsert("c1", msg("m1", other, "hello", t0))
	require.False(t, ok)
	require.Zero(t, s.MergePage("c1", []Message{msg("m1", other, "hello", t0)}))
	require.Empty(t, s.Messages("c1"))

	require.False(t, s.Hide("c1", "never-seen"))
}

func TestStore_Tombstone(t *testing.T) {
	s := NewStore(viewer)
	s.Upsert("c1", msg("a", other, "before", t0))
	m := msg("b", other, "hello", t0.Add(time.Second))
	m.Media = []string{"x.png"}
	m.Reactions = []Reaction{{Emoji: "👍", UserID: viewer}}
	s.Upsert("c1", m)
	s.Upsert("c1", msg("c", other, "after", t0.Add(2*time.Second)))

	require.True(t, s.Tombstone("c1", "b"))
	require.False(t, s.Tombstone("c1", "b"))

	log := s.Messages("c1")
	require.Equal(t, []string{"a", "b", "c"}, ids(log))
	require.True(t, log[1].IsDeleted)
	require.Empty(t, log[1].Content)
	require.Empty(t, log[1].Media)
	require.Empty(t, log[1].Reactions)
	require.Equal(t, t0.Add(time.Second), log[1].CreatedAt)

	// A late copy of the message does not resurrect the content.
	stored, _ := s.Upsert("c1", m)
	require.True(t, stored.IsDeleted)
	require.Empty(t, stored.Content)
}

func TestStore_TombstoneBeforeArrival(t *testing.T) {
	s := NewStore(viewer)
	require.False(t, s.Tombstone("c1", "m1"))

	stored, ok := s.Upsert("c1", msg("m1", other, "hello", t0))
	require.True(t, ok)
	require.True(t, stored.IsDeleted)
	require.Empty(t, stored.Content)
}

func TestStore_MergePage(t *testing.T) {
	s := NewStore(viewer)
	s.Upsert("c1", msg("m3", other, "live", t0.Add(3*time.Second)))
	s.Upsert("c1", msg("m4", other, "newest", t0.Add(4*time.Second)))

	added := s.MergePage("c1", []Message{
		msg("m1", other, "old", t0.Add(time.Second)),
		msg("m2", other, "older", t0.Add(2*time.Second)),
		msg("m3", other, "stale copy", t0.Add(3*time.Second)),
		provisionalMsg("tok-x", "ignored", t0),
	})
	require.Equal(t, 2, added)

	log := s.Messages("c1")
	require.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(log))
	require.Equal(t, "live", log[2].Content, "existing messages are untouched")
}

func TestStore_MergePageResolvesProvisional(t *testing.T) {
	s := NewStore(viewer)
	s.Upsert("c1", provisionalMsg("tok-1", "hello", t0))

	confirmed := msg("srv-1", viewer, "hello", t0)
	confirmed.CorrelationToken = "tok-1"
	require.Equal(t, 1, s.MergePage("c1", []Message{confirmed}))
	require.Equal(t, []string{"srv-1"}, ids(s.Messages("c1")))
}

func TestStore_Locate(t *testing.T) {
	s := NewStore(viewer)
	s.Upsert("c1", msg("m1", other, "a", t0))
	s.Upsert("c2", msg("m2", other, "b", t0))

	conv, ok := s.Locate("m2")
	require.True(t, ok)
	require.Equal(t, "c2", conv)
	_, ok = s.Locate("m3")
	require.False(t, ok)
	require.Equal(t, []string{"c1", "c2"}, s.Conversations())
}

func TestStore_RemoveAndReset(t *testing.T) {
	s := NewStore(viewer)
	s.Upsert("c1", provisionalMsg("tok-1", "x", t0))
	s.Upsert("c2", msg("m1", other, "a", t0))

	require.True(t, s.Remove("c1", ProvisionalKey("tok-1")))
	require.False(t, s.Remove("c1", ProvisionalKey("tok-1")))
	_, ok := s.FailProvisional("tok-1")
	require.False(t, ok)

	s.RemoveConversation("c2")
	require.Equal(t, []string{"c1"}, s.Conversations())

	s.Reset()
	require.Empty(t, s.Conversations())
}

func TestKey(t *testing.T) {
	p := ProvisionalKey("abc")
	c := ConfirmedKey("temp-abc")

	require.Equal(t, "temp-abc", p.String())
	require.Equal(t, "temp-abc", c.String())
	require.NotEqual(t, p, c, "a confirmed id never matches a provisional key")
	require.True(t, p.IsProvisional())
	require.False(t, c.IsProvisional())

	_, ok := p.ID()
	require.False(t, ok)
	id, ok := c.ID()
	require.True(t, ok)
	require.Equal(t, "temp-abc", id)
	require.True(t, Key{}.IsZero())
}
