package chatsync

import (
	"cmp"
	"reflect"
	"slices"
	"sort"
	"sync"
)

// ============================================================================
// Conversation log
// ============================================================================

type conversationLog struct {
	messages []*Message
	byID     map[string]*Message
	byToken  map[string]*Message

	// hidden holds ids deleted locally ("for me"); they are never
	// re-inserted.
	hidden map[string]struct{}

	// tombstones holds ids deleted for everyone, so that a late copy of the
	// message is inserted already stripped.
	tombstones map[string]struct{}

	nextSeq uint64
}

func newConversationLog() *conversationLog {
	return &conversationLog{
		byID:       make(map[string]*Message),
		byToken:    make(map[string]*Message),
		hidden:     make(map[string]struct{}),
		tombstones: make(map[string]struct{}),
	}
}

func (l *conversationLog) insert(m *Message) {
	l.nextSeq++
	m.seq = l.nextSeq
	l.index(m)
	l.messages = append(l.messages, m)
}

func (l *conversationLog) index(m *Message) {
	if id, ok := m.Key.ID(); ok {
		l.byID[id] = m
	} else if token, ok := m.Key.Token(); ok {
		l.byToken[token] = m
	}
}

func (l *conversationLog) remove(m *Message) {
	if id, ok := m.Key.ID(); ok {
		delete(l.byID, id)
	} else if token, ok := m.Key.Token(); ok {
		delete(l.byToken, token)
	}
	l.messages = slices.DeleteFunc(l.messages, func(x *Message) bool { return x == m })
}

func (l *conversationLog) get(k Key) *Message {
	if id, ok := k.ID(); ok {
		return l.byID[id]
	}
	if token, ok := k.Token(); ok {
		return l.byToken[token]
	}
	return nil
}

// sort orders by effective timestamp, breaking ties by insertion order.
func (l *conversationLog) sort() {
	slices.SortFunc(l.messages, func(a, b *Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
}

// ============================================================================
// Store
// ============================================================================

// Store holds the ordered message log of every conversation. It is safe for
// concurrent use; each method is atomic.
type Store struct {
	mu       sync.RWMutex
	viewerID string
	logs     map[string]*conversationLog

	// tokens maps the correlation token of every provisional message to its
	// conversation.
	tokens map[string]string
}

// NewStore creates an empty store for the given viewing user.
func NewStore(viewerID string) *Store {
	return &Store{
		viewerID: viewerID,
		logs:     make(map[string]*conversationLog),
		tokens:   make(map[string]string),
	}
}

func (s *Store) log(conversationID string) *conversationLog {
	l, ok := s.logs[conversationID]
	if !ok {
		l = newConversationLog()
		s.logs[conversationID] = l
	}
	return l
}

// Upsert inserts m into the conversation log, or merges it into the message
// already carrying the same key. It returns the stored result and whether
// the log changed; a message suppressed by a local delete yields false and a
// zero Message.
func (s *Store) Upsert(conversationID string, m Message) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.log(conversationID)
	m = m.Clone()
	m.ConversationID = conversationID

	if id, ok := m.Key.ID(); ok {
		if _, hidden := l.hidden[id]; hidden {
			return Message{}, false
		}
		if _, dead := l.tombstones[id]; dead {
			tombstone(&m)
		}
	}

	if existing := l.get(m.Key); existing != nil {
		before := existing.Clone()
		s.merge(existing, m)
		l.sort()
		return existing.Clone(), !reflect.DeepEqual(before, *existing)
	}

	stored := &m
	stored.Status = CalculateStatus(*stored, s.viewerID)
	l.insert(stored)
	if token, ok := m.Key.Token(); ok {
		s.tokens[token] = conversationID
	}
	l.sort()
	return stored.Clone(), true
}

// ReplaceProvisional swaps the provisional message carrying token for the
// confirmed record. If the confirmed id is already in the log, the
// provisional entry is dropped and the record merged into the existing one.
// It returns false if no provisional message carries token; callers then
// fall back to Upsert.
func (s *Store) ReplaceProvisional(conversationID, token string,
	confirmed Message) (Message, bool) {
	id, ok := confirmed.Key.ID()
	if !ok {
		return Message{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[conversationID]
	if !ok {
		return Message{}, false
	}
	p := l.byToken[token]
	if p == nil {
		return Message{}, false
	}

	l.remove(p)
	delete(s.tokens, token)

	confirmed = confirmed.Clone()
	confirmed.ConversationID = conversationID
	if confirmed.CorrelationToken == "" {
		confirmed.CorrelationToken = token
	}
	if confirmed.clockTime {
		confirmed.CreatedAt = p.CreatedAt
		confirmed.clockTime = false
	}
	confirmed.ReadBy = mergeReceipts(confirmed.ReadBy, p.ReadBy)
	confirmed.DeliveredTo = mergeReceipts(confirmed.DeliveredTo, p.DeliveredTo)

	if _, hidden := l.hidden[id]; hidden {
		return Message{}, true
	}
	if _, dead := l.tombstones[id]; dead {
		tombstone(&confirmed)
	}

	if existing := l.byID[id]; existing != nil {
		s.merge(existing, confirmed)
		l.sort()
		return existing.Clone(), true
	}

	stored := &confirmed
	stored.Status = CalculateStatus(*stored, s.viewerID)
	stored.seq = p.seq
	l.index(stored)
	l.messages = append(l.messages, stored)
	l.sort()
	return stored.Clone(), true
}

// FailProvisional marks the provisional message carrying token as failed.
// The message stays in the log so the user can retry or discard it.
func (s *Store) FailProvisional(token string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversationID, ok := s.tokens[token]
	if !ok {
		return Message{}, false
	}
	p := s.logs[conversationID].byToken[token]
	p.Status = StatusFailed
	return p.Clone(), true
}

// Remove deletes the message with key k from the conversation log.
func (s *Store) Remove(conversationID string, k Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[conversationID]
	if !ok {
		return false
	}
	m := l.get(k)
	if m == nil {
		return false
	}
	l.remove(m)
	if token, ok := k.Token(); ok {
		delete(s.tokens, token)
	}
	return true
}

// Hide removes the message locally and keeps it out of the log for the rest
// of the session. It reports whether the message was present.
func (s *Store) Hide(conversationID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.log(conversationID)
	l.hidden[id] = struct{}{}
	m := l.byID[id]
	if m == nil {
		return false
	}
	l.remove(m)
	return true
}

// Tombstone strips the message of its content, attachments and reactions
// and flags it deleted, keeping its position. A message not yet in the log
// is stripped when it arrives. It reports whether the log changed.
func (s *Store) Tombstone(conversationID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.log(conversationID)
	l.tombstones[id] = struct{}{}
	m := l.byID[id]
	if m == nil || isTombstone(m) {
		return false
	}
	tombstone(m)
	return true
}

// Update applies fn to the stored message with key k. fn reports whether it
// changed the message; the status is then recomputed and the log re-sorted.
func (s *Store) Update(conversationID string, k Key, fn func(m *Message) bool) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[conversationID]
	if !ok {
		return Message{}, false
	}
	m := l.get(k)
	if m == nil || !fn(m) {
		return Message{}, false
	}
	m.Status = CalculateStatus(*m, s.viewerID)
	l.sort()
	return m.Clone(), true
}

// UpdateAll applies fn to every message of the conversation and returns the
// changed messages.
func (s *Store) UpdateAll(conversationID string, fn func(m *Message) bool) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	var changed []Message
	for _, m := range l.messages {
		if fn(m) {
			m.Status = CalculateStatus(*m, s.viewerID)
			changed = append(changed, m.Clone())
		}
	}
	return changed
}

// MergePage merges a page of older history. Messages whose id is already
// present are left untouched. A message echoing one of our provisional
// sends replaces it. It returns the number of messages added.
func (s *Store) MergePage(conversationID string, page []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.log(conversationID)
	added := 0
	for _, m := range page {
		m := m // per-iteration copy (Go 1.22 loopvar semantics; module targets go 1.21)
		id, ok := m.Key.ID()
		if !ok {
			continue
		}
		if _, hidden := l.hidden[id]; hidden {
			continue
		}
		if l.byID[id] != nil {
			continue
		}

		m = m.Clone()
		m.ConversationID = conversationID
		if _, dead := l.tombstones[id]; dead {
			tombstone(&m)
		}
		if p := l.byToken[m.CorrelationToken]; m.CorrelationToken != "" && p != nil {
			l.remove(p)
			delete(s.tokens, m.CorrelationToken)
		}
		m.Status = CalculateStatus(m, s.viewerID)
		l.insert(&m)
		added++
	}
	l.sort()
	return added
}

// Messages returns a snapshot of the conversation log in display order.
// The returned messages are copies owned by the caller.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[conversationID]
	if !ok {
		return []Message{}
	}
	out := make([]Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = m.Clone()
	}
	return out
}

// Message returns a copy of the message with key k.
func (s *Store) Message(conversationID string, k Key) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[conversationID]
	if !ok {
		return Message{}, false
	}
	m := l.get(k)
	if m == nil {
		return Message{}, false
	}
	return m.Clone(), true
}

// Locate returns the conversation holding the message with the given
// permanent id.
func (s *Store) Locate(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for conversationID, l := range s.logs {
		if l.byID[id] != nil {
			return conversationID, true
		}
	}
	return "", false
}

// FindProvisional returns the first provisional message in log order of
// the conversation for which match returns true.
func (s *Store) FindProvisional(conversationID string, match func(Message) bool) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[conversationID]
	if !ok {
		return Message{}, false
	}
	for _, m := range l.messages {
		if m.Key.IsProvisional() && match(*m) {
			return m.Clone(), true
		}
	}
	return Message{}, false
}

// Provisionals returns every provisional message still in the sending
// state.
func (s *Store) Provisionals() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Message
	for token, conversationID := range s.tokens {
		if p := s.logs[conversationID].byToken[token]; p.Status == StatusSending {
			out = append(out, p.Clone())
		}
	}
	return out
}

// Conversations returns the ids of every conversation with a log.
func (s *Store) Conversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RemoveConversation drops a conversation log and everything it tracks.
func (s *Store) RemoveConversation(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.logs[conversationID]; ok {
		for token := range l.byToken {
			delete(s.tokens, token)
		}
	}
	delete(s.logs, conversationID)
}

// Reset clears every conversation log.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = make(map[string]*conversationLog)
	s.tokens = make(map[string]string)
}

// ============================================================================
// Merge rules
// ============================================================================

// merge folds in into existing. Scalar fields take the incoming value,
// except a clock-filled timestamp which never displaces a known one.
// Receipts and reactions are sets and only grow here; removals arrive as
// reaction events and are not undone by a stale copy. A tombstone stays a
// tombstone and an edit never rolls back to an older version.
func (s *Store) merge(existing *Message, in Message) {
	if !in.CreatedAt.IsZero() && (!in.clockTime || existing.CreatedAt.IsZero()) {
		existing.CreatedAt = in.CreatedAt
		existing.clockTime = in.clockTime
	}
	if in.SenderID != "" {
		existing.SenderID = in.SenderID
		existing.Type = in.Type
	}
	if in.Kind != "" {
		existing.Kind = in.Kind
	}
	if in.CorrelationToken != "" {
		existing.CorrelationToken = in.CorrelationToken
	}
	existing.IsForwarded = existing.IsForwarded || in.IsForwarded

	if !existing.EditedAt.After(in.EditedAt) {
		existing.Content = in.Content
		existing.Media = cloneOrEmpty(in.Media)
		existing.EditedAt = in.EditedAt
	}
	existing.IsEdited = existing.IsEdited || in.IsEdited
	for _, r := range in.Reactions {
		if !slices.Contains(existing.retracted, r) {
			existing.Reactions = addReaction(existing.Reactions, r)
		}
	}

	existing.ReadBy = mergeReceipts(existing.ReadBy, in.ReadBy)
	existing.DeliveredTo = mergeReceipts(existing.DeliveredTo, in.DeliveredTo)

	// A provisional message is moved only by ReplaceProvisional,
	// FailProvisional or a retry.
	if !existing.Key.IsProvisional() || !existing.Status.Explicit() {
		existing.Status = strongerStatus(existing.Status, in.Status)
	}
	existing.Status = CalculateStatus(*existing, s.viewerID)

	if in.IsDeleted || existing.IsDeleted {
		tombstone(existing)
	}
}

// strongerStatus picks the status carrying more delivery evidence. Explicit
// and received statuses carry none.
func strongerStatus(a, b Status) Status {
	switch {
	case a.rank() == 0 && b.rank() == 0:
		return ""
	case a.rank() >= b.rank():
		return a
	default:
		return b
	}
}

func tombstone(m *Message) {
	m.IsDeleted = true
	m.Content = ""
	m.Media = []string{}
	m.Reactions = []Reaction{}
}

func isTombstone(m *Message) bool {
	return m.IsDeleted && m.Content == "" && len(m.Media) == 0 && len(m.Reactions) == 0
}
