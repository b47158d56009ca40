package chatsync

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Raw payload field aliases, in resolution order.
var (
	contentAliases      = []string{"content", "text", "message"}
	timestampAliases    = []string{"createdAt", "time", "timestamp"}
	idAliases           = []string{"id", "_id"}
	conversationAliases = []string{"conversationId", "conversation_id", "conversation"}
	senderAliases       = []string{"senderId", "sender_id", "sender"}
	tokenAliases        = []string{"correlationToken", "clientId"}
	mediaAliases        = []string{"media", "attachments", "mediaUrl", "media_url"}
)

// Normalizer converts heterogeneous raw message payloads, from history
// fetches or real-time pushes, into canonical messages.
type Normalizer struct {
	// ViewerID is the id of the logged-in user.
	ViewerID string

	// MediaBase is prefixed to relative attachment paths.
	MediaBase string

	now     func() time.Time
	metrics *Metrics
}

// NewNormalizer returns a normalizer for the given viewer.
func NewNormalizer(viewerID, mediaBase string) *Normalizer {
	return &Normalizer{ViewerID: viewerID, MediaBase: mediaBase, now: time.Now}
}

// Normalize accepts a decoded JSON object (map[string]any) or raw JSON bytes
// and returns the canonical message. Any other shape yields
// ErrInvalidMessage.
func (n *Normalizer) Normalize(raw any) (Message, error) {
	obj, err := asObject(raw)
	if err != nil {
		return Message{}, err
	}

	m := Message{
		ConversationID: refField(obj, conversationAliases...),
		SenderID:       refField(obj, senderAliases...),
		Content:        firstString(obj, contentAliases...),
		Kind:           messageKind(obj),
		Media:          n.media(obj),
		IsForwarded:    boolField(obj, "isForwarded"),
		ReadBy:         receipts(obj["readBy"], "readAt"),
		DeliveredTo:    receipts(obj["deliveredTo"], "deliveredAt"),
		Reactions:      reactions(obj["reactions"]),
		IsEdited:       boolField(obj, "isEdited"),
		IsDeleted:      boolField(obj, "isDeleted"),
	}

	id := firstString(obj, idAliases...)
	m.CorrelationToken = firstString(obj, tokenAliases...)
	if m.CorrelationToken == "" {
		if md, ok := obj["metadata"].(map[string]any); ok {
			m.CorrelationToken = firstString(md, "correlationToken")
		}
	}
	switch {
	case id != "":
		m.Key = ConfirmedKey(id)
	case m.CorrelationToken != "":
		m.Key = ProvisionalKey(m.CorrelationToken)
	default:
		return Message{}, errors.Wrap(ErrInvalidMessage, "payload carries no id")
	}

	ts, ok := firstTime(obj, timestampAliases...)
	if !ok {
		jww.WARN.Printf("[SYNC] Message %s has no usable timestamp; "+
			"defaulting to now", m.Key)
		n.metrics.malformed("missing_timestamp")
		ts = n.clock()
		m.clockTime = true
	}
	m.CreatedAt = ts
	if t, ok := firstTime(obj, "editedAt"); ok {
		m.EditedAt = t
	}

	if m.IsDeleted {
		m.Content = ""
		m.Media = []string{}
		m.Reactions = []Reaction{}
	}

	if m.SenderID == n.ViewerID {
		m.Type = DirectionSent
	} else {
		m.Type = DirectionReceived
	}
	m.Status = explicitStatus(obj)
	if m.Status == StatusSending && !m.Key.IsProvisional() {
		// The server holds the message, so it is no longer in flight.
		m.Status = ""
	}
	m.Status = CalculateStatus(m, n.ViewerID)
	return m, nil
}

func (n *Normalizer) clock() time.Time {
	if n.now == nil {
		return time.Now()
	}
	return n.now()
}

// ResolveMedia turns a relative attachment path into an absolute one.
func (n *Normalizer) ResolveMedia(path string) string {
	if path == "" || n.MediaBase == "" || looksAbsolute(path) {
		return path
	}
	return strings.TrimRight(n.MediaBase, "/") + "/" + strings.TrimLeft(path, "/")
}

func looksAbsolute(path string) bool {
	return strings.Contains(path, "://") ||
		strings.HasPrefix(path, "//") ||
		strings.HasPrefix(path, "data:") ||
		strings.HasPrefix(path, "blob:")
}

func (n *Normalizer) media(obj map[string]any) []string {
	out := []string{}
	add := func(v any) {
		var p string
		switch x := v.(type) {
		case string:
			p = x
		case map[string]any:
			p = firstString(x, "url", "path", "src")
		}
		if p != "" {
			out = append(out, n.ResolveMedia(p))
		}
	}
	for _, alias := range mediaAliases {
		switch v := obj[alias].(type) {
		case []any:
			for _, item := range v {
				add(item)
			}
		case nil:
		default:
			add(v)
		}
	}
	return out
}

// ============================================================================
// Field helpers
// ============================================================================

func asObject(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case map[string]any:
		if v == nil {
			return nil, ErrInvalidMessage
		}
		return v, nil
	case json.RawMessage:
		return decodeObject(v)
	case []byte:
		return decodeObject(v)
	default:
		return nil, ErrInvalidMessage
	}
}

func decodeObject(data []byte) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, ErrInvalidMessage
	}
	return obj, nil
}

// scalarString renders strings and JSON numbers as strings.
func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		return ""
	}
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := scalarString(obj[k]); s != "" {
			return s
		}
	}
	return ""
}

// refField resolves a reference given either as a bare id or as an embedded
// object carrying "id" or "_id".
func refField(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case map[string]any:
			if s := firstString(v, idAliases...); s != "" {
				return s
			}
		default:
			if s := scalarString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func boolField(obj map[string]any, key string) bool {
	b, _ := obj[key].(bool)
	return b
}

func messageKind(obj map[string]any) string {
	if k := firstString(obj, "kind", "messageType", "message_type"); k != "" {
		return k
	}
	// "type" is overloaded: some payloads put the direction there.
	if t := firstString(obj, "type"); t != "" && t != string(DirectionSent) &&
		t != string(DirectionReceived) {
		return t
	}
	return "text"
}

func firstTime(obj map[string]any, keys ...string) (time.Time, bool) {
	for _, k := range keys {
		if t, ok := parseTime(obj[k]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseTime accepts RFC 3339 strings and unix timestamps in seconds or
// milliseconds.
func parseTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		if x == "" {
			return time.Time{}, false
		}
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return t.UTC(), true
		}
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return unixTime(f), true
		}
	case float64:
		return unixTime(x), true
	case time.Time:
		return x.UTC(), !x.IsZero()
	}
	return time.Time{}, false
}

func unixTime(f float64) time.Time {
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	return time.Unix(int64(f), 0).UTC()
}

func receipts(v any, atKey string) []Receipt {
	out := []Receipt{}
	items, _ := v.([]any)
	for _, item := range items {
		var r Receipt
		switch x := item.(type) {
		case string:
			r.UserID = x
		case map[string]any:
			r.UserID = refField(x, "user", "userId", "user_id")
			r.At, _ = firstTime(x, atKey, "at")
		}
		if r.UserID == "" {
			continue
		}
		out = mergeReceipts(out, []Receipt{r})
	}
	return out
}

func reactions(v any) []Reaction {
	out := []Reaction{}
	items, _ := v.([]any)
	for _, item := range items {
		x, ok := item.(map[string]any)
		if !ok {
			continue
		}
		r := Reaction{
			Emoji:  firstString(x, "emoji", "reaction"),
			UserID: refField(x, "user", "userId", "user_id"),
		}
		if r.Emoji == "" || r.UserID == "" {
			continue
		}
		out = addReaction(out, r)
	}
	return out
}

func explicitStatus(obj map[string]any) Status {
	for _, k := range []string{"status", "deliveryStatus"} {
		switch s := Status(firstString(obj, k)); s {
		case StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
			return s
		}
	}
	return ""
}
