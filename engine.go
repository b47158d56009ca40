// Package chatsync reconciles the message state of a chat client.
//
// An Engine merges three asynchronous sources of truth into one ordered log
// per conversation: optimistic local sends, paginated history fetches and
// real-time events. Every merge is idempotent and commutative under
// reordering, so the final log does not depend on the order in which the
// network delivers results.
//
// Example:
//
//	cfg := chatsync.DefaultConfig("user-1")
//	engine, _ := chatsync.NewEngine(cfg, chatsync.NewClient(token, chatsync.WithBaseURL(baseURL)))
//	defer engine.Close()
//
//	bus := chatsync.NewBus(cfg.BusSize)
//	go engine.Run(ctx, bus.Events())
//
//	engine.LoadNextPage(ctx, "conv-1")
//	engine.Send(ctx, chatsync.SendOptions{ConversationID: "conv-1", Content: "hello"})
//	for n := range engine.Notices() {
//		log.Println(n.ConversationID, n.Key, n.Reason)
//	}
package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Notices
// ============================================================================

// Notice reasons besides the real-time event type names.
const (
	ReasonSend   = "send"
	ReasonFailed = "send.failed"
	ReasonRemove = "remove"
	ReasonPage   = "page"
)

// Notice tells the UI that a conversation log changed.
type Notice struct {
	ConversationID string
	// Key is the changed message; zero for changes spanning a whole page or
	// conversation.
	Key    Key
	Reason string
}

// ============================================================================
// Engine
// ============================================================================

// Engine owns the conversation logs of one logged-in user. It is created on
// login and closed on logout.
//
// Composite operations (read, decide, write) are serialized on a single
// mutex. No lock is held across a backend call; a network result is applied
// in one critical section when it returns, and the merge rules make that
// correct whatever ran in between.
type Engine struct {
	mu sync.Mutex

	cfg        Config
	store      *Store
	normalizer *Normalizer
	backend    Backend
	metrics    *Metrics

	cursors map[string]*cursor
	notices chan Notice
	closed  bool

	now      func() time.Time
	newToken func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records reconciliation counters on m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces the wall clock used for local timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTokenSource replaces the correlation token generator.
func WithTokenSource(next func() string) Option {
	return func(e *Engine) { e.newToken = next }
}

// NewEngine creates an engine for cfg.ViewerID talking to backend. Zero
// config fields take their defaults.
func NewEngine(cfg Config, backend Backend, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		store:    NewStore(cfg.ViewerID),
		backend:  backend,
		cursors:  make(map[string]*cursor),
		notices:  make(chan Notice, cfg.BusSize),
		now:      time.Now,
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.normalizer = NewNormalizer(cfg.ViewerID, cfg.MediaBaseURL)
	e.normalizer.now = e.now
	e.normalizer.metrics = e.metrics

	jww.INFO.Printf("[SYNC] Engine started for viewer %s", cfg.ViewerID)
	return e, nil
}

// ViewerID returns the id of the logged-in user.
func (e *Engine) ViewerID() string { return e.cfg.ViewerID }

// Normalizer returns the normalizer used for every inbound payload.
func (e *Engine) Normalizer() *Normalizer { return e.normalizer }

// Messages returns a snapshot of the conversation log in display order.
func (e *Engine) Messages(conversationID string) []Message {
	return e.store.Messages(conversationID)
}

// Message returns a copy of one message of the conversation log.
func (e *Engine) Message(conversationID string, k Key) (Message, bool) {
	return e.store.Message(conversationID, k)
}

// Conversations returns the ids of every conversation with a log.
func (e *Engine) Conversations() []string {
	return e.store.Conversations()
}

// Notices returns the change feed. The channel is closed by Close. Notices
// are dropped when the channel buffer is full.
func (e *Engine) Notices() <-chan Notice {
	return e.notices
}

// Run applies events until ctx is done or events is closed, and fails sends
// left in the sending state longer than the configured send timeout.
func (e *Engine) Run(ctx context.Context, events <-chan Event) error {
	var sweep <-chan time.Time
	if timeout := e.cfg.sendTimeout(); timeout > 0 {
		ticker := time.NewTicker(sweepInterval(timeout))
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.Apply(ev)
		case <-sweep:
			e.SweepStale()
		}
	}
}

func sweepInterval(timeout time.Duration) time.Duration {
	interval := timeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return interval
}

// Close tears the engine down: every log and cursor is dropped and the
// notice channel is closed. Further calls fail with ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.store.Reset()
	e.cursors = make(map[string]*cursor)
	close(e.notices)
	jww.INFO.Printf("[SYNC] Engine for viewer %s closed", e.cfg.ViewerID)
	return nil
}

// notify publishes a notice without blocking. Callers hold e.mu.
func (e *Engine) notify(conversationID string, k Key, reason string) {
	if e.closed {
		return
	}
	select {
	case e.notices <- Notice{ConversationID: conversationID, Key: k, Reason: reason}:
	default:
		jww.DEBUG.Printf("[SYNC] Notice buffer full, dropped %s for %s/%s",
			reason, conversationID, k)
	}
}
