package chatsync

import (
	"context"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Cursor is the pagination position of a conversation's history. HasMore
// is always Page < TotalPages whatever the server claims. Until the first
// page has loaded, Loaded is false and the history counts as one page.
type Cursor struct {
	Page       int
	TotalPages int
	HasMore    bool
	Loaded     bool
}

type cursor struct {
	page       int
	totalPages int
	loaded     bool
	loading    bool
}

func (c *cursor) total() int {
	if !c.loaded {
		return 1
	}
	return c.totalPages
}

func (c *cursor) hasMore() bool {
	return c.page < c.total()
}

func (c *cursor) snapshot() Cursor {
	return Cursor{Page: c.page, TotalPages: c.total(), HasMore: c.hasMore(), Loaded: c.loaded}
}

// advance records a loaded page. A response without a page count is
// resolved from its hasMore flag.
func (c *cursor) advance(requested int, resp *PageResponse) {
	page := resp.Page
	if page <= 0 {
		page = requested
	}
	total := resp.TotalPages
	if total <= 0 {
		total = page
		if resp.HasMore {
			total = page + 1
		}
	}
	if total < page {
		total = page
	}
	c.page = page
	c.totalPages = total
	c.loaded = true
}

// cursor returns the pagination state of a conversation. Callers hold e.mu.
func (e *Engine) cursor(conversationID string) *cursor {
	c, ok := e.cursors[conversationID]
	if !ok {
		c = &cursor{}
		e.cursors[conversationID] = c
	}
	return c
}

// Cursor returns the pagination position of a conversation.
func (e *Engine) Cursor(conversationID string) Cursor {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.cursors[conversationID]; ok {
		return c.snapshot()
	}
	return (&cursor{}).snapshot()
}

// Loading reports whether a page load is in flight for the conversation.
func (e *Engine) Loading(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.cursors[conversationID]
	return ok && c.loading
}

// LoadNextPage fetches the next older page of a conversation and merges it
// into the log. Messages already present are left untouched. It returns the
// number of messages added. It does nothing when every page has been loaded
// or a load is already in flight. On error the cursor does not move.
func (e *Engine) LoadNextPage(ctx context.Context, conversationID string) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	c := e.cursor(conversationID)
	if c.loading || !c.hasMore() {
		e.mu.Unlock()
		return 0, nil
	}
	c.loading = true
	next := c.page + 1
	e.mu.Unlock()

	jww.DEBUG.Printf("[SYNC] Loading page %d of %s", next, conversationID)
	resp, err := e.backend.FetchPage(ctx, &PageRequest{
		ConversationID: conversationID,
		Page:           next,
		Limit:          e.cfg.PageSize,
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	c.loading = false
	if e.closed || e.cursors[conversationID] != c {
		return 0, ErrClosed
	}
	if err != nil {
		return 0, errors.Wrapf(err, "cannot load page %d of %s", next, conversationID)
	}
	if resp == nil {
		return 0, errors.Errorf("empty response for page %d of %s", next, conversationID)
	}

	page := make([]Message, 0, len(resp.Messages))
	for _, raw := range resp.Messages {
		m, err := e.normalizer.Normalize(raw)
		if err != nil {
			jww.WARN.Printf("[SYNC] Dropping history message in %s: %+v", conversationID, err)
			e.metrics.malformed("invalid_message")
			continue
		}
		page = append(page, m)
	}

	added := e.store.MergePage(conversationID, page)
	c.advance(next, resp)
	e.metrics.pageLoaded()
	e.notify(conversationID, Key{}, ReasonPage)

	jww.DEBUG.Printf("[SYNC] Page %d/%d of %s added %d messages",
		c.page, c.totalPages, conversationID, added)
	return added, nil
}
