package chatsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorded struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]any
}

// apiServer answers every request with reply and records what it saw.
func apiServer(t *testing.T, reply string) (*httptest.Server, func() []recorded) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{
			Method: r.Method,
			Path:   r.URL.EscapedPath(),
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
		}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			require.NoError(t, json.Unmarshal(data, &rec.Body))
		}
		mu.Lock()
		seen = append(seen, rec)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(seen)
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("")
	require.Equal(t, DefaultBaseURL, c.BaseURL())
	require.Equal(t, DefaultTimeout, c.httpClient.Timeout)

	c = NewClient("tok", WithBaseURL("https://chat.example.com/"), WithTimeout(time.Second))
	require.Equal(t, "https://chat.example.com", c.BaseURL())
	require.Equal(t, time.Second, c.httpClient.Timeout)
}

func TestClient_SendMessage(t *testing.T) {
	srv, seen := apiServer(t, `{"ok":true,"data":{"message":{"id":"srv-1","content":"hi"}}}`)
	c := NewClient("secret", WithBaseURL(srv.URL))

	raw, err := c.SendMessage(context.Background(), &SendRequest{
		ConversationID:   "c/1",
		Content:          "hi",
		Type:             "text",
		CorrelationToken: "tok-1",
		Metadata:         map[string]any{"correlationToken": "tok-1"},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"srv-1","content":"hi"}`, string(raw))

	require.Len(t, seen(), 1)
	got := seen()[0]
	require.Equal(t, http.MethodPost, got.Method)
	require.Equal(t, "/api/messages/c%2F1", got.Path)
	require.Equal(t, "Bearer secret", got.Auth)
	require.Equal(t, "tok-1", got.Body["correlationToken"])
	require.Equal(t, map[string]any{"correlationToken": "tok-1"}, got.Body["metadata"])
}

func TestClient_SendMessageBareRecord(t *testing.T) {
	srv, _ := apiServer(t, `{"ok":true,"data":{"id":"srv-1","message":"content alias"}}`)
	c := NewClient("", WithBaseURL(srv.URL))

	raw, err := c.SendMessage(context.Background(), &SendRequest{ConversationID: "c1"})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"srv-1","message":"content alias"}`, string(raw))
}

func TestClient_FetchPage(t *testing.T) {
	srv, seen := apiServer(t, `{"ok":true,"data":{"messages":[{"id":"a"},{"id":"b"}],"page":2,"totalPages":4,"hasMore":true}}`)
	c := NewClient("", WithBaseURL(srv.URL))

	page, err := c.FetchPage(context.Background(), &PageRequest{ConversationID: "c1", Page: 2, Limit: 30})
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	require.Equal(t, 2, page.Page)
	require.Equal(t, 4, page.TotalPages)
	require.True(t, page.HasMore)

	got := seen()[0]
	require.Equal(t, http.MethodGet, got.Method)
	require.Equal(t, "/api/messages/c1", got.Path)
	require.Equal(t, "limit=30&page=2", got.Query)
	require.Empty(t, got.Auth)
}

func TestClient_Mutations(t *testing.T) {
	srv, seen := apiServer(t, `{"ok":true}`)
	c := NewClient("tok", WithBaseURL(srv.URL))
	ctx := context.Background()

	require.NoError(t, c.EditMessage(ctx, "c1", "m1", "fixed"))
	require.NoError(t, c.DeleteMessage(ctx, "c1", "m1", DeleteForMe))
	require.NoError(t, c.React(ctx, "c1", "m1", "👍", true))
	require.NoError(t, c.React(ctx, "c1", "m1", "👍", false))

	require.Equal(t, []recorded{
		{Method: http.MethodPatch, Path: "/api/messages/c1/m1", Auth: "Bearer tok",
			Body: map[string]any{"content": "fixed"}},
		{Method: http.MethodDelete, Path: "/api/messages/c1/m1", Query: "deleteFor=me", Auth: "Bearer tok"},
		{Method: http.MethodPost, Path: "/api/messages/c1/m1/reactions", Auth: "Bearer tok",
			Body: map[string]any{"emoji": "👍"}},
		{Method: http.MethodDelete, Path: "/api/messages/c1/m1/reactions", Auth: "Bearer tok",
			Body: map[string]any{"emoji": "👍"}},
	}, seen())
}

func TestClient_APIError(t *testing.T) {
	srv, _ := apiServer(t, `{"ok":false,"error":{"code":"FORBIDDEN","message":"not a member"}}`)
	c := NewClient("", WithBaseURL(srv.URL))

	err := c.EditMessage(context.Background(), "c1", "m1", "x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "FORBIDDEN", apiErr.Code)
	require.Equal(t, "FORBIDDEN: not a member", err.Error())
}

func TestClient_EmptyErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := NewClient("", WithBaseURL(srv.URL))

	_, err := c.FetchPage(context.Background(), &PageRequest{ConversationID: "c1", Page: 1})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "502", apiErr.Code)
}

func TestClient_DrivesEngine(t *testing.T) {
	srv, _ := apiServer(t, `{"ok":true,"data":{"id":"srv-1","senderId":"me","content":"hi","createdAt":"2026-01-01T12:00:00Z"}}`)

	e, err := NewEngine(DefaultConfig(viewer), NewClient("tok", WithBaseURL(srv.URL)))
	require.NoError(t, err)
	defer e.Close()

	m, err := e.Send(context.Background(), SendOptions{ConversationID: "c1", Content: "hi"})
	require.NoError(t, err)
	require.Equal(t, "srv-1", m.ID())
	require.Equal(t, StatusSent, m.Status)
	require.Equal(t, []string{"srv-1"}, ids(e.Messages("c1")))
}
