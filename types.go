package chatsync

import (
	"context"
	"encoding/json"
)

// ============================================================================
// Backend contract
// ============================================================================

// Backend is the chat server as seen by the engine. Transport, auth and
// retries belong to the implementation.
type Backend interface {
	// SendMessage submits a message and returns the server's record of it.
	SendMessage(ctx context.Context, req *SendRequest) (json.RawMessage, error)

	// FetchPage returns one page of a conversation's history.
	FetchPage(ctx context.Context, req *PageRequest) (*PageResponse, error)

	// EditMessage replaces the content of a confirmed message.
	EditMessage(ctx context.Context, conversationID, messageID, content string) error

	// DeleteMessage deletes a confirmed message with the given scope.
	DeleteMessage(ctx context.Context, conversationID, messageID string, scope DeleteScope) error

	// React adds (add=true) or removes a reaction of the viewer.
	React(ctx context.Context, conversationID, messageID, emoji string, add bool) error
}

// SendRequest is the outbound send payload.
type SendRequest struct {
	ConversationID   string         `json:"conversationId"`
	Content          string         `json:"content,omitempty"`
	Type             string         `json:"type"`
	IsForwarded      bool           `json:"isForwarded"`
	Media            []string       `json:"media,omitempty"`
	CorrelationToken string         `json:"correlationToken"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// PageRequest asks for one page of history. Pages are numbered from 1,
// newest first.
type PageRequest struct {
	ConversationID string `json:"conversationId"`
	Page           int    `json:"page"`
	Limit          int    `json:"limit"`
}

// PageResponse is one page of history.
type PageResponse struct {
	Messages   []json.RawMessage `json:"messages"`
	Page       int               `json:"page"`
	TotalPages int               `json:"totalPages"`
	HasMore    bool              `json:"hasMore"`
}

// SendOptions describes a message the user composed.
type SendOptions struct {
	ConversationID string
	Content        string
	// Type is the payload kind; "text" when empty.
	Type        string
	IsForwarded bool
	Media       []string
}

func (o SendOptions) kind() string {
	if o.Type == "" {
		return "text"
	}
	return o.Type
}

// ============================================================================
// API envelope
// ============================================================================

// APIError is an error reported by the chat backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// APIResult is the generic response envelope of the chat API.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *APIResult) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
