package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST Backend of the chat API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client authenticating with token.
// token is optional; pass "" for servers without auth.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode >= http.StatusBadRequest && len(bytes.TrimSpace(data)) == 0 {
		return nil, &APIError{Code: strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &result, nil
}

// do performs a request and unwraps the {ok, data, error} envelope.
func (c *Client) do(ctx context.Context, method, path string, body any, query map[string]string) (*APIResult, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[APIResult](data)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: "UNKNOWN", Message: "request failed"}
	}
	return result, nil
}

func messagesPath(conversationID string, parts ...string) string {
	p := "/api/messages/" + url.PathEscape(conversationID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// ============================================================================
// Backend
// ============================================================================

// SendMessage submits a message; the response data is the stored message,
// either bare or wrapped as {"message": {...}}.
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (json.RawMessage, error) {
	result, err := c.do(ctx, http.MethodPost, messagesPath(req.ConversationID), req, nil)
	if err != nil {
		return nil, err
	}
	var wrapped struct {
		Message json.RawMessage `json:"message"`
	}
	if json.Unmarshal(result.Data, &wrapped) == nil &&
		bytes.HasPrefix(bytes.TrimSpace(wrapped.Message), []byte("{")) {
		return wrapped.Message, nil
	}
	return result.Data, nil
}

// FetchPage returns one page of history.
func (c *Client) FetchPage(ctx context.Context, req *PageRequest) (*PageResponse, error) {
	query := map[string]string{"page": strconv.Itoa(req.Page)}
	if req.Limit > 0 {
		query["limit"] = strconv.Itoa(req.Limit)
	}
	result, err := c.do(ctx, http.MethodGet, messagesPath(req.ConversationID), nil, query)
	if err != nil {
		return nil, err
	}
	var page PageResponse
	if err := result.Decode(&page); err != nil {
		return nil, errors.Wrap(err, "failed to decode page")
	}
	return &page, nil
}

// EditMessage replaces the content of a message.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, content string) error {
	_, err := c.do(ctx, http.MethodPatch, messagesPath(conversationID, messageID),
		map[string]any{"content": content}, nil)
	return err
}

// DeleteMessage deletes a message for the viewer or for everyone.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string, scope DeleteScope) error {
	_, err := c.do(ctx, http.MethodDelete, messagesPath(conversationID, messageID), nil,
		map[string]string{"deleteFor": string(scope)})
	return err
}

// React adds or removes the viewer's reaction.
func (c *Client) React(ctx context.Context, conversationID, messageID, emoji string, add bool) error {
	method := http.MethodPost
	if !add {
		method = http.MethodDelete
	}
	_, err := c.do(ctx, method, messagesPath(conversationID, messageID, "reactions"),
		map[string]any{"emoji": emoji}, nil)
	return err
}
