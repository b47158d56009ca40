package chatsync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"nhooyr.io/websocket"
)

// Control envelope types handled by the transports themselves.
const (
	typeAuthenticated = "authenticated"
	typePing          = "ping"
	typePong          = "pong"
	typeError         = "error"
	typeJoin          = "conversation.join"
)

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures real-time clients.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	HTTPClient           *http.Client
	Metrics              *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// Transport is a real-time connection feeding a Bus.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	State() RealtimeState
}

// ============================================================================
// Publishing
// ============================================================================

// publisher decodes wire envelopes and queues the typed events on a bus.
type publisher struct {
	bus     *Bus
	metrics *Metrics
}

// publish returns an error only when the bus can no longer take events.
func (p publisher) publish(ctx context.Context, env Envelope) error {
	ev, err := DecodeEvent(env)
	if errors.Is(err, ErrUnknownEvent) {
		jww.TRACE.Printf("[SYNC] Ignoring real-time event %q", env.Type)
		return nil
	}
	if err != nil {
		jww.WARN.Printf("[SYNC] Dropping real-time event: %+v", err)
		p.metrics.malformed("invalid_event")
		return nil
	}
	return p.bus.Publish(ctx, ev)
}

func (p publisher) publishRaw(ctx context.Context, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		jww.WARN.Printf("[SYNC] Dropping undecodable real-time frame (%d bytes)", len(data))
		p.metrics.malformed("invalid_envelope")
		return nil
	}
	if env.Type == typeError {
		jww.WARN.Printf("[SYNC] Real-time server error: %s", env.Payload)
		return nil
	}
	return p.publish(ctx, env)
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with jitter. A connection that stayed up for a
// minute starts the sequence over.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

func streamURL(baseURL, path, token string) string {
	u := strings.TrimRight(baseURL, "/") + path
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is a WebSocket real-time client with auto-reconnect and
// heartbeat. Joined conversations are joined again after every reconnect.
type RealtimeWSClient struct {
	baseURL string
	config  *RealtimeConfig
	pub     publisher

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	recon            *reconnector
	parent           context.Context
	cancelFn         context.CancelFunc
	counter          int
	joined           map[string]struct{}

	pendingMu    sync.Mutex
	pendingPings map[string]chan struct{}
}

// NewRealtimeWSClient creates a WebSocket client publishing on bus. Call
// Connect to establish the connection.
func NewRealtimeWSClient(baseURL string, bus *Bus, config *RealtimeConfig) *RealtimeWSClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeWSClient{
		baseURL:      baseURL,
		config:       &cfg,
		pub:          publisher{bus: bus, metrics: cfg.Metrics},
		state:        StateDisconnected,
		recon:        newReconnector(&cfg),
		joined:       make(map[string]struct{}),
		pendingPings: make(map[string]chan struct{}),
	}
}

// URL returns the WebSocket endpoint.
func (ws *RealtimeWSClient) URL() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return streamURL(u, "/ws", ws.config.Token)
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *RealtimeWSClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

// Connect establishes the WebSocket connection and waits for the
// authenticated handshake. ctx bounds the lifetime of the connection,
// reconnects included.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.parent = ctx
	ws.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ws.URL(), &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
	})
	if err != nil {
		ws.setState(StateDisconnected)
		return errors.Wrap(err, "websocket dial")
	}
	conn.SetReadLimit(1 << 20)

	// The first frame must be the authentication result.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return errors.Wrap(err, "read auth message")
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != typeAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "")
		ws.setState(StateDisconnected)
		return errors.Errorf("expected %q, got %q", typeAuthenticated, env.Type)
	}

	connCtx, cancel := context.WithCancel(ctx)
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.recon.markConnected()
	rejoin := make([]string, 0, len(ws.joined))
	for id := range ws.joined {
		rejoin = append(rejoin, id)
	}
	ws.mu.Unlock()

	jww.INFO.Printf("[SYNC] Real-time connected to %s", ws.baseURL)

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)

	for _, id := range rejoin {
		if err := ws.sendJoin(ctx, id); err != nil {
			jww.WARN.Printf("[SYNC] Cannot rejoin %s: %+v", id, err)
		}
	}
	return nil
}

// Disconnect gracefully closes the connection.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	cancel := ws.cancelFn
	ws.cancelFn = nil
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.recon.reset()
	ws.mu.Unlock()

	ws.clearPendingPings()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	return err
}

// JoinConversation subscribes to the events of a conversation.
func (ws *RealtimeWSClient) JoinConversation(ctx context.Context, conversationID string) error {
	ws.mu.Lock()
	ws.joined[conversationID] = struct{}{}
	connected := ws.state == StateConnected
	ws.mu.Unlock()

	if !connected {
		return nil
	}
	return ws.sendJoin(ctx, conversationID)
}

func (ws *RealtimeWSClient) sendJoin(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    typeJoin,
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// Send sends a raw command over the WebSocket.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return errors.New("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "failed to marshal command")
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) error {
	ws.mu.Lock()
	ws.counter++
	requestID := fmt.Sprintf("ping-%d", ws.counter)
	ws.mu.Unlock()

	ch := make(chan struct{}, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	forget := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.Send(ctx, &RealtimeCommand{
		Type:      typePing,
		Payload:   map[string]string{"requestId": requestID},
		RequestID: requestID,
	})
	if err != nil {
		forget()
		return err
	}

	timer := time.NewTimer(ws.config.PingTimeout)
	defer timer.Stop()
	select {
	case _, ok := <-ch:
		if !ok {
			return errors.New("connection closed")
		}
		return nil
	case <-timer.C:
		forget()
		return errors.New("ping timeout")
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if ws.conn == conn {
				ws.conn = nil
				ws.state = StateDisconnected
			}
			parent := ws.parent
			ws.mu.Unlock()
			ws.clearPendingPings()

			if intentional || parent.Err() != nil {
				return
			}
			jww.WARN.Printf("[SYNC] Real-time connection lost: %v", err)
			ws.reconnect(parent)
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) == nil && env.Type == typePong {
			ws.resolvePing(env.Payload)
			continue
		}
		if err := ws.pub.publishRaw(ctx, data); err != nil {
			if ctx.Err() == nil {
				jww.INFO.Printf("[SYNC] Event bus closed, disconnecting")
				go ws.Disconnect()
			}
			return
		}
	}
}

func (ws *RealtimeWSClient) resolvePing(payload json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
	}
	if json.Unmarshal(payload, &p) != nil || p.RequestID == "" {
		return
	}
	ws.pendingMu.Lock()
	ch, ok := ws.pendingPings[p.RequestID]
	delete(ws.pendingPings, p.RequestID)
	ws.pendingMu.Unlock()
	if ok {
		ch <- struct{}{}
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if err := ws.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Force the read loop to notice and reconnect.
				jww.WARN.Printf("[SYNC] Heartbeat failed: %v", err)
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) reconnect(ctx context.Context) {
	for ws.config.AutoReconnect {
		ws.mu.Lock()
		if ws.intentionalClose || !ws.recon.shouldReconnect() {
			ws.mu.Unlock()
			break
		}
		delay := ws.recon.nextDelay()
		attempt := ws.recon.attempt
		ws.state = StateReconnecting
		ws.mu.Unlock()

		jww.INFO.Printf("[SYNC] Reconnecting in %s (attempt %d)", delay, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			ws.setState(StateDisconnected)
			return
		case <-timer.C:
		}

		ws.setState(StateDisconnected)
		err := ws.Connect(ctx)
		if err == nil {
			return
		}
		jww.WARN.Printf("[SYNC] Reconnect attempt %d failed: %+v", attempt, err)
	}
	ws.setState(StateDisconnected)
}

func (ws *RealtimeWSClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

// ============================================================================
// RealtimeSSEClient
// ============================================================================

// RealtimeSSEClient is an SSE real-time client (server push only) with
// auto-reconnect.
type RealtimeSSEClient struct {
	baseURL string
	config  *RealtimeConfig
	pub     publisher

	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	recon            *reconnector
	parent           context.Context
	cancelFn         context.CancelFunc
	lastDataTime     time.Time
}

// NewRealtimeSSEClient creates an SSE client publishing on bus. Call
// Connect to establish the connection.
func NewRealtimeSSEClient(baseURL string, bus *Bus, config *RealtimeConfig) *RealtimeSSEClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeSSEClient{
		baseURL: baseURL,
		config:  &cfg,
		pub:     publisher{bus: bus, metrics: cfg.Metrics},
		state:   StateDisconnected,
		recon:   newReconnector(&cfg),
	}
}

// URL returns the SSE endpoint.
func (sse *RealtimeSSEClient) URL() string {
	return streamURL(sse.baseURL, "/sse", sse.config.Token)
}

// State returns the current connection state.
func (sse *RealtimeSSEClient) State() RealtimeState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

func (sse *RealtimeSSEClient) setState(s RealtimeState) {
	sse.mu.Lock()
	sse.state = s
	sse.mu.Unlock()
}

// Connect opens the event stream. ctx bounds the lifetime of the stream,
// reconnects included.
func (sse *RealtimeSSEClient) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateConnecting
	sse.intentionalClose = false
	sse.parent = ctx
	sse.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, sse.URL(), nil)
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return errors.Wrap(err, "SSE connect")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		sse.setState(StateDisconnected)
		return errors.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	sse.state = StateConnected
	sse.lastDataTime = time.Now()
	sse.cancelFn = cancel
	sse.recon.markConnected()
	sse.mu.Unlock()

	jww.INFO.Printf("[SYNC] Real-time stream open at %s", sse.baseURL)

	go sse.readLoop(connCtx, resp)
	go sse.heartbeatWatchdog(connCtx)
	return nil
}

// Disconnect closes the SSE connection.
func (sse *RealtimeSSEClient) Disconnect() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.state = StateDisconnected
	sse.recon.reset()
	sse.mu.Unlock()
	return nil
}

func (sse *RealtimeSSEClient) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// Comments (heartbeats), event names and blank separators.
			continue
		}
		if err := sse.pub.publishRaw(ctx, []byte(strings.TrimSpace(data))); err != nil {
			if ctx.Err() == nil {
				jww.INFO.Printf("[SYNC] Event bus closed, disconnecting")
				sse.Disconnect()
			}
			return
		}
	}

	sse.mu.Lock()
	intentional := sse.intentionalClose
	parent := sse.parent
	sse.state = StateDisconnected
	sse.mu.Unlock()
	if intentional || parent.Err() != nil {
		return
	}

	jww.WARN.Printf("[SYNC] Real-time stream ended: %v", scanner.Err())
	sse.reconnect(parent)
}

func (sse *RealtimeSSEClient) heartbeatWatchdog(ctx context.Context) {
	interval := sse.config.HeartbeatInterval / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > 2*sse.config.HeartbeatInterval
			cancel := sse.cancelFn
			sse.mu.Unlock()
			if stale && cancel != nil {
				jww.WARN.Printf("[SYNC] Real-time stream silent, reconnecting")
				cancel()
				return
			}
		}
	}
}

func (sse *RealtimeSSEClient) reconnect(ctx context.Context) {
	for sse.config.AutoReconnect {
		sse.mu.Lock()
		if sse.intentionalClose || !sse.recon.shouldReconnect() {
			sse.mu.Unlock()
			break
		}
		delay := sse.recon.nextDelay()
		attempt := sse.recon.attempt
		sse.state = StateReconnecting
		sse.mu.Unlock()

		jww.INFO.Printf("[SYNC] Reconnecting in %s (attempt %d)", delay, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			sse.setState(StateDisconnected)
			return
		case <-timer.C:
		}

		sse.setState(StateDisconnected)
		err := sse.Connect(ctx)
		if err == nil {
			return
		}
		jww.WARN.Printf("[SYNC] Reconnect attempt %d failed: %+v", attempt, err)
	}
	sse.setState(StateDisconnected)
}
