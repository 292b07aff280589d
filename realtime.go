package carelink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned by every realtime command while no
	// connection is established. Callers treat it as degraded mode: sends
	// fail fast, they never hang.
	ErrNotConnected = errors.New("carelink: not connected")

	// ErrTokenExpired is returned by Connect when the bearer token's exp
	// claim is already in the past, before any dial is attempted.
	ErrTokenExpired = errors.New("carelink: auth token expired")

	// ErrStaleResponse marks a hydrate response that arrived for a chat no
	// longer active. It is an internal discard, not a user-visible failure.
	ErrStaleResponse = errors.New("carelink: stale response discarded")

	// ErrEmptyContent is returned by the send pipeline for empty or
	// whitespace-only content.
	ErrEmptyContent = errors.New("carelink: empty message content")
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for all server→client realtime events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client→server realtime operation.
type Command struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// NewMessagePayload carries a new-message event. The chat may or may not be
// the one currently open.
type NewMessagePayload struct {
	ChatID  string      `json:"chatId"`
	Message WireMessage `json:"message"`
}

// MessageReadPayload carries a message-read event: someone (typically the
// counterpart) marked a chat's messages as read.
type MessageReadPayload struct {
	ChatID     string `json:"chatId"`
	ReaderID   string `json:"readerId"`
	ReaderName string `json:"readerName,omitempty"`
}

// ConversationUpdatePayload is the catch-all signal that the chat list is
// stale: a chat was created, a request approved or rejected, and so on.
type ConversationUpdatePayload struct {
	Reason string `json:"reason,omitempty"`
}

// ============================================================================
// Connection state
// ============================================================================

// ConnState is the lifecycle state of the realtime connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

// ============================================================================
// Transport
// ============================================================================

// Transport is the minimal surface the connection needs from the underlying
// realtime socket. Tests substitute an in-memory implementation.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes a Transport to the given realtime URL.
type Dialer func(ctx context.Context, url string) (Transport, error)

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

func websocketDialer(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsTransport{conn: conn}, nil
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// Handlers run synchronously on the connection's read goroutine so that
// events for the same chat are observed in wire arrival order. A handler
// that reorders or defers work takes responsibility for its own ordering.
type eventDispatcher struct {
	mu                   sync.RWMutex
	onNewMessage         []func(NewMessagePayload)
	onMessageRead        []func(MessageReadPayload)
	onConversationUpdate []func(ConversationUpdatePayload)
	onDisconnected       []func(reason string)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{}
}

// dispatch snapshots the handler slice before invoking, so a handler may
// register further handlers without deadlocking against the dispatcher lock.
func (d *eventDispatcher) dispatch(env Envelope) {
	switch env.Type {
	case "new-message":
		var p NewMessagePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		d.mu.RLock()
		handlers := append([]func(NewMessagePayload){}, d.onNewMessage...)
		d.mu.RUnlock()
		for _, h := range handlers {
			h(p)
		}
	case "message-read":
		var p MessageReadPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		d.mu.RLock()
		handlers := append([]func(MessageReadPayload){}, d.onMessageRead...)
		d.mu.RUnlock()
		for _, h := range handlers {
			h(p)
		}
	case "conversation-update":
		var p ConversationUpdatePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		d.mu.RLock()
		handlers := append([]func(ConversationUpdatePayload){}, d.onConversationUpdate...)
		d.mu.RUnlock()
		for _, h := range handlers {
			h(p)
		}
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (d *eventDispatcher) removeAll() {
	d.mu.Lock()
	d.onNewMessage = nil
	d.onMessageRead = nil
	d.onConversationUpdate = nil
	d.onDisconnected = nil
	d.mu.Unlock()
}

// ============================================================================
// Connection
// ============================================================================

// Connection is the authenticated realtime session. Exactly one exists per
// ConnectionManager at a time; dashboards hold a reference, never a second
// connection.
type Connection struct {
	mu         sync.Mutex
	state      ConnState
	transport  Transport
	cancelFn   context.CancelFunc
	closing    bool
	dispatcher *eventDispatcher
	logger     zerolog.Logger
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnNewMessage registers a handler for new-message events.
func (c *Connection) OnNewMessage(h func(NewMessagePayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onNewMessage = append(c.dispatcher.onNewMessage, h)
	c.dispatcher.mu.Unlock()
}

// OnMessageRead registers a handler for message-read events.
func (c *Connection) OnMessageRead(h func(MessageReadPayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onMessageRead = append(c.dispatcher.onMessageRead, h)
	c.dispatcher.mu.Unlock()
}

// OnConversationUpdate registers a handler for conversation-update events.
func (c *Connection) OnConversationUpdate(h func(ConversationUpdatePayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onConversationUpdate = append(c.dispatcher.onConversationUpdate, h)
	c.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for transport loss. The connection does
// not reconnect on its own; the handler decides what to do.
func (c *Connection) OnDisconnected(h func(reason string)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onDisconnected = append(c.dispatcher.onDisconnected, h)
	c.dispatcher.mu.Unlock()
}

// JoinRoom subscribes this client to a chat's events.
func (c *Connection) JoinRoom(ctx context.Context, chatID string) error {
	return c.send(ctx, &Command{Type: "join-room", Payload: map[string]string{"chatId": chatID}})
}

// LeaveRoom unsubscribes from a chat's events.
func (c *Connection) LeaveRoom(ctx context.Context, chatID string) error {
	return c.send(ctx, &Command{Type: "leave-room", Payload: map[string]string{"chatId": chatID}})
}

// SendMessage emits a message send. clientID is echoed back by the server on
// the confirming new-message event.
func (c *Connection) SendMessage(ctx context.Context, chatID, content, clientID string) error {
	return c.send(ctx, &Command{Type: "send-message", Payload: map[string]string{
		"chatId":   chatID,
		"content":  content,
		"clientId": clientID,
	}})
}

// MarkRead signals the server that the open chat's messages were read.
func (c *Connection) MarkRead(ctx context.Context, chatID string) error {
	return c.send(ctx, &Command{Type: "mark-read", Payload: map[string]string{"chatId": chatID}})
}

func (c *Connection) send(ctx context.Context, cmd *Command) error {
	c.mu.Lock()
	transport := c.transport
	state := c.state
	c.mu.Unlock()

	if transport == nil || state != StateConnected {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return transport.Write(ctx, data)
}

func (c *Connection) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		transport := c.transport
		c.mu.Unlock()
		if transport == nil {
			return
		}

		data, err := transport.Read(ctx)
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			if !closing {
				c.state = StateError
				c.transport = nil
			}
			c.mu.Unlock()

			if closing {
				return
			}
			c.logger.Error().Err(err).Msg("realtime connection lost")
			c.dispatcher.emitDisconnected(err.Error())
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		c.dispatcher.dispatch(env)
	}
}

// ============================================================================
// Connection Manager
// ============================================================================

// ConnectionManager owns the single realtime connection of an authenticated
// session. Connect is idempotent; a new token requires an explicit
// Disconnect first so a stale-auth connection can never linger.
type ConnectionManager struct {
	mu      sync.Mutex
	conn    *Connection
	dial    Dialer
	baseURL string
	logger  zerolog.Logger
}

// NewConnectionManager creates a manager for the given API origin. dial may
// be nil, in which case the websocket dialer is used; tests inject a fake.
func NewConnectionManager(baseURL string, dial Dialer, logger zerolog.Logger) *ConnectionManager {
	if dial == nil {
		dial = websocketDialer
	}
	return &ConnectionManager{
		dial:    dial,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// RealtimeURL returns the realtime endpoint for the manager's origin.
func (m *ConnectionManager) RealtimeURL(token string) string {
	base := strings.Replace(m.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + token
	}
	return base + "/ws"
}

// Connect returns the live connection, dialing one if none exists. It never
// retries on its own: a failed dial leaves no connection behind and the
// caller decides the retry policy.
func (m *ConnectionManager) Connect(ctx context.Context, token string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		return m.conn, nil
	}

	if err := checkTokenExpiry(token); err != nil {
		m.logger.Warn().Err(err).Msg("refusing realtime connect")
		return nil, err
	}

	conn := &Connection{
		state:      StateConnecting,
		dispatcher: newEventDispatcher(),
		logger:     m.logger,
	}

	m.logger.Info().Str("state", string(StateConnecting)).Msg("realtime connecting")
	transport, err := m.dial(ctx, m.RealtimeURL(token))
	if err != nil {
		m.logger.Error().Err(err).Msg("realtime connect failed")
		return nil, fmt.Errorf("connect realtime: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	conn.mu.Lock()
	conn.transport = transport
	conn.state = StateConnected
	conn.cancelFn = cancel
	conn.mu.Unlock()

	go conn.readLoop(readCtx)

	m.logger.Info().Str("state", string(StateConnected)).Msg("realtime connected")
	m.conn = conn
	return conn, nil
}

// Current returns the live connection or nil.
func (m *ConnectionManager) Current() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Disconnect tears down the transport, releases every listener and clears
// the handle so a later Connect builds a fresh connection.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn == nil {
		return
	}

	conn.mu.Lock()
	conn.closing = true
	if conn.cancelFn != nil {
		conn.cancelFn()
		conn.cancelFn = nil
	}
	transport := conn.transport
	conn.transport = nil
	conn.state = StateDisconnected
	conn.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	conn.dispatcher.removeAll()
	m.logger.Info().Str("state", string(StateDisconnected)).Msg("realtime disconnected")
}

// checkTokenExpiry rejects tokens whose exp claim already passed. The
// signature is not verified here; that is the server's job.
func checkTokenExpiry(token string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// Opaque (non-JWT) tokens are passed through untouched.
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if exp.Before(time.Now()) {
		return ErrTokenExpired
	}
	return nil
}
