package carelink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNoOpenChat is returned by the send pipeline when no chat is open.
var ErrNoOpenChat = errors.New("carelink: no open chat")

// SessionState is the lifecycle state of one open chat view.
type SessionState string

const (
	SessionClosed    SessionState = "closed"
	SessionHydrating SessionState = "hydrating"
	SessionReady     SessionState = "ready"
	SessionError     SessionState = "error"
)

// historyFetcher is the slice of HistoryClient the session needs; tests
// substitute a fake.
type historyFetcher interface {
	Messages(ctx context.Context, chatID string, roles RoleMap) ([]Message, error)
}

// sessionConn is the slice of Connection the session uses directly.
type sessionConn interface {
	roomConn
	SendMessage(ctx context.Context, chatID, content, clientID string) error
	MarkRead(ctx context.Context, chatID string) error
}

// ChatSession is the controller for one open chat view. It owns the state
// machine CLOSED → HYDRATING → READY → CLOSED (HYDRATING fails to ERROR,
// terminal until the user retries by reopening), the room membership of the
// open chat, and the outbound send pipeline. All dashboard surfaces share
// this one implementation instead of re-deriving it per page.
type ChatSession struct {
	self    Participant
	history historyFetcher
	conn    sessionConn
	rooms   *RoomTracker
	list    *ListAggregator
	logger  zerolog.Logger

	mu          sync.Mutex
	state       SessionState
	chatID      string
	counterpart Participant
	store       *MessageStore
	epoch       uint64

	// onMessage, when set, is invoked for every message that lands in the
	// open chat's store via the realtime path.
	onMessage func(Message)
}

// NewChatSession creates a session for the authenticated participant. list
// may be nil when the surface has no chat list of its own.
func NewChatSession(self Participant, history historyFetcher, conn sessionConn, list *ListAggregator, logger zerolog.Logger) *ChatSession {
	return &ChatSession{
		self:    self,
		history: history,
		conn:    conn,
		rooms:   NewRoomTracker(conn, logger),
		list:    list,
		logger:  logger,
		state:   SessionClosed,
	}
}

// Attach registers the session's inbound event handlers on the connection.
func (s *ChatSession) Attach(c *Connection) {
	c.OnNewMessage(s.handleNewMessage)
	c.OnMessageRead(s.handleMessageRead)
	c.OnConversationUpdate(s.handleConversationUpdate)
}

// SetMessageHandler installs a callback for messages landing in the open
// chat. Intended for render layers; the callback runs on the connection's
// read goroutine and must not block.
func (s *ChatSession) SetMessageHandler(h func(Message)) {
	s.mu.Lock()
	s.onMessage = h
	s.mu.Unlock()
}

// State returns the session state.
func (s *ChatSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ChatID returns the open chat id, or "" when closed.
func (s *ChatSession) ChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID
}

// Store returns the open chat's message store, or nil when no chat is open.
func (s *ChatSession) Store() *MessageStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

// roleMap resolves role-tagged wire senders against the open conversation.
func (s *ChatSession) roleMap() RoleMap {
	if s.self.Role == RoleDoctor {
		return RoleMap{DoctorID: s.self.ID, PatientID: s.counterpart.ID}
	}
	return RoleMap{PatientID: s.self.ID, DoctorID: s.counterpart.ID}
}

// Open switches the session to chatID: hydrates the history, installs the
// store, joins the room and acknowledges the backlog as read. A hydrate
// response that resolves after the user has already switched away is
// discarded (ErrStaleResponse) so a slow fetch can never overwrite the store
// of the newly opened chat.
func (s *ChatSession) Open(ctx context.Context, chatID string, counterpart Participant) error {
	s.mu.Lock()
	s.epoch++
	myEpoch := s.epoch
	s.state = SessionHydrating
	s.chatID = chatID
	s.counterpart = counterpart
	s.store = nil
	roles := s.roleMap()
	s.mu.Unlock()

	msgs, err := s.history.Messages(ctx, chatID, roles)

	s.mu.Lock()
	if s.epoch != myEpoch {
		s.mu.Unlock()
		s.logger.Debug().Str("chat", chatID).Msg("dropping stale hydrate response")
		return ErrStaleResponse
	}
	if err != nil {
		s.state = SessionError
		s.mu.Unlock()
		return fmt.Errorf("hydrate chat %s: %w", chatID, err)
	}

	store := NewMessageStore(chatID)
	store.Replace(msgs)
	store.MarkAllRead(s.self.ID)
	s.store = store
	s.state = SessionReady
	s.mu.Unlock()

	if err := s.syncRoom(ctx); err != nil {
		// Degraded: history is visible but live events will not arrive
		// until the caller reconnects and reopens.
		s.logger.Warn().Err(err).Str("chat", chatID).Msg("room join failed")
	}

	// A later Open or Close may have raced the join above. Re-align the
	// room with the current intent and report this hydrate as stale, so a
	// slow opener can never leave its own room joined under a newer view.
	s.mu.Lock()
	stillOpen := s.epoch == myEpoch
	s.mu.Unlock()
	if !stillOpen {
		if err := s.syncRoom(ctx); err != nil {
			s.logger.Warn().Err(err).Str("chat", chatID).Msg("room cleanup failed")
		}
		return ErrStaleResponse
	}

	if err := s.conn.MarkRead(ctx, chatID); err != nil && !errors.Is(err, ErrNotConnected) {
		s.logger.Warn().Err(err).Str("chat", chatID).Msg("mark-read failed")
	}
	return nil
}

// syncRoom points the room tracker at the currently open chat, leaving all
// rooms when none is open.
func (s *ChatSession) syncRoom(ctx context.Context) error {
	s.mu.Lock()
	target := ""
	if s.state == SessionReady {
		target = s.chatID
	}
	s.mu.Unlock()
	return s.rooms.SwitchTo(ctx, target)
}

// Close tears the view down: leaves the room, drops the store and
// invalidates any in-flight hydrate.
func (s *ChatSession) Close(ctx context.Context) error {
	s.mu.Lock()
	s.epoch++
	s.state = SessionClosed
	s.chatID = ""
	s.store = nil
	s.mu.Unlock()
	return s.rooms.Close(ctx)
}

// Send runs the outbound pipeline: validate, optimistic append, emit.
// It returns the client correlation id of the optimistic entry. The call is
// fire-and-forget: reconciliation happens asynchronously when the server
// echo arrives. When the connection is down the optimistic entry stays
// pending (ErrNotConnected is returned alongside the id) and the user must
// trigger RetrySend explicitly; the pipeline never retries on its own, which
// would risk duplicate sends.
func (s *ChatSession) Send(ctx context.Context, content string) (string, error) {
	if !validContent(content) {
		return "", ErrEmptyContent
	}

	s.mu.Lock()
	store := s.store
	chatID := s.chatID
	state := s.state
	s.mu.Unlock()

	if store == nil || state != SessionReady {
		return "", ErrNoOpenChat
	}

	clientID := store.AppendOptimistic(content, s.self.ID)

	if err := s.conn.SendMessage(ctx, chatID, content, clientID); err != nil {
		s.logger.Warn().Err(err).Str("chat", chatID).Msg("send not confirmed, message pending")
		return clientID, err
	}

	s.kickList()
	return clientID, nil
}

// RetrySend re-emits a pending message with its original correlation id, so
// a server that already received the first emit can de-duplicate.
func (s *ChatSession) RetrySend(ctx context.Context, clientID string) error {
	s.mu.Lock()
	store := s.store
	chatID := s.chatID
	s.mu.Unlock()

	if store == nil {
		return ErrNoOpenChat
	}
	msg, ok := store.pendingByClientID(clientID)
	if !ok {
		return fmt.Errorf("no pending message %s", clientID)
	}
	return s.conn.SendMessage(ctx, chatID, msg.Content, clientID)
}

// ============================================================================
// Inbound event handlers
// ============================================================================

// handleNewMessage runs on the connection's read goroutine, so events for
// the same chat are applied in wire arrival order.
func (s *ChatSession) handleNewMessage(p NewMessagePayload) {
	// Previews change even for chats that are not open.
	s.kickList()

	s.mu.Lock()
	open := s.state == SessionReady && s.chatID == p.ChatID
	store := s.store
	roles := s.roleMap()
	notify := s.onMessage
	s.mu.Unlock()

	if !open || store == nil {
		return
	}

	msg := p.Message.Normalize(p.ChatID, roles)
	store.Reconcile(msg)

	// The viewer is looking at the chat, so everything inbound is read
	// immediately and the server is told so.
	store.MarkAllRead(s.self.ID)
	if err := s.conn.MarkRead(context.Background(), p.ChatID); err != nil && !errors.Is(err, ErrNotConnected) {
		s.logger.Warn().Err(err).Str("chat", p.ChatID).Msg("mark-read failed")
	}

	if notify != nil {
		notify(msg)
	}
}

func (s *ChatSession) handleMessageRead(p MessageReadPayload) {
	s.mu.Lock()
	open := s.state == SessionReady && s.chatID == p.ChatID
	store := s.store
	s.mu.Unlock()

	if open && store != nil {
		store.MarkAllRead(p.ReaderID)
	}
}

func (s *ChatSession) handleConversationUpdate(ConversationUpdatePayload) {
	s.kickList()
}

func (s *ChatSession) kickList() {
	if s.list == nil {
		return
	}
	go func() {
		_ = s.list.Refresh(context.Background())
	}()
}
