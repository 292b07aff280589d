package carelink

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageStore is the per-chat ordered message log. The log is append-only
// and keeps arrival/creation order; it is never re-sorted by timestamp, so
// clock skew between client and server cannot make entries jump position.
type MessageStore struct {
	mu     sync.Mutex
	chatID string
	msgs   []Message
}

// NewMessageStore creates an empty log for one chat.
func NewMessageStore(chatID string) *MessageStore {
	return &MessageStore{chatID: chatID}
}

// ChatID returns the chat this store belongs to.
func (s *MessageStore) ChatID() string {
	return s.chatID
}

// Replace installs the hydrated history, dropping whatever was held before.
func (s *MessageStore) Replace(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append([]Message(nil), msgs...)
}

// AppendOptimistic inserts a temporary message at the tail and returns its
// client correlation id for later reconciliation or retry.
func (s *MessageStore) AppendOptimistic(content, senderID string) string {
	clientID := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, Message{
		ID:        "local-" + clientID,
		ClientID:  clientID,
		ChatID:    s.chatID,
		SenderID:  senderID,
		Content:   content,
		SentAt:    time.Now().UTC(),
		Read:      true,
		Temporary: true,
	})
	return clientID
}

// Reconcile merges a server-confirmed message into the log. A temporary
// entry matching the echoed client id (or, for servers that do not echo it,
// the same sender with identical content) is replaced in place, keeping its
// list position. Anything else (notably messages from the other participant)
// is appended as new.
func (s *MessageStore) Reconcile(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.findTemporary(m); i >= 0 {
		m.Temporary = false
		m.Read = s.msgs[i].Read
		if m.SentAt.IsZero() {
			m.SentAt = s.msgs[i].SentAt
		}
		s.msgs[i] = m
		return
	}

	m.Temporary = false
	s.msgs = append(s.msgs, m)
}

// findTemporary must be called with the lock held.
func (s *MessageStore) findTemporary(m Message) int {
	if m.ClientID != "" {
		for i := range s.msgs {
			if s.msgs[i].Temporary && s.msgs[i].ClientID == m.ClientID {
				return i
			}
		}
	}
	for i := range s.msgs {
		if s.msgs[i].Temporary && s.msgs[i].SenderID == m.SenderID && s.msgs[i].Content == m.Content {
			return i
		}
	}
	return -1
}

// MarkAllRead flips read=true on every message not sent by viewerID. It is
// idempotent. The same operation serves both directions: the local user
// reading inbound messages, and a read receipt from the counterpart covering
// the messages the local user sent.
func (s *MessageStore) MarkAllRead(viewerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].SenderID != viewerID {
			s.msgs[i].Read = true
		}
	}
}

// Messages returns a snapshot of the log in order.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

// Len returns the number of entries in the log.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// Pending returns the temporary (unconfirmed) messages, in order. The UI
// renders these with a pending indicator rather than as delivered.
func (s *MessageStore) Pending() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.msgs {
		if m.Temporary {
			out = append(out, m)
		}
	}
	return out
}

// pendingByClientID returns a copy of the temporary message with the given
// client id, for retrying a send.
func (s *MessageStore) pendingByClientID(clientID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.Temporary && m.ClientID == clientID {
			return m, true
		}
	}
	return Message{}, false
}

// validContent reports whether content survives the send pipeline's
// emptiness check.
func validContent(content string) bool {
	return strings.TrimSpace(content) != ""
}
