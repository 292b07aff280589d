package carelink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a REST API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Role identifies which side of a conversation a participant is on.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// Participant is one side of a conversation.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// ============================================================================
// Messages
// ============================================================================

// Message is the canonical message shape used everywhere inside the SDK.
// Wire payloads are normalized into this form at the hydration boundary and
// never reach the message store in any other shape.
type Message struct {
	// ID is server-assigned. For optimistic entries it holds a provisional
	// "local-" prefixed value until the server echo is reconciled.
	ID string `json:"id"`

	// ClientID is the client-generated correlation id attached to outbound
	// sends. The server echoes it back, which lets reconciliation match an
	// optimistic entry without relying on content comparison.
	ClientID string `json:"clientId,omitempty"`

	ChatID   string    `json:"chatId"`
	SenderID string    `json:"senderId"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sentAt"`
	Read     bool      `json:"read"`

	// Temporary is true from optimistic insertion until the server-confirmed
	// echo replaces the entry. Temporary messages must be rendered with a
	// pending indicator.
	Temporary bool `json:"temporary,omitempty"`
}

// RoleMap resolves legacy role-tagged senders to participant ids.
type RoleMap struct {
	PatientID string
	DoctorID  string
}

// WireMessage is the tolerant decoding target for message history and
// realtime payloads. The platform has two historical sender conventions:
// newer servers set senderId to an opaque user id, older ones set sender to
// the literal "doctor" or "patient".
type WireMessage struct {
	ID        string `json:"id"`
	ClientID  string `json:"clientId,omitempty"`
	ChatID    string `json:"chatId,omitempty"`
	Sender    string `json:"sender,omitempty"`
	SenderID  string `json:"senderId,omitempty"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt,omitempty"`
	Read      bool   `json:"read,omitempty"`
}

// Normalize converts a wire message into the canonical shape. chatID wins
// over the payload's own chat id when the payload omits it.
func (w WireMessage) Normalize(chatID string, roles RoleMap) Message {
	senderID := w.SenderID
	if senderID == "" {
		switch Role(w.Sender) {
		case RoleDoctor:
			senderID = roles.DoctorID
		case RolePatient:
			senderID = roles.PatientID
		default:
			senderID = w.Sender
		}
	}

	cid := w.ChatID
	if cid == "" {
		cid = chatID
	}

	var sentAt time.Time
	if w.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
			sentAt = t
		} else if t, err := time.Parse(time.RFC3339, w.CreatedAt); err == nil {
			sentAt = t
		}
	}

	return Message{
		ID:       w.ID,
		ClientID: w.ClientID,
		ChatID:   cid,
		SenderID: senderID,
		Content:  w.Content,
		SentAt:   sentAt,
		Read:     w.Read,
	}
}

// DecodeHistory accepts both historical history-response shapes: a bare
// ordered array of messages, or an envelope object with a "messages" field.
func DecodeHistory(data []byte) ([]WireMessage, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env struct {
			Messages []WireMessage `json:"messages"`
		}
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("decode history envelope: %w", err)
		}
		return env.Messages, nil
	}

	var msgs []WireMessage
	if err := json.Unmarshal(trimmed, &msgs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return msgs, nil
}

// NormalizeHistory decodes either history shape and normalizes every entry,
// preserving server order.
func NormalizeHistory(data []byte, chatID string, roles RoleMap) ([]Message, error) {
	wire, err := DecodeHistory(data)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(wire))
	for _, w := range wire {
		msgs = append(msgs, w.Normalize(chatID, roles))
	}
	return msgs, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationSummary is one row of the chat list: counterpart info, the last
// message preview and the unread count. Summaries are refreshed wholesale by
// the ListAggregator; they are never mutated incrementally.
type ConversationSummary struct {
	ChatID      string      `json:"chatId"`
	Counterpart Participant `json:"counterpart"`
	LastMessage string      `json:"lastMessage,omitempty"`
	LastAt      time.Time   `json:"lastAt,omitempty"`
	UnreadCount int         `json:"unreadCount"`
}

// ============================================================================
// Chat Requests
// ============================================================================

// ChatRequestStatus is the lifecycle state of a patient-initiated request.
type ChatRequestStatus string

const (
	RequestPending  ChatRequestStatus = "pending"
	RequestApproved ChatRequestStatus = "approved"
	RequestRejected ChatRequestStatus = "rejected"
)

// ChatRequest is the patient-initiated, doctor-approved gate that must
// succeed before a conversation exists. The realtime core never mutates one;
// approval and rejection are REST side effects that trigger a chat-list
// refresh.
type ChatRequest struct {
	PatientID   string            `json:"patientId"`
	PatientName string            `json:"patientName,omitempty"`
	DoctorID    string            `json:"doctorId"`
	DoctorName  string            `json:"doctorName,omitempty"`
	Status      ChatRequestStatus `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
}
