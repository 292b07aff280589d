package carelink

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// roomConn is the slice of Connection the tracker needs.
type roomConn interface {
	JoinRoom(ctx context.Context, chatID string) error
	LeaveRoom(ctx context.Context, chatID string) error
}

// RoomTracker guarantees at most one joined room per chat view. Switching
// chats leaves the old room before joining the new one; a room that fails to
// join is not recorded, so a later switch never leaks it.
type RoomTracker struct {
	mu      sync.Mutex
	conn    roomConn
	current string
	logger  zerolog.Logger
}

// NewRoomTracker creates a tracker bound to one connection.
func NewRoomTracker(conn roomConn, logger zerolog.Logger) *RoomTracker {
	return &RoomTracker{conn: conn, logger: logger}
}

// SwitchTo leaves the currently joined room (if any) and joins chatID.
// Calling it again with the same id is a no-op; calling it with "" means
// leave everything. Calls are serialized, so under rapid switching the last
// caller's room is the only one left joined.
func (r *RoomTracker) SwitchTo(ctx context.Context, chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if chatID == r.current {
		return nil
	}

	if r.current != "" {
		if err := r.conn.LeaveRoom(ctx, r.current); err != nil {
			r.logger.Warn().Err(err).Str("chat", r.current).Msg("leave room failed")
		}
		r.current = ""
	}

	if chatID == "" {
		return nil
	}

	if err := r.conn.JoinRoom(ctx, chatID); err != nil {
		return err
	}
	r.current = chatID
	return nil
}

// Current returns the joined room, or "" when none is joined.
func (r *RoomTracker) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Close leaves whatever room is joined. Views must call this on teardown;
// a room left joined keeps the server streaming events nobody consumes.
func (r *RoomTracker) Close(ctx context.Context) error {
	return r.SwitchTo(ctx, "")
}
