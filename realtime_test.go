package carelink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

type fakeTransport struct {
	mu     sync.Mutex
	in     chan []byte
	writes [][]byte
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16)}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-t.in:
		if !ok {
			return nil, errors.New("connection reset")
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, data)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) push(env Envelope) {
	data, _ := json.Marshal(env)
	t.in <- data
}

func (t *fakeTransport) writeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes)
}

// fakeDialer hands out a fresh transport per dial and counts the dials.
type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	transports []*fakeTransport
	err        error
}

func (d *fakeDialer) dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestConnectionManager(t *testing.T) {
	ctx := context.Background()

	t.Run("connect is idempotent", func(t *testing.T) {
		d := &fakeDialer{}
		mgr := NewConnectionManager("https://example.test", d.dial, zerolog.Nop())

		c1, err := mgr.Connect(ctx, "tok")
		if err != nil {
			t.Fatal(err)
		}
		c2, err := mgr.Connect(ctx, "tok")
		if err != nil {
			t.Fatal(err)
		}
		if c1 != c2 {
			t.Fatal("expected the same connection handle")
		}
		if d.dials != 1 {
			t.Fatalf("expected 1 dial, got %d", d.dials)
		}
		if c1.State() != StateConnected {
			t.Fatalf("expected connected, got %s", c1.State())
		}
		mgr.Disconnect()
	})

	t.Run("failed dial leaves nothing behind", func(t *testing.T) {
		d := &fakeDialer{err: errors.New("refused")}
		mgr := NewConnectionManager("https://example.test", d.dial, zerolog.Nop())

		if _, err := mgr.Connect(ctx, "tok"); err == nil {
			t.Fatal("expected dial error")
		}
		if mgr.Current() != nil {
			t.Fatal("failed connect must not register a connection")
		}
	})

	t.Run("disconnect clears the handle and kills sends", func(t *testing.T) {
		d := &fakeDialer{}
		mgr := NewConnectionManager("https://example.test", d.dial, zerolog.Nop())

		conn, err := mgr.Connect(ctx, "tok")
		if err != nil {
			t.Fatal(err)
		}
		mgr.Disconnect()

		if mgr.Current() != nil {
			t.Fatal("handle should be cleared")
		}
		if err := conn.SendMessage(ctx, "c1", "hi", "cid"); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
		if !d.transports[0].closed {
			t.Fatal("transport left open")
		}

		// A later connect dials fresh.
		if _, err := mgr.Connect(ctx, "tok"); err != nil {
			t.Fatal(err)
		}
		if d.dials != 2 {
			t.Fatalf("expected 2 dials, got %d", d.dials)
		}
		mgr.Disconnect()
	})

	t.Run("expired jwt is rejected before dialing", func(t *testing.T) {
		d := &fakeDialer{}
		mgr := NewConnectionManager("https://example.test", d.dial, zerolog.Nop())

		_, err := mgr.Connect(ctx, signedToken(t, time.Now().Add(-time.Hour)))
		if !errors.Is(err, ErrTokenExpired) {
			t.Fatalf("expected ErrTokenExpired, got %v", err)
		}
		if d.dials != 0 {
			t.Fatalf("expired token must not dial, got %d dials", d.dials)
		}
	})

	t.Run("valid jwt and opaque tokens connect", func(t *testing.T) {
		d := &fakeDialer{}
		mgr := NewConnectionManager("https://example.test", d.dial, zerolog.Nop())

		if _, err := mgr.Connect(ctx, signedToken(t, time.Now().Add(time.Hour))); err != nil {
			t.Fatal(err)
		}
		mgr.Disconnect()
		if _, err := mgr.Connect(ctx, "opaque-session-token"); err != nil {
			t.Fatal(err)
		}
		mgr.Disconnect()
	})

	t.Run("realtime url derives from the api origin", func(t *testing.T) {
		mgr := NewConnectionManager("https://api.carelink.health/", nil, zerolog.Nop())
		got := mgr.RealtimeURL("tok")
		if got != "wss://api.carelink.health/ws?token=tok" {
			t.Fatalf("got %q", got)
		}
	})
}

func TestConnectionEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("events dispatch in arrival order", func(t *testing.T) {
		d := &fakeDialer{}
		mgr := NewConnectionManager("https://example.test", d.dial, zerolog.Nop())
		conn, err := mgr.Connect(ctx, "tok")
		if err != nil {
			t.Fatal(err)
		}
		defer mgr.Disconnect()

		var mu sync.Mutex
		var seen []string
		done := make(chan struct{})
		conn.OnNewMessage(func(p NewMessagePayload) {
			mu.Lock()
			seen = append(seen, p.Message.ID)
			n := len(seen)
			mu.Unlock()
			if n == 2 {
				close(done)
			}
		})

		tr := d.transports[0]
		p1, _ := json.Marshal(NewMessagePayload{ChatID: "c1", Message: WireMessage{ID: "m1"}})
		p2, _ := json.Marshal(NewMessagePayload{ChatID: "c1", Message: WireMessage{ID: "m2"}})
		tr.push(Envelope{Type: "new-message", Payload: p1})
		tr.push(Envelope{Type: "new-message", Payload: p2})

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
		mu.Lock()
		defer mu.Unlock()
		if seen[0] != "m1" || seen[1] != "m2" {
			t.Fatalf("order broken: %v", seen)
		}
	})

	t.Run("a handler may register more handlers", func(t *testing.T) {
		d := &fakeDialer{}
		mgr := NewConnectionManager("https://example.test", d.dial, zerolog.Nop())
		conn, err := mgr.Connect(ctx, "tok")
		if err != nil {
			t.Fatal(err)
		}
		defer mgr.Disconnect()

		var mu sync.Mutex
		var late []string
		first := make(chan struct{})
		var once sync.Once
		conn.OnNewMessage(func(NewMessagePayload) {
			conn.OnNewMessage(func(p NewMessagePayload) {
				mu.Lock()
				late = append(late, p.Message.ID)
				mu.Unlock()
			})
			once.Do(func() { close(first) })
		})

		tr := d.transports[0]
		p1, _ := json.Marshal(NewMessagePayload{Message: WireMessage{ID: "m1"}})
		tr.push(Envelope{Type: "new-message", Payload: p1})

		select {
		case <-first:
		case <-time.After(2 * time.Second):
			t.Fatal("dispatch deadlocked on handler registration")
		}

		p2, _ := json.Marshal(NewMessagePayload{Message: WireMessage{ID: "m2"}})
		tr.push(Envelope{Type: "new-message", Payload: p2})

		deadline := time.After(2 * time.Second)
		for {
			mu.Lock()
			n := len(late)
			var head string
			if n > 0 {
				head = late[0]
			}
			mu.Unlock()
			if n > 0 {
				if head != "m2" {
					t.Fatalf("late handler saw %q", head)
				}
				break
			}
			select {
			case <-deadline:
				t.Fatal("late handler never saw the next event")
			case <-time.After(5 * time.Millisecond):
			}
		}
	})

	t.Run("transport loss fires disconnected and fails later sends", func(t *testing.T) {
		d := &fakeDialer{}
		mgr := NewConnectionManager("https://example.test", d.dial, zerolog.Nop())
		conn, err := mgr.Connect(ctx, "tok")
		if err != nil {
			t.Fatal(err)
		}
		defer mgr.Disconnect()

		lost := make(chan string, 1)
		conn.OnDisconnected(func(reason string) { lost <- reason })

		close(d.transports[0].in)

		select {
		case reason := <-lost:
			if reason == "" {
				t.Fatal("expected a reason")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("disconnect handler never fired")
		}
		if conn.State() != StateError {
			t.Fatalf("expected error state, got %s", conn.State())
		}
		if err := conn.SendMessage(ctx, "c1", "hi", "cid"); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("commands carry the wire shape", func(t *testing.T) {
		d := &fakeDialer{}
		mgr := NewConnectionManager("https://example.test", d.dial, zerolog.Nop())
		conn, err := mgr.Connect(ctx, "tok")
		if err != nil {
			t.Fatal(err)
		}
		defer mgr.Disconnect()

		if err := conn.SendMessage(ctx, "c1", "hello", "cid-1"); err != nil {
			t.Fatal(err)
		}
		if err := conn.MarkRead(ctx, "c1"); err != nil {
			t.Fatal(err)
		}

		tr := d.transports[0]
		if tr.writeCount() != 2 {
			t.Fatalf("expected 2 writes, got %d", tr.writeCount())
		}
		var cmd struct {
			Type    string            `json:"type"`
			Payload map[string]string `json:"payload"`
		}
		tr.mu.Lock()
		first := tr.writes[0]
		tr.mu.Unlock()
		if err := json.Unmarshal(first, &cmd); err != nil {
			t.Fatal(err)
		}
		if cmd.Type != "send-message" || cmd.Payload["clientId"] != "cid-1" || cmd.Payload["content"] != "hello" {
			t.Fatalf("unexpected command: %+v", cmd)
		}
	})
}
