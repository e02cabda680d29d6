package chat

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/courierlabs/courier/backend/internal/presence"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeConn struct {
	id string

	mu   sync.Mutex
	sent []presence.Envelope
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(envelope presence.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, envelope)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) eventsOf(name string) []presence.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]presence.Envelope, 0, len(c.sent))
	for _, envelope := range c.sent {
		if envelope.Event == name {
			out = append(out, envelope)
		}
	}
	return out
}

func (c *fakeConn) eventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeHub struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
}

func newFakeHub() *fakeHub {
	return &fakeHub{conns: make(map[string]*fakeConn)}
}

func (h *fakeHub) bind(identity string) *fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn := &fakeConn{id: "conn-" + identity}
	h.conns[identity] = conn
	return conn
}

func (h *fakeHub) Lookup(identity string) (presence.Connection, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[identity]
	return conn, ok
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *fakeHub) {
	t.Helper()

	dsn := fmt.Sprintf("file:courier_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Message{}, &RoomMember{}, &UnreadMarker{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	hub := newFakeHub()
	clock := func() time.Time { return time.Unix(1780000000, 0).UTC() }

	service, err := NewService(ServiceConfig{
		Database:    db,
		Connections: hub,
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("failed to construct chat service: %v", err)
	}

	return service, db, hub
}

func seedRoom(t *testing.T, db *gorm.DB, roomID string, memberIDs ...string) {
	t.Helper()
	for _, memberID := range memberIDs {
		if err := db.Create(&RoomMember{RoomID: roomID, UserID: memberID}).Error; err != nil {
			t.Fatalf("failed to seed member %q: %v", memberID, err)
		}
	}
}
