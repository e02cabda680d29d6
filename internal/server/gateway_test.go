package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/courierlabs/courier/backend/internal/auth"
	"github.com/courierlabs/courier/backend/internal/chat"
	"github.com/courierlabs/courier/backend/internal/presence"
	"github.com/courierlabs/courier/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const gatewaySigningSecret = "gateway-test-secret"

type testConn struct {
	id string

	mu     sync.Mutex
	sent   []presence.Envelope
	closed bool
}

func (c *testConn) ID() string { return c.id }

func (c *testConn) Send(envelope presence.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, envelope)
	return nil
}

func (c *testConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *testConn) eventsOf(name string) []presence.Envelope {
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

func (c *testConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type gatewayFixture struct {
	gateway  *Gateway
	registry *presence.Registry
	db       *gorm.DB
	issuer   *auth.TokenIssuer
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:courier_gateway_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&chat.Message{}, &chat.RoomMember{}, &chat.UnreadMarker{}, &users.OnlineUser{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	registry := presence.NewRegistry()
	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:    db,
		Connections: registry,
	})
	if err != nil {
		t.Fatalf("failed to construct chat service: %v", err)
	}
	roster, err := users.NewRosterService(users.RosterServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct roster service: %v", err)
	}

	verifier, err := auth.NewCredentialVerifier(auth.CredentialVerifierConfig{
		SigningSecret: []byte(gatewaySigningSecret),
		Issuer:        "courier-auth",
		Audience:      "courier-api",
	})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(gatewaySigningSecret),
		Issuer:        "courier-auth",
		Audience:      "courier-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}

	gateway, err := NewGateway(Dependencies{
		Verifier:         verifier,
		Chat:             chatService,
		Registry:         registry,
		Roster:           roster,
		AnnouncePresence: true,
	})
	if err != nil {
		t.Fatalf("failed to construct gateway: %v", err)
	}

	return &gatewayFixture{
		gateway:  gateway,
		registry: registry,
		db:       db,
		issuer:   issuer,
	}
}

func (f *gatewayFixture) token(t *testing.T, subject string) string {
	t.Helper()
	token, _, err := f.issuer.IssueToken(subject)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f *gatewayFixture) bind(t *testing.T, identity string) *testConn {
	t.Helper()
	conn := &testConn{id: "conn-" + identity}
	f.dispatch(t, conn, EventUserID, map[string]any{
		"id":    identity,
		"token": f.token(t, identity),
	})
	if _, ok := f.registry.Lookup(identity); !ok {
		t.Fatalf("expected %s to be bound", identity)
	}
	return conn
}

func (f *gatewayFixture) dispatch(t *testing.T, conn presence.Connection, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	f.gateway.dispatch(context.Background(), conn, inboundEnvelope{Event: event, Payload: raw})
}

func TestGatewayBindsVerifiedIdentity(t *testing.T) {
	fixture := newGatewayFixture(t)
	conn := fixture.bind(t, "u1")

	identity, ok := fixture.registry.IdentityOf(conn)
	if !ok || identity != "u1" {
		t.Fatalf("expected connection to resolve to u1, got %q", identity)
	}

	var roster int64
	if err := fixture.db.Model(&users.OnlineUser{}).Where("id = ?", "u1").Count(&roster).Error; err != nil {
		t.Fatalf("failed to count roster: %v", err)
	}
	if roster != 1 {
		t.Fatalf("expected roster row for u1")
	}
}

func TestGatewayBindAnnouncesToOthers(t *testing.T) {
	fixture := newGatewayFixture(t)
	first := fixture.bind(t, "u1")
	fixture.bind(t, "u2")

	online := first.eventsOf(presence.EventUserOnline)
	if len(online) != 1 || online[0].Payload != "u2" {
		t.Fatalf("expected u1 to see u2 come online, got %#v", online)
	}
}

func TestGatewayBindRejectsInvalidCredential(t *testing.T) {
	fixture := newGatewayFixture(t)
	conn := &testConn{id: "conn-bad"}

	fixture.dispatch(t, conn, EventUserID, map[string]any{
		"id":    "u1",
		"token": "not-a-token",
	})

	if !conn.isClosed() {
		t.Fatalf("expected connection to be closed on credential failure")
	}
	if _, ok := fixture.registry.Lookup("u1"); ok {
		t.Fatalf("identity must not be bound after credential failure")
	}
}

func TestGatewayExpiredCredentialTearsDownSession(t *testing.T) {
	fixture := newGatewayFixture(t)
	conn := fixture.bind(t, "u1")

	staleIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(gatewaySigningSecret),
		Issuer:        "courier-auth",
		Audience:      "courier-api",
		TokenTTL:      30 * time.Minute,
		Clock:         func() time.Time { return time.Now().Add(-2 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("failed to construct stale issuer: %v", err)
	}
	expired, _, err := staleIssuer.IssueToken("u1")
	if err != nil {
		t.Fatalf("failed to issue expired token: %v", err)
	}

	fixture.dispatch(t, conn, EventSendMessage, map[string]any{
		"send_from_id": "u1",
		"send_to_id":   "u2",
		"message_text": "hi",
		"token":        expired,
	})

	if !conn.isClosed() {
		t.Fatalf("expected session teardown on expired credential")
	}
	if _, ok := fixture.registry.Lookup("u1"); ok {
		t.Fatalf("expected u1 to be unbound")
	}

	var messages int64
	if err := fixture.db.Model(&chat.Message{}).Count(&messages).Error; err != nil {
		t.Fatalf("failed to count messages: %v", err)
	}
	if messages != 0 {
		t.Fatalf("suppressed event must not persist a message")
	}
}

func TestGatewayRejectsSenderMismatch(t *testing.T) {
	fixture := newGatewayFixture(t)
	conn := fixture.bind(t, "u1")

	fixture.dispatch(t, conn, EventSendMessage, map[string]any{
		"send_from_id": "u9",
		"send_to_id":   "u2",
		"message_text": "spoofed",
		"token":        fixture.token(t, "u1"),
	})

	failures := conn.eventsOf(EventSendFailed)
	if len(failures) != 1 {
		t.Fatalf("expected one failure ack, got %d", len(failures))
	}
	ack := failures[0].Payload.(failurePayload)
	if ack.Event != EventSendMessage || ack.Reason != "sender_mismatch" {
		t.Fatalf("unexpected failure ack %#v", ack)
	}
	if _, ok := fixture.registry.Lookup("u1"); !ok {
		t.Fatalf("a spoofed sender hint must not tear down the session")
	}
}

func TestGatewayRequiresBindingBeforeSending(t *testing.T) {
	fixture := newGatewayFixture(t)
	conn := &testConn{id: "conn-unbound"}

	fixture.dispatch(t, conn, EventSendMessage, map[string]any{
		"send_to_id":   "u2",
		"message_text": "hello",
		"token":        fixture.token(t, "u1"),
	})

	failures := conn.eventsOf(EventSendFailed)
	if len(failures) != 1 || failures[0].Payload.(failurePayload).Reason != "not_bound" {
		t.Fatalf("expected not_bound failure ack, got %#v", failures)
	}
}

func TestGatewayDeliversDirectMessage(t *testing.T) {
	fixture := newGatewayFixture(t)
	sender := fixture.bind(t, "u1")
	recipient := fixture.bind(t, "u2")

	fixture.dispatch(t, sender, EventSendMessage, map[string]any{
		"send_from_id": "u1",
		"send_to_id":   "u2",
		"message_text": "hi",
		"token":        fixture.token(t, "u1"),
	})

	deliveries := recipient.eventsOf(chat.EventMessage)
	if len(deliveries) != 1 {
		t.Fatalf("expected delivery to recipient, got %d", len(deliveries))
	}
	view := deliveries[0].Payload.(chat.MessageView)
	if view.MessageText != "hi" || view.IsRead {
		t.Fatalf("unexpected message view %#v", view)
	}

	if len(sender.eventsOf(chat.EventChangeLastMessage)) != 1 {
		t.Fatalf("expected sender preview")
	}
}

func TestGatewayMessageReadUnknownIDAcksFailure(t *testing.T) {
	fixture := newGatewayFixture(t)
	conn := fixture.bind(t, "u1")

	fixture.dispatch(t, conn, EventMessageRead, map[string]any{
		"messageId": 999,
		"token":     fixture.token(t, "u1"),
	})

	failures := conn.eventsOf(EventSendFailed)
	if len(failures) != 1 || failures[0].Payload.(failurePayload).Reason != "message_not_found" {
		t.Fatalf("expected message_not_found ack, got %#v", failures)
	}
}

func TestGatewayNewRoomCreatedFansOutToListedMembers(t *testing.T) {
	fixture := newGatewayFixture(t)
	creator := fixture.bind(t, "u1")
	memberTwo := fixture.bind(t, "u2")
	memberThree := fixture.bind(t, "u3")

	fixture.dispatch(t, creator, EventNewRoomCreated, map[string]any{
		"roomId":           "room-9",
		"socketMembersIds": []string{"u2", "u3", "u4"},
	})

	for _, conn := range []*testConn{memberTwo, memberThree} {
		notices := conn.eventsOf(EventNewRoomCreated)
		if len(notices) != 1 || notices[0].Payload != "room-9" {
			t.Fatalf("expected room notice on %s, got %#v", conn.ID(), notices)
		}
	}
	if len(creator.eventsOf(EventNewRoomCreated)) != 0 {
		t.Fatalf("creator was not in the member list and must not be notified")
	}
}

func TestGatewayTeardownAnnouncesOffline(t *testing.T) {
	fixture := newGatewayFixture(t)
	watcher := fixture.bind(t, "u1")
	leaver := fixture.bind(t, "u2")

	fixture.gateway.teardown(leaver)

	offline := watcher.eventsOf(presence.EventUserOffline)
	if len(offline) != 1 || offline[0].Payload != "u2" {
		t.Fatalf("expected offline announcement for u2, got %#v", offline)
	}
	if !leaver.isClosed() {
		t.Fatalf("expected connection to be closed")
	}

	var roster int64
	if err := fixture.db.Model(&users.OnlineUser{}).Where("id = ?", "u2").Count(&roster).Error; err != nil {
		t.Fatalf("failed to count roster: %v", err)
	}
	if roster != 0 {
		t.Fatalf("expected roster row to be removed")
	}
}
