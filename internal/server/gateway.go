package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/courierlabs/courier/backend/internal/auth"
	"github.com/courierlabs/courier/backend/internal/chat"
	"github.com/courierlabs/courier/backend/internal/presence"
	"go.uber.org/zap"
)

// Inbound event names consumed from the transport, and the outbound names the
// gateway emits itself. Pipeline events live in the chat package.
const (
	EventUserID          = "userId"
	EventSendMessage     = "sendMessage"
	EventSendRoomMessage = "sendRoomMessage"
	EventRoomMessageRead = "roomMessageRead"
	EventAllMessagesRead = "allMessagesRead"
	EventMessageRead     = "messageRead"
	EventNewRoomCreated  = "newRoomCreated"
	EventSendFailed      = "sendFailed"
)

var (
	errMissingVerifier    = errors.New("credential verifier dependency required")
	errMissingChatService = errors.New("chat service dependency required")
	errMissingRegistry    = errors.New("presence registry dependency required")
)

type inboundEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type bindPayload struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

type sendMessagePayload struct {
	SendFromID  string `json:"send_from_id"`
	SendToID    string `json:"send_to_id"`
	MessageText string `json:"message_text"`
	Token       string `json:"token"`
}

type sendRoomMessagePayload struct {
	SendFromID  string `json:"sendFromId"`
	RoomID      string `json:"roomId"`
	MessageText string `json:"messageText"`
	Token       string `json:"token"`
}

type roomMessageReadPayload struct {
	MessageID     int64  `json:"messageId"`
	RoomID        string `json:"roomId"`
	SendFromID    string `json:"sendFromId"`
	MsgSendFromID string `json:"msgSendFromId"`
}

type allMessagesReadPayload struct {
	OtherUserID string `json:"otherUserId"`
	Token       string `json:"token"`
}

type messageReadPayload struct {
	MessageID  int64  `json:"messageId"`
	SendFromID string `json:"sendFromId"`
	SendToID   string `json:"sendToId"`
	Token      string `json:"token"`
}

type newRoomCreatedPayload struct {
	RoomID           string   `json:"roomId"`
	SocketMembersIDs []string `json:"socketMembersIds"`
}

type failurePayload struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

// CredentialChecker validates the bearer credential attached to privileged
// inbound events.
type CredentialChecker interface {
	VerifyCredential(token string) (auth.Claims, error)
}

// ChatService runs the delivery and read-receipt pipelines.
type ChatService interface {
	SendDirectMessage(ctx context.Context, senderID, recipientID, text string) error
	SendRoomMessage(ctx context.Context, senderID, roomID, text string) error
	MarkRoomMessageRead(ctx context.Context, readerID string, messageID int64, roomID string) error
	MarkMessageRead(ctx context.Context, readerID string, messageID int64) error
	MarkAllMessagesRead(ctx context.Context, readerID, otherUserID string) error
}

// Roster mirrors presence transitions into durable storage.
type Roster interface {
	MarkOnline(ctx context.Context, identity string) error
	MarkOffline(ctx context.Context, identity string) error
}

// Dependencies wires the gateway to its collaborators.
type Dependencies struct {
	Verifier         CredentialChecker
	Chat             ChatService
	Registry         *presence.Registry
	Roster           Roster
	Logger           *zap.Logger
	AnnouncePresence bool
}

// Gateway authenticates inbound transport events and routes them to the
// pipelines. Every failure is scoped to one event or one session; nothing
// here is fatal to the process.
type Gateway struct {
	verifier CredentialChecker
	chat     ChatService
	registry *presence.Registry
	roster   Roster
	logger   *zap.Logger
	announce bool
}

func NewGateway(deps Dependencies) (*Gateway, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Chat == nil {
		return nil, errMissingChatService
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Gateway{
		verifier: deps.Verifier,
		chat:     deps.Chat,
		registry: deps.Registry,
		roster:   deps.Roster,
		logger:   logger,
		announce: deps.AnnouncePresence,
	}, nil
}

func (g *Gateway) dispatch(ctx context.Context, client presence.Connection, envelope inboundEnvelope) {
	switch envelope.Event {
	case EventUserID:
		g.handleBind(ctx, client, envelope.Payload)
	case EventSendMessage:
		g.handleSendMessage(ctx, client, envelope.Payload)
	case EventSendRoomMessage:
		g.handleSendRoomMessage(ctx, client, envelope.Payload)
	case EventRoomMessageRead:
		g.handleRoomMessageRead(ctx, client, envelope.Payload)
	case EventAllMessagesRead:
		g.handleAllMessagesRead(ctx, client, envelope.Payload)
	case EventMessageRead:
		g.handleMessageRead(ctx, client, envelope.Payload)
	case EventNewRoomCreated:
		g.handleNewRoomCreated(client, envelope.Payload)
	default:
		g.logger.Debug("unknown inbound event", zap.String("event", envelope.Event))
	}
}

// handleBind authenticates the credential and records the identity/connection
// pair. The identity is taken from the verified credential subject; the
// payload id is only an untrusted hint and a mismatch rejects the bind.
func (g *Gateway) handleBind(ctx context.Context, client presence.Connection, raw json.RawMessage) {
	var payload bindPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		g.failAck(client, EventUserID, "malformed_payload")
		return
	}

	claims, err := g.verifier.VerifyCredential(payload.Token)
	if err != nil {
		g.rejectSession(client, EventUserID, err)
		return
	}
	identity := claims.Subject
	if payload.ID != "" && payload.ID != identity {
		g.failAck(client, EventUserID, "identity_mismatch")
		return
	}

	if revoked := g.registry.Bind(identity, client); revoked != nil {
		g.logger.Info("previous connection revoked",
			zap.String("identity", identity),
			zap.String("connection_id", revoked.ID()))
	}
	if g.roster != nil {
		if err := g.roster.MarkOnline(ctx, identity); err != nil {
			g.logger.Warn("roster update failed", zap.String("identity", identity), zap.Error(err))
		}
	}
	if g.announce {
		g.registry.AnnounceOnline(identity)
	}
	g.logger.Info("identity bound",
		zap.String("identity", identity),
		zap.String("connection_id", client.ID()))
}

func (g *Gateway) handleSendMessage(ctx context.Context, client presence.Connection, raw json.RawMessage) {
	var payload sendMessagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		g.failAck(client, EventSendMessage, "malformed_payload")
		return
	}
	actor, ok := g.authorize(client, EventSendMessage, payload.Token, payload.SendFromID)
	if !ok {
		return
	}

	if err := g.chat.SendDirectMessage(ctx, actor, payload.SendToID, payload.MessageText); err != nil {
		g.failAck(client, EventSendMessage, failureReason(err))
	}
}

func (g *Gateway) handleSendRoomMessage(ctx context.Context, client presence.Connection, raw json.RawMessage) {
	var payload sendRoomMessagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		g.failAck(client, EventSendRoomMessage, "malformed_payload")
		return
	}
	actor, ok := g.authorize(client, EventSendRoomMessage, payload.Token, payload.SendFromID)
	if !ok {
		return
	}

	if err := g.chat.SendRoomMessage(ctx, actor, payload.RoomID, payload.MessageText); err != nil {
		g.failAck(client, EventSendRoomMessage, failureReason(err))
	}
}

func (g *Gateway) handleRoomMessageRead(ctx context.Context, client presence.Connection, raw json.RawMessage) {
	var payload roomMessageReadPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		g.failAck(client, EventRoomMessageRead, "malformed_payload")
		return
	}
	reader, ok := g.registry.IdentityOf(client)
	if !ok {
		g.failAck(client, EventRoomMessageRead, "not_bound")
		return
	}

	if err := g.chat.MarkRoomMessageRead(ctx, reader, payload.MessageID, payload.RoomID); err != nil {
		g.failAck(client, EventRoomMessageRead, failureReason(err))
	}
}

func (g *Gateway) handleAllMessagesRead(ctx context.Context, client presence.Connection, raw json.RawMessage) {
	var payload allMessagesReadPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		g.failAck(client, EventAllMessagesRead, "malformed_payload")
		return
	}
	actor, ok := g.authorize(client, EventAllMessagesRead, payload.Token, "")
	if !ok {
		return
	}

	if err := g.chat.MarkAllMessagesRead(ctx, actor, payload.OtherUserID); err != nil {
		g.failAck(client, EventAllMessagesRead, failureReason(err))
	}
}

func (g *Gateway) handleMessageRead(ctx context.Context, client presence.Connection, raw json.RawMessage) {
	var payload messageReadPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		g.failAck(client, EventMessageRead, "malformed_payload")
		return
	}
	actor, ok := g.authorize(client, EventMessageRead, payload.Token, "")
	if !ok {
		return
	}

	if err := g.chat.MarkMessageRead(ctx, actor, payload.MessageID); err != nil {
		g.failAck(client, EventMessageRead, failureReason(err))
	}
}

func (g *Gateway) handleNewRoomCreated(client presence.Connection, raw json.RawMessage) {
	var payload newRoomCreatedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		g.failAck(client, EventNewRoomCreated, "malformed_payload")
		return
	}

	for _, memberID := range payload.SocketMembersIDs {
		if conn, ok := g.registry.Lookup(memberID); ok {
			_ = conn.Send(presence.Envelope{Event: EventNewRoomCreated, Payload: payload.RoomID})
		}
	}
}

// authorize re-checks the credential and resolves the acting identity from
// the bound connection. The payload-supplied sender id is an untrusted hint:
// it must either be empty or match the bound identity.
func (g *Gateway) authorize(client presence.Connection, event, token, senderHint string) (string, bool) {
	if _, err := g.verifier.VerifyCredential(token); err != nil {
		g.rejectSession(client, event, err)
		return "", false
	}
	actor, ok := g.registry.IdentityOf(client)
	if !ok {
		g.failAck(client, event, "not_bound")
		return "", false
	}
	if senderHint != "" && senderHint != actor {
		g.failAck(client, event, "sender_mismatch")
		return "", false
	}
	return actor, true
}

// rejectSession handles credential failure: the session is torn down and the
// triggering event is suppressed. Failure is always fatal to the session,
// never to the process.
func (g *Gateway) rejectSession(client presence.Connection, event string, err error) {
	g.logger.Warn("credential rejected",
		zap.String("event", event),
		zap.String("connection_id", client.ID()),
		zap.Error(err))
	g.teardown(client)
}

// teardown removes the presence binding, mirrors the transition into the
// roster, announces the identity offline, and closes the connection.
func (g *Gateway) teardown(client presence.Connection) {
	if identity, ok := g.registry.Unbind(client); ok {
		if g.roster != nil {
			if err := g.roster.MarkOffline(context.Background(), identity); err != nil {
				g.logger.Warn("roster update failed", zap.String("identity", identity), zap.Error(err))
			}
		}
		if g.announce {
			g.registry.AnnounceOffline(identity)
		}
		g.logger.Info("identity unbound", zap.String("identity", identity))
	}
	_ = client.Close()
}

func (g *Gateway) failAck(client presence.Connection, event, reason string) {
	_ = client.Send(presence.Envelope{Event: EventSendFailed, Payload: failurePayload{
		Event:  event,
		Reason: reason,
	}})
}

func failureReason(err error) string {
	if errors.Is(err, chat.ErrMessageNotFound) {
		return "message_not_found"
	}
	var serviceErr *chat.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return "internal_error"
}
