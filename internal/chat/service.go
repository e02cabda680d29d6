package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/courierlabs/courier/backend/internal/presence"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingConnections = errors.New("connection resolver is required")
	errMissingSender      = errors.New("sender identifier is required")
	errMissingRecipient   = errors.New("recipient identifier is required")
	errMissingRoom        = errors.New("room identifier is required")
	errEmptyMessage       = errors.New("message text is required")
	errInvalidMember      = errors.New("room membership row has no user id")
	errInsertNotApplied   = errors.New("message insert affected no rows")
	noOpLogger            = zap.NewNop()

	// ErrMessageNotFound reports an acknowledgment for an unknown message id.
	ErrMessageNotFound = errors.New("chat: message not found")
)

// ServiceError wraps pipeline failures with a stable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "chat.service.new"
	opSendDirect  = "chat.send_direct_message"
	opSendRoom    = "chat.send_room_message"
	opReadRoom    = "chat.read_room_message"
	opReadSingle  = "chat.read_message"
	opReadAll     = "chat.read_all_messages"
	opUnreadCount = "chat.unread_count"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ConnectionResolver resolves the live connection for a user identity.
// Absence is not an error: the message stays durable and only the live
// notification is skipped.
type ConnectionResolver interface {
	Lookup(identity string) (presence.Connection, bool)
}

// ServiceConfig describes the dependencies of the delivery pipelines.
type ServiceConfig struct {
	Database    *gorm.DB
	Connections ConnectionResolver
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service runs the direct, room, and read-receipt pipelines. Persistence is
// authoritative; fan-out is best effort.
type Service struct {
	db          *gorm.DB
	connections ConnectionResolver
	clock       func() time.Time
	logger      *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Connections == nil {
		return nil, newServiceError(opServiceNew, "missing_connections", errMissingConnections)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:          cfg.Database,
		connections: cfg.Connections,
		clock:       clock,
		logger:      logger,
	}, nil
}

// SendDirectMessage persists a 1:1 message and fans delivery plus both
// parties' unread counters out to whoever is reachable. No transaction spans
// the steps: a crash after the insert leaves the message durable with
// notifications undelivered.
func (s *Service) SendDirectMessage(ctx context.Context, senderID, recipientID, text string) error {
	senderID = strings.TrimSpace(senderID)
	recipientID = strings.TrimSpace(recipientID)
	if senderID == "" {
		return newServiceError(opSendDirect, "missing_sender", errMissingSender)
	}
	if recipientID == "" {
		return newServiceError(opSendDirect, "missing_recipient", errMissingRecipient)
	}
	if strings.TrimSpace(text) == "" {
		return newServiceError(opSendDirect, "empty_message", errEmptyMessage)
	}

	row := Message{
		SendFromID:  senderID,
		SendToID:    &recipientID,
		MessageText: text,
		IsRead:      false,
		Timestamp:   s.clock().UTC(),
	}
	result := s.db.WithContext(ctx).Create(&row)
	if result.Error != nil {
		s.logError(opSendDirect, "insert_failed", result.Error,
			zap.String("send_from_id", senderID),
			zap.String("send_to_id", recipientID))
		return newServiceError(opSendDirect, "insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		s.logError(opSendDirect, "insert_not_applied", errInsertNotApplied,
			zap.String("send_from_id", senderID),
			zap.String("send_to_id", recipientID))
		return newServiceError(opSendDirect, "insert_not_applied", errInsertNotApplied)
	}

	// Re-read so fan-out carries the store-assigned id and timestamp.
	var stored Message
	if err := s.db.WithContext(ctx).Take(&stored, row.ID).Error; err != nil {
		s.logError(opSendDirect, "reload_failed", err, zap.Int64("message_id", row.ID))
		return newServiceError(opSendDirect, "reload_failed", err)
	}
	view := newMessageView(stored)

	s.push(senderID, presence.Envelope{Event: EventMessage, Payload: view})
	recipientReachable := s.push(recipientID, presence.Envelope{Event: EventMessage, Payload: view})

	// Sender perspective: how many unread messages the recipient has sent
	// to the sender.
	if amount, err := s.countDirectUnread(ctx, recipientID, senderID); err == nil {
		s.push(senderID, presence.Envelope{Event: EventChangeLastMessage, Payload: LastMessageInfo{
			SendFromID:           senderID,
			SendToID:             recipientID,
			LastMessage:          stored.MessageText,
			Timestamp:            stored.Timestamp,
			UnreadMessagesAmount: amount,
			ToSendingSocket:      true,
		}})
	}

	if recipientReachable {
		if amount, err := s.countDirectUnread(ctx, senderID, recipientID); err == nil {
			s.push(recipientID, presence.Envelope{Event: EventChangeLastMessage, Payload: LastMessageInfo{
				SendFromID:           senderID,
				SendToID:             recipientID,
				LastMessage:          stored.MessageText,
				Timestamp:            stored.Timestamp,
				UnreadMessagesAmount: amount,
				ToSendingSocket:      false,
			}})
		}
	}

	return nil
}

// SendRoomMessage atomically persists a room message together with one unread
// marker per other member, then fans delivery and per-member unread counts out
// post-commit. A failure inside the transaction rolls the whole write back so
// no partial marker set is ever observable.
func (s *Service) SendRoomMessage(ctx context.Context, senderID, roomID, text string) error {
	senderID = strings.TrimSpace(senderID)
	roomID = strings.TrimSpace(roomID)
	if senderID == "" {
		return newServiceError(opSendRoom, "missing_sender", errMissingSender)
	}
	if roomID == "" {
		return newServiceError(opSendRoom, "missing_room", errMissingRoom)
	}
	if strings.TrimSpace(text) == "" {
		return newServiceError(opSendRoom, "empty_message", errEmptyMessage)
	}

	var messageID int64
	var members []RoomMember
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := Message{
			SendFromID:  senderID,
			RoomID:      &roomID,
			MessageText: text,
			IsRead:      false,
			Timestamp:   s.clock().UTC(),
		}
		if err := tx.Create(&row).Error; err != nil {
			return newServiceError(opSendRoom, "insert_failed", err)
		}
		messageID = row.ID

		if err := tx.Where("room_id = ? AND user_id <> ?", roomID, senderID).Find(&members).Error; err != nil {
			return newServiceError(opSendRoom, "member_lookup_failed", err)
		}

		for _, member := range members {
			if strings.TrimSpace(member.UserID) == "" {
				return newServiceError(opSendRoom, "invalid_member", errInvalidMember)
			}
			marker := UnreadMarker{
				UnreadBy:  member.UserID,
				MessageID: row.ID,
				RoomID:    roomID,
			}
			if err := tx.Create(&marker).Error; err != nil {
				return newServiceError(opSendRoom, "marker_insert_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opSendRoom, "transaction_failed", txErr,
			zap.String("send_from_id", senderID),
			zap.String("room_id", roomID))
		return txErr
	}

	// Post-commit fan-out is best effort; the message exists regardless of
	// notification success.
	var stored Message
	if err := s.db.WithContext(ctx).Take(&stored, messageID).Error; err != nil {
		s.logError(opSendRoom, "reload_failed", err, zap.Int64("message_id", messageID))
		return nil
	}
	view := newMessageView(stored)

	for _, member := range members {
		s.push(member.UserID, presence.Envelope{Event: EventRoomMessageSend, Payload: view})
		s.push(member.UserID, presence.Envelope{Event: EventChangeLastRoomMessage, Payload: view})

		amount, err := s.countRoomUnread(ctx, roomID, member.UserID)
		if err != nil {
			continue
		}
		s.push(member.UserID, presence.Envelope{Event: EventChangeUnreadRoomMessagesAmount, Payload: RoomUnreadInfo{
			RoomID:               roomID,
			UnreadMessagesAmount: amount,
		}})
	}

	// Self-echo so the sender's UI updates without re-reading its own write.
	s.push(senderID, presence.Envelope{Event: EventRoomMessageSend, Payload: view})
	s.push(senderID, presence.Envelope{Event: EventChangeLastRoomMessage, Payload: view})

	return nil
}

// MarkRoomMessageRead removes the reader's unread marker for a room message,
// flags the message read, and pushes the recomputed per-room count. The
// marker delete is conditional: acknowledging an already-acknowledged message
// is a no-op, so a duplicate receipt can never drive the count down twice.
func (s *Service) MarkRoomMessageRead(ctx context.Context, readerID string, messageID int64, roomID string) error {
	readerID = strings.TrimSpace(readerID)
	roomID = strings.TrimSpace(roomID)
	if readerID == "" {
		return newServiceError(opReadRoom, "missing_reader", errMissingSender)
	}
	if roomID == "" {
		return newServiceError(opReadRoom, "missing_room", errMissingRoom)
	}

	result := s.db.WithContext(ctx).
		Where("unread_by = ? AND message_id = ? AND room_id = ?", readerID, messageID, roomID).
		Delete(&UnreadMarker{})
	if result.Error != nil {
		s.logError(opReadRoom, "marker_delete_failed", result.Error,
			zap.Int64("message_id", messageID),
			zap.String("unread_by", readerID))
		return newServiceError(opReadRoom, "marker_delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		// Already acknowledged; nothing left to decrement.
		s.logger.Debug("duplicate room read receipt ignored",
			zap.Int64("message_id", messageID),
			zap.String("unread_by", readerID))
		return nil
	}

	if err := s.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", messageID).
		Update("is_read", true).Error; err != nil {
		s.logError(opReadRoom, "flag_update_failed", err, zap.Int64("message_id", messageID))
		return newServiceError(opReadRoom, "flag_update_failed", err)
	}

	var stored Message
	if err := s.db.WithContext(ctx).Take(&stored, messageID).Error; err != nil {
		s.logError(opReadRoom, "reload_failed", err, zap.Int64("message_id", messageID))
		return newServiceError(opReadRoom, "reload_failed", err)
	}

	s.push(readerID, presence.Envelope{Event: EventReadRoomMessage, Payload: messageID})
	if stored.SendFromID != readerID {
		s.push(stored.SendFromID, presence.Envelope{Event: EventReadRoomMessage, Payload: messageID})
	}

	amount, err := s.countRoomUnread(ctx, roomID, readerID)
	if err != nil {
		return nil
	}
	s.push(readerID, presence.Envelope{Event: EventChangeUnreadRoomMessagesAmount, Payload: RoomUnreadInfo{
		RoomID:               roomID,
		UnreadMessagesAmount: amount,
	}})

	return nil
}

// MarkMessageRead flags one direct message read and pushes the reader's
// recomputed unread count for that conversation. The update is conditional on
// is_read=false so duplicate receipts are no-ops.
func (s *Service) MarkMessageRead(ctx context.Context, readerID string, messageID int64) error {
	readerID = strings.TrimSpace(readerID)
	if readerID == "" {
		return newServiceError(opReadSingle, "missing_reader", errMissingSender)
	}

	var stored Message
	if err := s.db.WithContext(ctx).Take(&stored, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opReadSingle, "message_not_found", ErrMessageNotFound)
		}
		s.logError(opReadSingle, "lookup_failed", err, zap.Int64("message_id", messageID))
		return newServiceError(opReadSingle, "lookup_failed", err)
	}

	result := s.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND is_read = ?", messageID, false).
		Update("is_read", true)
	if result.Error != nil {
		s.logError(opReadSingle, "flag_update_failed", result.Error, zap.Int64("message_id", messageID))
		return newServiceError(opReadSingle, "flag_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		s.logger.Debug("duplicate direct read receipt ignored", zap.Int64("message_id", messageID))
		return nil
	}

	s.push(readerID, presence.Envelope{Event: EventMessageRead, Payload: messageID})
	if stored.SendFromID != readerID {
		s.push(stored.SendFromID, presence.Envelope{Event: EventMessageRead, Payload: messageID})
	}

	amount, err := s.countDirectUnread(ctx, stored.SendFromID, readerID)
	if err != nil {
		return nil
	}
	s.push(readerID, presence.Envelope{Event: EventChangeUnreadMessagesAmount, Payload: DirectUnreadInfo{
		UnreadMessagesAmount: amount,
		SendFromID:           stored.SendFromID,
		SendToID:             readerID,
	}})

	return nil
}

// MarkAllMessagesRead bulk-flags every unread message from otherUserID to the
// reader and acknowledges both parties.
func (s *Service) MarkAllMessagesRead(ctx context.Context, readerID, otherUserID string) error {
	readerID = strings.TrimSpace(readerID)
	otherUserID = strings.TrimSpace(otherUserID)
	if readerID == "" {
		return newServiceError(opReadAll, "missing_reader", errMissingSender)
	}
	if otherUserID == "" {
		return newServiceError(opReadAll, "missing_other_user", errMissingRecipient)
	}

	if err := s.db.WithContext(ctx).Model(&Message{}).
		Where("send_to_id = ? AND send_from_id = ? AND is_read = ?", readerID, otherUserID, false).
		Update("is_read", true).Error; err != nil {
		s.logError(opReadAll, "bulk_update_failed", err,
			zap.String("send_to_id", readerID),
			zap.String("send_from_id", otherUserID))
		return newServiceError(opReadAll, "bulk_update_failed", err)
	}

	s.push(readerID, presence.Envelope{Event: EventAllMessagesRead, Payload: AllMessagesReadInfo{
		ToSendSocket: true,
		OtherUserID:  otherUserID,
		AuthUserID:   readerID,
	}})
	s.push(otherUserID, presence.Envelope{Event: EventAllMessagesRead, Payload: AllMessagesReadInfo{
		ToSendSocket: false,
		OtherUserID:  readerID,
		AuthUserID:   otherUserID,
	}})

	return nil
}

// countDirectUnread counts unread messages sent from fromID to toID.
func (s *Service) countDirectUnread(ctx context.Context, fromID, toID string) (int64, error) {
	var amount int64
	err := s.db.WithContext(ctx).Model(&Message{}).
		Where("send_from_id = ? AND send_to_id = ? AND is_read = ?", fromID, toID, false).
		Count(&amount).Error
	if err != nil {
		s.logError(opUnreadCount, "direct_count_failed", err,
			zap.String("send_from_id", fromID),
			zap.String("send_to_id", toID))
		return 0, newServiceError(opUnreadCount, "direct_count_failed", err)
	}
	return amount, nil
}

// countRoomUnread counts the member's outstanding unread markers in a room.
func (s *Service) countRoomUnread(ctx context.Context, roomID, userID string) (int64, error) {
	var amount int64
	err := s.db.WithContext(ctx).Model(&UnreadMarker{}).
		Where("room_id = ? AND unread_by = ?", roomID, userID).
		Count(&amount).Error
	if err != nil {
		s.logError(opUnreadCount, "room_count_failed", err,
			zap.String("room_id", roomID),
			zap.String("unread_by", userID))
		return 0, newServiceError(opUnreadCount, "room_count_failed", err)
	}
	return amount, nil
}

// push delivers an envelope to the identity's live connection if reachable.
// It reports reachability; send failures are logged and treated as a skipped
// notification.
func (s *Service) push(identity string, envelope presence.Envelope) bool {
	conn, ok := s.connections.Lookup(identity)
	if !ok {
		return false
	}
	if err := conn.Send(envelope); err != nil {
		s.logger.Debug("notification dropped",
			zap.String("identity", identity),
			zap.String("event", envelope.Event),
			zap.Error(err))
	}
	return true
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("chat pipeline error", attrs...)
}
