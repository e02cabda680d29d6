package chat

import "time"

// Outbound event names pushed through the presence registry.
const (
	EventMessage                        = "message"
	EventChangeLastMessage              = "changeLastMessage"
	EventRoomMessageSend                = "roomMessageSend"
	EventChangeLastRoomMessage          = "changeLastRoomMessage"
	EventChangeUnreadRoomMessagesAmount = "changeUnreadRoomMessagesAmount"
	EventReadRoomMessage                = "readRoomMessage"
	EventChangeUnreadMessagesAmount     = "changeUnreadMessagesAmount"
	EventAllMessagesRead                = "allMessagesRead"
	EventMessageRead                    = "messageRead"
)

// MessageView is the wire shape of a persisted message row.
type MessageView struct {
	ID          int64     `json:"id"`
	SendFromID  string    `json:"send_from_id"`
	SendToID    *string   `json:"send_to_id,omitempty"`
	RoomID      *string   `json:"room_id,omitempty"`
	MessageText string    `json:"message_text"`
	IsRead      bool      `json:"is_read"`
	Timestamp   time.Time `json:"timestamp"`
}

func newMessageView(message Message) MessageView {
	return MessageView{
		ID:          message.ID,
		SendFromID:  message.SendFromID,
		SendToID:    message.SendToID,
		RoomID:      message.RoomID,
		MessageText: message.MessageText,
		IsRead:      message.IsRead,
		Timestamp:   message.Timestamp,
	}
}

// LastMessageInfo carries the conversation preview and unread counter pushed
// to each party of a direct conversation.
type LastMessageInfo struct {
	SendFromID           string    `json:"send_from_id"`
	SendToID             string    `json:"send_to_id"`
	LastMessage          string    `json:"last_message"`
	Timestamp            time.Time `json:"timestamp"`
	UnreadMessagesAmount int64     `json:"unread_messages_amount"`
	ToSendingSocket      bool      `json:"toSendingSocket"`
}

// RoomUnreadInfo carries a member's recomputed per-room unread marker count.
type RoomUnreadInfo struct {
	RoomID               string `json:"roomId"`
	UnreadMessagesAmount int64  `json:"unreadMessagesAmount"`
}

// DirectUnreadInfo carries the recomputed unread count for one direction of a
// direct conversation.
type DirectUnreadInfo struct {
	UnreadMessagesAmount int64  `json:"unreadMessagesAmount"`
	SendFromID           string `json:"sendFromId"`
	SendToID             string `json:"sendToId"`
}

// AllMessagesReadInfo acknowledges a bulk direct read to both parties.
type AllMessagesReadInfo struct {
	ToSendSocket bool   `json:"toSendSocket"`
	OtherUserID  string `json:"otherUserId"`
	AuthUserID   string `json:"authUserId"`
}
