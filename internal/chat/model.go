package chat

import "time"

// Message models a persisted chat message. Exactly one of SendToID and RoomID
// is set: SendToID for direct messages, RoomID for room messages. The id and
// timestamp are assigned by the store; IsRead is mutated only by the
// read-receipt pipeline and rows are never deleted.
type Message struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	SendFromID  string    `gorm:"column:send_from_id;size:190;not null;index:idx_message_direct,priority:1"`
	SendToID    *string   `gorm:"column:send_to_id;size:190;index:idx_message_direct,priority:2"`
	RoomID      *string   `gorm:"column:room_id;size:190;index"`
	MessageText string    `gorm:"column:message_text;type:text;not null"`
	IsRead      bool      `gorm:"column:is_read;not null;default:false;index:idx_message_direct,priority:3"`
	Timestamp   time.Time `gorm:"column:timestamp;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "message"
}

// RoomMember records membership of a user in a room. Membership is managed by
// the room service; this core consumes it read-only when resolving fan-out
// targets.
type RoomMember struct {
	RoomID string `gorm:"column:room_id;primaryKey;size:190;not null"`
	UserID string `gorm:"column:user_id;primaryKey;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomMember) TableName() string {
	return "room_member"
}

// UnreadMarker records that a specific room message has not yet been
// acknowledged by a specific member. Markers are created atomically with the
// owning message and deleted when the member acknowledges it; the unique
// (unread_by, message_id) index makes duplicate acknowledgments detectable at
// the storage level.
type UnreadMarker struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UnreadBy  string `gorm:"column:unread_by;size:190;not null;uniqueIndex:idx_marker_once,priority:1;index:idx_marker_room,priority:2"`
	MessageID int64  `gorm:"column:message_id;not null;uniqueIndex:idx_marker_once,priority:2"`
	RoomID    string `gorm:"column:room_id;size:190;not null;index:idx_marker_room,priority:1"`
}

// TableName provides the explicit table binding for GORM.
func (UnreadMarker) TableName() string {
	return "unread_message_by"
}
