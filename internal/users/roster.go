package users

import (
	"strings"
	"time"
)

// OnlineUser is the durable roster row mirroring the presence registry. It is
// written on bind and removed on unbind so other services can query who is
// reachable without holding a reference to the in-memory registry.
type OnlineUser struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null"`
	ConnectedAt time.Time `gorm:"column:connected_at;not null"`
}

// TableName exposes the table backing the online roster.
func (OnlineUser) TableName() string {
	return "online_user"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
