package model

import "time"

// Role is a participant's permission level within a room. Per spec §9 open
// questions, the hub always writes RoleEditor on join; RoleOwner and
// RoleViewer are accepted wire values but never assigned by the server.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Participant is the append-only per-session record described in spec §3.
// Invariant: LeftAt is nil iff the session is live in this process; on
// clean shutdown every open row is closed.
type Participant struct {
	ID        int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID    string      `gorm:"size:32;not null;index" json:"room_id"`
	UserID    string      `gorm:"size:64;not null" json:"user_id"`
	ClientID  string      `gorm:"size:36;not null;uniqueIndex" json:"client_id"`
	UserName  string      `gorm:"size:120;not null" json:"user_name"`
	UserColor string      `gorm:"size:16;not null" json:"user_color"`
	Role      Role        `gorm:"size:10;not null;default:editor" json:"role"`
	JoinedAt  time.Time   `gorm:"not null" json:"joined_at"`
	LeftAt    *time.Time  `json:"left_at,omitempty"`
}

func (Participant) TableName() string { return "participants" }

// User is the wire-level identity carried in connect/join/leave frames.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}
