package model

import (
	"time"

	"gorm.io/gorm"
)

// Visibility is the access class of a Room.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Room is the persistent record described in spec §3. Invariant:
// LastActive >= CreatedAt, enforced by TouchRoom on every admission.
type Room struct {
	ID         string     `gorm:"primaryKey;size:32" json:"id"`
	Name       string     `gorm:"size:200;not null" json:"name"`
	CreatorID  string     `gorm:"size:64;not null" json:"creator_id"`
	Visibility Visibility `gorm:"size:10;not null;default:public" json:"visibility"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastActive time.Time      `gorm:"not null" json:"last_active"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Room) TableName() string { return "rooms" }

// CreateRoomRequest is the REST request body for POST /api/rooms.
type CreateRoomRequest struct {
	ID         string `json:"id" binding:"required"`
	Name       string `json:"name" binding:"required"`
	CreatorID  string `json:"creator_id" binding:"required"`
	Visibility string `json:"visibility"`
}

// UpdateRoomRequest is the REST request body for PATCH /api/rooms/{id}.
type UpdateRoomRequest struct {
	Name       *string `json:"name"`
	Visibility *string `json:"visibility"`
}
