package model

import "time"

// Snapshot is the persistent, versioned resume point described in spec §3.
// Invariant: for a given RoomID, Version is strictly increasing; at most
// K snapshots are retained per room (see config.SnapshotKeep); the
// highest-version snapshot is the canonical resume point.
type Snapshot struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID       string    `gorm:"size:32;not null;index:idx_snapshots_room_version" json:"room_id"`
	Payload      []byte    `gorm:"type:bytea;not null" json:"-"`
	StateVector  []byte    `gorm:"type:bytea" json:"-"`
	Version      int       `gorm:"not null;index:idx_snapshots_room_version" json:"version"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Snapshot) TableName() string { return "snapshots" }

// SnapshotSummary is the REST-facing view of a Snapshot that omits the raw
// payload bytes (GET /api/rooms/{id}/snapshots).
type SnapshotSummary struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"room_id"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}
