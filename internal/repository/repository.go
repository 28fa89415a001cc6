// Package repository implements C1: durable persistence for rooms,
// participants, and snapshots (spec §4.1). Every method call is
// independently transactional; the hub never holds a transaction across
// operations.
package repository

import (
	"time"

	"github.com/psds-microservice/whiteboard-hub/internal/model"
)

// Repository is the storage contract the hub consumes. Implementations
// must surface network/store errors classified via errs.Classify so the
// caller can tell retryable from fatal failures (spec §7).
type Repository interface {
	FindRoom(id string) (*model.Room, error)
	CreateRoom(id, name, creatorID string, visibility model.Visibility) (*model.Room, error)
	TouchRoom(id string, now time.Time) error
	UpdateRoom(id string, name *string, visibility *model.Visibility) (*model.Room, error)
	DeleteRoom(id string) error

	RecordJoin(roomID, userID, clientID, userName, userColor string, role model.Role) (int64, error)
	RecordLeave(clientID string, now time.Time) error

	NewestSnapshot(roomID string) (*model.Snapshot, error)
	WriteSnapshot(roomID string, payload, stateVector []byte) (int, error)
	PruneSnapshots(roomID string, keep int) error
	ListSnapshots(roomID string, limit int) ([]model.SnapshotSummary, error)

	// Stats feeds GET /api/stats and the periodic stats emitter.
	Stats() (roomCount int64, participantCount int64, err error)
}
