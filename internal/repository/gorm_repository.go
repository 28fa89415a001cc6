package repository

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/psds-microservice/whiteboard-hub/internal/errs"
	"github.com/psds-microservice/whiteboard-hub/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// gormRepository implements Repository over PostgreSQL via GORM, following
// the direct db.Create/db.Where/db.Model style of the teacher's
// SessionService rather than a generic query builder.
type gormRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

// New creates a Repository backed by db.
func New(db *gorm.DB, log *zap.Logger) Repository {
	return &gormRepository{db: db, log: log}
}

func (r *gormRepository) FindRoom(id string) (*model.Room, error) {
	var room model.Room
	if err := r.db.Where("id = ?", id).First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.Classify(errs.KindNotFound, errs.ErrRoomNotFound)
		}
		return nil, errs.Classify(errs.KindPersistenceFatal, err)
	}
	return &room, nil
}

func (r *gormRepository) CreateRoom(id, name, creatorID string, visibility model.Visibility) (*model.Room, error) {
	if visibility == "" {
		visibility = model.VisibilityPublic
	}
	now := time.Now()
	room := &model.Room{
		ID:         id,
		Name:       name,
		CreatorID:  creatorID,
		Visibility: visibility,
		CreatedAt:  now,
		LastActive: now,
	}
	if err := r.db.Create(room).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, errs.Classify(errs.KindResource, errs.ErrRoomAlreadyExists)
		}
		return nil, errs.Classify(errs.KindPersistenceFatal, err)
	}
	return room, nil
}

// UpdateRoom applies a partial patch to a room's REST-facing fields (§6.2).
// Unlike TouchRoom this is a non-core operation: the session state machine
// never calls it.
func (r *gormRepository) UpdateRoom(id string, name *string, visibility *model.Visibility) (*model.Room, error) {
	updates := map[string]interface{}{}
	if name != nil {
		updates["name"] = *name
	}
	if visibility != nil {
		updates["visibility"] = *visibility
	}
	if len(updates) > 0 {
		if err := r.db.Model(&model.Room{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return nil, errs.Classify(errs.KindPersistenceFatal, err)
		}
	}
	return r.FindRoom(id)
}

// DeleteRoom soft-deletes a room and hard-deletes its participants and
// snapshots, per the cascade described in §6.3.
func (r *gormRepository) DeleteRoom(id string) error {
	notFound := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&model.Room{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			notFound = true
			return nil
		}
		if err := tx.Where("room_id = ?", id).Delete(&model.Participant{}).Error; err != nil {
			return err
		}
		return tx.Where("room_id = ?", id).Delete(&model.Snapshot{}).Error
	})
	if err != nil {
		return errs.Classify(errs.KindPersistenceFatal, err)
	}
	if notFound {
		return errs.Classify(errs.KindNotFound, errs.ErrRoomNotFound)
	}
	return nil
}

// TouchRoom updates last_active. Per spec §4.1 this is retried silently by
// the core on transient failure, so the retry lives here rather than in
// every caller.
func (r *gormRepository) TouchRoom(id string, now time.Time) error {
	op := func() error {
		err := r.db.Model(&model.Room{}).Where("id = ?", id).
			Update("last_active", now).Error
		if err != nil && isTransient(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := retryTransient(op); err != nil {
		r.log.Warn("touch_room failed after retries", zap.String("room_id", id), zap.Error(err))
		return errs.Classify(errs.KindPersistenceFatal, err)
	}
	return nil
}

func (r *gormRepository) RecordJoin(roomID, userID, clientID, userName, userColor string, role model.Role) (int64, error) {
	p := &model.Participant{
		RoomID:    roomID,
		UserID:    userID,
		ClientID:  clientID,
		UserName:  userName,
		UserColor: userColor,
		Role:      role,
		JoinedAt:  time.Now(),
	}
	if err := r.db.Create(p).Error; err != nil {
		return 0, errs.Classify(errs.KindPersistenceFatal, err)
	}
	return p.ID, nil
}

// RecordLeave marks the open participant row closed; idempotent (a second
// call for an already-closed clientID is a no-op, not an error). Retried
// silently on transient failure per spec §4.1.
func (r *gormRepository) RecordLeave(clientID string, now time.Time) error {
	op := func() error {
		err := r.db.Model(&model.Participant{}).
			Where("client_id = ? AND left_at IS NULL", clientID).
			Update("left_at", now).Error
		if err != nil && isTransient(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := retryTransient(op); err != nil {
		r.log.Warn("record_leave failed after retries", zap.String("client_id", clientID), zap.Error(err))
		return errs.Classify(errs.KindPersistenceFatal, err)
	}
	return nil
}

func (r *gormRepository) NewestSnapshot(roomID string) (*model.Snapshot, error) {
	var snap model.Snapshot
	err := r.db.Where("room_id = ?", roomID).Order("version DESC").First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errs.Classify(errs.KindPersistenceFatal, err)
	}
	return &snap, nil
}

// WriteSnapshot assigns version = max(existing)+1 atomically per room, per
// spec §4.1. The read-max/insert pair runs inside one transaction so two
// concurrent writers for the same room cannot collide on a version.
func (r *gormRepository) WriteSnapshot(roomID string, payload, stateVector []byte) (int, error) {
	var version int
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var maxVersion int
		if err := tx.Model(&model.Snapshot{}).
			Where("room_id = ?", roomID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error; err != nil {
			return err
		}
		version = maxVersion + 1
		snap := &model.Snapshot{
			RoomID:      roomID,
			Payload:     payload,
			StateVector: stateVector,
			Version:     version,
		}
		return tx.Create(snap).Error
	})
	if err != nil {
		return 0, errs.Classify(errs.KindPersistenceFatal, err)
	}
	return version, nil
}

// PruneSnapshots deletes all but the newest keep rows for roomID.
func (r *gormRepository) PruneSnapshots(roomID string, keep int) error {
	var cutoff int
	err := r.db.Model(&model.Snapshot{}).
		Where("room_id = ?", roomID).
		Order("version DESC").
		Limit(1).Offset(keep - 1).
		Select("version").Scan(&cutoff).Error
	if err != nil {
		return errs.Classify(errs.KindPersistenceFatal, err)
	}
	if cutoff == 0 {
		return nil
	}
	if err := r.db.Where("room_id = ? AND version < ?", roomID, cutoff).
		Delete(&model.Snapshot{}).Error; err != nil {
		return errs.Classify(errs.KindPersistenceFatal, err)
	}
	return nil
}

func (r *gormRepository) ListSnapshots(roomID string, limit int) ([]model.SnapshotSummary, error) {
	var rows []model.Snapshot
	q := r.db.Where("room_id = ?", roomID).Order("version DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, errs.Classify(errs.KindPersistenceFatal, err)
	}
	out := make([]model.SnapshotSummary, 0, len(rows))
	for _, s := range rows {
		out = append(out, model.SnapshotSummary{ID: s.ID, RoomID: s.RoomID, Version: s.Version, CreatedAt: s.CreatedAt})
	}
	return out, nil
}

func (r *gormRepository) Stats() (int64, int64, error) {
	var rooms, participants int64
	if err := r.db.Model(&model.Room{}).Count(&rooms).Error; err != nil {
		return 0, 0, errs.Classify(errs.KindPersistenceFatal, err)
	}
	if err := r.db.Model(&model.Participant{}).Where("left_at IS NULL").Count(&participants).Error; err != nil {
		return 0, 0, errs.Classify(errs.KindPersistenceFatal, err)
	}
	return rooms, participants, nil
}

// retryTransient retries op with a capped exponential backoff, up to 5
// attempts, per spec §7 ("retry with capped exponential backoff up to 5
// attempts"): one initial call plus at most 4 retries.
func retryTransient(op backoff.Operation) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
	return backoff.Retry(op, policy)
}

// isTransient reports whether err looks like a connection-level failure
// worth retrying. TouchRoom/RecordLeave only ever fail this way (they are
// plain UPDATEs with no unique constraints to violate), so this stays a
// coarse catch-all rather than a driver-specific error code check.
func isTransient(err error) bool {
	return !errors.Is(err, gorm.ErrInvalidDB) && !errors.Is(err, gorm.ErrModelValueRequired)
}

func isUniqueViolation(err error) bool {
	return err != nil && (errors.Is(err, gorm.ErrDuplicatedKey))
}
