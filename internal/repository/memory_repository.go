package repository

import (
	"sort"
	"sync"
	"time"

	"github.com/psds-microservice/whiteboard-hub/internal/errs"
	"github.com/psds-microservice/whiteboard-hub/internal/model"
)

// MemoryRepository is an in-memory Repository implementation. It is
// thread-safe and intended for tests; production code uses gormRepository.
type MemoryRepository struct {
	mu           sync.RWMutex
	rooms        map[string]*model.Room
	participants map[string]*model.Participant // keyed by clientID
	snapshots    map[string][]*model.Snapshot   // keyed by roomID, version-ordered
	nextParticipantID int64
	nextSnapshotID    int64
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rooms:        make(map[string]*model.Room),
		participants: make(map[string]*model.Participant),
		snapshots:    make(map[string][]*model.Snapshot),
	}
}

func (m *MemoryRepository) FindRoom(id string) (*model.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil, errs.Classify(errs.KindNotFound, errs.ErrRoomNotFound)
	}
	copied := *room
	return &copied, nil
}

func (m *MemoryRepository) CreateRoom(id, name, creatorID string, visibility model.Visibility) (*model.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rooms[id]; exists {
		return nil, errs.Classify(errs.KindResource, errs.ErrRoomAlreadyExists)
	}
	if visibility == "" {
		visibility = model.VisibilityPublic
	}
	now := time.Now()
	room := &model.Room{ID: id, Name: name, CreatorID: creatorID, Visibility: visibility, CreatedAt: now, LastActive: now}
	m.rooms[id] = room
	copied := *room
	return &copied, nil
}

func (m *MemoryRepository) TouchRoom(id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil // concurrent delete: no error, matching the gorm Update semantics
	}
	room.LastActive = now
	return nil
}

// UpdateRoom applies a partial patch to a room's REST-facing fields (§6.2).
func (m *MemoryRepository) UpdateRoom(id string, name *string, visibility *model.Visibility) (*model.Room, error) {
	m.mu.Lock()
	room, ok := m.rooms[id]
	if !ok {
		m.mu.Unlock()
		return nil, errs.Classify(errs.KindNotFound, errs.ErrRoomNotFound)
	}
	if name != nil {
		room.Name = *name
	}
	if visibility != nil {
		room.Visibility = *visibility
	}
	copied := *room
	m.mu.Unlock()
	return &copied, nil
}

// DeleteRoom removes a room and cascades to its participants and
// snapshots, per §6.3.
func (m *MemoryRepository) DeleteRoom(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[id]; !ok {
		return errs.Classify(errs.KindNotFound, errs.ErrRoomNotFound)
	}
	delete(m.rooms, id)
	delete(m.snapshots, id)
	for clientID, p := range m.participants {
		if p.RoomID == id {
			delete(m.participants, clientID)
		}
	}
	return nil
}

func (m *MemoryRepository) RecordJoin(roomID, userID, clientID, userName, userColor string, role model.Role) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextParticipantID++
	p := &model.Participant{
		ID:        m.nextParticipantID,
		RoomID:    roomID,
		UserID:    userID,
		ClientID:  clientID,
		UserName:  userName,
		UserColor: userColor,
		Role:      role,
		JoinedAt:  time.Now(),
	}
	m.participants[clientID] = p
	return p.ID, nil
}

func (m *MemoryRepository) RecordLeave(clientID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[clientID]
	if !ok || p.LeftAt != nil {
		return nil // idempotent
	}
	left := now
	p.LeftAt = &left
	return nil
}

func (m *MemoryRepository) NewestSnapshot(roomID string) (*model.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.snapshots[roomID]
	if len(rows) == 0 {
		return nil, nil
	}
	latest := *rows[len(rows)-1]
	return &latest, nil
}

func (m *MemoryRepository) WriteSnapshot(roomID string, payload, stateVector []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.snapshots[roomID]
	version := 1
	if len(rows) > 0 {
		version = rows[len(rows)-1].Version + 1
	}
	m.nextSnapshotID++
	snap := &model.Snapshot{
		ID:          m.nextSnapshotID,
		RoomID:      roomID,
		Payload:     payload,
		StateVector: stateVector,
		Version:     version,
		CreatedAt:   time.Now(),
	}
	m.snapshots[roomID] = append(rows, snap)
	return version, nil
}

func (m *MemoryRepository) PruneSnapshots(roomID string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.snapshots[roomID]
	if len(rows) <= keep {
		return nil
	}
	m.snapshots[roomID] = append([]*model.Snapshot(nil), rows[len(rows)-keep:]...)
	return nil
}

func (m *MemoryRepository) ListSnapshots(roomID string, limit int) ([]model.SnapshotSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := append([]*model.Snapshot(nil), m.snapshots[roomID]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Version > rows[j].Version })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]model.SnapshotSummary, 0, len(rows))
	for _, s := range rows {
		out = append(out, model.SnapshotSummary{ID: s.ID, RoomID: s.RoomID, Version: s.Version, CreatedAt: s.CreatedAt})
	}
	return out, nil
}

func (m *MemoryRepository) Stats() (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var live int64
	for _, p := range m.participants {
		if p.LeftAt == nil {
			live++
		}
	}
	return int64(len(m.rooms)), live, nil
}
