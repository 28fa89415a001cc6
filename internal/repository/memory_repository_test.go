package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/psds-microservice/whiteboard-hub/internal/errs"
	"github.com/psds-microservice/whiteboard-hub/internal/model"
)

func TestCreateRoomThenFind(t *testing.T) {
	repo := NewMemoryRepository()
	room, err := repo.CreateRoom("r1", "Room One", "u1", model.VisibilityPublic)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if room.LastActive.Before(room.CreatedAt) {
		t.Fatalf("invariant violated: last_active < created_at")
	}
	found, err := repo.FindRoom("r1")
	if err != nil {
		t.Fatalf("FindRoom: %v", err)
	}
	if found.Name != "Room One" {
		t.Fatalf("got name %q", found.Name)
	}
}

func TestCreateRoomAlreadyExists(t *testing.T) {
	repo := NewMemoryRepository()
	if _, err := repo.CreateRoom("r1", "A", "u1", ""); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := repo.CreateRoom("r1", "B", "u2", "")
	if !errors.Is(err, errs.ErrRoomAlreadyExists) {
		t.Fatalf("expected ErrRoomAlreadyExists, got %v", err)
	}
}

func TestFindRoomNotFound(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.FindRoom("missing")
	if !errors.Is(err, errs.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestRecordLeaveIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	repo.CreateRoom("r1", "A", "u1", "")
	repo.RecordJoin("r1", "u1", "c1", "Alice", "#f00", model.RoleEditor)

	now := time.Now()
	if err := repo.RecordLeave("c1", now); err != nil {
		t.Fatalf("first leave: %v", err)
	}
	if err := repo.RecordLeave("c1", now.Add(time.Second)); err != nil {
		t.Fatalf("second leave should be a no-op, got: %v", err)
	}
	if err := repo.RecordLeave("never-joined", now); err != nil {
		t.Fatalf("leave for unknown client should be a no-op, got: %v", err)
	}
}

func TestSnapshotVersionsStrictlyIncreasingAndPruned(t *testing.T) {
	repo := NewMemoryRepository()
	repo.CreateRoom("r1", "A", "u1", "")

	for i := 0; i < 15; i++ {
		v, err := repo.WriteSnapshot("r1", []byte("payload"), []byte("sv"))
		if err != nil {
			t.Fatalf("WriteSnapshot: %v", err)
		}
		if v != i+1 {
			t.Fatalf("expected version %d, got %d", i+1, v)
		}
	}
	if err := repo.PruneSnapshots("r1", 10); err != nil {
		t.Fatalf("PruneSnapshots: %v", err)
	}
	summaries, err := repo.ListSnapshots("r1", 0)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(summaries) != 10 {
		t.Fatalf("expected 10 retained snapshots, got %d", len(summaries))
	}
	if summaries[0].Version != 15 {
		t.Fatalf("expected newest-first ordering with version 15 first, got %d", summaries[0].Version)
	}

	newest, err := repo.NewestSnapshot("r1")
	if err != nil {
		t.Fatalf("NewestSnapshot: %v", err)
	}
	if newest.Version != 15 {
		t.Fatalf("expected canonical resume point version 15, got %d", newest.Version)
	}
}

func TestStatsCountsLiveParticipantsOnly(t *testing.T) {
	repo := NewMemoryRepository()
	repo.CreateRoom("r1", "A", "u1", "")
	repo.RecordJoin("r1", "u1", "c1", "Alice", "#f00", model.RoleEditor)
	repo.RecordJoin("r1", "u2", "c2", "Bob", "#0f0", model.RoleEditor)
	repo.RecordLeave("c2", time.Now())

	rooms, participants, err := repo.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if rooms != 1 {
		t.Fatalf("expected 1 room, got %d", rooms)
	}
	if participants != 1 {
		t.Fatalf("expected 1 live participant, got %d", participants)
	}
}
