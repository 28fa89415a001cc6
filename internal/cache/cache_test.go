package cache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/psds-microservice/whiteboard-hub/internal/repository"
	"go.uber.org/zap"
)

type insertOp struct {
	Action string `json:"action"`
	Char   struct {
		ID struct {
			Clock  int    `json:"clock"`
			PeerID string `json:"peerID"`
		} `json:"id"`
		Value    string `json:"value"`
		Position []int  `json:"position"`
	} `json:"char"`
}

func updatePayload(t *testing.T, peer string, clock int, value string, pos int) []byte {
	t.Helper()
	op := insertOp{Action: "insert"}
	op.Char.ID.Clock = clock
	op.Char.ID.PeerID = peer
	op.Char.Value = value
	op.Char.Position = []int{pos}
	b, err := json.Marshal([]insertOp{op})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func newTestCache(repo repository.Repository) *Cache {
	log := zap.NewNop()
	return New(repo, log, time.Hour, 10, 20*time.Millisecond)
}

func TestAcquireCreatesAndAttaches(t *testing.T) {
	repo := repository.NewMemoryRepository()
	repo.CreateRoom("r1", "A", "u1", "")
	c := newTestCache(repo)

	if err := c.Acquire("r1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := c.AttachedCount("r1"); got != 1 {
		t.Fatalf("expected attached count 1, got %d", got)
	}
	if err := c.Acquire("r1"); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if got := c.AttachedCount("r1"); got != 2 {
		t.Fatalf("expected attached count 2, got %d", got)
	}
}

func TestApplyUpdateAndEncodeFull(t *testing.T) {
	repo := repository.NewMemoryRepository()
	repo.CreateRoom("r1", "A", "u1", "")
	c := newTestCache(repo)
	c.Acquire("r1")

	present, err := c.ApplyUpdate("r1", updatePayload(t, "p1", 1, "H", 1))
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if !present {
		t.Fatalf("expected document present")
	}

	full, ok := c.EncodeFull("r1")
	if !ok {
		t.Fatalf("expected EncodeFull to find the document")
	}
	if len(full) == 0 {
		t.Fatalf("expected non-empty encoded state")
	}
}

func TestApplyUpdateAbsentRoom(t *testing.T) {
	repo := repository.NewMemoryRepository()
	c := newTestCache(repo)
	present, err := c.ApplyUpdate("ghost", []byte(`[]`))
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if present {
		t.Fatalf("expected no document present for unacquired room")
	}
}

func TestReleaseNeverDropsBelowZero(t *testing.T) {
	repo := repository.NewMemoryRepository()
	repo.CreateRoom("r1", "A", "u1", "")
	c := newTestCache(repo)
	c.Acquire("r1")
	c.Release("r1")
	c.Release("r1") // extra release must not underflow
	if got := c.AttachedCount("r1"); got != 0 {
		t.Fatalf("expected attached count 0, got %d", got)
	}
}

func TestSaveWritesSnapshotWhenDirty(t *testing.T) {
	repo := repository.NewMemoryRepository()
	repo.CreateRoom("r1", "A", "u1", "")
	c := newTestCache(repo)
	c.Acquire("r1")
	c.ApplyUpdate("r1", updatePayload(t, "p1", 1, "H", 1))

	if err := c.Save("r1"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	snap, err := repo.NewestSnapshot("r1")
	if err != nil {
		t.Fatalf("NewestSnapshot: %v", err)
	}
	if snap == nil || snap.Version != 1 {
		t.Fatalf("expected snapshot version 1, got %+v", snap)
	}

	// A second Save with nothing new applied must not write another version.
	if err := c.Save("r1"); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	snap2, _ := repo.NewestSnapshot("r1")
	if snap2.Version != 1 {
		t.Fatalf("expected save to be a no-op when not dirty, got version %d", snap2.Version)
	}
}

func TestDestroyAfterGraceThenReacquireResumesFromSnapshot(t *testing.T) {
	repo := repository.NewMemoryRepository()
	repo.CreateRoom("r2", "A", "u1", "")
	c := newTestCache(repo)

	c.Acquire("r2")
	c.ApplyUpdate("r2", updatePayload(t, "p1", 1, "H", 1))
	c.ApplyUpdate("r2", updatePayload(t, "p1", 2, "i", 2))
	wantFull, _ := c.EncodeFull("r2")
	c.Release("r2")

	time.Sleep(50 * time.Millisecond) // grace is 20ms in newTestCache

	c.Acquire("r2")
	gotFull, ok := c.EncodeFull("r2")
	if !ok {
		t.Fatalf("expected a fresh document after reacquire")
	}
	if string(gotFull) != string(wantFull) {
		t.Fatalf("resume mismatch:\n want %s\n  got %s", wantFull, gotFull)
	}
}

func TestAcquireDuringGraceCancelsDestroy(t *testing.T) {
	repo := repository.NewMemoryRepository()
	repo.CreateRoom("r3", "A", "u1", "")
	c := newTestCache(repo)

	c.Acquire("r3")
	c.Release("r3")
	c.Acquire("r3") // reattach before the 20ms grace elapses

	time.Sleep(50 * time.Millisecond)
	if got := c.AttachedCount("r3"); got != 1 {
		t.Fatalf("expected the room to survive with attached count 1, got %d", got)
	}
}
