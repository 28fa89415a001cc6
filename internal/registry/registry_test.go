package registry

import (
	"testing"
	"time"

	"github.com/psds-microservice/whiteboard-hub/internal/model"
)

func newPeer(clientID, roomID string, buf int) *Peer {
	return &Peer{
		ClientID: clientID,
		RoomID:   roomID,
		User:     model.User{ID: clientID, Name: clientID},
		JoinedAt: time.Now(),
		Send:     make(chan []byte, buf),
	}
}

func TestAttachDetachUpdatesBothIndexes(t *testing.T) {
	r := New()
	p := newPeer("c1", "room1", 4)
	if err := r.Attach(p); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := r.RoomSize("room1"); got != 1 {
		t.Fatalf("expected room size 1, got %d", got)
	}

	roomID, user, ok := r.Detach("c1")
	if !ok || roomID != "room1" || user.ID != "c1" {
		t.Fatalf("unexpected detach result: %q %+v %v", roomID, user, ok)
	}
	if got := r.RoomSize("room1"); got != 0 {
		t.Fatalf("expected room size 0 after detach, got %d", got)
	}
}

func TestAttachDuplicateClientIDFails(t *testing.T) {
	r := New()
	r.Attach(newPeer("c1", "room1", 4))
	if err := r.Attach(newPeer("c1", "room2", 4)); err == nil {
		t.Fatalf("expected error attaching a duplicate client id")
	}
}

func TestDetachUnknownClientIsNoop(t *testing.T) {
	r := New()
	_, _, ok := r.Detach("ghost")
	if ok {
		t.Fatalf("expected ok=false detaching an unknown client")
	}
}

func TestBroadcastExcludesSenderAndDeliversToOthers(t *testing.T) {
	r := New()
	a := newPeer("a", "room1", 4)
	b := newPeer("b", "room1", 4)
	r.Attach(a)
	r.Attach(b)

	overflowed := r.Broadcast("room1", []byte("frame"), "a")
	if len(overflowed) != 0 {
		t.Fatalf("expected no overflow, got %v", overflowed)
	}
	select {
	case <-a.Send:
		t.Fatalf("sender should not receive its own broadcast")
	default:
	}
	select {
	case got := <-b.Send:
		if string(got) != "frame" {
			t.Fatalf("unexpected frame: %s", got)
		}
	default:
		t.Fatalf("expected b to receive the broadcast frame")
	}
}

func TestBroadcastReportsOverflowedPeersWithoutBlocking(t *testing.T) {
	r := New()
	slow := newPeer("slow", "room1", 1)
	slow.Send <- []byte("already full")
	r.Attach(slow)

	done := make(chan struct{})
	go func() {
		r.Broadcast("room1", []byte("second"), "")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Broadcast blocked on a full queue")
	}

	overflowed := r.Broadcast("room1", []byte("third"), "")
	if len(overflowed) != 1 || overflowed[0] != "slow" {
		t.Fatalf("expected slow peer reported as overflowed, got %v", overflowed)
	}
}

func TestRoomMembersSnapshot(t *testing.T) {
	r := New()
	r.Attach(newPeer("a", "room1", 4))
	r.Attach(newPeer("b", "room1", 4))
	r.Attach(newPeer("c", "room2", 4))

	members := r.RoomMembers("room1")
	if len(members) != 2 {
		t.Fatalf("expected 2 members in room1, got %d", len(members))
	}
}

func TestStatsCountsRoomsAndSessions(t *testing.T) {
	r := New()
	r.Attach(newPeer("a", "room1", 4))
	r.Attach(newPeer("b", "room1", 4))
	r.Attach(newPeer("c", "room2", 4))

	rooms, sessions := r.Stats()
	if rooms != 2 || sessions != 3 {
		t.Fatalf("expected 2 rooms / 3 sessions, got %d / %d", rooms, sessions)
	}

	r.Detach("a")
	r.Detach("b")
	rooms, sessions = r.Stats()
	if rooms != 1 || sessions != 1 {
		t.Fatalf("expected 1 room / 1 session after detach, got %d / %d", rooms, sessions)
	}
}
