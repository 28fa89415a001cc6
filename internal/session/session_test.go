package session

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/psds-microservice/whiteboard-hub/internal/cache"
	"github.com/psds-microservice/whiteboard-hub/internal/codec"
	"github.com/psds-microservice/whiteboard-hub/internal/model"
	"github.com/psds-microservice/whiteboard-hub/internal/registry"
	"github.com/psds-microservice/whiteboard-hub/internal/repository"
	"go.uber.org/zap"
)

type nopSocket struct{ closed bool }

func (s *nopSocket) Close() error { s.closed = true; return nil }

func newTestDeps() Deps {
	repo := repository.NewMemoryRepository()
	c := cache.New(repo, zap.NewNop(), time.Hour, 10, time.Hour)
	return Deps{Repo: repo, Cache: c, Registry: registry.New(), Log: zap.NewNop(), ApplyQueue: 1024}
}

func connectFrame(roomID, userID, name string) codec.ConnectFrame {
	return codec.ConnectFrame{RoomID: roomID, User: model.User{ID: userID, Name: name, Color: "#fff"}}
}

func readFrame(t *testing.T, ch chan []byte) map[string]interface{} {
	t.Helper()
	select {
	case b := <-ch:
		var m map[string]interface{}
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return m
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for frame")
		return nil
	}
}

func TestConnectAdmitsAndSendsSyncResponse(t *testing.T) {
	deps := newTestDeps()
	s := New("c1", &nopSocket{}, deps, 16)
	s.HandleInbound(connectFrame("r1", "u1", "A"), time.Now())

	if s.State() != Active {
		t.Fatalf("expected Active, got %v", s.State())
	}
	frame := readFrame(t, s.Send)
	if frame["type"] != codec.TypeSyncResponse {
		t.Fatalf("expected sync-response first, got %v", frame["type"])
	}
}

func TestSecondConnectInActiveIsRejected(t *testing.T) {
	deps := newTestDeps()
	s := New("c1", &nopSocket{}, deps, 16)
	s.HandleInbound(connectFrame("r1", "u1", "A"), time.Now())
	<-s.Send // drain sync-response

	s.HandleInbound(connectFrame("r1", "u1", "A"), time.Now())
	frame := readFrame(t, s.Send)
	if frame["type"] != codec.TypeError || frame["code"] != codec.CodeAlreadyConnected {
		t.Fatalf("expected ALREADY_CONNECTED error, got %v", frame)
	}
	if s.State() != Active {
		t.Fatalf("second connect should not change state, got %v", s.State())
	}
}

func TestUpdateInPendingIsDroppedWithError(t *testing.T) {
	deps := newTestDeps()
	s := New("c1", &nopSocket{}, deps, 16)
	s.HandleInbound(codec.UpdateFrame{Delta: []byte("x")}, time.Now())

	frame := readFrame(t, s.Send)
	if frame["type"] != codec.TypeError || frame["code"] != codec.CodeNotConnected {
		t.Fatalf("expected NOT_CONNECTED error, got %v", frame)
	}
}

func TestUpdateFansOutExceptSender(t *testing.T) {
	deps := newTestDeps()
	a := New("a", &nopSocket{}, deps, 16)
	b := New("b", &nopSocket{}, deps, 16)

	a.HandleInbound(connectFrame("r1", "u1", "A"), time.Now())
	<-a.Send // sync-response
	b.HandleInbound(connectFrame("r1", "u2", "B"), time.Now())
	<-b.Send // sync-response
	<-a.Send // join(B) broadcast to A

	delta := base64.StdEncoding.EncodeToString([]byte(`[]`))
	raw, _ := json.Marshal(map[string]string{"type": "update", "delta": delta})
	frame, err := codec.DecodeInbound(raw, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b.HandleInbound(frame, time.Now())

	got := readFrame(t, a.Send)
	if got["type"] != codec.TypeUpdate || got["from"] != "b" {
		t.Fatalf("expected update from b relayed to a, got %v", got)
	}
	select {
	case <-b.Send:
		t.Fatalf("sender should not receive its own update")
	default:
	}
}

func TestHeartbeatEchoesTimestamp(t *testing.T) {
	deps := newTestDeps()
	s := New("c1", &nopSocket{}, deps, 16)
	s.HandleInbound(connectFrame("r1", "u1", "A"), time.Now())
	<-s.Send

	s.HandleInbound(codec.HeartbeatFrame{Timestamp: 42}, time.Now())
	frame := readFrame(t, s.Send)
	if frame["type"] != codec.TypeHeartbeat || int64(frame["timestamp"].(float64)) != 42 {
		t.Fatalf("unexpected heartbeat echo: %v", frame)
	}
}

func TestLeaveTransitionsToClosingThenTeardownDetaches(t *testing.T) {
	deps := newTestDeps()
	a := New("a", &nopSocket{}, deps, 16)
	b := New("b", &nopSocket{}, deps, 16)
	a.HandleInbound(connectFrame("r1", "u1", "A"), time.Now())
	<-a.Send
	b.HandleInbound(connectFrame("r1", "u2", "B"), time.Now())
	<-b.Send
	<-a.Send // join(B)

	b.HandleInbound(codec.LeaveFrame{}, time.Now())
	if b.State() != Closing {
		t.Fatalf("expected Closing after leave, got %v", b.State())
	}
	b.Teardown()
	if b.State() != Closed {
		t.Fatalf("expected Closed after teardown, got %v", b.State())
	}
	if deps.Registry.RoomSize("r1") != 1 {
		t.Fatalf("expected b detached, room size %d", deps.Registry.RoomSize("r1"))
	}
	got := readFrame(t, a.Send)
	if got["type"] != codec.TypeLeave || got["clientId"] != "b" {
		t.Fatalf("expected leave broadcast for b, got %v", got)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	deps := newTestDeps()
	s := New("c1", &nopSocket{}, deps, 16)
	s.HandleInbound(connectFrame("r1", "u1", "A"), time.Now())
	<-s.Send

	s.Teardown()
	s.Teardown() // must not double-detach or panic
	if deps.Registry.RoomSize("r1") != 0 {
		t.Fatalf("expected room empty after teardown, got %d", deps.Registry.RoomSize("r1"))
	}
}

func TestOverflowClosesSlowPeer(t *testing.T) {
	deps := newTestDeps()
	sessions := map[string]*Session{}
	deps.CloseClient = func(clientID string) {
		if target, ok := sessions[clientID]; ok {
			target.Teardown()
		}
	}

	a := New("a", &nopSocket{}, deps, 1) // tiny outbound queue, easy to overflow
	b := New("b", &nopSocket{}, deps, 16)
	sessions["a"] = a
	sessions["b"] = b

	a.HandleInbound(connectFrame("r1", "u1", "A"), time.Now())
	<-a.Send // sync-response
	b.HandleInbound(connectFrame("r1", "u2", "B"), time.Now())
	<-b.Send // sync-response
	<-a.Send // join(B) broadcast to A, draining A's one-slot queue

	delta := base64.StdEncoding.EncodeToString([]byte(`[]`))
	raw, _ := json.Marshal(map[string]string{"type": "update", "delta": delta})
	frame, err := codec.DecodeInbound(raw, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	b.HandleInbound(frame, time.Now()) // fills A's one-slot queue
	b.HandleInbound(frame, time.Now()) // overflows A; should evict it

	if a.State() != Closed {
		t.Fatalf("expected a closed after overflow, got %v", a.State())
	}
	if deps.Registry.RoomSize("r1") != 1 {
		t.Fatalf("expected only b left in room, got %d", deps.Registry.RoomSize("r1"))
	}
}

func TestFloodWindowDoesNotPenalizeLongLivedSession(t *testing.T) {
	deps := newTestDeps()
	deps.ApplyQueue = 3
	s := New("c1", &nopSocket{}, deps, 16)
	s.HandleInbound(connectFrame("r1", "u1", "A"), time.Now())
	<-s.Send

	base := time.Now()
	for i := 0; i < 10; i++ {
		// Each update lands in its own floodWindow, well under the cap of
		// 3 within any single window, so a session sending steadily over
		// a long lifetime is never penalized.
		now := base.Add(time.Duration(i) * 2 * floodWindow)
		s.HandleInbound(codec.UpdateFrame{Delta: []byte("[]")}, now)
		if s.State() != Active {
			t.Fatalf("update %d: expected still Active, got %v", i, s.State())
		}
	}
}

func TestFloodClosesSessionAfterApplyQueueCap(t *testing.T) {
	deps := newTestDeps()
	deps.ApplyQueue = 3
	s := New("c1", &nopSocket{}, deps, 16)
	s.HandleInbound(connectFrame("r1", "u1", "A"), time.Now())
	<-s.Send

	for i := 0; i < 3; i++ {
		s.HandleInbound(codec.UpdateFrame{Delta: []byte("[]")}, time.Now())
	}
	if s.State() != Active {
		t.Fatalf("expected still Active at cap, got %v", s.State())
	}
	s.HandleInbound(codec.UpdateFrame{Delta: []byte("[]")}, time.Now())
	if s.State() != Closing {
		t.Fatalf("expected Closing after exceeding apply queue cap, got %v", s.State())
	}
	frame := readFrame(t, s.Send)
	if frame["type"] != codec.TypeError || frame["code"] != codec.CodeFlood {
		t.Fatalf("expected FLOOD error, got %v", frame)
	}
}
