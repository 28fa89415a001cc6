// Package session implements C5: the per-connection state machine that
// admits a client, relays its traffic, and tears down cleanly (spec
// §4.5). A Session owns nothing but a back-pointer to its collaborators
// (Registry, Cache, Repository) per the "graceful leak avoidance" design
// note — ownership flows from the Hub down to these components, never
// back up through a Session.
package session

import (
	"sync"
	"time"

	"github.com/psds-microservice/whiteboard-hub/internal/cache"
	"github.com/psds-microservice/whiteboard-hub/internal/codec"
	"github.com/psds-microservice/whiteboard-hub/internal/errs"
	"github.com/psds-microservice/whiteboard-hub/internal/model"
	"github.com/psds-microservice/whiteboard-hub/internal/registry"
	"github.com/psds-microservice/whiteboard-hub/internal/relay"
	"github.com/psds-microservice/whiteboard-hub/internal/repository"
	"go.uber.org/zap"
)

// State is one of the four states of spec §4.5's transition table.
type State int

const (
	Pending State = iota
	Active
	Closing
	Closed
)

// floodWindow bounds the apply-flood check (§5's apply_queue) to a
// fixed window, restarted by the first update after the previous one
// expired, rather than a session's lifetime total. apply_queue is
// a backlog/rate cap on the per-Document apply path, not a count of
// everything a session ever sent — a long-lived, well-behaved session
// that applies more than ApplyQueue updates over its life must never be
// penalized for it, only a burst that arrives faster than this window.
const floodWindow = time.Second

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Socket is the transport dependency a Session drives; *gorilla/websocket.Conn
// satisfies it directly (see internal/handler/ws_handler.go). Modeling it as
// an interface keeps the state machine testable without a real socket.
type Socket interface {
	Close() error
}

// Deps bundles the collaborators a Session consults, so construction sites
// don't have to thread four separate parameters through every call.
type Deps struct {
	Repo     repository.Repository
	Cache    *cache.Cache
	Registry *registry.Registry
	Relay    relay.OutboundRelay // cross-process fan-out; relay.Noop{} when unconfigured
	Log      *zap.Logger

	// CloseClient tears down the session identified by clientID. A Session
	// can reach its own peers only through the Registry's bounded send
	// channels, never through another Session's state machine directly —
	// CloseClient is the Hub-supplied hook that lets a broadcast reach
	// across that boundary to evict an overflowing peer (spec §4.3's
	// "overflow ⇒ that session is closed with reason Overflow").
	CloseClient func(clientID string)

	ApplyQueue int // §5 apply_queue: max updates per session within one floodWindow before FLOOD, default 1024
}

// broadcast fans frame out to this process's local Registry and, if a
// relay is configured, republishes it for other hub processes serving
// the same room (spec §4.3 extended per SPEC_FULL's DOMAIN STACK). Peers
// whose outbound queue was full are evicted via CloseClient: their
// Teardown runs detach + leave-broadcast + cache release exactly as a
// clean leave would, satisfying §8's "overflow at cap triggers teardown."
func (s *Session) broadcast(roomID string, frame []byte, except string) {
	overflowed := s.deps.Registry.Broadcast(roomID, frame, except)
	if s.deps.Relay != nil {
		s.deps.Relay.Publish(roomID, frame)
	}
	for _, clientID := range overflowed {
		s.deps.Log.Warn("peer outbound queue overflowed, closing", zap.String("client_id", clientID), zap.String("room_id", roomID))
		if s.deps.CloseClient != nil {
			s.deps.CloseClient(clientID)
		}
	}
}

// Session is one bidirectional connection, in exactly the state machine
// spec §3/§4.5 describes. Outbound frames are queued on Send and drained
// by the handler's writer goroutine in FIFO order.
type Session struct {
	deps Deps

	mu       sync.Mutex
	state    State
	clientID string
	roomID   string
	user     model.User
	joinedAt time.Time

	Send chan []byte

	applyWindowStart time.Time // start of the current floodWindow
	applyWindowCount int       // updates applied within applyWindowStart+floodWindow

	teardownOnce sync.Once
	socket       Socket
}

// New creates a Pending Session with server-minted clientID, bound to socket
// for teardown and writing frame(s, via Send) to outboundQueue capacity.
func New(clientID string, socket Socket, deps Deps, outboundQueue int) *Session {
	return &Session{
		deps:     deps,
		state:    Pending,
		clientID: clientID,
		socket:   socket,
		Send:     make(chan []byte, outboundQueue),
	}
}

// ClientID returns the server-minted id for this connection.
func (s *Session) ClientID() string { return s.clientID }

// State reports the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// enqueue pushes an outbound frame onto Send, never blocking. Returns false
// if the queue was full — the caller must close the session with Overflow.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case s.Send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) sendFrame(f codec.OutboundFrame) bool {
	b, err := codec.EncodeOutbound(f)
	if err != nil {
		s.deps.Log.Error("encode outbound frame failed", zap.Error(err))
		return false
	}
	return s.enqueue(b)
}

// HandleInbound dispatches one decoded inbound frame per the transition
// table of spec §4.5. now is injected so tests can control timestamps.
func (s *Session) HandleInbound(frame codec.InboundFrame, now time.Time) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch f := frame.(type) {
	case codec.ConnectFrame:
		s.handleConnect(f, state, now)
	case codec.UpdateFrame:
		s.handleUpdate(f, state, now)
	case codec.PresenceFrame:
		s.handlePresence(f, state)
	case codec.ChatFrame:
		s.handleChat(f, state)
	case codec.HeartbeatFrame:
		s.handleHeartbeat(f, state)
	case codec.LeaveFrame:
		s.handleLeave(state)
	}
}

// HandleProtocolError reports a malformed/unknown frame back to the sender
// without closing the session, per spec §4.4.
func (s *Session) HandleProtocolError(message string) {
	s.sendFrame(codec.ErrorFrame{Code: codec.CodeInvalidMessage, Message: message})
}

func (s *Session) handleConnect(f codec.ConnectFrame, state State, now time.Time) {
	if state != Pending {
		s.sendFrame(codec.ErrorFrame{Code: codec.CodeAlreadyConnected, Message: "connect already handled"})
		return
	}

	// §9 open question 3: connect.token is accepted but never validated —
	// the source's validateRoomAccess returns true unconditionally.
	room, err := s.findOrCreateRoom(f.RoomID, f.User.ID, now)
	if err != nil {
		s.deps.Log.Warn("connect failed: find_or_create_room", zap.String("room_id", f.RoomID), zap.Error(err))
		s.failHandshake(codec.CodeInternal, "could not admit room")
		return
	}

	if err := s.deps.Repo.TouchRoom(room.ID, now); err != nil && !errs.Retryable(err) {
		s.deps.Log.Warn("touch_room failed", zap.String("room_id", room.ID), zap.Error(err))
	}

	if _, err := s.deps.Repo.RecordJoin(room.ID, f.User.ID, s.clientID, f.User.Name, f.User.Color, model.RoleEditor); err != nil {
		s.deps.Log.Warn("connect failed: record_join", zap.String("room_id", room.ID), zap.Error(err))
		s.failHandshake(codec.CodeInternal, "could not record join")
		return
	}

	if err := s.deps.Cache.Acquire(room.ID); err != nil {
		s.deps.Log.Warn("connect failed: cache acquire", zap.String("room_id", room.ID), zap.Error(err))
		_ = s.deps.Repo.RecordLeave(s.clientID, now)
		s.failHandshake(codec.CodeInternal, "could not load document")
		return
	}

	peer := &registry.Peer{
		ClientID: s.clientID,
		RoomID:   room.ID,
		User:     f.User,
		JoinedAt: now,
		Send:     s.Send,
	}

	snapshot, _ := s.deps.Cache.EncodeFull(room.ID)
	participants := make([]codec.ParticipantView, 0)
	for _, m := range s.deps.Registry.RoomMembers(room.ID) {
		participants = append(participants, codec.ParticipantView{
			ClientID: m.ClientID,
			User:     m.User,
			JoinedAt: m.JoinedAt.Unix(),
		})
	}
	// The sync-response is written before Attach, not just before the
	// broadcast call: until Attach returns, no other goroutine holds a
	// reference to this session's Send channel, so this write is
	// guaranteed to land first no matter how goroutines interleave
	// afterward. Writing it after Attach left a window where a peer's
	// concurrent broadcast could reach Send first, violating spec §8
	// invariant 4 ("own sync-response before any peer-sourced frame").
	b, err := codec.EncodeOutbound(codec.SyncResponseFrame{SnapshotData: snapshot, Participants: participants})
	if err == nil {
		s.Send <- b
	}

	if err := s.deps.Registry.Attach(peer); err != nil {
		s.deps.Log.Warn("connect failed: registry attach", zap.String("room_id", room.ID), zap.Error(err))
		s.deps.Cache.Release(room.ID)
		_ = s.deps.Repo.RecordLeave(s.clientID, now)
		s.failHandshake(codec.CodeInternal, "could not attach session")
		return
	}

	s.mu.Lock()
	s.state = Active
	s.roomID = room.ID
	s.user = f.User
	s.joinedAt = now
	s.mu.Unlock()

	s.broadcast(room.ID, s.mustEncode(codec.JoinFrame{User: f.User, ClientID: s.clientID, RoomID: room.ID}), s.clientID)
}

func (s *Session) findOrCreateRoom(roomID, creatorID string, now time.Time) (*model.Room, error) {
	room, err := s.deps.Repo.FindRoom(roomID)
	if err == nil {
		return room, nil
	}
	if errs.KindOf(err) != errs.KindNotFound {
		return nil, err
	}
	created, cerr := s.deps.Repo.CreateRoom(roomID, roomID, creatorID, model.VisibilityPublic)
	if cerr != nil {
		if errs.KindOf(cerr) == errs.KindResource {
			// Lost a create race: someone else created it between FindRoom
			// and CreateRoom. Re-read rather than fail the connect.
			return s.deps.Repo.FindRoom(roomID)
		}
		return nil, cerr
	}
	return created, nil
}

func (s *Session) failHandshake(code, message string) {
	s.sendFrame(codec.ErrorFrame{Code: code, Message: message})
	s.mu.Lock()
	s.state = Closing
	s.mu.Unlock()
}

func (s *Session) handleUpdate(f codec.UpdateFrame, state State, now time.Time) {
	if state != Active {
		s.sendFrame(codec.ErrorFrame{Code: codec.CodeNotConnected, Message: "connect first"})
		return
	}
	s.mu.Lock()
	roomID, clientID := s.roomID, s.clientID
	if now.Sub(s.applyWindowStart) > floodWindow {
		s.applyWindowStart = now
		s.applyWindowCount = 0
	}
	s.applyWindowCount++
	flooded := s.deps.ApplyQueue > 0 && s.applyWindowCount > s.deps.ApplyQueue
	s.mu.Unlock()

	if flooded {
		s.deps.Log.Warn("session flooded, closing", zap.String("client_id", clientID), zap.String("room_id", roomID))
		s.sendFrame(codec.ErrorFrame{Code: codec.CodeFlood, Message: "too many updates"})
		s.mu.Lock()
		s.state = Closing
		s.mu.Unlock()
		return
	}

	present, err := s.deps.Cache.ApplyUpdate(roomID, f.Delta)
	if err != nil {
		s.deps.Log.Warn("apply_update failed, closing session", zap.String("room_id", roomID), zap.Error(err))
		s.sendFrame(codec.ErrorFrame{Code: codec.CodeInternal, Message: "update rejected"})
		s.mu.Lock()
		s.state = Closing
		s.mu.Unlock()
		return
	}
	if !present {
		return
	}
	s.broadcast(roomID, s.mustEncode(codec.UpdateOutFrame{Delta: f.Delta, From: clientID}), clientID)
}

func (s *Session) handlePresence(f codec.PresenceFrame, state State) {
	if state != Active {
		s.sendFrame(codec.ErrorFrame{Code: codec.CodeNotConnected, Message: "connect first"})
		return
	}
	s.mu.Lock()
	roomID, clientID := s.roomID, s.clientID
	s.mu.Unlock()
	out := codec.PresenceOutFrame{ClientID: clientID, Cursor: f.Cursor, Selection: f.Selection, Viewport: f.Viewport}
	s.broadcast(roomID, s.mustEncode(out), clientID)
}

func (s *Session) handleChat(f codec.ChatFrame, state State) {
	if state != Active {
		s.sendFrame(codec.ErrorFrame{Code: codec.CodeNotConnected, Message: "connect first"})
		return
	}
	s.mu.Lock()
	roomID, clientID := s.roomID, s.clientID
	s.mu.Unlock()
	out := codec.ChatOutFrame{UserName: f.UserName, Message: f.Message, Timestamp: f.Timestamp, ClientID: clientID}
	// Chat is broadcast including the sender (spec §4.5), unlike update/presence.
	s.broadcast(roomID, s.mustEncode(out), "")
}

func (s *Session) handleHeartbeat(f codec.HeartbeatFrame, state State) {
	if state != Active {
		return
	}
	s.sendFrame(codec.HeartbeatOutFrame{Timestamp: f.Timestamp})
}

func (s *Session) handleLeave(state State) {
	if state == Active {
		s.mu.Lock()
		s.state = Closing
		s.mu.Unlock()
	}
}

func (s *Session) mustEncode(f codec.OutboundFrame) []byte {
	b, err := codec.EncodeOutbound(f)
	if err != nil {
		// A sealed outbound variant that fails to marshal is a programmer
		// error per spec §7 — fail fast rather than silently drop frames.
		panic(err)
	}
	return b
}

// Teardown runs the Closing -> Closed transition exactly once, regardless
// of whether it was triggered by a clean `leave`, a socket error, an
// overflow, a flood, or process shutdown. It is the "finally" path of the
// graceful leak avoidance design note (spec §9).
func (s *Session) Teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		roomID := s.roomID
		wasActive := s.state == Active || s.state == Closing
		s.state = Closed
		s.mu.Unlock()

		if wasActive && roomID != "" {
			_, user, ok := s.deps.Registry.Detach(s.clientID)
			if ok {
				s.broadcast(roomID, s.mustEncode(codec.LeaveOutFrame{ClientID: s.clientID, UserID: user.ID}), "")
			}
			if err := s.deps.Repo.RecordLeave(s.clientID, time.Now()); err != nil && !errs.Retryable(err) {
				s.deps.Log.Warn("record_leave failed", zap.String("client_id", s.clientID), zap.Error(err))
			}
			s.deps.Cache.Release(roomID)
		}
		if s.socket != nil {
			_ = s.socket.Close()
		}
	})
}
