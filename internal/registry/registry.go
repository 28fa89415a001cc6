// Package registry implements C3: the connection registry and its
// fan-out broadcast (spec §4.3). It tracks live connections indexed both
// by client id and by room, and enqueues outbound frames without ever
// blocking on a slow receiver.
package registry

import (
	"sync"
	"time"

	"github.com/psds-microservice/whiteboard-hub/internal/errs"
	"github.com/psds-microservice/whiteboard-hub/internal/model"
)

// Peer is the registry's view of one live connection: just enough state
// to index and fan out to it. The session state machine owns the
// lifecycle; Peer holds no behavior of its own, following the teacher's
// service.Peer (SessionID/UserID/Role/Conn/Send) generalized to rooms.
type Peer struct {
	ClientID string
	RoomID   string
	User     model.User
	JoinedAt time.Time
	Send     chan []byte
}

// Member is a read-only view of a room participant for synthesizing
// sync-response / presence participant lists.
type Member struct {
	ClientID string
	User     model.User
	JoinedAt time.Time
}

// Registry holds the two indexes described in spec §3: a map from
// client id to Peer and a secondary index from room id to the set of
// client ids attached to it. One RWMutex guards both — reads (broadcast
// enumeration, stats) are far more frequent than writes (attach/detach),
// matching the "reader-preferring discipline" of spec §5.
type Registry struct {
	mu      sync.RWMutex
	byClient map[string]*Peer
	byRoom   map[string]map[string]struct{}
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byClient: make(map[string]*Peer),
		byRoom:   make(map[string]map[string]struct{}),
	}
}

// Attach inserts peer into both indexes. Fails with ErrAlreadyAttached if
// the client id is already registered in any room.
func (r *Registry) Attach(peer *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byClient[peer.ClientID]; exists {
		return errs.ErrAlreadyAttached
	}
	r.byClient[peer.ClientID] = peer
	bucket, ok := r.byRoom[peer.RoomID]
	if !ok {
		bucket = make(map[string]struct{})
		r.byRoom[peer.RoomID] = bucket
	}
	bucket[peer.ClientID] = struct{}{}
	return nil
}

// Detach removes clientID from both indexes, returning the room id and
// user it was attached to. Idempotent: detaching an unknown or already
// detached client id is a no-op and reports ok=false.
func (r *Registry) Detach(clientID string) (roomID string, user model.User, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, exists := r.byClient[clientID]
	if !exists {
		return "", model.User{}, false
	}
	delete(r.byClient, clientID)
	if bucket, ok := r.byRoom[peer.RoomID]; ok {
		delete(bucket, clientID)
		if len(bucket) == 0 {
			delete(r.byRoom, peer.RoomID)
		}
	}
	return peer.RoomID, peer.User, true
}

// Broadcast enqueues frame to every peer attached to roomID except the
// one whose client id equals except (pass "" to exclude none). Peers
// whose outbound queue is full are never blocked on — they are returned
// so the caller can tear them down with reason Overflow. Enumeration
// uses a snapshot of the room's peers taken under the read lock, so a
// concurrent detach may or may not be reflected, per spec §5.
func (r *Registry) Broadcast(roomID string, frame []byte, except string) (overflowed []string) {
	r.mu.RLock()
	bucket := r.byRoom[roomID]
	peers := make([]*Peer, 0, len(bucket))
	for clientID := range bucket {
		if clientID == except {
			continue
		}
		peers = append(peers, r.byClient[clientID])
	}
	r.mu.RUnlock()

	for _, p := range peers {
		select {
		case p.Send <- frame:
		default:
			overflowed = append(overflowed, p.ClientID)
		}
	}
	return overflowed
}

// RoomMembers returns a snapshot of the peers attached to roomID, for
// synthesizing sync-response participant lists.
func (r *Registry) RoomMembers(roomID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket := r.byRoom[roomID]
	members := make([]Member, 0, len(bucket))
	for clientID := range bucket {
		p := r.byClient[clientID]
		members = append(members, Member{ClientID: p.ClientID, User: p.User, JoinedAt: p.JoinedAt})
	}
	return members
}

// RoomSize reports the number of peers currently attached to roomID.
func (r *Registry) RoomSize(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom[roomID])
}

// Stats reports the number of distinct rooms with at least one attached
// peer, and the total attached peer count, for GET /api/stats.
func (r *Registry) Stats() (rooms int, sessions int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom), len(r.byClient)
}
