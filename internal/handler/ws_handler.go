package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/psds-microservice/whiteboard-hub/internal/cache"
	"github.com/psds-microservice/whiteboard-hub/internal/codec"
	"github.com/psds-microservice/whiteboard-hub/internal/registry"
	"github.com/psds-microservice/whiteboard-hub/internal/relay"
	"github.com/psds-microservice/whiteboard-hub/internal/repository"
	"github.com/psds-microservice/whiteboard-hub/internal/session"
	"go.uber.org/zap"
)

// WSHandler upgrades /ws requests and drives the per-connection Session
// state machine (C5), following the teacher's StreamWSHandler's
// readPump/writePump split but generalized from a single relay role to
// the full inbound/outbound frame set of spec §6.1.
type WSHandler struct {
	repo     repository.Repository
	cache    *cache.Cache
	registry *registry.Registry
	relay    relay.OutboundRelay
	log      *zap.Logger
	upgrader websocket.Upgrader

	maxFrameBytes     int64
	outboundQueue     int
	applyQueue        int
	heartbeatInterval time.Duration
	idleTimeout       time.Duration
	writeDeadline     time.Duration

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// Config groups the WS-handler-specific tunables of spec §6.4.
type Config struct {
	ReadBufferSize    int
	WriteBufferSize   int
	MaxFrameBytes     int64
	OutboundQueue     int
	ApplyQueue        int
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	WriteDeadline     time.Duration
	CORSOrigin        string
}

// NewWSHandler creates the WebSocket handler for path /ws.
func NewWSHandler(repo repository.Repository, c *cache.Cache, reg *registry.Registry, rel relay.OutboundRelay, log *zap.Logger, cfg Config) *WSHandler {
	return &WSHandler{
		repo:     repo,
		cache:    c,
		registry: reg,
		relay:    rel,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return cfg.CORSOrigin == "" || cfg.CORSOrigin == "*" || r.Header.Get("Origin") == cfg.CORSOrigin
			},
		},
		maxFrameBytes:     cfg.MaxFrameBytes,
		outboundQueue:     cfg.OutboundQueue,
		applyQueue:        cfg.ApplyQueue,
		heartbeatInterval: cfg.HeartbeatInterval,
		idleTimeout:       cfg.IdleTimeout,
		writeDeadline:     cfg.WriteDeadline,
		sessions:          make(map[string]*session.Session),
	}
}

// ServeWS upgrades the request and runs the session's read/write pumps
// until the socket closes, per spec §6.1's `/ws` path.
func (h *WSHandler) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	conn.SetReadLimit(h.maxFrameBytes)

	sess := session.New(clientID, conn, session.Deps{
		Repo:        h.repo,
		Cache:       h.cache,
		Registry:    h.registry,
		Relay:       h.relay,
		Log:         h.log,
		ApplyQueue:  h.applyQueue,
		CloseClient: h.closeSession,
	}, h.outboundQueue)

	h.track(clientID, sess)
	go h.writePump(conn, sess)
	h.readPump(conn, sess)
	h.untrack(clientID)
}

func (h *WSHandler) track(clientID string, sess *session.Session) {
	h.mu.Lock()
	h.sessions[clientID] = sess
	h.mu.Unlock()
}

func (h *WSHandler) untrack(clientID string) {
	h.mu.Lock()
	delete(h.sessions, clientID)
	h.mu.Unlock()
}

// closeSession tears down a single tracked session by client id. This is
// the Hub-side half of the overflow-eviction path: a Session can enqueue
// onto a peer's bounded channel through the Registry, but only the
// handler holds every live Session, so eviction has to cross back
// through here rather than through Registry/Cache.
func (h *WSHandler) closeSession(clientID string) {
	h.mu.Lock()
	sess, ok := h.sessions[clientID]
	h.mu.Unlock()
	if !ok {
		return
	}
	sess.Teardown()
}

// Shutdown force-closes every still-open session, giving readPump/Teardown
// up to deadline to run before returning anyway. Each Teardown flows
// through detach + record_leave + cache release exactly once, satisfying
// spec §4.6's "close all open participant records" during graceful
// shutdown.
func (h *WSHandler) Shutdown(deadline time.Duration) {
	h.mu.Lock()
	sessions := make([]*session.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, s := range sessions {
			s.Teardown()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
	}
}

// readPump decodes inbound frames and dispatches them to the session
// state machine until the socket errs out or the session reaches
// Closing. The idle timeout is refreshed on every successful read, and
// a pong resets it too so a quiet-but-alive heartbeat exchange doesn't
// time out.
func (h *WSHandler) readPump(conn *websocket.Conn, sess *session.Session) {
	defer sess.Teardown()

	resetDeadline := func() { _ = conn.SetReadDeadline(time.Now().Add(h.idleTimeout)) }
	conn.SetPongHandler(func(string) error { resetDeadline(); return nil })
	resetDeadline()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		resetDeadline()

		frame, err := codec.DecodeInbound(raw, h.maxFrameBytes)
		if err != nil {
			// Oversized or malformed per spec §4.4: INVALID_MESSAGE closes
			// the session for oversize, but keeps it open for an unknown
			// type — DecodeInbound doesn't distinguish the two, so treat
			// every decode error as a protocol error that's reported but
			// non-fatal, except when it was the size guard that tripped.
			if int64(len(raw)) > h.maxFrameBytes && h.maxFrameBytes > 0 {
				sess.HandleProtocolError(err.Error())
				break
			}
			sess.HandleProtocolError(err.Error())
			continue
		}
		sess.HandleInbound(frame, time.Now())
		if sess.State() == session.Closing {
			break
		}
	}
}

// writePump drains the session's outbound queue to the socket in FIFO
// order and sends periodic pings, mirroring the teacher's writePump.
func (h *WSHandler) writePump(conn *websocket.Conn, sess *session.Session) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-sess.Send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			if sess.State() == session.Closed {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
