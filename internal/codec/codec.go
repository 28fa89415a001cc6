// Package codec implements C4: parsing of inbound WebSocket frames and
// serialization of outbound ones (spec §4.4/§6.1). Frames are modeled as
// a sealed Go sum type — one concrete struct per `type` discriminator —
// rather than stringly-typed dispatch, generalizing the MessageType*
// constants of vtphan-switchboard/types.go into typed variants.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/psds-microservice/whiteboard-hub/internal/errs"
	"github.com/psds-microservice/whiteboard-hub/internal/model"
)

// Wire type discriminators, per spec §6.1.
const (
	TypeConnect      = "connect"
	TypeUpdate       = "update"
	TypePresence     = "presence"
	TypeChat         = "chat"
	TypeHeartbeat    = "heartbeat"
	TypeLeave        = "leave"
	TypeSyncResponse = "sync-response"
	TypeJoin         = "join"
	TypeError        = "error"
)

// Error codes, per spec §6.1.
const (
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeNotConnected     = "NOT_CONNECTED"
	CodeAlreadyConnected = "ALREADY_CONNECTED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeRoomNotFound     = "ROOM_NOT_FOUND"
	CodeFlood            = "FLOOD"
	CodeInternal         = "INTERNAL"
)

// InboundFrame is implemented by every inbound wire variant. The
// unexported marker method seals the set to this package, following
// spec §9's "dynamic typing of frames → tagged union" design note.
type InboundFrame interface{ inbound() }

// OutboundFrame is implemented by every outbound wire variant.
type OutboundFrame interface{ outbound() }

// Point is a 2-D coordinate, used for cursor and viewport fields.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Viewport additionally carries a zoom factor.
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// ConnectFrame is the single handshake frame a session may send while Pending.
type ConnectFrame struct {
	RoomID string
	User   model.User
	Token  string
}

func (ConnectFrame) inbound() {}

// UpdateFrame carries an opaque CRDT delta, already base64-decoded.
type UpdateFrame struct {
	Delta []byte
}

func (UpdateFrame) inbound() {}

// PresenceFrame carries ephemeral cursor/selection/viewport state.
type PresenceFrame struct {
	ClientID  string
	Cursor    *Point
	Selection []string
	Viewport  *Viewport
}

func (PresenceFrame) inbound() {}

// ChatFrame carries a broadcast chat message; never persisted.
type ChatFrame struct {
	UserName  string
	Message   string
	Timestamp int64
}

func (ChatFrame) inbound() {}

// HeartbeatFrame is echoed back unchanged by the session.
type HeartbeatFrame struct {
	Timestamp int64
}

func (HeartbeatFrame) inbound() {}

// LeaveFrame requests a clean, client-initiated departure.
type LeaveFrame struct{}

func (LeaveFrame) inbound() {}

// SyncResponseFrame is the first frame sent to a newly admitted session.
type SyncResponseFrame struct {
	SnapshotData []byte
	Participants []ParticipantView
}

func (SyncResponseFrame) outbound() {}

// ParticipantView is the wire shape of one room member in sync-response.
type ParticipantView struct {
	ClientID string     `json:"clientId"`
	User     model.User `json:"user"`
	JoinedAt int64      `json:"joinedAt"`
}

// JoinFrame announces a new member to the rest of the room.
type JoinFrame struct {
	User     model.User
	ClientID string
	RoomID   string
}

func (JoinFrame) outbound() {}

// LeaveOutFrame announces a member's departure to the rest of the room.
type LeaveOutFrame struct {
	ClientID string
	UserID   string
}

func (LeaveOutFrame) outbound() {}

// UpdateOutFrame relays a CRDT delta from one sender to the rest of the room.
type UpdateOutFrame struct {
	Delta []byte
	From  string
}

func (UpdateOutFrame) outbound() {}

// PresenceOutFrame relays presence state, tagged with its origin.
type PresenceOutFrame struct {
	ClientID  string
	Cursor    *Point
	Selection []string
	Viewport  *Viewport
}

func (PresenceOutFrame) outbound() {}

// ChatOutFrame relays a chat message to every room member, including the sender.
type ChatOutFrame struct {
	UserName  string
	Message   string
	Timestamp int64
	ClientID  string
}

func (ChatOutFrame) outbound() {}

// HeartbeatOutFrame is the heartbeat echo.
type HeartbeatOutFrame struct {
	Timestamp int64
}

func (HeartbeatOutFrame) outbound() {}

// ErrorFrame reports a protocol-level failure back to the sender.
type ErrorFrame struct {
	Code    string
	Message string
}

func (ErrorFrame) outbound() {}

type envelope struct {
	Type string `json:"type"`
}

// wire structs mirror the JSON shapes of spec §6.1 exactly; the exported
// frame types above are the typed values the rest of the hub works with.
type wireConnect struct {
	Type   string     `json:"type"`
	RoomID string     `json:"roomId"`
	User   model.User `json:"user"`
	Token  string     `json:"token,omitempty"`
}

type wireUpdateIn struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

type wirePresence struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"clientId"`
	Cursor    *Point    `json:"cursor,omitempty"`
	Selection []string  `json:"selection,omitempty"`
	Viewport  *Viewport `json:"viewport,omitempty"`
}

type wireChatIn struct {
	Type      string `json:"type"`
	UserName  string `json:"userName"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type wireHeartbeat struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type wireLeave struct {
	Type string `json:"type"`
}

// DecodeInbound parses one wire message into its typed InboundFrame.
// maxFrameBytes enforces spec §4.4's oversized-frame rejection; callers
// that receive that error must close the session, per spec §4.4.
func DecodeInbound(raw []byte, maxFrameBytes int64) (InboundFrame, error) {
	if maxFrameBytes > 0 && int64(len(raw)) > maxFrameBytes {
		return nil, errs.Classify(errs.KindProtocol, fmt.Errorf("frame exceeds %d bytes", maxFrameBytes))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.Classify(errs.KindProtocol, fmt.Errorf("malformed frame: %w", err))
	}

	switch env.Type {
	case TypeConnect:
		var w wireConnect
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, errs.Classify(errs.KindProtocol, err)
		}
		return ConnectFrame{RoomID: w.RoomID, User: w.User, Token: w.Token}, nil
	case TypeUpdate:
		var w wireUpdateIn
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, errs.Classify(errs.KindProtocol, err)
		}
		delta, err := base64.StdEncoding.DecodeString(w.Delta)
		if err != nil {
			return nil, errs.Classify(errs.KindProtocol, fmt.Errorf("invalid base64 delta: %w", err))
		}
		return UpdateFrame{Delta: delta}, nil
	case TypePresence:
		var w wirePresence
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, errs.Classify(errs.KindProtocol, err)
		}
		return PresenceFrame{ClientID: w.ClientID, Cursor: w.Cursor, Selection: w.Selection, Viewport: w.Viewport}, nil
	case TypeChat:
		var w wireChatIn
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, errs.Classify(errs.KindProtocol, err)
		}
		return ChatFrame{UserName: w.UserName, Message: w.Message, Timestamp: w.Timestamp}, nil
	case TypeHeartbeat:
		var w wireHeartbeat
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, errs.Classify(errs.KindProtocol, err)
		}
		return HeartbeatFrame{Timestamp: w.Timestamp}, nil
	case TypeLeave:
		return LeaveFrame{}, nil
	default:
		return nil, errs.Classify(errs.KindProtocol, fmt.Errorf("unknown frame type %q", env.Type))
	}
}

// EncodeOutbound serializes frame into its wire JSON shape.
func EncodeOutbound(frame OutboundFrame) ([]byte, error) {
	switch f := frame.(type) {
	case SyncResponseFrame:
		return json.Marshal(struct {
			Type         string            `json:"type"`
			SnapshotData string            `json:"snapshotData"`
			Participants []ParticipantView `json:"participants"`
		}{TypeSyncResponse, base64.StdEncoding.EncodeToString(f.SnapshotData), f.Participants})
	case JoinFrame:
		return json.Marshal(struct {
			Type     string     `json:"type"`
			User     model.User `json:"user"`
			ClientID string     `json:"clientId"`
			RoomID   string     `json:"roomId"`
		}{TypeJoin, f.User, f.ClientID, f.RoomID})
	case LeaveOutFrame:
		return json.Marshal(struct {
			Type     string `json:"type"`
			ClientID string `json:"clientId"`
			UserID   string `json:"userId"`
		}{TypeLeave, f.ClientID, f.UserID})
	case UpdateOutFrame:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Delta string `json:"delta"`
			From  string `json:"from"`
		}{TypeUpdate, base64.StdEncoding.EncodeToString(f.Delta), f.From})
	case PresenceOutFrame:
		return json.Marshal(struct {
			Type      string    `json:"type"`
			ClientID  string    `json:"clientId"`
			Cursor    *Point    `json:"cursor,omitempty"`
			Selection []string  `json:"selection,omitempty"`
			Viewport  *Viewport `json:"viewport,omitempty"`
		}{TypePresence, f.ClientID, f.Cursor, f.Selection, f.Viewport})
	case ChatOutFrame:
		return json.Marshal(struct {
			Type      string `json:"type"`
			UserName  string `json:"userName"`
			Message   string `json:"message"`
			Timestamp int64  `json:"timestamp"`
			ClientID  string `json:"clientId"`
		}{TypeChat, f.UserName, f.Message, f.Timestamp, f.ClientID})
	case HeartbeatOutFrame:
		return json.Marshal(struct {
			Type      string `json:"type"`
			Timestamp int64  `json:"timestamp"`
		}{TypeHeartbeat, f.Timestamp})
	case ErrorFrame:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		}{TypeError, f.Code, f.Message})
	default:
		// An OutboundFrame value that matches none of the sealed variants is
		// a programmer error (spec §7): fail fast rather than return a
		// half-formed frame.
		panic(fmt.Sprintf("codec: unhandled outbound frame type %T", frame))
	}
}
