// Package document implements the opaque CRDT abstraction spec §3/§9
// describes as "Document": a sequence of identified characters that
// accepts binary updates and can be serialized to full state and to a
// state vector. The hub never inspects these bytes beyond Apply/Encode —
// this package is the one place that actually interprets them, grounded
// in the CharID/Char identifiers of the CollabText agent and the
// Op-based CRDT of gravity's notes package.
package document

import (
	"encoding/json"
	"sort"
)

// CharID globally identifies a Char by the logical clock of the peer that
// created it, following CollabText's agent/crdt.go.
type CharID struct {
	Clock  int    `json:"clock"`
	PeerID string `json:"peerID"`
}

// Char is one element of the CRDT sequence: a value plus a sortable
// Position that determines its place in the document and a Tombstone bit
// recording logical deletion (deletes never remove the identifier, so
// concurrent operations referencing it still converge).
type Char struct {
	ID       CharID `json:"id"`
	Value    string `json:"value"`
	Position []int  `json:"position"`
	Deleted  bool   `json:"deleted"`
}

// Op is one operation carried inside an opaque update payload.
type Op struct {
	Action string `json:"action"` // "insert" or "delete"
	Char   Char   `json:"char"`
}

// Document holds the live CRDT state for one room. Merges are
// commutative, associative, and idempotent: applying the same Op twice,
// or applying a set of Ops in any order, converges to the same Chars.
// Mutations are not internally synchronized — callers (the Cache's
// per-room owner) are responsible for the single-writer discipline
// spec §5 requires.
type Document struct {
	chars map[CharID]*Char
}

// New returns an empty Document.
func New() *Document {
	return &Document{chars: make(map[CharID]*Char)}
}

// Apply decodes payload as a batch of Ops and merges them into the
// document. Unknown actions are ignored rather than erroring: the CRDT
// absorbs malformed peer state per spec §7 ("the server assumes nothing
// about duplicate updates").
func (d *Document) Apply(payload []byte) error {
	var ops []Op
	if err := json.Unmarshal(payload, &ops); err != nil {
		return err
	}
	for _, op := range ops {
		d.applyOp(op)
	}
	return nil
}

func (d *Document) applyOp(op Op) {
	existing, ok := d.chars[op.Char.ID]
	switch op.Action {
	case "insert":
		if ok {
			return // idempotent: identical ID already merged
		}
		c := op.Char
		d.chars[c.ID] = &c
	case "delete":
		if ok {
			existing.Deleted = true
		} else {
			// Delete arrived before insert (out-of-order peer delivery):
			// record a tombstone so a later insert of the same ID is a
			// no-op, preserving delete-wins semantics.
			tomb := op.Char
			tomb.Deleted = true
			d.chars[tomb.ID] = &tomb
		}
	}
}

// EncodeFull serializes the complete document state, including tombstones,
// so that loading it into a fresh Document and replaying no further
// updates reproduces an equivalent Document (spec §8 round-trip law).
func (d *Document) EncodeFull() ([]byte, error) {
	ordered := d.orderedChars()
	ops := make([]Op, 0, len(ordered))
	for _, c := range ordered {
		action := "insert"
		if c.Deleted {
			action = "delete"
		}
		ops = append(ops, Op{Action: action, Char: *c})
	}
	return json.Marshal(ops)
}

// LoadFull replaces the document's state with the snapshot payload.
func (d *Document) LoadFull(payload []byte) error {
	d.chars = make(map[CharID]*Char)
	if len(payload) == 0 {
		return nil
	}
	return d.Apply(payload)
}

// EncodeStateVector serializes, per peer, the highest clock value
// observed — enough for a peer to ask "what have I missed" without
// shipping full state.
func (d *Document) EncodeStateVector() ([]byte, error) {
	clocks := make(map[string]int)
	for id := range d.chars {
		if c, ok := clocks[id.PeerID]; !ok || id.Clock > c {
			clocks[id.PeerID] = id.Clock
		}
	}
	return json.Marshal(clocks)
}

// Text renders the surviving (non-tombstoned) characters in position
// order, for tests and debugging.
func (d *Document) Text() string {
	var b []byte
	for _, c := range d.orderedChars() {
		if !c.Deleted {
			b = append(b, []byte(c.Value)...)
		}
	}
	return string(b)
}

func (d *Document) orderedChars() []*Char {
	ordered := make([]*Char, 0, len(d.chars))
	for _, c := range d.chars {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return comparePosition(ordered[i].Position, ordered[j].Position) < 0
	})
	return ordered
}

func comparePosition(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}
