package document

import (
	"encoding/json"
	"testing"
)

func insertOp(peer string, clock int, value string, pos ...int) Op {
	return Op{Action: "insert", Char: Char{ID: CharID{Clock: clock, PeerID: peer}, Value: value, Position: pos}}
}

func TestApplyAndText(t *testing.T) {
	doc := New()
	ops := []Op{
		insertOp("p1", 1, "H", 1),
		insertOp("p1", 2, "i", 2),
	}
	payload, _ := json.Marshal(ops)
	if err := doc.Apply(payload); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if doc.Text() != "Hi" {
		t.Fatalf("got %q", doc.Text())
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	doc := New()
	ops := []Op{insertOp("p1", 1, "H", 1)}
	payload, _ := json.Marshal(ops)
	doc.Apply(payload)
	doc.Apply(payload) // duplicate delivery
	if doc.Text() != "H" {
		t.Fatalf("duplicate apply changed state: %q", doc.Text())
	}
}

func TestDeleteBeforeInsertConverges(t *testing.T) {
	id := CharID{Clock: 1, PeerID: "p1"}
	deleteFirst := New()
	deleteFirst.applyOp(Op{Action: "delete", Char: Char{ID: id, Value: "H", Position: []int{1}}})
	deleteFirst.applyOp(Op{Action: "insert", Char: Char{ID: id, Value: "H", Position: []int{1}}})

	insertFirst := New()
	insertFirst.applyOp(Op{Action: "insert", Char: Char{ID: id, Value: "H", Position: []int{1}}})
	insertFirst.applyOp(Op{Action: "delete", Char: Char{ID: id, Value: "H", Position: []int{1}}})

	if deleteFirst.Text() != insertFirst.Text() {
		t.Fatalf("order-dependent convergence: %q vs %q", deleteFirst.Text(), insertFirst.Text())
	}
	if deleteFirst.Text() != "" {
		t.Fatalf("expected tombstoned char to stay deleted, got %q", deleteFirst.Text())
	}
}

func TestEncodeFullRoundTrip(t *testing.T) {
	doc := New()
	ops := []Op{
		insertOp("p1", 1, "a", 1),
		insertOp("p1", 2, "b", 2),
		insertOp("p2", 1, "c", 3),
	}
	payload, _ := json.Marshal(ops)
	doc.Apply(payload)

	full, err := doc.EncodeFull()
	if err != nil {
		t.Fatalf("EncodeFull: %v", err)
	}

	fresh := New()
	if err := fresh.LoadFull(full); err != nil {
		t.Fatalf("LoadFull: %v", err)
	}
	if fresh.Text() != doc.Text() {
		t.Fatalf("round trip mismatch: %q vs %q", fresh.Text(), doc.Text())
	}
}

func TestReplayOrderIndependence(t *testing.T) {
	ops := []Op{
		insertOp("p1", 1, "a", 1),
		insertOp("p2", 1, "b", 2),
		insertOp("p1", 2, "c", 3),
	}

	forward := New()
	for _, op := range ops {
		payload, _ := json.Marshal([]Op{op})
		forward.Apply(payload)
	}

	reversed := New()
	for i := len(ops) - 1; i >= 0; i-- {
		payload, _ := json.Marshal([]Op{ops[i]})
		reversed.Apply(payload)
	}

	if forward.Text() != reversed.Text() {
		t.Fatalf("replay order changed final text: %q vs %q", forward.Text(), reversed.Text())
	}
}

func TestStateVectorTracksHighestClockPerPeer(t *testing.T) {
	doc := New()
	ops := []Op{
		insertOp("p1", 1, "a", 1),
		insertOp("p1", 3, "b", 2),
		insertOp("p2", 5, "c", 3),
	}
	payload, _ := json.Marshal(ops)
	doc.Apply(payload)

	sv, err := doc.EncodeStateVector()
	if err != nil {
		t.Fatalf("EncodeStateVector: %v", err)
	}
	var clocks map[string]int
	if err := json.Unmarshal(sv, &clocks); err != nil {
		t.Fatalf("unmarshal state vector: %v", err)
	}
	if clocks["p1"] != 3 || clocks["p2"] != 5 {
		t.Fatalf("unexpected state vector: %+v", clocks)
	}
}
