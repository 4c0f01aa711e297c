package merge

import (
	"testing"
)

func TestResolveBufferedWritesLastWriterWins(t *testing.T) {
	writes := []BufferedWrite{
		{ModelUUID: "m1", InstanceID: "replica-a", Counter: 1, Serialized: []byte("v1")},
		{ModelUUID: "m1", InstanceID: "replica-b", Counter: 5, Serialized: []byte("v2")},
		{ModelUUID: "m2", InstanceID: "replica-a", Counter: 2, Serialized: []byte("v3")},
	}

	state, conflicts, err := ResolveBufferedWrites(writes)
	if err != nil {
		t.Fatalf("ResolveBufferedWrites failed: %v", err)
	}

	winner, ok := state["m1"]
	if !ok {
		t.Fatalf("expected a resolved state for m1")
	}
	if string(winner.Serialized) != "v2" {
		t.Fatalf("expected replica-b's higher-counter write (v2) to win, got %q", winner.Serialized)
	}
	if winner.InstanceID != "replica-b" {
		t.Fatalf("expected replica-b to win, got %q", winner.InstanceID)
	}

	if len(conflicts) != 1 {
		t.Fatalf("expected exactly one conflict (for m1), got %d", len(conflicts))
	}

	m2, ok := state["m2"]
	if !ok {
		t.Fatalf("expected a resolved state for m2")
	}
	if m2.ModelUUID != "m2" {
		t.Fatalf("unexpected key for m2 resolution: %s", m2.ModelUUID)
	}
}

func TestResolveBufferedWritesDeleteWins(t *testing.T) {
	writes := []BufferedWrite{
		{ModelUUID: "m1", InstanceID: "replica-a", Counter: 1, Serialized: []byte("v1")},
		{ModelUUID: "m1", InstanceID: "replica-b", Counter: 2, Deleted: true},
	}

	state, _, err := ResolveBufferedWrites(writes)
	if err != nil {
		t.Fatalf("ResolveBufferedWrites failed: %v", err)
	}

	winner := state["m1"]
	if !winner.Deleted {
		t.Fatalf("expected the later delete to win, got %+v", winner)
	}
}
