package contentstore

import (
	"context"
	"testing"
)

func TestCIDStability(t *testing.T) {
	data := []byte(`{"a":1,"b":2}`)
	c1, err := ComputeCID(data)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := ComputeCID(append([]byte(nil), data...))
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Fatalf("expected identical CID for identical bytes, got %s vs %s", c1, c2)
	}

	other, err := ComputeCID([]byte(`{"a":1,"b":3}`))
	if err != nil {
		t.Fatal(err)
	}
	if c1 == other {
		t.Fatal("expected different CID for different bytes")
	}
}

func TestMemoryPutGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	data := []byte("hello proof")

	id, err := m.Put(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Fatalf("got %q want %q", got, data)
	}
}

func TestMemoryGetUnknownFails(t *testing.T) {
	m := NewMemory()
	if _, err := m.Get(context.Background(), "bafynotreal"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryPinUnpin(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id, _ := m.Put(ctx, []byte("x"))

	pins, _ := m.ListPins(ctx)
	if len(pins) != 1 || pins[0] != id {
		t.Fatalf("expected blob pinned by default, got %v", pins)
	}
	if err := m.Unpin(ctx, id); err != nil {
		t.Fatal(err)
	}
	pins, _ = m.ListPins(ctx)
	if len(pins) != 0 {
		t.Fatalf("expected no pins after unpin, got %v", pins)
	}
}
