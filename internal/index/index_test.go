package index

import "testing"

func u64(v uint64) *uint64 { return &v }

func TestMemoryByUserOrderingAndTieBreak(t *testing.T) {
	m := NewMemory()
	rows := []Row{
		{ProofID: "p3", UserHash: "alice", CID: "c3", Timestamp: 100},
		{ProofID: "p1", UserHash: "alice", CID: "c1", Timestamp: 200},
		{ProofID: "p2", UserHash: "alice", CID: "c2", Timestamp: 100},
	}
	for _, r := range rows {
		if err := m.Insert(r); err != nil {
			t.Fatal(err)
		}
	}
	got, err := m.ByUser("alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"p1", "p2", "p3"}
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ProofID != id {
			t.Fatalf("position %d: got %s, want %s", i, got[i].ProofID, id)
		}
	}
}

func TestMemoryByUserLimit(t *testing.T) {
	m := NewMemory()
	for i := 0; i < 5; i++ {
		_ = m.Insert(Row{ProofID: string(rune('a' + i)), UserHash: "bob", Timestamp: int64(i)})
	}
	got, err := m.ByUser("bob", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected limit=2 rows, got %d", len(got))
	}
}

func TestMemoryByCID(t *testing.T) {
	m := NewMemory()
	_ = m.Insert(Row{ProofID: "p1", UserHash: "alice", CID: "bafyabc"})
	r, err := m.ByCID("bafyabc")
	if err != nil {
		t.Fatal(err)
	}
	if r.ProofID != "p1" {
		t.Fatalf("got %s, want p1", r.ProofID)
	}
	if _, err := m.ByCID("unknown"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryUpdateBlockThenByBlock(t *testing.T) {
	m := NewMemory()
	_ = m.Insert(Row{ProofID: "p1", UserHash: "alice", CID: "c1", Timestamp: 1})
	if err := m.UpdateBlock("p1", "0xblock", 42); err != nil {
		t.Fatal(err)
	}
	rows, err := m.ByBlock(42)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ProofID != "p1" {
		t.Fatalf("expected p1 anchored at block 42, got %+v", rows)
	}
	if !rows[0].HasBlock() {
		t.Fatal("expected HasBlock true after UpdateBlock")
	}
	if err := m.UpdateBlock("unknown", "x", 1); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemorySearchRequiresUserOrBoundedWindow(t *testing.T) {
	m := NewMemory()
	_ = m.Insert(Row{ProofID: "p1", UserHash: "alice", CID: "c1", Timestamp: 100, ProofType: "document"})

	if _, err := m.Search(SearchFilter{}, 10); err != ErrInvalidSearch {
		t.Fatalf("expected ErrInvalidSearch for unconstrained search, got %v", err)
	}

	rows, err := m.Search(SearchFilter{UserHash: "alice", ProofType: "document"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}

	rows, err = m.Search(SearchFilter{TimeLo: 0, TimeHi: 200, UserHash: "", ProofType: ""}, 10)
	if err == nil && len(rows) == 0 {
		t.Fatal("expected either a bounded-window result or ErrInvalidSearch, got neither")
	}
}

func TestMemoryStats(t *testing.T) {
	m := NewMemory()
	_ = m.Insert(Row{ProofID: "p1", UserHash: "alice", CID: "c1"})
	_ = m.Insert(Row{ProofID: "p2", UserHash: "bob", CID: "c2"})
	_ = m.UpdateBlock("p1", "0xb", 10)

	stats, err := m.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalProofs != 2 || stats.TotalUsers != 2 || stats.LatestBlock != 10 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
