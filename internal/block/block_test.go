package block

import "testing"

// TestRefillOrder mirrors spec.md §8 scenario 4: block array
// [have=F dnd=F, have=T, have=F dnd=T, have=F priority=high] is sorted so
// that index 3 (high priority) comes before index 0, and indices 1 and 2
// come last.
func TestRefillOrder(t *testing.T) {
	b0 := &Block{Index: 0}
	b1 := &Block{Index: 1, Have: true}
	b2 := &Block{Index: 2, DND: true}
	b3 := &Block{Index: 3, Priority: PriorityHigh}

	blocks := []*Block{b0, b1, b2, b3}
	restore := SortForRefill(blocks)

	pos := make(map[uint32]int)
	for i, b := range blocks {
		pos[b.Index] = i
	}
	if pos[3] >= pos[0] {
		t.Fatalf("high priority block 3 should sort before block 0: positions %v", pos)
	}
	if pos[1] < pos[0] || pos[1] < pos[3] {
		t.Fatalf("have block 1 should sort after not-have blocks: positions %v", pos)
	}
	if pos[2] < pos[1] {
		t.Fatalf("dnd block 2 should sort last: positions %v", pos)
	}

	restore()
	for i, b := range blocks {
		if b.Index != uint32(i) {
			t.Fatalf("restore did not return index order: %v", blocks)
		}
	}
}

func TestSaturatingCounters(t *testing.T) {
	b := &Block{}
	for i := 0; i < 300; i++ {
		b.IncRequestCount()
		b.IncScarcity()
	}
	if b.RequestCount() != 255 || b.Scarcity() != 255 {
		t.Fatalf("counters did not saturate: req=%d scarcity=%d", b.RequestCount(), b.Scarcity())
	}
	b.DecRequestCount()
	b.DecScarcity()
	if b.RequestCount() != 254 || b.Scarcity() != 254 {
		t.Fatalf("decrement failed: req=%d scarcity=%d", b.RequestCount(), b.Scarcity())
	}
}

func TestGlobalIndex(t *testing.T) {
	// piece size 32KiB, block size 16KiB => 2 blocks per piece.
	if got := GlobalIndex(3, 2, 16384, 16384); got != 7 {
		t.Fatalf("GlobalIndex = %d, want 7", got)
	}
}
