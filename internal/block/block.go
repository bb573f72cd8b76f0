// Package block implements the Block data model (spec.md §3) and the
// refill scheduler's sort key (spec.md §4.E).
package block

import "sort"

// Priority inherited from a block's containing piece.
type Priority byte

const (
	PriorityNormal Priority = iota
	PriorityLow
	PriorityHigh
)

// saturate255 caps n at 255, matching the data model's saturating counters.
func saturate255(n int) byte {
	if n > 255 {
		return 255
	}
	return byte(n)
}

// Block is the unit of request: typically 16 KiB, with the last block of
// the last piece possibly short.
type Block struct {
	// Index is the global block index:
	// piece_index*(piece_size/block_size) + block_offset/block_size.
	Index uint32

	PieceIndex uint32
	Offset     uint32
	Length     uint32

	Have     bool
	DND      bool
	Priority Priority

	requestCount byte
	scarcity     byte
}

// RequestCount returns the number of outstanding requests for this block
// across all peers, saturating at 255.
func (b *Block) RequestCount() byte { return b.requestCount }

// IncRequestCount increments the outstanding-request counter, saturating.
func (b *Block) IncRequestCount() {
	if b.requestCount < 255 {
		b.requestCount++
	}
}

// DecRequestCount decrements the outstanding-request counter, floored at 0.
func (b *Block) DecRequestCount() {
	if b.requestCount > 0 {
		b.requestCount--
	}
}

// Scarcity returns how many connected peers advertise owning this block's
// containing piece, saturating at 255.
func (b *Block) Scarcity() byte { return b.scarcity }

// IncScarcity increments the scarcity counter, saturating.
func (b *Block) IncScarcity() {
	if b.scarcity < 255 {
		b.scarcity++
	}
}

// DecScarcity decrements the scarcity counter, floored at 0 (used when a
// peer advertising this piece disconnects).
func (b *Block) DecScarcity() {
	if b.scarcity > 0 {
		b.scarcity--
	}
}

// GlobalIndex computes piece_index*(piece_size/block_size) + offset/block_size.
func GlobalIndex(pieceIndex uint32, blocksPerPiece uint32, offset, blockSize uint32) uint32 {
	return pieceIndex*blocksPerPiece + offset/blockSize
}

// SortForRefill sorts blocks in place by the refill scheduler's interest
// key (spec.md §4.E): (dnd asc, have asc, request_count asc,
// high_priority desc, low_priority asc, scarcity asc, block_index asc).
// It returns a function that restores the original (index) order, since
// the scheduler must walk the array sorted but leave it index-ordered
// afterwards.
func SortForRefill(blocks []*Block) (restore func()) {
	original := make([]*Block, len(blocks))
	copy(original, blocks)

	sort.SliceStable(blocks, func(i, j int) bool {
		a, b := blocks[i], blocks[j]
		if a.DND != b.DND {
			return !a.DND // dnd asc: false before true
		}
		if a.Have != b.Have {
			return !a.Have // have asc: false before true
		}
		if a.requestCount != b.requestCount {
			return a.requestCount < b.requestCount
		}
		aHigh, bHigh := a.Priority == PriorityHigh, b.Priority == PriorityHigh
		if aHigh != bHigh {
			return aHigh // high_priority desc: true before false
		}
		aLow, bLow := a.Priority == PriorityLow, b.Priority == PriorityLow
		if aLow != bLow {
			return !aLow // low_priority asc: false (non-low) before true (low)
		}
		if a.scarcity != b.scarcity {
			return a.scarcity < b.scarcity
		}
		return a.Index < b.Index
	})

	return func() {
		copy(blocks, original)
	}
}
