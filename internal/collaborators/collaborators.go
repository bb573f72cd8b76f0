// Package collaborators declares the interfaces the peer engine and peer
// manager consume but do not implement: piece storage, completion
// tracking and rate limiting (spec.md §6). The metainfo parser, on-disk
// piece store, completion bitmap and tracker client are out of scope for
// this module; these interfaces are what a caller wires them in through.
package collaborators

import "github.com/zPivot/transmission/internal/bitfield"

// IO reads and writes piece data and verifies a completed piece's hash.
type IO interface {
	Read(torrentHash [20]byte, piece, offset, length uint32, dst []byte) error
	Write(torrentHash [20]byte, piece, offset, length uint32, src []byte) error
	Hash(torrentHash [20]byte, piece uint32) (bool, error)
}

// Status is the torrent's overall completion state.
type Status int

const (
	Incomplete Status = iota
	Done
	Seed
)

// Completion tracks which pieces/blocks are already verified on disk.
type Completion interface {
	Status() Status
	PieceIsComplete(piece uint32) bool
	BlockIsComplete(block uint32) bool
	BlockAdd(block uint32)
	PieceBitfield() *bitfield.Bitfield
}

// RateControl gates how many bytes may cross the wire right now, e.g. for
// a global upload/download rate limit shared across peers.
type RateControl interface {
	CanTransfer() bool
	Transferred(n int)
}
