package peer

import "net"

// Event types published on a Peer's event bus (spec.md §4.D "event
// taxonomy"). The peer manager subscribes and type-switches on these.

// PeerBitfield is published when a peer's BITFIELD message is processed.
type PeerBitfield struct{ Peer *Peer }

// PeerHave is published when a peer's HAVE message is processed.
type PeerHave struct {
	Peer  *Peer
	Piece uint32
}

// ClientHave is published when we finish and verify a piece ourselves.
type ClientHave struct {
	Peer  *Peer
	Piece uint32
}

// ClientBlock is published when a block we requested from this peer has
// been written to storage, before any piece hash check.
type ClientBlock struct {
	Peer                  *Peer
	Piece, Offset, Length uint32
}

// GotPEX is published when a PEX payload is parsed from an LTEP message.
type GotPEX struct {
	Peer    *Peer
	Added   []PEXPeer
	Dropped []*net.TCPAddr
}

// PEXPeer is one entry of a GotPEX.Added list.
type PEXPeer struct {
	Addr  *net.TCPAddr
	Flags byte
}

// GotError is published when the peer's connection fails or a protocol
// violation is detected; the manager tears the peer down in response.
type GotError struct {
	Peer *Peer
	Err  error
}

// BlocksRunningLow is published when our outstanding request queue to
// this peer holds lowRequests or fewer entries, prompting the manager's
// refill scheduler.
type BlocksRunningLow struct{ Peer *Peer }

// PeerHashMismatch is published when a piece this peer contributed to
// fails verification (spec.md §7 "Data integrity" policy hook). The
// manager decides what, if anything, to do about it.
type PeerHashMismatch struct {
	Peer  *Peer
	Piece uint32
}
