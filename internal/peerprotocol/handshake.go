package peerprotocol

import "errors"

// ErrInvalidProtocol is a protocol violation: the handshake's pstrlen/pstr
// did not match the literal BitTorrent protocol string.
var ErrInvalidProtocol = errors.New("peerprotocol: invalid protocol string")

// ReservedBytes are the 8 reserved bytes of the BT handshake. Bit 5 | 0x10
// advertises LTEP (BEP 10); bit 0 | 0x80 advertises the Azureus extension
// protocol (AZMP); the low two bits of byte 5 encode a tie-break preference
// between them when both are advertised (spec.md §4.C, supplemented by
// original_source/libtransmission/peer-msgs.c's HANDSHAKE_HAS_* bits).
type ReservedBytes [8]byte

const (
	reservedLTEPByte = 5
	reservedLTEPBit  = 0x10
	reservedAZMPByte = 0
	reservedAZMPBit  = 0x80
)

// SetLTEP marks LTEP support.
func (r *ReservedBytes) SetLTEP() { r[reservedLTEPByte] |= reservedLTEPBit }

// HasLTEP reports whether the peer advertises LTEP.
func (r ReservedBytes) HasLTEP() bool { return r[reservedLTEPByte]&reservedLTEPBit != 0 }

// SetAZMP marks Azureus extension protocol support.
func (r *ReservedBytes) SetAZMP() { r[reservedAZMPByte] |= reservedAZMPBit }

// HasAZMP reports whether the peer advertises AZMP.
func (r ReservedBytes) HasAZMP() bool { return r[reservedAZMPByte]&reservedAZMPBit != 0 }

// PreferLTEP reports whether, when both LTEP and AZMP are advertised, LTEP
// should be used. This module only implements LTEP; the handshake engine
// never negotiates AZMP, so an AZMP-only peer completes the handshake with
// no extension protocol.
func (r ReservedBytes) PreferLTEP() bool { return true }

// Handshake is the 68-byte BitTorrent handshake body (spec.md §6).
type Handshake struct {
	Reserved ReservedBytes
	InfoHash [20]byte
	PeerID   [20]byte
}

// Encode writes the 68-byte wire form.
func (h Handshake) Encode() []byte {
	b := make([]byte, HandshakeLength)
	b[0] = byte(len(Pstr))
	copy(b[1:20], Pstr)
	copy(b[20:28], h.Reserved[:])
	copy(b[28:48], h.InfoHash[:])
	copy(b[48:68], h.PeerID[:])
	return b
}

// DecodeHandshake parses a 68-byte handshake body.
func DecodeHandshake(b []byte) (Handshake, error) {
	if len(b) != HandshakeLength {
		return Handshake{}, ErrInvalidPayloadLength
	}
	if b[0] != byte(len(Pstr)) || string(b[1:20]) != Pstr {
		return Handshake{}, ErrInvalidProtocol
	}
	var h Handshake
	copy(h.Reserved[:], b[20:28])
	copy(h.InfoHash[:], b[28:48])
	copy(h.PeerID[:], b[48:68])
	return h, nil
}
