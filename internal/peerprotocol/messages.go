package peerprotocol

import (
	"encoding/binary"
	"errors"
)

// ErrInvalidPayloadLength is a protocol violation: a fixed-shape message
// arrived with a payload of the wrong size (spec.md §7).
var ErrInvalidPayloadLength = errors.New("peerprotocol: invalid payload length")

// Message is anything that can be framed onto the wire as a BitTorrent
// peer message: a 1-byte id followed by Payload().
type Message interface {
	ID() MessageID
	Payload() []byte
}

// ChokeMessage, UnchokeMessage, InterestedMessage and NotInterestedMessage
// carry no payload.
type ChokeMessage struct{}

func (ChokeMessage) ID() MessageID   { return Choke }
func (ChokeMessage) Payload() []byte { return nil }

type UnchokeMessage struct{}

func (UnchokeMessage) ID() MessageID   { return Unchoke }
func (UnchokeMessage) Payload() []byte { return nil }

type InterestedMessage struct{}

func (InterestedMessage) ID() MessageID   { return Interested }
func (InterestedMessage) Payload() []byte { return nil }

type NotInterestedMessage struct{}

func (NotInterestedMessage) ID() MessageID   { return NotInterested }
func (NotInterestedMessage) Payload() []byte { return nil }

// HaveMessage announces a single complete piece.
type HaveMessage struct {
	Index uint32
}

func (m HaveMessage) ID() MessageID { return Have }
func (m HaveMessage) Payload() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.Index)
	return b
}

// DecodeHave parses a HAVE payload.
func DecodeHave(payload []byte) (HaveMessage, error) {
	if len(payload) != 4 {
		return HaveMessage{}, ErrInvalidPayloadLength
	}
	return HaveMessage{Index: binary.BigEndian.Uint32(payload)}, nil
}

// BitfieldMessage carries the peer's have-set as a packed byte string.
type BitfieldMessage struct {
	Data []byte
}

func (m BitfieldMessage) ID() MessageID   { return Bitfield }
func (m BitfieldMessage) Payload() []byte { return m.Data }

// RequestMessage and CancelMessage share the same (index, begin, length)
// shape.
type RequestMessage struct {
	Index, Begin, Length uint32
}

func (m RequestMessage) ID() MessageID { return Request }
func (m RequestMessage) Payload() []byte {
	return encodeIBL(m.Index, m.Begin, m.Length)
}

type CancelMessage struct {
	Index, Begin, Length uint32
}

func (m CancelMessage) ID() MessageID { return Cancel }
func (m CancelMessage) Payload() []byte {
	return encodeIBL(m.Index, m.Begin, m.Length)
}

func encodeIBL(index, begin, length uint32) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], index)
	binary.BigEndian.PutUint32(b[4:8], begin)
	binary.BigEndian.PutUint32(b[8:12], length)
	return b
}

// DecodeRequest parses a REQUEST or CANCEL payload (identical shape).
func DecodeRequest(payload []byte) (RequestMessage, error) {
	if len(payload) != 12 {
		return RequestMessage{}, ErrInvalidPayloadLength
	}
	return RequestMessage{
		Index:  binary.BigEndian.Uint32(payload[0:4]),
		Begin:  binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

// DecodeCancel parses a CANCEL payload.
func DecodeCancel(payload []byte) (CancelMessage, error) {
	r, err := DecodeRequest(payload)
	return CancelMessage(r), err
}

// PieceMessage is the header of a PIECE message; the block bytes are not
// part of it; the reader receives the whole frame and takes the block as
// the payload bytes after this header.
type PieceMessage struct {
	Index, Begin uint32
}

func (m PieceMessage) ID() MessageID { return Piece }
func (m PieceMessage) Payload() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	return b
}

// DecodePieceHeader parses the fixed 8-byte header of a PIECE message; the
// remaining bytes of the payload are the block itself, which the caller
// slices from the already-read payload; they are not copied here.
func DecodePieceHeader(header []byte) (PieceMessage, error) {
	if len(header) != 8 {
		return PieceMessage{}, ErrInvalidPayloadLength
	}
	return PieceMessage{
		Index: binary.BigEndian.Uint32(header[0:4]),
		Begin: binary.BigEndian.Uint32(header[4:8]),
	}, nil
}

// PortMessage announces a DHT listening port (stored per spec.md §7
// supplement even though this module does not implement DHT itself).
type PortMessage struct {
	Port uint16
}

func (m PortMessage) ID() MessageID { return Port }
func (m PortMessage) Payload() []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, m.Port)
	return b
}

// DecodePort parses a PORT payload.
func DecodePort(payload []byte) (PortMessage, error) {
	if len(payload) != 2 {
		return PortMessage{}, ErrInvalidPayloadLength
	}
	return PortMessage{Port: binary.BigEndian.Uint16(payload)}, nil
}

// ExtensionMessage is a BEP 10 message: sub-id followed by a bencoded
// payload (or, for PIECE-shaped extensions, raw bytes — not used here).
type ExtensionMessage struct {
	ExtendedMessageID ExtensionMessageID
	Payload_          []byte
}

func (m ExtensionMessage) ID() MessageID { return Extension }
func (m ExtensionMessage) Payload() []byte {
	b := make([]byte, 1+len(m.Payload_))
	b[0] = byte(m.ExtendedMessageID)
	copy(b[1:], m.Payload_)
	return b
}

// DecodeExtension splits an extension message's payload into its sub-id and
// bencoded body.
func DecodeExtension(payload []byte) (ExtensionMessageID, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, ErrInvalidPayloadLength
	}
	return ExtensionMessageID(payload[0]), payload[1:], nil
}
