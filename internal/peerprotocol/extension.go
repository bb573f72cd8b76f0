package peerprotocol

import (
	"bytes"
	"errors"

	"github.com/zeebo/bencode"
)

// ErrNotADict is a protocol violation: an LTEP payload did not decode to a
// bencoded dictionary (spec.md §7).
var ErrNotADict = errors.New("peerprotocol: extension payload is not a dict")

// ExtensionHandshakeMessage is the LTEP handshake payload (BEP 10,
// spec.md §6): sub-message id table, optional listening port and client
// version string. Missing fields are allowed.
type ExtensionHandshakeMessage struct {
	M map[string]uint8 `bencode:"m"`
	V string           `bencode:"v,omitempty"`
	P uint16           `bencode:"p,omitempty"`
}

// ExtensionKeyPEX is the sub-message name this client advertises for PEX.
const ExtensionKeyPEX = "ut_pex"

// NewExtensionHandshake builds the handshake we send: ut_pex plus our
// listening port and client version.
func NewExtensionHandshake(port uint16, clientVersion string) *ExtensionHandshakeMessage {
	return &ExtensionHandshakeMessage{
		M: map[string]uint8{ExtensionKeyPEX: 1},
		V: clientVersion,
		P: port,
	}
}

// Encode bencodes the handshake dict.
func (m *ExtensionHandshakeMessage) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeExtensionHandshake parses an incoming LTEP handshake payload.
func DecodeExtensionHandshake(payload []byte) (*ExtensionHandshakeMessage, error) {
	var m ExtensionHandshakeMessage
	if err := bencode.NewDecoder(bytes.NewReader(payload)).Decode(&m); err != nil {
		return nil, ErrNotADict
	}
	return &m, nil
}

// PEXMessage is the µTorrent peer-exchange payload (spec.md §6): compact
// IPv4:port tuples of newly-seen and dropped peers, with a flags byte per
// added peer.
type PEXMessage struct {
	Added      []byte `bencode:"added"`
	AddedFlags []byte `bencode:"added.f"`
	Dropped    []byte `bencode:"dropped"`
}

// Encode bencodes the PEX dict.
func (m *PEXMessage) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodePEX parses an incoming PEX payload.
func DecodePEX(payload []byte) (*PEXMessage, error) {
	var m PEXMessage
	if err := bencode.NewDecoder(bytes.NewReader(payload)).Decode(&m); err != nil {
		return nil, ErrNotADict
	}
	return &m, nil
}
