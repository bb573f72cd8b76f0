// Package peerprotocol implements the wire encoding of BitTorrent (BEP 3)
// peer messages, the LTEP extension handshake (BEP 10) and the µTorrent
// PEX payload carried inside it.
package peerprotocol

// MessageID identifies a BitTorrent peer wire message.
type MessageID byte

// Message IDs defined by BEP 3 and BEP 10 (spec.md §4.D message table).
const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9
	Extension     MessageID = 20
)

func (m MessageID) String() string {
	switch m {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case Extension:
		return "extension"
	default:
		return "unknown"
	}
}

// ExtensionMessageID identifies a sub-message inside an Extension (id 20)
// message, per BEP 10.
type ExtensionMessageID byte

// ExtensionIDHandshake is always sub-id 0: the LTEP handshake itself.
const ExtensionIDHandshake ExtensionMessageID = 0

// HandshakeLength is the fixed size of the BitTorrent handshake (§6).
const HandshakeLength = 68

// Pstr is the literal protocol string sent in the handshake.
const Pstr = "BitTorrent protocol"
