package handshake

import (
	"github.com/zPivot/transmission/internal/peerio"
	"github.com/zPivot/transmission/internal/peerprotocol"
)

// maxLTEPHandshakeLength bounds the extension handshake message so a
// misbehaving or non-conforming peer can't make us allocate unbounded
// memory before the BT handshake/LTEP exchange completes.
const maxLTEPHandshakeLength = 64 * 1024

// btHandshakePrefixLen is the length of the pstrlen+pstr prefix that opens
// every plain BT handshake (spec.md §6), used by the MSE initiator to spot
// a peer that skipped MSE entirely (spec.md §4.C step 2).
const btHandshakePrefixLen = 1 + len(peerprotocol.Pstr)

// isBTHandshakePrefix reports whether b is the literal pstrlen+pstr that
// opens a plain BT handshake.
func isBTHandshakePrefix(b []byte) bool {
	return len(b) == btHandshakePrefixLen &&
		b[0] == byte(len(peerprotocol.Pstr)) &&
		string(b[1:]) == peerprotocol.Pstr
}

// finishBTHandshake sends our BT handshake, reads the peer's, validates
// the info hash, and if both sides advertise LTEP, exchanges extension
// handshakes. It is shared by the initiator and responder paths: by this
// point MSE (if any) is already negotiated and the session's encryption
// mode reads/writes transparently.
func finishBTHandshake(sess *peerio.Session, infoHash, peerID [20]byte, listenPort uint16, clientVersion string) ([20]byte, *peerprotocol.ExtensionHandshakeMessage, error) {
	return finishBTHandshakeWithPrefix(sess, nil, infoHash, peerID, listenPort, clientVersion)
}

// finishBTHandshakeWithPrefix is finishBTHandshake for the case where some
// leading bytes of the peer's handshake were already consumed off the wire
// by an earlier read (spec.md §4.C step 2: a peer that replies to our MSE
// overture with an immediate plaintext handshake). prefix may be nil.
func finishBTHandshakeWithPrefix(sess *peerio.Session, prefix []byte, infoHash, peerID [20]byte, listenPort uint16, clientVersion string) ([20]byte, *peerprotocol.ExtensionHandshakeMessage, error) {
	ours := peerprotocol.Handshake{InfoHash: infoHash, PeerID: peerID}
	ours.Reserved.SetLTEP()
	if err := sendBTHandshake(sess, ours); err != nil {
		return [20]byte{}, nil, err
	}
	return readPeerBTHandshake(sess, prefix, infoHash, listenPort, clientVersion)
}

// readPeerBTHandshake reads and validates the peer's BT handshake and, if
// the peer advertises LTEP, exchanges extension handshakes. It does not
// send our own BT handshake; the MSE initiator calls it directly because
// its handshake already went out as IA.
func readPeerBTHandshake(sess *peerio.Session, prefix []byte, infoHash [20]byte, listenPort uint16, clientVersion string) ([20]byte, *peerprotocol.ExtensionHandshakeMessage, error) {
	theirs, err := readBTHandshakeWithPrefix(sess, prefix)
	if err != nil {
		return [20]byte{}, nil, err
	}
	if theirs.InfoHash != infoHash {
		return [20]byte{}, nil, ErrInfoHashMismatch
	}
	sess.SetPeerID(theirs.PeerID)

	if !theirs.Reserved.HasLTEP() {
		return theirs.PeerID, nil, nil
	}
	sess.SetExtension(peerio.ExtensionLTEP)
	if err := sendExtensionHandshake(sess, listenPort, clientVersion); err != nil {
		return theirs.PeerID, nil, err
	}
	ext, err := readExtensionHandshake(sess)
	if err != nil {
		return theirs.PeerID, nil, err
	}
	return theirs.PeerID, ext, nil
}

func sendBTHandshake(sess *peerio.Session, h peerprotocol.Handshake) error {
	_, err := sess.Write(h.Encode())
	return err
}

func readBTHandshake(sess *peerio.Session) (peerprotocol.Handshake, error) {
	return readBTHandshakeWithPrefix(sess, nil)
}

// readBTHandshakeWithPrefix reads the remainder of the 68-byte handshake
// body after prefix bytes that were already read off the wire elsewhere.
func readBTHandshakeWithPrefix(sess *peerio.Session, prefix []byte) (peerprotocol.Handshake, error) {
	buf := make([]byte, peerprotocol.HandshakeLength)
	n := copy(buf, prefix)
	if n < len(buf) {
		if _, err := sess.Read(buf[n:]); err != nil {
			return peerprotocol.Handshake{}, err
		}
	}
	return peerprotocol.DecodeHandshake(buf)
}

// sendMessage frames msg as length-prefixed (4-byte length, 1-byte id,
// payload) and writes it, per spec.md §6.
func sendMessage(sess *peerio.Session, msg peerprotocol.Message) error {
	payload := msg.Payload()
	length := uint32(1 + len(payload))
	if _, err := sess.WriteU32(nil, length); err != nil {
		return err
	}
	buf := append([]byte{byte(msg.ID())}, payload...)
	_, err := sess.Write(buf)
	return err
}

// readMessage reads one length-prefixed message and returns its id and
// raw payload. maxLength bounds the payload size accepted.
func readMessage(sess *peerio.Session, maxLength uint32) (peerprotocol.MessageID, []byte, error) {
	length, err := sess.ReadU32()
	if err != nil {
		return 0, nil, err
	}
	if length == 0 || length-1 > maxLength {
		return 0, nil, peerprotocol.ErrInvalidPayloadLength
	}
	body := make([]byte, length)
	if _, err := sess.Read(body); err != nil {
		return 0, nil, err
	}
	return peerprotocol.MessageID(body[0]), body[1:], nil
}

func sendExtensionHandshake(sess *peerio.Session, port uint16, clientVersion string) error {
	hs := peerprotocol.NewExtensionHandshake(port, clientVersion)
	payload, err := hs.Encode()
	if err != nil {
		return err
	}
	msg := peerprotocol.ExtensionMessage{
		ExtendedMessageID: peerprotocol.ExtensionIDHandshake,
		Payload_:          payload,
	}
	return sendMessage(sess, msg)
}

// readExtensionHandshake reads the next message, which must be the LTEP
// extension handshake (id 20, sub-id 0), and returns the decoded
// handshake dict (its M table carries the peer's ut_pex sub-id, if any).
func readExtensionHandshake(sess *peerio.Session) (*peerprotocol.ExtensionHandshakeMessage, error) {
	id, payload, err := readMessage(sess, maxLTEPHandshakeLength)
	if err != nil {
		return nil, err
	}
	if id != peerprotocol.Extension {
		return nil, ErrExpectedExtensionHandshake
	}
	subID, body, err := peerprotocol.DecodeExtension(payload)
	if err != nil {
		return nil, err
	}
	if subID != peerprotocol.ExtensionIDHandshake {
		return nil, ErrExpectedExtensionHandshake
	}
	return peerprotocol.DecodeExtensionHandshake(body)
}
