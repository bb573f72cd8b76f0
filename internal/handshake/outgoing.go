package handshake

import (
	"encoding/binary"
	"time"

	"github.com/zPivot/transmission/internal/mse"
	"github.com/zPivot/transmission/internal/peerio"
	"github.com/zPivot/transmission/internal/peerprotocol"
)

// Result is sent on the handshaker's result channel exactly once, whether
// the handshake succeeded or failed.
type Result struct {
	Session    *peerio.Session
	PeerID     [20]byte
	Extensions *peerprotocol.ExtensionHandshakeMessage
	Error      error
}

// OutgoingHandshaker drives the initiator side of a peer connection: MSE
// negotiation (with a plaintext fallback), the BT handshake and,
// optionally, the LTEP extension handshake. Run is meant to be launched in
// its own goroutine, one per connecting peer, mirroring how the rest of
// this client handles handshakes and peer connections.
type OutgoingHandshaker struct {
	sess          *peerio.Session
	infoHash      [20]byte
	peerID        [20]byte
	preference    Preference
	listenPort    uint16
	clientVersion string
	dialTimeout   time.Duration
	resultC       chan<- Result
}

func NewOutgoingHandshaker(
	sess *peerio.Session,
	infoHash, peerID [20]byte,
	preference Preference,
	listenPort uint16,
	clientVersion string,
	dialTimeout time.Duration,
	resultC chan<- Result,
) *OutgoingHandshaker {
	return &OutgoingHandshaker{
		sess:          sess,
		infoHash:      infoHash,
		peerID:        peerID,
		preference:    preference,
		listenPort:    listenPort,
		clientVersion: clientVersion,
		dialTimeout:   dialTimeout,
		resultC:       resultC,
	}
}

// Run executes the full handshake and reports exactly one Result.
func (h *OutgoingHandshaker) Run() {
	peerID, ext, err := h.run()
	sess := h.sess
	if err != nil {
		sess.Close()
		sess = nil
	}
	h.resultC <- Result{Session: sess, PeerID: peerID, Extensions: ext, Error: err}
}

func (h *OutgoingHandshaker) run() ([20]byte, *peerprotocol.ExtensionHandshakeMessage, error) {
	if h.preference != PlaintextRequired {
		prefix, err := h.runEncrypted()
		if err == nil {
			// Our BT handshake already went out as MSE's IA payload.
			return readPeerBTHandshake(h.sess, nil, h.infoHash, h.listenPort, h.clientVersion)
		}
		if err == errPeerSentPlaintext {
			// The peer never spoke MSE at all; what we read in place of
			// its DH public key was the start of a plain BT handshake,
			// per spec.md §4.C step 2. The connection is still open and
			// already in plaintext, so there's nothing to reconnect.
			h.sess.SetEncryption(peerio.Plaintext)
			return h.finishBT(prefix)
		}
		if h.preference == EncryptionRequired {
			return [20]byte{}, nil, err
		}
		// Fall back to a plain BT handshake over a fresh connection, per
		// spec.md §8 scenario 2.
		if rerr := h.sess.Reconnect(h.dialTimeout); rerr != nil {
			return [20]byte{}, nil, rerr
		}
		h.sess.SetEncryption(peerio.Plaintext)
	}
	return h.finishBT(nil)
}

// runEncrypted executes the MSE initiator path (spec.md §4.C): DH exchange,
// req1/obfuscated-hash, the encrypted VC/crypto_provide/PadC/IA message,
// and reading back the responder's VC/crypto_select/PadD.
//
// If the peer skips MSE entirely and replies with a plaintext BT handshake
// instead of its DH public key (spec.md §4.C step 2), runEncrypted returns
// errPeerSentPlaintext along with the handshake bytes already read, which
// the caller must feed back into the BT handshake reader.
func (h *OutgoingHandshaker) runEncrypted() ([]byte, error) {
	dh, err := mse.NewDH()
	if err != nil {
		return nil, err
	}
	padALen, err := randomPadLength()
	if err != nil {
		return nil, err
	}
	padA, err := randomPad(padALen)
	if err != nil {
		return nil, err
	}
	pub := dh.PublicKey()
	if _, err := h.sess.Write(pub[:]); err != nil {
		return nil, err
	}
	if _, err := h.sess.Write(padA); err != nil {
		return nil, err
	}

	var peerPub [mse.KeyLen]byte
	if _, err := h.sess.Read(peerPub[:btHandshakePrefixLen]); err != nil {
		return nil, err
	}
	if isBTHandshakePrefix(peerPub[:btHandshakePrefixLen]) {
		return peerPub[:btHandshakePrefixLen], errPeerSentPlaintext
	}
	if _, err := h.sess.Read(peerPub[btHandshakePrefixLen:]); err != nil {
		return nil, err
	}
	secret := dh.SharedSecret(peerPub)

	req1 := req1Marker(secret)
	obf := obfuscatedHash(h.infoHash, secret)
	if _, err := h.sess.Write(req1[:]); err != nil {
		return nil, err
	}
	if _, err := h.sess.Write(obf[:]); err != nil {
		return nil, err
	}

	tx, rx, err := newRC4Streams(secret, h.infoHash, true)
	if err != nil {
		return nil, err
	}
	h.sess.SetRC4Streams(tx, rx)
	h.sess.SetEncryption(peerio.RC4)

	padCLen, err := randomPadLength()
	if err != nil {
		return nil, err
	}
	padC, err := randomPad(padCLen)
	if err != nil {
		return nil, err
	}
	ia := peerprotocol.Handshake{InfoHash: h.infoHash, PeerID: h.peerID}
	ia.Reserved.SetLTEP()
	iaBytes := ia.Encode()

	msg := make([]byte, 0, len(vc)+4+2+len(padC)+2+len(iaBytes))
	msg = append(msg, vc[:]...)
	provide := encodeU32(h.preference.cryptoProvide())
	msg = append(msg, provide[:]...)
	msg = appendU16(msg, uint16(len(padC)))
	msg = append(msg, padC...)
	msg = appendU16(msg, uint16(len(iaBytes)))
	msg = append(msg, iaBytes...)
	if _, err := h.sess.Write(msg); err != nil {
		return nil, err
	}

	// The responder's VC is still waiting behind PadB, whose length we
	// don't know, so we resync by testing successive decryption windows
	// instead of reading a fixed offset.
	_, rxKeyMaterial := deriveKeys(secret, h.infoHash, true)
	confirmedRx, err := resyncVC(readByteFn(h.sess), rxKeyMaterial, maxResyncScan)
	if err != nil {
		return nil, err
	}
	h.sess.SetRC4Streams(tx, confirmedRx)

	var cryptoSelectBuf [4]byte
	if _, err := h.sess.Read(cryptoSelectBuf[:]); err != nil {
		return nil, err
	}
	cryptoSelect := decodeU32(cryptoSelectBuf[:])
	if cryptoSelect != 0b01 && cryptoSelect != 0b10 {
		return nil, ErrInvalidCryptoSelect
	}

	var padDLenBuf [2]byte
	if _, err := h.sess.Read(padDLenBuf[:]); err != nil {
		return nil, err
	}
	padDLen := decodeU16(padDLenBuf[:])
	if padDLen > 0 {
		padD := make([]byte, padDLen)
		if _, err := h.sess.Read(padD); err != nil {
			return nil, err
		}
	}

	if cryptoSelect == 0b01 {
		h.sess.SetEncryption(peerio.Plaintext)
	}
	return nil, nil
}

func (h *OutgoingHandshaker) finishBT(prefix []byte) ([20]byte, *peerprotocol.ExtensionHandshakeMessage, error) {
	return finishBTHandshakeWithPrefix(h.sess, prefix, h.infoHash, h.peerID, h.listenPort, h.clientVersion)
}

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}
