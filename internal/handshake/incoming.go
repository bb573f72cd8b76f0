package handshake

import (
	"github.com/zPivot/transmission/internal/mse"
	"github.com/zPivot/transmission/internal/peerio"
	"github.com/zPivot/transmission/internal/peerprotocol"
)

// btHandshakeFirstByte is the pstrlen byte (19) that opens every plaintext
// BitTorrent handshake. An incoming connection that doesn't start with it
// is assumed to be an MSE initiator's Diffie-Hellman public key instead
// (spec.md §4.C); the same heuristic real clients use, since the chance a
// genuine DH key starts with the byte 19 is 1/256 and harmless if wrong
// (the subsequent marker scan simply fails and the connection is dropped).
const btHandshakeFirstByte = byte(len(peerprotocol.Pstr))

// IncomingHandshaker drives the responder side of an accepted connection:
// detecting plaintext vs. MSE, resolving which torrent the peer wants, MSE
// negotiation, the BT handshake and, optionally, the LTEP handshake.
type IncomingHandshaker struct {
	sess          *peerio.Session
	peerID        [20]byte
	preference    Preference
	listenPort    uint16
	clientVersion string
	resolver      TorrentResolver
	resultC       chan<- Result
}

func NewIncomingHandshaker(
	sess *peerio.Session,
	peerID [20]byte,
	preference Preference,
	listenPort uint16,
	clientVersion string,
	resolver TorrentResolver,
	resultC chan<- Result,
) *IncomingHandshaker {
	return &IncomingHandshaker{
		sess:          sess,
		peerID:        peerID,
		preference:    preference,
		listenPort:    listenPort,
		clientVersion: clientVersion,
		resolver:      resolver,
		resultC:       resultC,
	}
}

// Run executes the full handshake and reports exactly one Result.
func (h *IncomingHandshaker) Run() {
	_, remotePeerID, ext, err := h.run()
	sess := h.sess
	if err != nil {
		sess.Close()
		sess = nil
	}
	h.resultC <- Result{Session: sess, PeerID: remotePeerID, Extensions: ext, Error: err}
}

func (h *IncomingHandshaker) run() (infoHash, peerID [20]byte, ext *peerprotocol.ExtensionHandshakeMessage, err error) {
	first, err := h.sess.PeekByte()
	if err != nil {
		return infoHash, peerID, nil, err
	}
	if first == btHandshakeFirstByte {
		if h.preference == EncryptionRequired {
			return infoHash, peerID, nil, ErrNoCryptoMethod
		}
		h.sess.SetEncryption(peerio.Plaintext)
		return h.finishBT(infoHash)
	}
	if h.preference == PlaintextRequired {
		return infoHash, peerID, nil, ErrNoCryptoMethod
	}
	return h.runEncrypted()
}

// runEncrypted executes the MSE responder path (spec.md §4.C): reading Ya,
// sending our Yb and PadB, resyncing on the req1 marker to skip PadA,
// resolving the torrent from the obfuscated hash, then the encrypted
// VC/crypto_provide/PadC/IA
// message (whose IA is the initiator's BT handshake) and replying with
// our own VC/crypto_select/PadD.
func (h *IncomingHandshaker) runEncrypted() (infoHash, peerID [20]byte, ext *peerprotocol.ExtensionHandshakeMessage, err error) {
	var peerPub [mse.KeyLen]byte
	if _, err = h.sess.Read(peerPub[:]); err != nil {
		return
	}
	dh, err := mse.NewDH()
	if err != nil {
		return
	}
	padBLen, err := randomPadLength()
	if err != nil {
		return
	}
	padB, err := randomPad(padBLen)
	if err != nil {
		return
	}
	pub := dh.PublicKey()
	if _, err = h.sess.Write(pub[:]); err != nil {
		return
	}
	if _, err = h.sess.Write(padB); err != nil {
		return
	}
	secret := dh.SharedSecret(peerPub)

	marker := req1Marker(secret)
	if err = scanForMarker(readByteFn(h.sess), marker[:], maxResyncScan, ErrReq1NotFound); err != nil {
		return
	}

	var obf [20]byte
	if _, err = h.sess.Read(obf[:]); err != nil {
		return
	}
	resolved, ok := resolveObfuscatedHash(h.resolver, obf, secret)
	if !ok {
		err = ErrUnknownTorrent
		return
	}
	infoHash = resolved
	h.sess.SetTorrentHash(infoHash)

	tx, rx, err := newRC4Streams(secret, infoHash, false)
	if err != nil {
		return
	}
	h.sess.SetRC4Streams(tx, rx)
	h.sess.SetEncryption(peerio.RC4)

	var gotVC [8]byte
	if _, err = h.sess.Read(gotVC[:]); err != nil {
		return
	}
	if gotVC != vc {
		err = ErrVCNotFound
		return
	}
	var provideBuf [4]byte
	if _, err = h.sess.Read(provideBuf[:]); err != nil {
		return
	}
	provide := decodeU32(provideBuf[:])

	var padCLenBuf [2]byte
	if _, err = h.sess.Read(padCLenBuf[:]); err != nil {
		return
	}
	padCLen := decodeU16(padCLenBuf[:])
	if padCLen > 0 {
		padC := make([]byte, padCLen)
		if _, err = h.sess.Read(padC); err != nil {
			return
		}
	}

	var iaLenBuf [2]byte
	if _, err = h.sess.Read(iaLenBuf[:]); err != nil {
		return
	}
	iaLen := decodeU16(iaLenBuf[:])
	ia := make([]byte, iaLen)
	if iaLen > 0 {
		if _, err = h.sess.Read(ia); err != nil {
			return
		}
	}

	cryptoSelect := h.preference.selectCrypto(provide)
	if cryptoSelect == 0 {
		err = ErrNoCryptoMethod
		return
	}

	padDLen, perr := randomPadLength()
	if perr != nil {
		err = perr
		return
	}
	padD, perr := randomPad(padDLen)
	if perr != nil {
		err = perr
		return
	}
	reply := make([]byte, 0, len(vc)+4+2+len(padD))
	reply = append(reply, vc[:]...)
	selectBuf := encodeU32(cryptoSelect)
	reply = append(reply, selectBuf[:]...)
	reply = appendU16(reply, uint16(len(padD)))
	reply = append(reply, padD...)
	if _, err = h.sess.Write(reply); err != nil {
		return
	}

	if cryptoSelect == 0b01 {
		h.sess.SetEncryption(peerio.Plaintext)
	}

	if iaLen > 0 {
		theirs, derr := peerprotocol.DecodeHandshake(ia)
		if derr != nil {
			err = derr
			return
		}
		if theirs.InfoHash != infoHash {
			err = ErrInfoHashMismatch
			return
		}
		peerID = theirs.PeerID
		h.sess.SetPeerID(peerID)
		return h.respondBT(infoHash, theirs)
	}
	return h.finishBT(infoHash)
}

// respondBT completes the handshake when the initiator's BT handshake
// already arrived as IA: we only need to send ours and, if negotiated,
// run the LTEP exchange.
func (h *IncomingHandshaker) respondBT(infoHash [20]byte, theirs peerprotocol.Handshake) (outHash, peerID [20]byte, ext *peerprotocol.ExtensionHandshakeMessage, err error) {
	ours := peerprotocol.Handshake{InfoHash: infoHash, PeerID: h.peerID}
	ours.Reserved.SetLTEP()
	if err = sendBTHandshake(h.sess, ours); err != nil {
		return infoHash, theirs.PeerID, nil, err
	}
	if !theirs.Reserved.HasLTEP() {
		return infoHash, theirs.PeerID, nil, nil
	}
	h.sess.SetExtension(peerio.ExtensionLTEP)
	if err = sendExtensionHandshake(h.sess, h.listenPort, h.clientVersion); err != nil {
		return infoHash, theirs.PeerID, nil, err
	}
	ext, err = readExtensionHandshake(h.sess)
	return infoHash, theirs.PeerID, ext, err
}

// finishBT is used on the plaintext path, where the initiator's BT
// handshake hasn't been read yet.
func (h *IncomingHandshaker) finishBT(infoHash [20]byte) (outHash, peerID [20]byte, ext *peerprotocol.ExtensionHandshakeMessage, err error) {
	theirs, err := readBTHandshake(h.sess)
	if err != nil {
		return infoHash, peerID, nil, err
	}
	if !h.resolver.Known(theirs.InfoHash) {
		return infoHash, theirs.PeerID, nil, ErrUnknownTorrent
	}
	h.sess.SetTorrentHash(theirs.InfoHash)
	h.sess.SetPeerID(theirs.PeerID)
	return h.respondBT(theirs.InfoHash, theirs)
}

// resolveObfuscatedHash brute-forces the resolver's known info hashes
// against obf, since the obfuscation (two chained SHA1 hashes) cannot be
// inverted directly.
func resolveObfuscatedHash(resolver TorrentResolver, obf [20]byte, secret [mse.KeyLen]byte) ([20]byte, bool) {
	for _, candidate := range resolver.InfoHashes() {
		if obfuscatedHash(candidate, secret) == obf {
			return candidate, true
		}
	}
	return [20]byte{}, false
}
