package handshake

import "errors"

var (
	// ErrNoCryptoMethod is raised when an MSE responder or initiator
	// cannot agree on a mutually acceptable encryption method.
	ErrNoCryptoMethod = errors.New("handshake: no mutually acceptable crypto method")
	// ErrInvalidCryptoSelect is a protocol violation: crypto_select was
	// not exactly 1 (plaintext) or 2 (RC4) (spec.md §4.C step 7).
	ErrInvalidCryptoSelect = errors.New("handshake: crypto_select outside {1,2}")
	// ErrUnknownTorrent is raised by an MSE responder when the
	// obfuscated hash does not resolve to any registered torrent.
	ErrUnknownTorrent = errors.New("handshake: unknown torrent for obfuscated hash")
	// ErrInfoHashMismatch is raised when an outgoing handshake's peer
	// responds with a different info hash than requested.
	ErrInfoHashMismatch = errors.New("handshake: info hash mismatch")
	// ErrVCNotFound is raised when the initiator cannot resync on the
	// 8-zero-byte VC marker within the allotted scan window.
	ErrVCNotFound = errors.New("handshake: VC marker not found")
	// ErrReq1NotFound is raised when an MSE responder cannot resync on
	// the SHA1("req1", S) marker within the allotted scan window.
	ErrReq1NotFound = errors.New("handshake: req1 marker not found")
	// ErrExpectedExtensionHandshake is raised when the message following
	// the BT handshake is not the LTEP extension handshake (id 20,
	// sub-id 0), even though both sides advertised LTEP support.
	ErrExpectedExtensionHandshake = errors.New("handshake: expected LTEP extension handshake")
	// errPeerSentPlaintext is an internal sentinel: the bytes read where
	// the peer's DH public key was expected instead opened with the
	// literal BT handshake pstrlen+pstr, meaning the peer skipped MSE
	// and replied with a plain handshake (spec.md §4.C step 2).
	errPeerSentPlaintext = errors.New("handshake: peer replied with a plaintext BT handshake")
)

// maxResyncScan bounds how many bytes the resync scanners will discard
// while looking for VC or the req1 marker, covering the maximum possible
// pad length (512) plus the marker itself.
const maxResyncScan = 512 + 20
