package handshake

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"

	"github.com/zPivot/transmission/internal/mse"
	"github.com/zPivot/transmission/internal/peerio"
)

// vc is the 8 zero bytes exchanged by both sides of an MSE handshake.
var vc = [8]byte{}

// randomPadLength returns a uniform random length in [0, 512), the range
// spec.md §4.C requires for PadA/PadB/PadC/PadD.
func randomPadLength() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(512))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}

func randomPad(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// deriveKeys computes the two RC4 keying materials for an MSE session.
// The initiator's write key is keyA, read key is keyB; the responder
// swaps them (spec.md §4.C step 5).
func deriveKeys(s [mse.KeyLen]byte, infoHash [20]byte, isInitiator bool) (txKeyMaterial, rxKeyMaterial [20]byte) {
	keyA := mse.SHA1([]byte("keyA"), s[:], infoHash[:])
	keyB := mse.SHA1([]byte("keyB"), s[:], infoHash[:])
	if isInitiator {
		return keyA, keyB
	}
	return keyB, keyA
}

func newRC4Streams(s [mse.KeyLen]byte, infoHash [20]byte, isInitiator bool) (tx, rx *mse.Stream, err error) {
	txKey, rxKey := deriveKeys(s, infoHash, isInitiator)
	tx, err = mse.NewStream(txKey[:])
	if err != nil {
		return nil, nil, err
	}
	rx, err = mse.NewStream(rxKey[:])
	if err != nil {
		return nil, nil, err
	}
	return tx, rx, nil
}

// req1Marker computes SHA1("req1", S).
func req1Marker(s [mse.KeyLen]byte) [20]byte {
	return mse.SHA1([]byte("req1"), s[:])
}

// obfuscatedHash computes SHA1("req2", infoHash) XOR SHA1("req3", S), the
// value an MSE responder recovers to resolve which torrent the initiator
// wants (spec.md §4.C, glossary "obfuscated hash").
func obfuscatedHash(infoHash [20]byte, s [mse.KeyLen]byte) [20]byte {
	req2 := mse.SHA1([]byte("req2"), infoHash[:])
	req3 := mse.SHA1([]byte("req3"), s[:])
	var out [20]byte
	for i := range out {
		out[i] = req2[i] ^ req3[i]
	}
	return out
}

func encodeU32(v uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b
}

func decodeU32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
func decodeU16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

// scanForMarker reads bytes one at a time via readByte looking for marker,
// and returns notFound once more than maxScan bytes have been read without
// a match. On success the stream is positioned right after the marker;
// nothing past it is consumed, since the scan reads byte-by-byte.
func scanForMarker(readByte func() (byte, error), marker []byte, maxScan int, notFound error) error {
	matched := 0
	scanned := 0
	for {
		b, err := readByte()
		if err != nil {
			return err
		}
		scanned++
		if b == marker[matched] {
			matched++
			if matched == len(marker) {
				return nil
			}
		} else {
			// Restart match; a single-byte marker repeat is handled by
			// rechecking b against marker[0].
			if b == marker[0] {
				matched = 1
			} else {
				matched = 0
			}
		}
		if scanned > maxScan {
			return notFound
		}
	}
}

// resyncVC scans the raw (still-encrypted) byte stream following an
// unknown-length PadB for the 8 zero bytes of VC, since PadB carries no
// explicit length (spec.md §4.C). Each candidate window is tested by
// decrypting it with a freshly-keyed RC4 stream; on a match that stream
// is returned so the caller can keep using it, correctly positioned
// right after VC, for the rest of the encrypted reply.
func resyncVC(readRaw func() (byte, error), rxKeyMaterial [20]byte, maxScan int) (*mse.Stream, error) {
	window := make([]byte, 0, len(vc))
	for scanned := 0; ; scanned++ {
		if scanned > maxScan {
			return nil, ErrVCNotFound
		}
		b, err := readRaw()
		if err != nil {
			return nil, err
		}
		window = append(window, b)
		if len(window) > len(vc) {
			window = window[1:]
		}
		if len(window) < len(vc) {
			continue
		}
		stream, err := mse.NewStream(rxKeyMaterial[:])
		if err != nil {
			return nil, err
		}
		decrypted := make([]byte, len(vc))
		stream.XOR(decrypted, window)
		if allZero(decrypted) {
			return stream, nil
		}
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// readByteFn adapts a *peerio.Session (or any io.Reader-like Read(p
// []byte) pair) into a single-byte reader for scanForMarker.
func readByteFn(sess *peerio.Session) func() (byte, error) {
	var buf [1]byte
	return func() (byte, error) {
		_, err := sess.Read(buf[:])
		return buf[0], err
	}
}
