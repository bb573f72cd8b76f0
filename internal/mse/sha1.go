// Package mse implements the crypto primitives needed by Message Stream
// Encryption / Protocol Encryption: chained SHA-1, RC4 keystreams and
// DH-768 key exchange with the fixed padding rule MSE requires.
package mse

import "crypto/sha1"

// SHA1 computes the SHA-1 digest over the concatenation of parts, without
// allocating an intermediate buffer for the whole message. It is used
// throughout the handshake for the salted hashes (req1/req2/req3, keyA/keyB).
func SHA1(parts ...[]byte) [20]byte {
	h := sha1.New()
	for _, p := range parts {
		if len(p) < 1 {
			continue
		}
		h.Write(p)
	}
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}
