package mse

import "crypto/rc4"

// rc4Discard is the number of keystream bytes MSE requires callers to
// discard immediately after keying (Azureus MSE spec).
const rc4Discard = 1024

// Stream wraps a keyed RC4 cipher with the mandatory 1024-byte discard
// already applied.
type Stream struct {
	c *rc4.Cipher
}

// NewStream keys an RC4 stream from keyMaterial and discards the first
// rc4Discard bytes of keystream, as MSE requires.
func NewStream(keyMaterial []byte) (*Stream, error) {
	c, err := rc4.NewCipher(keyMaterial)
	if err != nil {
		return nil, err
	}
	discard := make([]byte, rc4Discard)
	c.XORKeyStream(discard, discard)
	return &Stream{c: c}, nil
}

// XOR encrypts or decrypts (RC4 is symmetric) n bytes from src into dst.
// dst and src may be the same slice.
func (s *Stream) XOR(dst, src []byte) {
	s.c.XORKeyStream(dst, src)
}
