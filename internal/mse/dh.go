package mse

import (
	"crypto/rand"
	"math/big"
)

// KeyLen is the byte length of DH public keys and shared secrets in MSE:
// the fixed 768-bit modulus, zero-padded.
const KeyLen = 96

// prime is the 768-bit MSE Diffie-Hellman modulus (BEP 8 / the classic
// Azureus MSE spec), generator 2.
var prime = new(big.Int).SetBytes([]byte{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xC9, 0x0F, 0xDA, 0xA2,
	0x21, 0x68, 0xC2, 0x34, 0xC4, 0xC6, 0x62, 0x8B, 0x80, 0xDC, 0x1C, 0xD1,
	0x29, 0x02, 0x4E, 0x08, 0x8A, 0x67, 0xCC, 0x74, 0x02, 0x0B, 0xBE, 0xA6,
	0x3B, 0x13, 0x9B, 0x22, 0x51, 0x4A, 0x08, 0x79, 0x8E, 0x34, 0x04, 0xDD,
	0xEF, 0x95, 0x19, 0xB3, 0xCD, 0x3A, 0x43, 0x1B, 0x30, 0x2B, 0x0A, 0x6D,
	0xF2, 0x5F, 0x14, 0x37, 0x4F, 0xE1, 0x35, 0x6D, 0x6D, 0x51, 0xC2, 0x45,
	0xE4, 0x85, 0xB5, 0x76, 0x62, 0x5E, 0x7E, 0xC6, 0xF4, 0x4C, 0x42, 0xE9,
	0xA6, 0x3A, 0x36, 0x20, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
})

var generator = big.NewInt(2)

// DH holds one side's private exponent for a single handshake.
type DH struct {
	private *big.Int
	public  *big.Int
}

// NewDH generates a fresh private exponent and its public key.
func NewDH() (*DH, error) {
	priv := make([]byte, KeyLen)
	if _, err := rand.Read(priv); err != nil {
		return nil, err
	}
	x := new(big.Int).SetBytes(priv)
	pub := new(big.Int).Exp(generator, x, prime)
	return &DH{private: x, public: pub}, nil
}

// PublicKey returns the 96-byte big-endian public key, left-padded with
// zeros when the generated number is shorter.
func (d *DH) PublicKey() [KeyLen]byte {
	return pad(d.public)
}

// SharedSecret derives S = peerPublic^private mod prime, left-padded to
// KeyLen bytes with the same rule as PublicKey. Malformed peer public keys
// are not rejected here; they simply yield a secret that will fail the
// handshake's subsequent hash verification, per spec.md §4.A.
func (d *DH) SharedSecret(peerPublic [KeyLen]byte) [KeyLen]byte {
	yb := new(big.Int).SetBytes(peerPublic[:])
	s := new(big.Int).Exp(yb, d.private, prime)
	return pad(s)
}

func pad(n *big.Int) [KeyLen]byte {
	var out [KeyLen]byte
	b := n.Bytes()
	copy(out[KeyLen-len(b):], b)
	return out
}
