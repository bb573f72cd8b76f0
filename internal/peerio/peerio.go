// Package peerio owns a peer's TCP socket and applies the session's
// negotiated encryption transparently to reads and writes (spec.md §4.B).
package peerio

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/zPivot/transmission/internal/mse"
	metrics "github.com/rcrowley/go-metrics"
)

// EncryptionMode selects whether bytes crossing the session boundary are
// obfuscated with RC4.
type EncryptionMode byte

const (
	Plaintext EncryptionMode = iota
	RC4
)

// ExtensionFlavor records which extension protocol, if any, was negotiated
// during the handshake.
type ExtensionFlavor byte

const (
	ExtensionNone ExtensionFlavor = iota
	ExtensionLTEP
	ExtensionAZMP
)

// Session owns one peer's TCP connection plus the transparent
// encrypt/decrypt layer and byte-rate tracking.
type Session struct {
	conn net.Conn
	br   *bufio.Reader
	addr *net.TCPAddr

	encryption EncryptionMode
	encryptTx  *mse.Stream
	decryptRx  *mse.Stream

	peerID       *[20]byte
	torrentHash  *[20]byte
	extension    ExtensionFlavor
	listenPort   uint16

	rateToPeer   metrics.EWMA
	rateToClient metrics.EWMA
}

// NewOutgoing dials addr:port and returns a plaintext Session. The caller
// drives encryption negotiation afterwards via SetEncryption.
func NewOutgoing(addr net.IP, port int, timeout time.Duration) (*Session, error) {
	tcpAddr := &net.TCPAddr{IP: addr, Port: port}
	conn, err := net.DialTimeout("tcp4", tcpAddr.String(), timeout)
	if err != nil {
		return nil, err
	}
	return newSession(conn, tcpAddr), nil
}

// NewIncoming wraps an already-accepted connection.
func NewIncoming(conn net.Conn) *Session {
	addr, _ := conn.RemoteAddr().(*net.TCPAddr)
	return newSession(conn, addr)
}

func newSession(conn net.Conn, addr *net.TCPAddr) *Session {
	return &Session{
		conn:         conn,
		br:           bufio.NewReader(conn),
		addr:         addr,
		rateToPeer:   metrics.NewEWMA1(),
		rateToClient: metrics.NewEWMA1(),
	}
}

// PeekByte returns the next byte without consuming it, used by the
// incoming handshake path to tell an MSE-encrypted connection apart from
// a plaintext BitTorrent handshake (spec.md §4.C).
func (s *Session) PeekByte() (byte, error) {
	b, err := s.br.Peek(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Reconnect drops the current connection and redials the same address,
// preserving all other session state. Used by the MSE initiator fallback
// (spec.md §4.C).
func (s *Session) Reconnect(timeout time.Duration) error {
	if s.addr == nil {
		return io.ErrClosedPipe
	}
	_ = s.conn.Close()
	conn, err := net.DialTimeout("tcp4", s.addr.String(), timeout)
	if err != nil {
		return err
	}
	s.conn = conn
	s.br = bufio.NewReader(conn)
	s.encryption = Plaintext
	s.encryptTx = nil
	s.decryptRx = nil
	return nil
}

// Close closes the underlying connection.
func (s *Session) Close() error { return s.conn.Close() }

// RemoteAddr returns the peer's address.
func (s *Session) RemoteAddr() *net.TCPAddr { return s.addr }

// SetEncryption switches the encryption mode. Switching to RC4 requires
// SetRC4Streams to have been called with the derived keys.
func (s *Session) SetEncryption(mode EncryptionMode) { s.encryption = mode }

// Encryption reports the current encryption mode.
func (s *Session) Encryption() EncryptionMode { return s.encryption }

// SetRC4Streams installs the two independently-keyed RC4 streams (tx and
// rx) derived during the MSE handshake.
func (s *Session) SetRC4Streams(tx, rx *mse.Stream) {
	s.encryptTx = tx
	s.decryptRx = rx
}

// SetPeerID records the 20-byte peer id learned from the BT handshake.
func (s *Session) SetPeerID(id [20]byte) { s.peerID = &id }

// PeerID returns the peer id, if known.
func (s *Session) PeerID() (id [20]byte, ok bool) {
	if s.peerID == nil {
		return id, false
	}
	return *s.peerID, true
}

// SetTorrentHash binds this session to a torrent's info hash. Used by the
// responder side of MSE once it resolves the obfuscated hash.
func (s *Session) SetTorrentHash(hash [20]byte) { s.torrentHash = &hash }

// HasTorrentHash reports whether a torrent hash has been bound yet.
func (s *Session) HasTorrentHash() bool { return s.torrentHash != nil }

// TorrentHash returns the bound torrent hash.
func (s *Session) TorrentHash() (hash [20]byte, ok bool) {
	if s.torrentHash == nil {
		return hash, false
	}
	return *s.torrentHash, true
}

// SetExtension records which extension protocol was negotiated.
func (s *Session) SetExtension(e ExtensionFlavor) { s.extension = e }

// Extension reports which extension protocol was negotiated.
func (s *Session) Extension() ExtensionFlavor { return s.extension }

// SetListenPort stores the peer's advertised listening port (BEP 10 "p"
// field, or the legacy PORT message).
func (s *Session) SetListenPort(port uint16) { s.listenPort = port }

// ListenPort returns the peer's advertised listening port.
func (s *Session) ListenPort() uint16 { return s.listenPort }

// Read reads exactly len(p) bytes, transparently decrypting if the session
// is in RC4 mode, and accounts the bytes toward the inbound rate EMA.
func (s *Session) Read(p []byte) (int, error) {
	n, err := io.ReadFull(s.br, p)
	if n > 0 {
		if s.encryption == RC4 && s.decryptRx != nil {
			s.decryptRx.XOR(p[:n], p[:n])
		}
		s.rateToClient.Update(int64(n))
	}
	return n, err
}

// Write writes p in full, transparently encrypting if the session is in
// RC4 mode, and accounts the bytes toward the outbound rate EMA.
func (s *Session) Write(p []byte) (int, error) {
	out := p
	if s.encryption == RC4 && s.encryptTx != nil {
		out = make([]byte, len(p))
		s.encryptTx.XOR(out, p)
	}
	n, err := s.conn.Write(out)
	if n > 0 {
		s.rateToPeer.Update(int64(n))
	}
	return n, err
}

// WriteU16 appends value as big-endian to buf and writes it.
func (s *Session) WriteU16(buf []byte, value uint16) ([]byte, error) {
	buf = append(buf, 0, 0)
	binary.BigEndian.PutUint16(buf[len(buf)-2:], value)
	_, err := s.Write(buf)
	return buf, err
}

// WriteU32 appends value as big-endian to buf and writes it.
func (s *Session) WriteU32(buf []byte, value uint32) ([]byte, error) {
	buf = append(buf, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(buf[len(buf)-4:], value)
	_, err := s.Write(buf)
	return buf, err
}

// ReadU16 reads a big-endian uint16.
func (s *Session) ReadU16() (uint16, error) {
	var b [2]byte
	if _, err := s.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// ReadU32 reads a big-endian uint32.
func (s *Session) ReadU32() (uint32, error) {
	var b [4]byte
	if _, err := s.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// Tick advances both rate EMAs. Must be called periodically (once per
// second) for RateToPeer/RateToClient to track actual throughput, matching
// go-metrics' EWMA contract.
func (s *Session) Tick() {
	s.rateToPeer.Tick()
	s.rateToClient.Tick()
}

// RateToPeer returns the current upload rate estimate in bytes/sec.
func (s *Session) RateToPeer() float64 { return s.rateToPeer.Rate() }

// RateToClient returns the current download rate estimate in bytes/sec.
func (s *Session) RateToClient() float64 { return s.rateToClient.Rate() }
