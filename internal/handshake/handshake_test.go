package handshake

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/zPivot/transmission/internal/peerio"
	"github.com/zPivot/transmission/internal/peerprotocol"
)

type fakeResolver struct {
	hashes []([20]byte)
}

func (f *fakeResolver) InfoHashes() [][20]byte { return f.hashes }

func (f *fakeResolver) Known(hash [20]byte) bool {
	for _, h := range f.hashes {
		if h == hash {
			return true
		}
	}
	return false
}

func listenOne(t *testing.T) (addr *net.TCPAddr, acceptC <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	ch := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			ch <- conn
		}
	}()
	return ln.Addr().(*net.TCPAddr), ch
}

func testInfoHash() [20]byte {
	var h [20]byte
	for i := range h {
		h[i] = byte(i + 1)
	}
	return h
}

// TestPlaintextHandshake mirrors spec.md §8 scenario 1: both sides prefer
// plaintext and complete a bare BT handshake plus LTEP.
func TestPlaintextHandshake(t *testing.T) {
	addr, acceptC := listenOne(t)
	infoHash := testInfoHash()
	var initiatorPeerID, responderPeerID [20]byte
	initiatorPeerID[0] = 0xAA
	responderPeerID[0] = 0xBB

	outSess, err := peerio.NewOutgoing(addr.IP, addr.Port, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	serverConn := <-acceptC
	inSess := peerio.NewIncoming(serverConn)

	outResultC := make(chan Result, 1)
	inResultC := make(chan Result, 1)

	out := NewOutgoingHandshaker(outSess, infoHash, initiatorPeerID, PlaintextRequired, 6881, "test/1.0", time.Second, outResultC)
	resolver := &fakeResolver{hashes: [][20]byte{infoHash}}
	in := NewIncomingHandshaker(inSess, responderPeerID, PlaintextPreferred, 6882, "test/1.0", resolver, inResultC)

	go out.Run()
	go in.Run()

	outRes := <-outResultC
	inRes := <-inResultC

	if outRes.Error != nil {
		t.Fatalf("initiator error: %v", outRes.Error)
	}
	if inRes.Error != nil {
		t.Fatalf("responder error: %v", inRes.Error)
	}
	if outRes.PeerID != responderPeerID {
		t.Fatalf("initiator got wrong peer id: %x", outRes.PeerID)
	}
	if inRes.PeerID != initiatorPeerID {
		t.Fatalf("responder got wrong peer id: %x", inRes.PeerID)
	}
	if outRes.Extensions == nil || inRes.Extensions == nil {
		t.Fatal("expected LTEP handshake on both sides")
	}
}

// TestEncryptedHandshake exercises the MSE negotiation path end to end:
// both sides prefer encryption and should agree on RC4.
func TestEncryptedHandshake(t *testing.T) {
	addr, acceptC := listenOne(t)
	infoHash := testInfoHash()
	var initiatorPeerID, responderPeerID [20]byte
	initiatorPeerID[0] = 0x11
	responderPeerID[0] = 0x22

	outSess, err := peerio.NewOutgoing(addr.IP, addr.Port, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	serverConn := <-acceptC
	inSess := peerio.NewIncoming(serverConn)

	outResultC := make(chan Result, 1)
	inResultC := make(chan Result, 1)

	out := NewOutgoingHandshaker(outSess, infoHash, initiatorPeerID, EncryptionPreferred, 6881, "test/1.0", time.Second, outResultC)
	resolver := &fakeResolver{hashes: [][20]byte{infoHash}}
	in := NewIncomingHandshaker(inSess, responderPeerID, EncryptionPreferred, 6882, "test/1.0", resolver, inResultC)

	go out.Run()
	go in.Run()

	outRes := <-outResultC
	inRes := <-inResultC

	if outRes.Error != nil {
		t.Fatalf("initiator error: %v", outRes.Error)
	}
	if inRes.Error != nil {
		t.Fatalf("responder error: %v", inRes.Error)
	}
	if outSess.Encryption() != peerio.RC4 {
		t.Fatal("expected initiator session to end up RC4-encrypted")
	}
	if inSess.Encryption() != peerio.RC4 {
		t.Fatal("expected responder session to end up RC4-encrypted")
	}
	if outRes.PeerID != responderPeerID || inRes.PeerID != initiatorPeerID {
		t.Fatal("peer ids not exchanged correctly over the encrypted channel")
	}
}

// TestEncryptedFallbackToPlaintext mirrors spec.md §8 scenario 2: the
// initiator prefers encryption but the responder only speaks plaintext,
// so the initiator must fall back to a fresh plaintext connection.
func TestEncryptedFallbackToPlaintext(t *testing.T) {
	addr, acceptC := listenOne(t)
	infoHash := testInfoHash()
	var initiatorPeerID, responderPeerID [20]byte
	initiatorPeerID[0] = 0x33
	responderPeerID[0] = 0x44

	outSess, err := peerio.NewOutgoing(addr.IP, addr.Port, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	outResultC := make(chan Result, 1)
	out := NewOutgoingHandshaker(outSess, infoHash, initiatorPeerID, EncryptionPreferred, 6881, "test/1.0", time.Second, outResultC)
	go out.Run()

	resolver := &fakeResolver{hashes: [][20]byte{infoHash}}
	for i := 0; i < 2; i++ {
		serverConn := <-acceptC
		inSess := peerio.NewIncoming(serverConn)
		inResultC := make(chan Result, 1)
		in := NewIncomingHandshaker(inSess, responderPeerID, PlaintextRequired, 6882, "test/1.0", resolver, inResultC)
		go in.Run()
		select {
		case res := <-inResultC:
			if res.Error == nil {
				outRes := <-outResultC
				if outRes.Error != nil {
					t.Fatalf("initiator error: %v", outRes.Error)
				}
				if outSess.Encryption() != peerio.Plaintext {
					t.Fatal("expected initiator to fall back to plaintext")
				}
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for responder")
		}
	}
	t.Fatal("initiator never fell back to plaintext")
}

// TestEncryptedFallbackToImmediatePlaintextHandshake mirrors spec.md §4.C
// step 2: the responder never speaks MSE at all and replies to our DH
// public key with a plain BT handshake on the same connection. The
// initiator must recognize the pstrlen+pstr prefix in place of a DH public
// key and switch to plaintext without reconnecting.
func TestEncryptedFallbackToImmediatePlaintextHandshake(t *testing.T) {
	addr, acceptC := listenOne(t)
	infoHash := testInfoHash()
	var initiatorPeerID, responderPeerID [20]byte
	initiatorPeerID[0] = 0x55
	responderPeerID[0] = 0x66

	outSess, err := peerio.NewOutgoing(addr.IP, addr.Port, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	outResultC := make(chan Result, 1)
	out := NewOutgoingHandshaker(outSess, infoHash, initiatorPeerID, EncryptionPreferred, 6881, "test/1.0", time.Second, outResultC)
	go out.Run()

	serverConn := <-acceptC
	defer serverConn.Close()

	// A bare BT handshake, reserved bytes left zero (no LTEP), written
	// straight back without ever reading the initiator's DH public key or
	// doing any MSE negotiation.
	theirs := peerprotocol.Handshake{InfoHash: infoHash, PeerID: responderPeerID}
	if _, err := serverConn.Write(theirs.Encode()); err != nil {
		t.Fatalf("write plaintext handshake: %v", err)
	}

	// The initiator's DH public key and PadA arrive before its plaintext
	// handshake; skip them by scanning for the pstrlen+pstr prefix.
	prefix := append([]byte{byte(len(peerprotocol.Pstr))}, peerprotocol.Pstr...)
	var window []byte
	one := make([]byte, 1)
	for !bytes.Equal(window, prefix) {
		if _, err := io.ReadFull(serverConn, one); err != nil {
			t.Fatalf("read initiator stream: %v", err)
		}
		window = append(window, one[0])
		if len(window) > len(prefix) {
			window = window[1:]
		}
	}
	buf := make([]byte, peerprotocol.HandshakeLength)
	copy(buf, prefix)
	if _, err := io.ReadFull(serverConn, buf[len(prefix):]); err != nil {
		t.Fatalf("read initiator handshake: %v", err)
	}
	ours, err := peerprotocol.DecodeHandshake(buf)
	if err != nil {
		t.Fatalf("decode initiator handshake: %v", err)
	}
	if ours.InfoHash != infoHash || ours.PeerID != initiatorPeerID {
		t.Fatal("initiator sent an unexpected handshake")
	}

	select {
	case outRes := <-outResultC:
		if outRes.Error != nil {
			t.Fatalf("initiator error: %v", outRes.Error)
		}
		if outRes.PeerID != responderPeerID {
			t.Fatalf("initiator got wrong peer id: %x", outRes.PeerID)
		}
		if outSess.Encryption() != peerio.Plaintext {
			t.Fatal("expected initiator session to end up plaintext")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initiator result")
	}
}
