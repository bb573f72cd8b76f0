package peer

import (
	"net"
	"testing"
	"time"

	"github.com/zPivot/transmission/internal/bitfield"
	"github.com/zPivot/transmission/internal/collaborators"
	"github.com/zPivot/transmission/internal/eventbus"
	"github.com/zPivot/transmission/internal/logger"
	"github.com/zPivot/transmission/internal/loopbridge"
	"github.com/zPivot/transmission/internal/peerio"
	"github.com/zPivot/transmission/internal/peerprotocol"
)

type fakeIO struct {
	written map[[3]uint32][]byte
}

func newFakeIO() *fakeIO { return &fakeIO{written: make(map[[3]uint32][]byte)} }

func (f *fakeIO) Read(torrentHash [20]byte, piece, offset, length uint32, dst []byte) error {
	copy(dst, f.written[[3]uint32{piece, offset, length}])
	return nil
}

func (f *fakeIO) Write(torrentHash [20]byte, piece, offset, length uint32, src []byte) error {
	buf := make([]byte, len(src))
	copy(buf, src)
	f.written[[3]uint32{piece, offset, length}] = buf
	return nil
}

func (f *fakeIO) Hash(torrentHash [20]byte, piece uint32) (bool, error) { return true, nil }

type fakeCompletion struct {
	complete map[uint32]bool
	added    []uint32
}

func (f *fakeCompletion) Status() collaborators.Status    { return collaborators.Incomplete }
func (f *fakeCompletion) PieceIsComplete(piece uint32) bool { return f.complete[piece] }
func (f *fakeCompletion) BlockIsComplete(block uint32) bool { return false }
func (f *fakeCompletion) BlockAdd(block uint32)             { f.added = append(f.added, block) }
func (f *fakeCompletion) PieceBitfield() *bitfield.Bitfield { return nil }

func newTestPeer(t *testing.T, pieces uint32) (*Peer, net.Conn) {
	t.Helper()
	client, remote := net.Pipe()
	t.Cleanup(func() { client.Close(); remote.Close() })
	sess := peerio.NewIncoming(client)
	p := New(sess, [20]byte{1}, pieces, false, newFakeIO(), &fakeCompletion{complete: map[uint32]bool{}}, nil, eventbus.New(), loopbridge.New(), logger.New("test"))
	return p, remote
}

func TestChokeClearsClientAskedFor(t *testing.T) {
	p, _ := newTestPeer(t, 4)
	p.handleMessage(peerprotocol.Unchoke, nil)
	p.have.Set(0)
	if st := p.AddRequest(0, 0, 16384, 0); st != OK {
		t.Fatalf("AddRequest = %v, want OK", st)
	}
	if p.RequestCount() != 1 {
		t.Fatalf("RequestCount = %d, want 1", p.RequestCount())
	}
	p.handleMessage(peerprotocol.Choke, nil)
	if !p.clientChoked {
		t.Fatal("expected clientChoked = true after CHOKE")
	}
	if p.RequestCount() != 0 {
		t.Fatalf("RequestCount after CHOKE = %d, want 0", p.RequestCount())
	}
}

func TestAddRequestStatuses(t *testing.T) {
	p, _ := newTestPeer(t, 4)
	if st := p.AddRequest(0, 0, 16384, 0); st != ClientChokedStatus {
		t.Fatalf("AddRequest while choked = %v, want ClientChokedStatus", st)
	}
	p.handleMessage(peerprotocol.Unchoke, nil)
	if st := p.AddRequest(0, 0, 16384, 0); st != Missing {
		t.Fatalf("AddRequest for unhad piece = %v, want Missing", st)
	}
	p.have.Set(0)
	if st := p.AddRequest(0, 0, 16384, 0); st != OK {
		t.Fatalf("AddRequest = %v, want OK", st)
	}
}

func TestAddRequestCap(t *testing.T) {
	p, _ := newTestPeer(t, 1)
	p.handleMessage(peerprotocol.Unchoke, nil)
	p.have.Set(0)
	for i := uint32(0); i < 2; i++ {
		if st := p.AddRequest(0, i*16384, 16384, i); st != OK {
			t.Fatalf("request %d = %v, want OK", i, st)
		}
	}
	if st := p.AddRequest(0, 2*16384, 16384, 2); st != Full {
		t.Fatalf("request beyond cap = %v, want Full (rate 0 => cap 2)", st)
	}
}

func TestUpdateInterestQueuesMessage(t *testing.T) {
	p, _ := newTestPeer(t, 4)
	p.NeedsPieces = func(*Peer) bool { return true }
	p.handleMessage(peerprotocol.Have, peerprotocol.HaveMessage{Index: 1}.Payload())
	if !p.clientInterested {
		t.Fatal("expected clientInterested = true")
	}
	if len(p.outMessages) != 1 {
		t.Fatalf("outMessages = %d, want 1", len(p.outMessages))
	}
}

func TestGotBlockWritesAndPublishesEvents(t *testing.T) {
	p, _ := newTestPeer(t, 1)
	var blockEvt *ClientBlock
	var haveEvt *ClientHave
	p.events.Subscribe(func(_ interface{}, ev interface{}) {
		switch e := ev.(type) {
		case ClientBlock:
			blockEvt = &e
		case ClientHave:
			haveEvt = &e
		}
	})
	comp := p.completion.(*fakeCompletion)
	comp.complete[0] = true

	p.handleMessage(peerprotocol.Unchoke, nil)
	p.have.Set(0)
	p.AddRequest(0, 0, 4, 0)

	data := []byte{1, 2, 3, 4}
	pieceMsg := peerprotocol.PieceMessage{Index: 0, Begin: 0}
	payload := append(pieceMsg.Payload(), data...)
	p.handleMessage(peerprotocol.Piece, payload)

	if blockEvt == nil {
		t.Fatal("expected ClientBlock event")
	}
	if haveEvt == nil {
		t.Fatal("expected ClientHave event once piece completes")
	}
	if p.RequestCount() != 0 {
		t.Fatal("expected request removed after got_block")
	}
	if len(comp.added) != 1 || comp.added[0] != 0 {
		t.Fatalf("BlockAdd not called correctly: %v", comp.added)
	}
}

func TestCheckSnub(t *testing.T) {
	p, _ := newTestPeer(t, 1)
	p.handleMessage(peerprotocol.Unchoke, nil)
	p.have.Set(0)
	p.AddRequest(0, 0, 16384, 0)

	if p.CheckSnub(time.Hour) {
		t.Fatal("peer should not be snubbed with a request younger than the timeout")
	}
	p.requestSentAt[0] = time.Now().Add(-time.Minute)
	if !p.CheckSnub(time.Second) {
		t.Fatal("peer should be snubbed once a request exceeds the timeout")
	}
	if !p.Snubbed() {
		t.Fatal("Snubbed() should reflect the snub")
	}

	data := []byte{1, 2, 3, 4}
	pieceMsg := peerprotocol.PieceMessage{Index: 0, Begin: 0}
	payload := append(pieceMsg.Payload(), data...)
	p.handleMessage(peerprotocol.Piece, payload)
	if p.Snubbed() {
		t.Fatal("delivering a block should clear the snub")
	}
}

type fakeRate struct {
	allow       bool
	transferred int
}

func (f *fakeRate) CanTransfer() bool { return f.allow }
func (f *fakeRate) Transferred(n int) { f.transferred += n }

func TestPulseWithholdsBlockBytesWhenRateLimited(t *testing.T) {
	client, remote := net.Pipe()
	t.Cleanup(func() { client.Close(); remote.Close() })
	sess := peerio.NewIncoming(client)
	rate := &fakeRate{allow: false}
	p := New(sess, [20]byte{1}, 1, false, newFakeIO(), &fakeCompletion{complete: map[uint32]bool{}}, rate, eventbus.New(), loopbridge.New(), logger.New("test"))

	p.handleMessage(peerprotocol.Unchoke, nil)
	p.peerChoked = false // we're already unchoking the peer, no message to flush
	p.handleMessage(peerprotocol.Request, peerprotocol.RequestMessage{Index: 0, Begin: 0, Length: 4}.Payload())
	if len(p.peerAskedFor) != 1 {
		t.Fatalf("peerAskedFor = %d, want 1", len(p.peerAskedFor))
	}

	p.pulse()
	if p.outPiece != nil {
		t.Fatal("pulse must not start an outgoing block while CanTransfer is false")
	}

	rate.allow = true
	p.pulse()
	if p.outPiece == nil {
		t.Fatal("pulse should start the outgoing block once CanTransfer allows it")
	}
}

func TestGotBlockRecordsBlameOnHashMatchAndMismatchEvent(t *testing.T) {
	p, _ := newTestPeer(t, 1)
	comp := p.completion.(*fakeCompletion)
	comp.complete[0] = true

	p.handleMessage(peerprotocol.Unchoke, nil)
	p.have.Set(0)
	p.AddRequest(0, 0, 4, 0)
	data := []byte{1, 2, 3, 4}
	pieceMsg := peerprotocol.PieceMessage{Index: 0, Begin: 0}
	p.handleMessage(peerprotocol.Piece, append(pieceMsg.Payload(), data...))

	if !p.Blamed(0) {
		t.Fatal("expected blame bit set for piece 0 after a matching hash")
	}

	p2, _ := newTestPeer(t, 1)
	p2.io = &mismatchIO{fakeIO: newFakeIO()}
	comp2 := p2.completion.(*fakeCompletion)
	comp2.complete[0] = true
	var mismatchEvt *PeerHashMismatch
	p2.events.Subscribe(func(_ interface{}, ev interface{}) {
		if e, ok := ev.(PeerHashMismatch); ok {
			mismatchEvt = &e
		}
	})
	p2.handleMessage(peerprotocol.Unchoke, nil)
	p2.have.Set(0)
	p2.AddRequest(0, 0, 4, 0)
	p2.handleMessage(peerprotocol.Piece, append(pieceMsg.Payload(), data...))
	if mismatchEvt == nil {
		t.Fatal("expected PeerHashMismatch event when io.Hash reports a mismatch")
	}
	if p2.Blamed(0) {
		t.Fatal("blame bit must not be set on a hash mismatch")
	}
}

type mismatchIO struct{ *fakeIO }

func (m *mismatchIO) Hash(torrentHash [20]byte, piece uint32) (bool, error) { return false, nil }

func TestBitfieldRejectsWrongLength(t *testing.T) {
	p, _ := newTestPeer(t, 20)
	var gotErr *GotError
	p.events.Subscribe(func(_ interface{}, ev interface{}) {
		if e, ok := ev.(GotError); ok {
			gotErr = &e
		}
	})
	p.handleMessage(peerprotocol.Bitfield, []byte{0x00}) // 20 bits needs 3 bytes
	if gotErr == nil {
		t.Fatal("expected GotError for short bitfield")
	}
}
