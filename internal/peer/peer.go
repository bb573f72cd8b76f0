// Package peer implements the per-peer BitTorrent protocol engine
// (spec.md §4.D): message framing, request queues, the pulse and PEX
// timers, and the event taxonomy the peer manager subscribes to.
package peer

import (
	"net"
	"time"

	"github.com/zPivot/transmission/internal/bitfield"
	"github.com/zPivot/transmission/internal/collaborators"
	"github.com/zPivot/transmission/internal/eventbus"
	"github.com/zPivot/transmission/internal/logger"
	"github.com/zPivot/transmission/internal/loopbridge"
	"github.com/zPivot/transmission/internal/peerio"
	"github.com/zPivot/transmission/internal/peerprotocol"
	"github.com/zPivot/transmission/internal/pexlist"
)

// PulseInterval and PEXPeriod drive the peer's two timers (spec.md §4.D).
const (
	PulseInterval = 50 * time.Millisecond
	PEXPeriod     = 60 * time.Second

	// lowRequests is the outstanding-request threshold at or below which
	// BlocksRunningLow fires.
	lowRequests = 2
	// uploadChunk bounds how many outgoing block bytes one pulse writes.
	uploadChunk = 1024
	// maxMessageLength bounds a single message body as a sanity check
	// against a misbehaving peer; real blocks never come close to this.
	maxMessageLength = 1 << 20
	// maxRequestCap is the add_request queue cap ceiling (spec.md §4.D).
	maxRequestCap = 100
)

// RequestStatus is the result of AddRequest.
type RequestStatus int

const (
	OK RequestStatus = iota
	Missing
	ClientChokedStatus
	Full
)

// PendingRequest is one outstanding block request, in either direction.
type PendingRequest struct {
	Index, Begin, Length uint32
}

type pendingPiece struct {
	index, begin uint32
	data         []byte
}

// Peer is the protocol engine for one connected peer. All state is
// mutated only from closures run on the shared torrent Bridge, so no
// internal locking is needed; Run's goroutines only ever post work.
type Peer struct {
	sess     *peerio.Session
	infoHash [20]byte
	log      logger.Logger
	events   *eventbus.Bus
	bridge   *loopbridge.Bridge

	io         collaborators.IO
	completion collaborators.Completion
	rate       collaborators.RateControl

	private       bool
	listenPort    uint16
	clientVersion string

	have *bitfield.Bitfield
	// blame records which pieces this peer has contributed a completing
	// block to; banned records pieces the manager has decided not to
	// request from this peer again, e.g. after a hash mismatch
	// (spec.md §4.D, §7 "Data integrity").
	blame  *bitfield.Bitfield
	banned *bitfield.Bitfield

	clientName string

	peerChoked       bool // we are choking the peer
	clientChoked     bool // the peer is choking us
	peerInterested   bool
	clientInterested bool

	peerAskedFor   []PendingRequest
	clientAskedFor map[uint32]PendingRequest // keyed by global block index
	requestSentAt  map[uint32]time.Time      // same keys as clientAskedFor
	snubbed        bool

	outMessages [][]byte
	outPiece    *pendingPiece
	outPiecePos int

	lastKeepalive time.Time

	extListenPort uint16
	utPexID       uint8
	hasLTEP       bool
	pexSent       *pexlist.List

	// NeedsPieces, set by the peer manager, reports whether this peer has
	// at least one piece worth requesting, accounting for DND flags and
	// piece bans the manager owns; the protocol engine doesn't know the
	// torrent's full piece state.
	NeedsPieces func(p *Peer) bool
	// CurrentPeers, set by the peer manager, returns the torrent's full
	// connected-peer address list for this peer's PEX tick.
	CurrentPeers func() []*net.TCPAddr

	closeC chan struct{}
}

// New constructs a Peer. pieceCount sizes the have-bitfield; it starts
// all-zero and is filled in by BITFIELD/HAVE messages.
func New(
	sess *peerio.Session,
	infoHash [20]byte,
	pieceCount uint32,
	private bool,
	io collaborators.IO,
	completion collaborators.Completion,
	rate collaborators.RateControl,
	events *eventbus.Bus,
	bridge *loopbridge.Bridge,
	log logger.Logger,
) *Peer {
	return &Peer{
		sess:           sess,
		infoHash:       infoHash,
		log:            log,
		events:         events,
		bridge:         bridge,
		io:             io,
		completion:     completion,
		rate:           rate,
		private:        private,
		have:           bitfield.New(pieceCount),
		blame:          bitfield.New(pieceCount),
		banned:         bitfield.New(pieceCount),
		peerChoked:     true,
		clientChoked:   true,
		clientAskedFor: make(map[uint32]PendingRequest),
		requestSentAt:  make(map[uint32]time.Time),
		pexSent:        pexlist.New(),
		closeC:         make(chan struct{}),
	}
}

// Run starts the peer's read loop and timers. Each runs on its own
// goroutine; they only mutate Peer state by posting closures through
// Bridge, so all mutation is serialized on the torrent's single loop
// goroutine (component G).
func (p *Peer) Run() {
	go p.readLoop()
	go p.pulseLoop()
	go p.pexLoop()
}

// Close stops the peer's goroutines and the underlying connection.
func (p *Peer) Close() {
	select {
	case <-p.closeC:
	default:
		close(p.closeC)
	}
	p.sess.Close()
}

// Have reports the peer's advertised have-bitfield. Must only be called
// from the torrent loop goroutine.
func (p *Peer) Have() *bitfield.Bitfield { return p.have }

// PeerChoked reports whether we are choking this peer.
func (p *Peer) PeerChoked() bool { return p.peerChoked }

// ClientChoked reports whether the peer is choking us.
func (p *Peer) ClientChoked() bool { return p.clientChoked }

// PeerInterested reports whether the peer is interested in us.
func (p *Peer) PeerInterested() bool { return p.peerInterested }

// RateToClient returns the current observed download rate from this peer.
func (p *Peer) RateToClient() float64 { return p.sess.RateToClient() }

// RateToPeer returns the current observed upload rate to this peer.
func (p *Peer) RateToPeer() float64 { return p.sess.RateToPeer() }

// PeerID returns the peer id learned during the handshake, if any.
func (p *Peer) PeerID() (id [20]byte, ok bool) { return p.sess.PeerID() }

// Blamed reports whether this peer contributed a completing block to piece.
func (p *Peer) Blamed(piece uint32) bool { return p.blame.Test(piece) }

// Banned reports whether the manager has forbidden requesting piece from
// this peer.
func (p *Peer) Banned(piece uint32) bool { return p.banned.Test(piece) }

// Ban marks piece as one this peer must not be asked for again.
func (p *Peer) Ban(piece uint32) { p.banned.Set(piece) }

// ClientName returns the peer's LTEP-advertised client name, or "" if the
// peer hasn't sent an extension handshake yet.
func (p *Peer) ClientName() string { return p.clientName }

// Progress returns the fraction of pieces this peer has announced, in
// [0,1].
func (p *Peer) Progress() float64 {
	if p.have.Len() == 0 {
		return 0
	}
	return float64(p.have.Count()) / float64(p.have.Len())
}

// HasOutgoingWork reports whether this peer has an in-flight or queued
// outgoing block.
func (p *Peer) HasOutgoingWork() bool {
	return p.outPiece != nil || len(p.peerAskedFor) > 0
}

func (p *Peer) fail(err error) {
	p.events.Publish(p, GotError{Peer: p, Err: err})
}

func (p *Peer) readLoop() {
	for {
		keepalive, id, payload, err := p.readFrame()
		if err != nil {
			p.bridge.Post(func() { p.fail(err) })
			return
		}
		if keepalive {
			p.bridge.Post(func() { p.lastKeepalive = time.Now() })
			continue
		}
		p.bridge.Post(func() { p.handleMessage(id, payload) })
	}
}

func (p *Peer) readFrame() (keepalive bool, id peerprotocol.MessageID, payload []byte, err error) {
	length, err := p.sess.ReadU32()
	if err != nil {
		return false, 0, nil, err
	}
	if length == 0 {
		return true, 0, nil, nil
	}
	if length-1 > maxMessageLength {
		return false, 0, nil, peerprotocol.ErrInvalidPayloadLength
	}
	body := make([]byte, length)
	if _, err := p.sess.Read(body); err != nil {
		return false, 0, nil, err
	}
	return false, peerprotocol.MessageID(body[0]), body[1:], nil
}

func (p *Peer) handleMessage(id peerprotocol.MessageID, payload []byte) {
	switch id {
	case peerprotocol.Choke:
		// The peer choked us: our outstanding requests to it are moot.
		// Mirrors the original implementation's handling, which drops the
		// requests the peer owes us an answer for without separately
		// clearing our own pending-request bookkeeping for this peer;
		// since we track exactly one queue per peer (clientAskedFor) that
		// distinction collapses to the same map here.
		p.clientChoked = true
		p.clientAskedFor = make(map[uint32]PendingRequest)
		p.requestSentAt = make(map[uint32]time.Time)
	case peerprotocol.Unchoke:
		p.clientChoked = false
	case peerprotocol.Interested:
		p.peerInterested = true
	case peerprotocol.NotInterested:
		p.peerInterested = false
	case peerprotocol.Have:
		m, err := peerprotocol.DecodeHave(payload)
		if err != nil {
			p.fail(err)
			return
		}
		p.have.Set(m.Index)
		p.events.Publish(p, PeerHave{Peer: p, Piece: m.Index})
		p.updateInterest()
	case peerprotocol.Bitfield:
		nb, err := bitfield.NewBytes(payload, p.have.Len())
		if err != nil {
			p.fail(err)
			return
		}
		p.have = nb
		p.events.Publish(p, PeerBitfield{Peer: p})
		p.updateInterest()
	case peerprotocol.Request:
		m, err := peerprotocol.DecodeRequest(payload)
		if err != nil {
			p.fail(err)
			return
		}
		if !p.peerChoked {
			p.peerAskedFor = append(p.peerAskedFor, PendingRequest{Index: m.Index, Begin: m.Begin, Length: m.Length})
		}
	case peerprotocol.Piece:
		if len(payload) < 8 {
			p.fail(peerprotocol.ErrInvalidPayloadLength)
			return
		}
		m, err := peerprotocol.DecodePieceHeader(payload[:8])
		if err != nil {
			p.fail(err)
			return
		}
		p.gotBlock(m.Index, m.Begin, payload[8:])
	case peerprotocol.Cancel:
		m, err := peerprotocol.DecodeCancel(payload)
		if err != nil {
			p.fail(err)
			return
		}
		p.removePeerRequest(m.Index, m.Begin, m.Length)
	case peerprotocol.Port:
		m, err := peerprotocol.DecodePort(payload)
		if err != nil {
			p.fail(err)
			return
		}
		p.sess.SetListenPort(m.Port)
		p.extListenPort = m.Port
	case peerprotocol.Extension:
		subID, body, err := peerprotocol.DecodeExtension(payload)
		if err != nil {
			p.fail(err)
			return
		}
		p.handleExtension(subID, body)
	default:
		p.fail(peerprotocol.ErrInvalidPayloadLength)
	}
}

func (p *Peer) removePeerRequest(index, begin, length uint32) {
	for i, r := range p.peerAskedFor {
		if r.Index == index && r.Begin == begin && r.Length == length {
			p.peerAskedFor = append(p.peerAskedFor[:i], p.peerAskedFor[i+1:]...)
			return
		}
	}
}

func (p *Peer) handleExtension(subID peerprotocol.ExtensionMessageID, body []byte) {
	if subID == peerprotocol.ExtensionIDHandshake {
		hs, err := peerprotocol.DecodeExtensionHandshake(body)
		if err != nil {
			p.fail(err)
			return
		}
		if id, ok := hs.M[peerprotocol.ExtensionKeyPEX]; ok {
			p.utPexID = id
			p.hasLTEP = true
		}
		if hs.P != 0 {
			p.extListenPort = hs.P
			p.sess.SetListenPort(hs.P)
		}
		p.clientName = hs.V
		return
	}
	if !p.hasLTEP || subID != peerprotocol.ExtensionMessageID(p.utPexID) || p.private {
		return
	}
	m, err := peerprotocol.DecodePEX(body)
	if err != nil {
		p.fail(err)
		return
	}
	evt := GotPEX{Peer: p}
	for i, a := range pexlist.DecodeCompact(m.Added) {
		var flags byte
		if i < len(m.AddedFlags) {
			flags = m.AddedFlags[i]
		}
		evt.Added = append(evt.Added, PEXPeer{Addr: a, Flags: flags})
	}
	evt.Dropped = pexlist.DecodeCompact(m.Dropped)
	p.events.Publish(p, evt)
}

// updateInterest recomputes client_interested after a have-set change
// (spec.md §4.D) and queues INTERESTED/NOT_INTERESTED if it flipped.
func (p *Peer) updateInterest() {
	if p.NeedsPieces == nil {
		return
	}
	interested := p.NeedsPieces(p)
	if interested == p.clientInterested {
		return
	}
	p.clientInterested = interested
	if interested {
		p.queueMessage(peerprotocol.InterestedMessage{})
	} else {
		p.queueMessage(peerprotocol.NotInterestedMessage{})
	}
}

func (p *Peer) queueMessage(m peerprotocol.Message) {
	buf := make([]byte, 5+len(m.Payload()))
	frameMessage(buf, m)
	p.outMessages = append(p.outMessages, buf)
}

func frameMessage(buf []byte, m peerprotocol.Message) {
	payload := m.Payload()
	length := uint32(1 + len(payload))
	putU32(buf, length)
	buf[4] = byte(m.ID())
	copy(buf[5:], payload)
}

func putU32(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}

// SendChoke/SendUnchoke apply a choke-state change the manager decided on
// (spec.md §4.E choking algorithm) and queue the corresponding message if
// it actually changed state.
func (p *Peer) SendChoke() {
	if p.peerChoked {
		return
	}
	p.peerChoked = true
	p.peerAskedFor = nil
	p.queueMessage(peerprotocol.ChokeMessage{})
}

func (p *Peer) SendUnchoke() {
	if !p.peerChoked {
		return
	}
	p.peerChoked = false
	p.queueMessage(peerprotocol.UnchokeMessage{})
}

// SendBitfield queues our current have-set. Callers send this once, right
// after the handshake completes.
func (p *Peer) SendBitfield(have *bitfield.Bitfield) {
	if have.Count() == 0 {
		return
	}
	p.queueMessage(peerprotocol.BitfieldMessage{Data: have.Bytes()})
}

// SendHave announces a newly completed piece.
func (p *Peer) SendHave(piece uint32) {
	p.queueMessage(peerprotocol.HaveMessage{Index: piece})
}

// AddRequest queues a block request to this peer (spec.md §4.D
// add_request). The cap scales with the observed download rate from this
// peer: cap = min(2 + rate_to_client/10, 100).
func (p *Peer) AddRequest(index, begin, length uint32, blockIndex uint32) RequestStatus {
	if p.clientChoked {
		return ClientChokedStatus
	}
	if !p.have.Test(index) || p.banned.Test(index) {
		return Missing
	}
	reqCap := 2 + int(p.sess.RateToClient())/10
	if reqCap > maxRequestCap {
		reqCap = maxRequestCap
	}
	if len(p.clientAskedFor) >= reqCap {
		return Full
	}
	p.clientAskedFor[blockIndex] = PendingRequest{Index: index, Begin: begin, Length: length}
	p.requestSentAt[blockIndex] = time.Now()
	p.queueMessage(peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length})
	return OK
}

// CancelRequest removes a previously queued request and tells the peer.
func (p *Peer) CancelRequest(index, begin, length uint32, blockIndex uint32) {
	if _, ok := p.clientAskedFor[blockIndex]; !ok {
		return
	}
	delete(p.clientAskedFor, blockIndex)
	delete(p.requestSentAt, blockIndex)
	p.queueMessage(peerprotocol.CancelMessage{Index: index, Begin: begin, Length: length})
}

// Snubbed reports whether this peer has failed to deliver a requested
// block within the manager's snub timeout (mirrors libtransmission's
// MAX_BLOCK_WAIT handling). A snubbed peer is excluded from the refill
// scheduler's candidate pool until it delivers again or disconnects.
func (p *Peer) Snubbed() bool { return p.snubbed }

// CheckSnub re-evaluates the snubbed state against the oldest
// outstanding request and returns the (possibly updated) result. The
// peer manager calls this once per refill pass rather than on a
// dedicated timer.
func (p *Peer) CheckSnub(timeout time.Duration) bool {
	now := time.Now()
	for _, sentAt := range p.requestSentAt {
		if now.Sub(sentAt) > timeout {
			p.snubbed = true
			return true
		}
	}
	return p.snubbed
}

// RequestCount reports how many blocks we currently have outstanding to
// this peer.
func (p *Peer) RequestCount() int { return len(p.clientAskedFor) }

func (p *Peer) gotBlock(index, begin uint32, data []byte) {
	blockIndex, ok := p.lookupClientRequest(index, begin)
	if !ok {
		return // unsolicited or already-cancelled block; ignore
	}
	delete(p.clientAskedFor, blockIndex)
	delete(p.requestSentAt, blockIndex)
	p.snubbed = false
	if p.rate != nil {
		p.rate.Transferred(len(data))
	}
	if err := p.io.Write(p.infoHash, index, begin, uint32(len(data)), data); err != nil {
		p.fail(err)
		return
	}
	if p.completion == nil {
		return
	}
	p.completion.BlockAdd(blockIndex)
	p.events.Publish(p, ClientBlock{Peer: p, Piece: index, Offset: begin, Length: uint32(len(data))})
	if p.completion.PieceIsComplete(index) {
		ok, err := p.io.Hash(p.infoHash, index)
		if err != nil {
			p.fail(err)
			return
		}
		if ok {
			p.blame.Set(index)
			p.events.Publish(p, ClientHave{Peer: p, Piece: index})
		} else {
			p.events.Publish(p, PeerHashMismatch{Peer: p, Piece: index})
		}
	}
	if len(p.clientAskedFor) <= lowRequests {
		p.events.Publish(p, BlocksRunningLow{Peer: p})
	}
}

func (p *Peer) lookupClientRequest(index, begin uint32) (blockIndex uint32, ok bool) {
	for k, r := range p.clientAskedFor {
		if r.Index == index && r.Begin == begin {
			return k, true
		}
	}
	return 0, false
}

func (p *Peer) pulseLoop() {
	t := time.NewTicker(PulseInterval)
	defer t.Stop()
	for {
		select {
		case <-p.closeC:
			return
		case <-t.C:
			p.bridge.Post(p.pulse)
		}
	}
}

// pulse implements spec.md §4.D's priority order: write a chunk of any
// in-flight outgoing block first, then flush queued control messages,
// then frame one PIECE from peerAskedFor, then check the low-requests
// signal. Writing block bytes (but not control messages) is gated on the
// rate collaborator's CanTransfer (spec.md §5).
func (p *Peer) pulse() {
	p.sess.Tick()

	switch {
	case p.outPiece != nil:
		if p.canTransfer() {
			p.writeOutgoingBlockChunk()
		}
	case len(p.outMessages) > 0:
		p.flushMessages()
	case len(p.peerAskedFor) > 0 && p.canTransfer():
		p.startOutgoingBlock()
	}
	if len(p.clientAskedFor) <= lowRequests {
		p.events.Publish(p, BlocksRunningLow{Peer: p})
	}
}

// canTransfer reports whether the rate-control collaborator currently
// allows writing outgoing block bytes. A nil rate collaborator means no
// limit is configured.
func (p *Peer) canTransfer() bool {
	return p.rate == nil || p.rate.CanTransfer()
}

func (p *Peer) writeOutgoingBlockChunk() {
	remaining := len(p.outPiece.data) - p.outPiecePos
	n := uploadChunk
	if n > remaining {
		n = remaining
	}
	if _, err := p.sess.Write(p.outPiece.data[p.outPiecePos : p.outPiecePos+n]); err != nil {
		p.fail(err)
		p.outPiece = nil
		return
	}
	p.outPiecePos += n
	if p.outPiecePos == len(p.outPiece.data) {
		p.outPiece = nil
	}
}

func (p *Peer) flushMessages() {
	for _, m := range p.outMessages {
		if _, err := p.sess.Write(m); err != nil {
			p.fail(err)
			return
		}
	}
	p.outMessages = nil
}

func (p *Peer) startOutgoingBlock() {
	req := p.peerAskedFor[0]
	p.peerAskedFor = p.peerAskedFor[1:]

	data := make([]byte, req.Length)
	if err := p.io.Read(p.infoHash, req.Index, req.Begin, req.Length, data); err != nil {
		p.fail(err)
		return
	}
	header := peerprotocol.PieceMessage{Index: req.Index, Begin: req.Begin}
	frame := make([]byte, 5+8+len(data))
	putU32(frame, uint32(1+8+len(data)))
	frame[4] = byte(header.ID())
	copy(frame[5:13], header.Payload())
	copy(frame[13:], data)

	p.outPiece = &pendingPiece{index: req.Index, begin: req.Begin, data: frame}
	p.outPiecePos = 0
}

func (p *Peer) pexLoop() {
	t := time.NewTicker(PEXPeriod)
	defer t.Stop()
	for {
		select {
		case <-p.closeC:
			return
		case <-t.C:
			p.bridge.Post(p.sendPEX)
		}
	}
}

func (p *Peer) sendPEX() {
	if p.private || !p.hasLTEP || p.CurrentPeers == nil {
		return
	}
	current := p.CurrentPeers()
	added, dropped, flags := p.pexSent.Diff(current, nil)
	if len(added) == 0 && len(dropped) == 0 {
		return
	}
	msg := peerprotocol.PEXMessage{
		Added:      pexlist.EncodeCompact(added),
		AddedFlags: flags,
		Dropped:    pexlist.EncodeCompact(dropped),
	}
	body, err := msg.Encode()
	if err != nil {
		p.fail(err)
		return
	}
	p.queueMessage(peerprotocol.ExtensionMessage{ExtendedMessageID: peerprotocol.ExtensionMessageID(p.utPexID), Payload_: body})
}
