// Package peermanager implements the per-torrent peer manager (spec.md
// §4.E): the peer table, handshake completion wiring, the choking
// algorithm, the block refill scheduler and scarcity bookkeeping.
package peermanager

import (
	"math/rand"
	"net"
	"sort"
	"time"

	"github.com/zPivot/transmission/internal/block"
	"github.com/zPivot/transmission/internal/blocklist"
	"github.com/zPivot/transmission/internal/collaborators"
	"github.com/zPivot/transmission/internal/eventbus"
	"github.com/zPivot/transmission/internal/handshake"
	"github.com/zPivot/transmission/internal/logger"
	"github.com/zPivot/transmission/internal/loopbridge"
	"github.com/zPivot/transmission/internal/peer"
	"github.com/zPivot/transmission/internal/peerio"
)

// corruptionBanThreshold is how many pieces a peer may be blamed for
// failing verification before the manager escalates from a per-piece ban
// to disconnecting and blocklisting the peer outright (spec.md §7 "Data
// integrity" policy hook).
const corruptionBanThreshold = 3

// Config holds the manager's tunables (spec.md §6).
type Config struct {
	MaxConnectedPeers       int
	NumDownloadersToUnchoke int
	RechokePeriod           time.Duration
	RefillDelay             time.Duration
	DialTimeout             time.Duration
	ListenPort              uint16
	ClientVersion           string
	Preference              handshake.Preference
	PeerID                  [20]byte
	// SnubTimeout bounds how long a block request may go unanswered
	// before the peer is excluded from the refill scheduler's candidate
	// pool (mirrors libtransmission's MAX_BLOCK_WAIT handling).
	SnubTimeout time.Duration
}

// PeerSource records where a peer address was learned from, for stats.
type PeerSource int

const (
	SourceTracker PeerSource = iota
	SourcePEX
	SourceIncoming
	SourceManual
)

type peerRecord struct {
	addr          *net.TCPAddr
	source        PeerSource
	peer          *peer.Peer
	banned        bool
	corruptPieces int
}

// Manager owns one torrent's peer set and timers.
type Manager struct {
	infoHash   [20]byte
	private    bool
	cfg        Config
	io         collaborators.IO
	completion collaborators.Completion
	rate       collaborators.RateControl
	log        logger.Logger
	bridge     *loopbridge.Bridge
	blocklist  *blocklist.Blocklist

	blocks        []*block.Block
	blocksByPiece map[uint32][]*block.Block

	peersByAddr map[string]*peerRecord
	connected   map[*peer.Peer]*peerRecord

	handshakeResults chan handshake.Result
	refillArmed      bool
	refillTimer      *time.Timer

	connectedCountFn func() int // global (cross-torrent) connected-peer count
	incConnected     func()
	decConnected     func()
}

// New constructs a Manager. blocks is the torrent's full block list,
// already populated with Have/DND/Priority from the completion/metainfo
// collaborators this module does not own.
func New(
	infoHash [20]byte,
	private bool,
	cfg Config,
	blocks []*block.Block,
	io collaborators.IO,
	completion collaborators.Completion,
	rate collaborators.RateControl,
	bridge *loopbridge.Bridge,
	log logger.Logger,
) *Manager {
	m := &Manager{
		infoHash:         infoHash,
		private:          private,
		cfg:              cfg,
		io:               io,
		completion:       completion,
		rate:             rate,
		log:              log,
		bridge:           bridge,
		blocks:           blocks,
		blocksByPiece:    make(map[uint32][]*block.Block),
		peersByAddr:      make(map[string]*peerRecord),
		connected:        make(map[*peer.Peer]*peerRecord),
		handshakeResults: make(chan handshake.Result, 16),
	}
	for _, b := range blocks {
		m.blocksByPiece[b.PieceIndex] = append(m.blocksByPiece[b.PieceIndex], b)
	}
	return m
}

// SetGlobalConnectionCounters wires the cross-torrent connected-peer
// budget (spec.md §6 max_connected_peers is a process-wide cap shared by
// all torrents; whoever wires it owns the actual counter). The count is
// raised when a handshake starts and lowered when it fails or when a
// connected peer is closed.
func (m *Manager) SetGlobalConnectionCounters(count func() int, inc, dec func()) {
	m.connectedCountFn = count
	m.incConnected = inc
	m.decConnected = dec
}

// SetBlocklist wires the process-wide ban list into this torrent's data
// integrity policy hook (spec.md §7). Optional; with a nil blocklist a
// peer that reaches the corruption threshold is still disconnected and
// marked banned in this torrent's peer table, but its IP and peer id are
// not recorded anywhere else.
func (m *Manager) SetBlocklist(bl *blocklist.Blocklist) {
	m.blocklist = bl
}

// Run starts the manager's background machinery: the handshake-result
// drain loop and the periodic rechoke timer (the refill timer is one-shot
// and armed on demand by armRefill). Must be called once, after the
// manager's Bridge is already running.
func (m *Manager) Run() {
	go m.drainHandshakeResults()
	m.bridge.PostAfter(m.cfg.RechokePeriod, m.rechokeTick)
}

func (m *Manager) drainHandshakeResults() {
	for res := range m.handshakeResults {
		res := res
		m.bridge.Post(func() { m.handleHandshakeResult(res) })
	}
}

// AddPeers takes already-decoded addresses from a tracker or PEX
// response, inserts records for the ones not yet known, and attempts to
// connect (spec.md §4.E add_peers).
func (m *Manager) AddPeers(addrs []*net.TCPAddr, source PeerSource) {
	for _, addr := range addrs {
		key := addr.String()
		if _, ok := m.peersByAddr[key]; ok {
			continue
		}
		m.peersByAddr[key] = &peerRecord{addr: addr, source: source}
	}
	m.maybeConnect()
}

// AddIncoming always enters handshake as a responder, provided the global
// cap permits (spec.md §4.E add_incoming).
func (m *Manager) AddIncoming(conn net.Conn, resolver handshake.TorrentResolver) {
	if m.connectedCountFn != nil && m.connectedCountFn() >= m.cfg.MaxConnectedPeers {
		conn.Close()
		return
	}
	sess := peerio.NewIncoming(conn)
	h := handshake.NewIncomingHandshaker(sess, m.cfg.PeerID, m.cfg.Preference, m.cfg.ListenPort, m.cfg.ClientVersion, resolver, m.handshakeResults)
	if m.incConnected != nil {
		m.incConnected()
	}
	go h.Run()
}

// maybeConnect opens outbound handshakes for known-but-unconnected peer
// records until the global cap is reached.
func (m *Manager) maybeConnect() {
	for _, rec := range m.peersByAddr {
		if rec.peer != nil || rec.banned {
			continue
		}
		if m.connectedCountFn != nil && m.connectedCountFn() >= m.cfg.MaxConnectedPeers {
			return
		}
		sess, err := peerio.NewOutgoing(rec.addr.IP, rec.addr.Port, m.cfg.DialTimeout)
		if err != nil {
			continue
		}
		if m.incConnected != nil {
			m.incConnected()
		}
		h := handshake.NewOutgoingHandshaker(sess, m.infoHash, m.cfg.PeerID, m.cfg.Preference, m.cfg.ListenPort, m.cfg.ClientVersion, m.cfg.DialTimeout, m.handshakeResults)
		go h.Run()
	}
}

// handleHandshakeResult binds a completed handshake to its peer record,
// instantiates the protocol engine, subscribes to its events, and
// triggers an immediate choke pulse (spec.md §4.E).
func (m *Manager) handleHandshakeResult(res handshake.Result) {
	if res.Error != nil {
		if m.decConnected != nil {
			m.decConnected()
		}
		return
	}
	addr := res.Session.RemoteAddr()
	key := ""
	if addr != nil {
		key = addr.String()
	}
	rec, ok := m.peersByAddr[key]
	if !ok {
		rec = &peerRecord{addr: addr, source: SourceIncoming}
		m.peersByAddr[key] = rec
	}

	bus := eventbus.New()
	bus.Subscribe(func(source interface{}, event interface{}) {
		m.handleEvent(source.(*peer.Peer), event)
	})

	pe := peer.New(res.Session, m.infoHash, uint32(len(m.blocksByPiece)), m.private, m.io, m.completion, m.rate, bus, m.bridge, m.log)
	pe.NeedsPieces = m.peerNeedsPieces
	pe.CurrentPeers = m.currentPeerAddrs
	rec.peer = pe
	m.connected[pe] = rec

	pe.Run()
	if m.completion != nil {
		pe.SendBitfield(m.completion.PieceBitfield())
	}
	m.rechokeTorrent()
}

// handleEvent runs on the torrent bridge goroutine already (Publish is
// called synchronously from inside a posted closure in the peer's pulse/
// read loop), so it mutates manager state directly rather than posting
// again.
func (m *Manager) handleEvent(pe *peer.Peer, event interface{}) {
	switch ev := event.(type) {
	case peer.PeerBitfield:
		m.bumpScarcity(pe, nil)
	case peer.PeerHave:
		m.bumpScarcityPiece(ev.Piece)
	case peer.GotPEX:
		if m.private {
			return
		}
		var added []*net.TCPAddr
		for _, a := range ev.Added {
			added = append(added, a.Addr)
		}
		m.AddPeers(added, SourcePEX)
	case peer.GotError:
		m.closePeer(pe)
	case peer.BlocksRunningLow:
		m.armRefill()
	case peer.PeerHashMismatch:
		m.handleHashMismatch(pe, ev.Piece)
	}
}

// handleHashMismatch implements the data integrity policy hook (spec.md
// §7): the peer that contributed to the failed piece is banned from that
// piece specifically, and repeated offenses escalate to disconnecting and
// blocklisting the peer outright.
func (m *Manager) handleHashMismatch(pe *peer.Peer, piece uint32) {
	pe.Ban(piece)
	rec, ok := m.connected[pe]
	if !ok {
		return
	}
	rec.corruptPieces++
	if rec.corruptPieces < corruptionBanThreshold {
		return
	}
	rec.banned = true
	if m.blocklist != nil {
		if rec.addr != nil {
			m.blocklist.BlockIP(rec.addr.IP)
		}
		if id, ok := pe.PeerID(); ok {
			m.blocklist.BlockPeerID(id)
		}
	}
	m.closePeer(pe)
}

func (m *Manager) bumpScarcity(pe *peer.Peer, _ interface{}) {
	have := pe.Have()
	for piece := uint32(0); piece < have.Len(); piece++ {
		if have.Test(piece) {
			m.bumpScarcityPiece(piece)
		}
	}
}

func (m *Manager) bumpScarcityPiece(piece uint32) {
	for _, b := range m.blocksByPiece[piece] {
		b.IncScarcity()
	}
}

func (m *Manager) peerNeedsPieces(pe *peer.Peer) bool {
	have := pe.Have()
	for _, b := range m.blocks {
		if b.DND || b.Have || pe.Banned(b.PieceIndex) {
			continue
		}
		if have.Test(b.PieceIndex) {
			return true
		}
	}
	return false
}

func (m *Manager) currentPeerAddrs() []*net.TCPAddr {
	var out []*net.TCPAddr
	for _, rec := range m.connected {
		if rec.addr != nil {
			out = append(out, rec.addr)
		}
	}
	return out
}

func (m *Manager) closePeer(pe *peer.Peer) {
	rec, ok := m.connected[pe]
	if !ok {
		return
	}
	delete(m.connected, pe)
	rec.peer = nil
	pe.Close()
	if m.decConnected != nil {
		m.decConnected()
	}
}

// rechokeTick runs the choking algorithm and reschedules itself
// (spec.md §4.E: timer period 10 min).
func (m *Manager) rechokeTick() {
	m.rechokeTorrent()
	m.bridge.PostAfter(m.cfg.RechokePeriod, m.rechokeTick)
}

// rechokeTorrent implements the choking algorithm (spec.md §4.E), mirroring
// libtransmission/peer-mgr.c's chokePulse: the whole connected set is
// ranked by (peer_interested desc, rate desc) and the top N become
// downloader slots, regardless of whether a faster peer is currently
// interested. Any peer outside the top N whose rate ties or beats the
// slowest downloader's rate is rewarded with a slot too, and one peer
// picked at random from the rest gets an optimistic unchoke.
func (m *Manager) rechokeTorrent() {
	done := m.completion != nil && m.completion.Status() != collaborators.Incomplete

	all := make([]*peer.Peer, 0, len(m.connected))
	for pe := range m.connected {
		all = append(all, pe)
	}
	rateOf := func(pe *peer.Peer) float64 {
		if done {
			return pe.RateToPeer()
		}
		return pe.RateToClient()
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].PeerInterested() != all[j].PeerInterested() {
			return all[i].PeerInterested()
		}
		return rateOf(all[i]) > rateOf(all[j])
	})

	n := m.cfg.NumDownloadersToUnchoke
	if n > len(all) {
		n = len(all)
	}
	unchoked := make(map[*peer.Peer]bool, len(all))
	for i := 0; i < n; i++ {
		all[i].SendUnchoke()
		unchoked[all[i]] = true
	}
	var slowestRate float64
	if n > 0 {
		slowestRate = rateOf(all[n-1])
	}

	var remainder []*peer.Peer
	for _, pe := range all {
		if unchoked[pe] {
			continue
		}
		if n > 0 && rateOf(pe) >= slowestRate {
			pe.SendUnchoke()
			unchoked[pe] = true
			continue
		}
		remainder = append(remainder, pe)
	}

	if len(remainder) > 0 {
		pick := remainder[rand.Intn(len(remainder))]
		pick.SendUnchoke()
		unchoked[pick] = true
	}
	for _, pe := range all {
		if !unchoked[pe] {
			pe.SendChoke()
		}
	}
}

// armRefill arms the one-shot refill timer if it isn't already armed
// (spec.md §4.E: "armed on BLOCKS_RUNNING_LOW, one-shot ~5s later").
func (m *Manager) armRefill() {
	if m.refillArmed {
		return
	}
	m.refillArmed = true
	m.refillTimer = m.bridge.PostAfter(m.cfg.RefillDelay, m.refillTick)
}

func (m *Manager) refillTick() {
	m.refillArmed = false
	m.refill()
}

// refill implements the block refill scheduler (spec.md §4.E).
func (m *Manager) refill() {
	restore := block.SortForRefill(m.blocks)
	defer restore()

	pool := make([]*peer.Peer, 0, len(m.connected))
	for pe := range m.connected {
		if m.cfg.SnubTimeout > 0 && pe.CheckSnub(m.cfg.SnubTimeout) {
			continue
		}
		pool = append(pool, pe)
	}

blockLoop:
	for _, b := range m.blocks {
		if len(pool) == 0 {
			return
		}
		if b.Have || b.DND {
			continue
		}
		for i := 0; i < len(pool); {
			status := pool[i].AddRequest(b.PieceIndex, b.Offset, b.Length, b.Index)
			switch status {
			case peer.OK:
				b.IncRequestCount()
				continue blockLoop
			case peer.Full:
				pool = append(pool[:i], pool[i+1:]...)
			default: // Missing, ClientChokedStatus
				i++
			}
		}
	}
}

// Stats is the torrent-level summary returned by TorrentStats (spec.md
// §4.E).
type Stats struct {
	PeersTotal     int
	PeersConnected int
	SendingToUs    int // peers currently unchoking us
	GettingFromUs  int // peers we are currently unchoking
	PeersBySource  map[PeerSource]int
}

// TorrentStats reports the torrent-level peer summary (spec.md §4.E
// torrent_stats).
func (m *Manager) TorrentStats() Stats {
	st := Stats{
		PeersTotal:    len(m.peersByAddr),
		PeersBySource: make(map[PeerSource]int, len(m.peersByAddr)),
	}
	for _, rec := range m.peersByAddr {
		st.PeersBySource[rec.source]++
		if rec.peer == nil {
			continue
		}
		st.PeersConnected++
		if !rec.peer.ClientChoked() {
			st.SendingToUs++
		}
		if !rec.peer.PeerChoked() {
			st.GettingFromUs++
		}
	}
	return st
}

// PeerStat is one entry of PeerStats.
type PeerStat struct {
	Addr          net.IP
	Port          int
	Source        PeerSource
	Client        string
	Progress      float64
	Connected     bool
	UploadRate    float64
	DownloadRate  float64
	IsDownloading bool
	IsUploading   bool
}

// PeerStats reports per-peer detail for every known peer record, connected
// or not (spec.md §4.E peer_stats).
func (m *Manager) PeerStats() []PeerStat {
	out := make([]PeerStat, 0, len(m.peersByAddr))
	for _, rec := range m.peersByAddr {
		st := PeerStat{Source: rec.source}
		if rec.addr != nil {
			st.Addr = rec.addr.IP
			st.Port = rec.addr.Port
		}
		if pe := rec.peer; pe != nil {
			st.Client = pe.ClientName()
			st.Progress = pe.Progress()
			st.Connected = true
			st.UploadRate = pe.RateToPeer()
			st.DownloadRate = pe.RateToClient()
			st.IsDownloading = !pe.ClientChoked() && pe.RequestCount() > 0
			st.IsUploading = !pe.PeerChoked() && pe.HasOutgoingWork()
		}
		out = append(out, st)
	}
	return out
}

// TorrentAvailability fills an n-bucket summary of piece availability
// (spec.md §4.E torrent_availability): bucket i is -1 if we already hold
// its representative piece, otherwise the number of connected peers
// advertising that piece.
func (m *Manager) TorrentAvailability(n int) []int {
	total := uint32(len(m.blocksByPiece))
	if total == 0 || n <= 0 {
		return nil
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		piece := uint32(i) * total / uint32(n)
		if m.completion != nil && m.completion.PieceIsComplete(piece) {
			out[i] = -1
			continue
		}
		count := 0
		for pe := range m.connected {
			if pe.Have().Test(piece) {
				count++
			}
		}
		out[i] = count
	}
	return out
}
