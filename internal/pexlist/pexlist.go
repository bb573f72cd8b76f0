// Package pexlist computes the set-diff a peer's periodic PEX tick sends:
// which addresses are newly known since the last tick, and which have
// dropped out (spec.md §4.D).
package pexlist

import (
	"encoding/binary"
	"net"
	"sort"
	"strconv"
)

// MaxDiffEntries caps the number of added/dropped entries sent per tick
// (spec.md §4.D: "cap diff size at 50 entries per tick").
const MaxDiffEntries = 50

// PeerFlag bits for the PEX "added.f" byte.
const (
	FlagPreferEncryption byte = 0x01
	FlagSeed             byte = 0x02
)

// List tracks which addresses were sent to a single peer on the last PEX
// tick, so the next tick can diff against the torrent's current peer set.
type List struct {
	sent map[string]struct{}
}

// New returns an empty List (nothing sent yet).
func New() *List {
	return &List{sent: make(map[string]struct{})}
}

// Diff computes (added, dropped) between the torrent's current peer
// addresses and what was sent last tick, caps each list at
// MaxDiffEntries, and records the new "sent" set for next time.
//
// flags maps an address to its added.f byte; addresses absent from flags
// get a zero flags byte.
func (l *List) Diff(current []*net.TCPAddr, flags map[string]byte) (added, dropped []*net.TCPAddr, addedFlags []byte) {
	currentSet := make(map[string]*net.TCPAddr, len(current))
	for _, a := range current {
		currentSet[a.String()] = a
	}

	var addedKeys []string
	for k := range currentSet {
		if _, ok := l.sent[k]; !ok {
			addedKeys = append(addedKeys, k)
		}
	}
	sort.Strings(addedKeys)
	if len(addedKeys) > MaxDiffEntries {
		addedKeys = addedKeys[:MaxDiffEntries]
	}

	var droppedKeys []string
	for k := range l.sent {
		if _, ok := currentSet[k]; !ok {
			droppedKeys = append(droppedKeys, k)
		}
	}
	sort.Strings(droppedKeys)
	if len(droppedKeys) > MaxDiffEntries {
		droppedKeys = droppedKeys[:MaxDiffEntries]
	}

	for _, k := range addedKeys {
		added = append(added, currentSet[k])
		addedFlags = append(addedFlags, flags[k])
		l.sent[k] = struct{}{}
	}
	for _, k := range droppedKeys {
		dropped = append(dropped, parseAddr(k))
		delete(l.sent, k)
	}
	return added, dropped, addedFlags
}

func parseAddr(s string) *net.TCPAddr {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return nil
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil
	}
	return &net.TCPAddr{IP: net.ParseIP(host), Port: p}
}

// EncodeCompact packs addrs as 6-byte IPv4:port tuples, big-endian port,
// as used by the µTorrent PEX payload (spec.md §6).
func EncodeCompact(addrs []*net.TCPAddr) []byte {
	out := make([]byte, 0, len(addrs)*6)
	for _, a := range addrs {
		ip4 := a.IP.To4()
		if ip4 == nil {
			continue
		}
		var portBytes [2]byte
		binary.BigEndian.PutUint16(portBytes[:], uint16(a.Port))
		out = append(out, ip4...)
		out = append(out, portBytes[:]...)
	}
	return out
}

// DecodeCompact unpacks 6-byte IPv4:port tuples.
func DecodeCompact(b []byte) []*net.TCPAddr {
	var out []*net.TCPAddr
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		out = append(out, &net.TCPAddr{IP: ip, Port: int(port)})
	}
	return out
}
