package pexlist

import (
	"net"
	"testing"
)

func addr(ip string, port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

func keys(addrs []*net.TCPAddr) map[string]bool {
	m := make(map[string]bool)
	for _, a := range addrs {
		m[a.String()] = true
	}
	return m
}

// TestPEXDiff mirrors spec.md §8 scenario 6.
func TestPEXDiff(t *testing.T) {
	l := New()
	a := addr("10.0.0.1", 6881)
	b := addr("10.0.0.2", 6881)
	c := addr("10.0.0.3", 6881)

	added, dropped, _ := l.Diff([]*net.TCPAddr{a, b}, nil)
	if len(added) != 2 || len(dropped) != 0 {
		t.Fatalf("first tick: added=%v dropped=%v", added, dropped)
	}
	ak := keys(added)
	if !ak[a.String()] || !ak[b.String()] {
		t.Fatalf("first tick missing entries: %v", added)
	}

	added, dropped, _ = l.Diff([]*net.TCPAddr{b, c}, nil)
	if len(added) != 1 || added[0].String() != c.String() {
		t.Fatalf("second tick added = %v, want [C]", added)
	}
	if len(dropped) != 1 || dropped[0].String() != a.String() {
		t.Fatalf("second tick dropped = %v, want [A]", dropped)
	}
}

func TestDiffCapsAt50(t *testing.T) {
	l := New()
	var addrs []*net.TCPAddr
	for i := 0; i < 120; i++ {
		addrs = append(addrs, &net.TCPAddr{IP: net.IPv4(10, 0, byte(i/256), byte(i%256)), Port: 6881})
	}
	added, _, flags := l.Diff(addrs, nil)
	if len(added) != MaxDiffEntries {
		t.Fatalf("len(added) = %d, want %d", len(added), MaxDiffEntries)
	}
	if len(flags) != MaxDiffEntries {
		t.Fatalf("len(flags) = %d, want %d", len(flags), MaxDiffEntries)
	}
}

func TestCompactRoundTrip(t *testing.T) {
	addrs := []*net.TCPAddr{addr("1.2.3.4", 6881), addr("5.6.7.8", 51413)}
	b := EncodeCompact(addrs)
	if len(b) != 12 {
		t.Fatalf("len = %d, want 12", len(b))
	}
	got := DecodeCompact(b)
	if len(got) != 2 || got[0].String() != addrs[0].String() || got[1].String() != addrs[1].String() {
		t.Fatalf("got %v", got)
	}
}
