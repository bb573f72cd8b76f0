// Package blocklist implements the persisted ban list spec.md §7's "data
// integrity" policy hook writes to: IPs and peer ids the client has
// decided to stop talking to (corrupt blocks, protocol violations).
package blocklist

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	homedir "github.com/mitchellh/go-homedir"
)

var (
	bucketName    = []byte("blocklist")
	ipKeyPrefix   = []byte("ip:")
	peerKeyPrefix = []byte("peerid:")
)

// Blocklist tracks banned IPs and peer ids. The zero value from New is a
// purely in-memory blocklist; Open additionally persists bans to a bolt
// database so they survive a restart.
type Blocklist struct {
	mu      sync.RWMutex
	ips     map[string]struct{}
	peerIDs map[[20]byte]struct{}
	db      *bolt.DB
}

// New returns an in-memory-only Blocklist.
func New() *Blocklist {
	return &Blocklist{
		ips:     make(map[string]struct{}),
		peerIDs: make(map[[20]byte]struct{}),
	}
}

// Open returns a Blocklist backed by a bolt database at path, expanding a
// leading "~" the same way session config paths do. Existing bans are
// loaded immediately.
func Open(path string) (*Blocklist, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0640, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	bl := New()
	bl.db = db
	if err := bl.load(); err != nil {
		db.Close()
		return nil, err
	}
	return bl, nil
}

func (b *Blocklist) load() error {
	return b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, _ []byte) error {
			switch {
			case bytes.HasPrefix(k, ipKeyPrefix):
				b.ips[string(k[len(ipKeyPrefix):])] = struct{}{}
			case bytes.HasPrefix(k, peerKeyPrefix) && len(k) == len(peerKeyPrefix)+20:
				var id [20]byte
				copy(id[:], k[len(peerKeyPrefix):])
				b.peerIDs[id] = struct{}{}
			}
			return nil
		})
	})
}

// BlockIP bans ip, persisting the ban if this Blocklist was opened with a
// database.
func (b *Blocklist) BlockIP(ip net.IP) error {
	key := ip.String()
	b.mu.Lock()
	b.ips[key] = struct{}{}
	b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(append(append([]byte{}, ipKeyPrefix...), key...), []byte{1})
	})
}

// BlockPeerID bans a peer id.
func (b *Blocklist) BlockPeerID(id [20]byte) error {
	b.mu.Lock()
	b.peerIDs[id] = struct{}{}
	b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(append(append([]byte{}, peerKeyPrefix...), id[:]...), []byte{1})
	})
}

// BlockedIP reports whether ip is banned.
func (b *Blocklist) BlockedIP(ip net.IP) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ips[ip.String()]
	return ok
}

// BlockedPeerID reports whether id is banned.
func (b *Blocklist) BlockedPeerID(id [20]byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.peerIDs[id]
	return ok
}

// Close closes the backing database, if any.
func (b *Blocklist) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
