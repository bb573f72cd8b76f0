// Package eventbus implements the small synchronous publish/subscribe
// primitive used to wire the peer protocol engine's events to the peer
// manager (spec.md §4.F).
package eventbus

import (
	"sync"

	uuid "github.com/satori/go.uuid"
)

// Tag identifies a subscription for later Unsubscribe calls.
type Tag string

// Callback receives the publish source (the peer, torrent, etc. that
// published) and the event value itself.
type Callback func(source interface{}, event interface{})

type subscriber struct {
	tag Tag
	cb  Callback
}

// Bus is a synchronous fan-out publisher. Publish blocks until every
// subscriber's callback has returned. Subscribers must not mutate the
// subscriber set from within a callback; Subscribe/Unsubscribe called
// during a Publish are deferred until it completes.
type Bus struct {
	mu          sync.Mutex
	subscribers []subscriber
	publishing  bool
	pendingAdd  []subscriber
	pendingDel  map[Tag]struct{}
}

// New returns a new, empty Bus.
func New() *Bus {
	return &Bus{pendingDel: make(map[Tag]struct{})}
}

// Subscribe registers cb and returns an opaque tag for later removal.
func (b *Bus) Subscribe(cb Callback) Tag {
	tag := Tag(uuid.NewV4().String())
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := subscriber{tag: tag, cb: cb}
	if b.publishing {
		b.pendingAdd = append(b.pendingAdd, sub)
	} else {
		b.subscribers = append(b.subscribers, sub)
	}
	return tag
}

// Unsubscribe removes the subscription identified by tag. If called during
// a Publish, the removal is deferred until the fan-out completes.
func (b *Bus) Unsubscribe(tag Tag) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishing {
		b.pendingDel[tag] = struct{}{}
		return
	}
	b.removeLocked(tag)
}

func (b *Bus) removeLocked(tag Tag) {
	for i, s := range b.subscribers {
		if s.tag == tag {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish synchronously invokes every current subscriber's callback with
// (source, event), in subscription order.
func (b *Bus) Publish(source interface{}, event interface{}) {
	b.mu.Lock()
	b.publishing = true
	subs := make([]subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, s := range subs {
		s.cb(source, event)
	}

	b.mu.Lock()
	b.publishing = false
	for _, s := range b.pendingAdd {
		b.subscribers = append(b.subscribers, s)
	}
	b.pendingAdd = nil
	for tag := range b.pendingDel {
		b.removeLocked(tag)
	}
	b.pendingDel = make(map[Tag]struct{})
	b.mu.Unlock()
}
