// Package replication implements the primary-side broadcast of
// write-commands to attached replicas, and the registry of their
// acknowledged offsets.
package replication

import (
	"sync"

	"goredis/internal/protocol"
)

// subscriberCapacity is the per-subscriber queue depth. A slow subscriber
// that fills its queue is dropped rather than allowed to slow down the
// others — see Bus.Publish.
const subscriberCapacity = 256

// Bus fans out published commands to every subscriber's own queue and
// tracks the monotone byte-offset of everything published so far.
type Bus struct {
	mu          sync.Mutex
	offset      uint64
	subscribers map[int]*Subscription
	nextSubID   int
}

// NewBus returns an empty bus with offset 0.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]*Subscription)}
}

// Subscription is a live subscriber's inbound channel and the means to
// detect that it was dropped for lagging.
type Subscription struct {
	ID     int
	C      <-chan protocol.Command
	ch     chan protocol.Command
	bus    *Bus
	lagged chan struct{}
	once   sync.Once
}

// Lagged is closed by the bus the moment this subscription is dropped for
// overflowing its queue. Once closed, the connection driving this
// subscription must terminate — it can no longer guarantee byte-exact
// application order.
func (s *Subscription) Lagged() <-chan struct{} {
	return s.lagged
}

// Unsubscribe removes the subscription from the bus. Safe to call more
// than once, and safe to call after the bus has already dropped it for
// lagging.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s.ID)
		s.bus.mu.Unlock()
	})
}

// Subscribe registers a new subscriber. Every command published after
// Subscribe returns is queued for it, so a caller that subscribes before
// replying to the sync request (as handlePsync does) misses no command
// published from then on.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	ch := make(chan protocol.Command, subscriberCapacity)
	sub := &Subscription{
		ID:     id,
		C:      ch,
		ch:     ch,
		bus:    b,
		lagged: make(chan struct{}),
	}
	b.subscribers[id] = sub
	return sub
}

// Offset returns the current master_written_offset.
func (b *Bus) Offset() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset
}

// Publish advances the offset by cmd.ByteSize and fans cmd out to every
// subscriber, under the same lock that updated the offset — this is what
// makes Publish's return value safe to stamp into a connection's
// replicated_offset field. A subscriber whose queue is full is dropped
// and its Lagged channel closed, matching the "Lagged is fatal to that
// subscriber only" rule; fast subscribers are never slowed by a slow one.
func (b *Bus) Publish(cmd protocol.Command) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offset += uint64(cmd.ByteSize)
	for id, sub := range b.subscribers {
		select {
		case sub.ch <- cmd:
		default:
			delete(b.subscribers, id)
			close(sub.lagged)
		}
	}
	return b.offset
}
