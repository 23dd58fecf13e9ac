package backend

import (
	"context"
	"errors"
	"sync"
)

// errWoken is returned by pop when a producer-side event needs attention.
var errWoken = errors.New("ring woken")

// ring is a bounded FIFO of packets that drops the oldest entry when full.
type ring struct {
	mu      sync.Mutex
	buf     []Packet
	head    int
	count   int
	dropped uint64
	closed  bool

	// notify holds at most one pending wakeup for a blocked pop.
	notify chan struct{}
	wakeup chan struct{}
	done   chan struct{}
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{
		buf:    make([]Packet, capacity),
		notify: make(chan struct{}, 1),
		wakeup: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push appends p, evicting the oldest packet when full. It reports whether
// a packet was evicted.
func (r *ring) push(p Packet) (evicted bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if r.count == len(r.buf) {
		r.buf[r.head] = nil
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		r.dropped++
		evicted = true
	}
	r.buf[(r.head+r.count)%len(r.buf)] = p
	r.count++
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return evicted
}

// tryPop removes the oldest packet if there is one.
func (r *ring) tryPop() (Packet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil, false
	}
	p := r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return p, true
}

// pop blocks until a packet is available, ctx is done, wake is called or
// the ring closes. Packets queued before close are still drained.
func (r *ring) pop(ctx context.Context) (Packet, error) {
	for {
		if p, ok := r.tryPop(); ok {
			return p, nil
		}
		select {
		case <-r.notify:
		case <-r.wakeup:
			return nil, errWoken
		case <-r.done:
			if p, ok := r.tryPop(); ok {
				return p, nil
			}
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// wake interrupts a blocked pop with errWoken.
func (r *ring) wake() {
	select {
	case r.wakeup <- struct{}{}:
	default:
	}
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *ring) droppedTotal() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *ring) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.done)
	}
}
