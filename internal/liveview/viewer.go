package liveview

import (
	"sync"
	"sync/atomic"

	"github.com/postalsys/pixelping/internal/canvas"
)

// State is a viewer's position in its connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateSnapshotting
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSnapshotting:
		return "snapshotting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Disconnect reasons, used as metric labels.
const (
	ReasonSlowConsumer = "slow_consumer"
	ReasonWriteError   = "write_error"
	ReasonPeerClosed   = "peer_closed"
	ReasonShutdown     = "shutdown"
)

// Viewer is one live-view client. Updates are delivered through a bounded
// queue; when the hub finds the queue full it kicks the viewer instead of
// blocking.
type Viewer struct {
	id         uint64
	remoteAddr string
	updates    chan canvas.PixelUpdate
	state      atomic.Int32

	kickOnce sync.Once
	kicked   chan struct{}
	reason   atomic.Value // string
}

func newViewer(id uint64, remoteAddr string, queueSize int) *Viewer {
	return &Viewer{
		id:         id,
		remoteAddr: remoteAddr,
		updates:    make(chan canvas.PixelUpdate, queueSize),
		kicked:     make(chan struct{}),
	}
}

// ID returns the hub-assigned identifier.
func (v *Viewer) ID() uint64 { return v.id }

// RemoteAddr returns the peer address.
func (v *Viewer) RemoteAddr() string { return v.remoteAddr }

// Updates delivers committed changes in commit order. It is never closed.
func (v *Viewer) Updates() <-chan canvas.PixelUpdate { return v.updates }

// Kicked is closed when the hub drops the viewer.
func (v *Viewer) Kicked() <-chan struct{} { return v.kicked }

// KickReason returns why the viewer was kicked, or "".
func (v *Viewer) KickReason() string {
	r, _ := v.reason.Load().(string)
	return r
}

// State returns the current lifecycle state.
func (v *Viewer) State() State { return State(v.state.Load()) }

func (v *Viewer) setState(s State) { v.state.Store(int32(s)) }

// Pending returns the number of queued updates.
func (v *Viewer) Pending() int { return len(v.updates) }

func (v *Viewer) kick(reason string) {
	v.kickOnce.Do(func() {
		v.reason.Store(reason)
		close(v.kicked)
	})
}

// offer queues u without blocking.
func (v *Viewer) offer(u canvas.PixelUpdate) bool {
	select {
	case v.updates <- u:
		return true
	default:
		return false
	}
}
