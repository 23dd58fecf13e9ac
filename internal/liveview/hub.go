// Package liveview streams the canvas to connected viewers: one snapshot
// frame on connect, then one update frame per committed change in commit
// order.
package liveview

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/postalsys/pixelping/internal/canvas"
	"github.com/postalsys/pixelping/internal/logging"
	"github.com/postalsys/pixelping/internal/metrics"
)

// ErrHubClosed is returned by Subscribe after Close.
var ErrHubClosed = errors.New("hub closed")

// Canvas is the part of the canvas engine the live view reads.
type Canvas interface {
	Snapshot(ctx context.Context) (*canvas.Snapshot, error)
	SnapshotThen(ctx context.Context, fn func(*canvas.Snapshot)) error
}

// Hub fans committed changes out to viewers. It implements canvas.Observer
// and must be registered with the engine.
type Hub struct {
	queueSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	viewers map[uint64]*Viewer
	nextID  uint64
	closed  bool
}

// NewHub creates a hub whose viewers each buffer queueSize updates.
func NewHub(queueSize int, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Hub{
		queueSize: queueSize,
		logger:    logger,
		metrics:   m,
		viewers:   make(map[uint64]*Viewer),
	}
}

// Subscribe takes a snapshot of c and registers a new viewer in the same
// step, so the viewer receives exactly the commits after the snapshot.
func (h *Hub) Subscribe(ctx context.Context, c Canvas, remoteAddr string) (*Viewer, *canvas.Snapshot, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrHubClosed
	}
	h.nextID++
	v := newViewer(h.nextID, remoteAddr, h.queueSize)
	h.mu.Unlock()

	v.setState(StateSnapshotting)

	var (
		snap   *canvas.Snapshot
		regErr error
	)
	err := c.SnapshotThen(ctx, func(s *canvas.Snapshot) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			regErr = ErrHubClosed
			return
		}
		snap = s
		h.viewers[v.id] = v
	})
	if err == nil {
		err = regErr
	}
	if err != nil {
		v.setState(StateClosed)
		return nil, nil, err
	}

	h.metrics.RecordViewerConnect()
	h.logger.Debug("viewer subscribed",
		logging.KeyViewerID, v.id,
		logging.KeyRemoteAddr, remoteAddr)
	return v, snap, nil
}

// OnCommit queues u for every viewer. It never blocks: a viewer whose queue
// is full is kicked and removed, and the others are unaffected.
func (h *Hub) OnCommit(u canvas.PixelUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for id, v := range h.viewers {
		if v.offer(u) {
			delivered++
			continue
		}
		delete(h.viewers, id)
		v.kick(ReasonSlowConsumer)
		h.metrics.RecordViewerDisconnect(ReasonSlowConsumer)
		h.logger.Warn("viewer queue full, disconnecting",
			logging.KeyViewerID, id,
			logging.KeyRemoteAddr, v.remoteAddr,
			logging.KeyCount, h.queueSize)
	}
	h.metrics.RecordBroadcast(delivered)
}

// Remove unregisters v. Removing a viewer twice, or one the hub already
// kicked, is a no-op.
func (h *Hub) Remove(v *Viewer, reason string) {
	h.mu.Lock()
	_, ok := h.viewers[v.id]
	if ok {
		delete(h.viewers, v.id)
	}
	h.mu.Unlock()

	v.setState(StateClosed)
	if ok {
		h.metrics.RecordViewerDisconnect(reason)
		h.logger.Debug("viewer removed",
			logging.KeyViewerID, v.id,
			logging.KeyReason, reason)
	}
}

// Count returns the number of registered viewers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// Close kicks every viewer and rejects new subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, v := range h.viewers {
		delete(h.viewers, id)
		v.kick(ReasonShutdown)
		h.metrics.RecordViewerDisconnect(ReasonShutdown)
	}
}
