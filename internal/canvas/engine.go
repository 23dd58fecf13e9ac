// Package canvas owns the pixel buffer.
//
// All mutation and snapshotting happens on a single goroutine (Run) that
// drains a request channel. The order in which that goroutine processes
// requests is the commit order, and commit observers are invoked on the
// same goroutine, so they see commits in exactly that order.
package canvas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/pixelping/internal/logging"
	"github.com/postalsys/pixelping/internal/metrics"
	"github.com/postalsys/pixelping/internal/protocol"
	"github.com/postalsys/pixelping/internal/recovery"
)

// Canvas size bounds.
const (
	MinSize = 16
	MaxSize = 4096
)

var (
	// ErrClosed is returned once the owner goroutine has stopped.
	ErrClosed = errors.New("canvas closed")

	// ErrOutOfBounds is returned for coordinates outside the canvas.
	ErrOutOfBounds = errors.New("pixel out of bounds")
)

// Observer receives every committed change, in commit order, on the owner
// goroutine. OnCommit must not block and must not call back into the Engine.
type Observer interface {
	OnCommit(PixelUpdate)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(PixelUpdate)

func (f ObserverFunc) OnCommit(u PixelUpdate) { f(u) }

// Config configures an Engine.
type Config struct {
	Size       int
	Background protocol.RGB
	Filename   string

	// Encoder overrides the PNG encoder used by Persist.
	Encoder Encoder
}

// Engine is the single owner of the canvas.
type Engine struct {
	side    int
	bg      protocol.RGB
	path    string
	encoder Encoder
	logger  *slog.Logger
	metrics *metrics.Metrics

	// pix is only touched by the owner goroutine once Run has started.
	pix []byte

	ops     chan func()
	done    chan struct{}
	running atomic.Bool

	obsMu     sync.RWMutex
	observers []Observer

	commits atomic.Uint64

	persistMu sync.Mutex
}

// New creates the canvas. An existing file at cfg.Filename is loaded and
// must match cfg.Size; otherwise the canvas is filled with the background
// and written out immediately.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Engine, error) {
	if cfg.Size < MinSize || cfg.Size > MaxSize {
		return nil, fmt.Errorf("canvas size %d out of range [%d, %d]", cfg.Size, MinSize, MaxSize)
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Discard()
	}
	if cfg.Encoder == nil {
		cfg.Encoder = EncodePNG
	}

	e := &Engine{
		side:    cfg.Size,
		bg:      cfg.Background,
		path:    cfg.Filename,
		encoder: cfg.Encoder,
		logger:  logger,
		metrics: m,
		ops:     make(chan func()),
		done:    make(chan struct{}),
	}

	loaded, err := e.load()
	if err != nil {
		return nil, err
	}
	if !loaded {
		e.pix = make([]byte, cfg.Size*cfg.Size*3)
		for i := 0; i < len(e.pix); i += 3 {
			e.pix[i], e.pix[i+1], e.pix[i+2] = cfg.Background.R, cfg.Background.G, cfg.Background.B
		}
		if e.path != "" {
			snap := &Snapshot{Width: e.side, Height: e.side, Pix: append([]byte(nil), e.pix...)}
			if err := e.write(snap); err != nil {
				return nil, err
			}
			logger.Info("created canvas", logging.KeyPath, e.path, logging.KeySize, e.side)
		}
	}

	return e, nil
}

func (e *Engine) load() (bool, error) {
	if e.path == "" {
		return false, nil
	}
	f, err := os.Open(e.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open canvas %s: %w", e.path, err)
	}
	defer f.Close()

	snap, err := DecodePNG(f)
	if err != nil {
		return false, fmt.Errorf("load canvas %s: %w", e.path, err)
	}
	if snap.Width != e.side || snap.Height != e.side {
		return false, fmt.Errorf("canvas %s is %dx%d, configured size is %d",
			e.path, snap.Width, snap.Height, e.side)
	}
	e.pix = snap.Pix
	e.logger.Info("loaded canvas", logging.KeyPath, e.path, logging.KeySize, e.side)
	return true, nil
}

// Side returns the canvas side length in pixels.
func (e *Engine) Side() int { return e.side }

// Background returns the configured background color.
func (e *Engine) Background() protocol.RGB { return e.bg }

// Commits returns the number of committed changes.
func (e *Engine) Commits() uint64 { return e.commits.Load() }

// AddObserver registers o for every subsequent commit.
func (e *Engine) AddObserver(o Observer) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, o)
}

// Run is the owner goroutine. It returns when ctx is done or a request
// panics; afterwards every operation fails with ErrClosed.
func (e *Engine) Run(ctx context.Context) (err error) {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("canvas already running")
	}
	defer close(e.done)
	defer recovery.RecoverWithCallback(e.logger, "canvas", func(pe *recovery.PanicError) {
		err = pe
	})

	for {
		select {
		case op := <-e.ops:
			op()
		case <-ctx.Done():
			return nil
		}
	}
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

// do runs fn on the owner goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		fn()
		close(finished)
	}

	select {
	case e.ops <- op:
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// Accepted requests always complete unless the owner dies.
	select {
	case <-finished:
		return nil
	case <-e.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Apply writes cmd's color. It reports false, and commits nothing, when
// the pixel already has that color.
func (e *Engine) Apply(ctx context.Context, cmd protocol.DrawCommand) (PixelUpdate, bool, error) {
	if cmd.X >= uint32(e.side) || cmd.Y >= uint32(e.side) {
		return PixelUpdate{}, false, fmt.Errorf("%w: (%d,%d) side %d", ErrOutOfBounds, cmd.X, cmd.Y, e.side)
	}

	start := time.Now()
	var (
		update  PixelUpdate
		changed bool
	)
	err := e.do(ctx, func() {
		update, changed = e.apply(cmd)
	})
	if err != nil {
		return PixelUpdate{}, false, err
	}
	e.metrics.RecordApply(changed, time.Since(start).Seconds())
	return update, changed, nil
}

// apply runs on the owner goroutine.
func (e *Engine) apply(cmd protocol.DrawCommand) (PixelUpdate, bool) {
	i := (int(cmd.Y)*e.side + int(cmd.X)) * 3
	c := cmd.Color
	if e.pix[i] == c.R && e.pix[i+1] == c.G && e.pix[i+2] == c.B {
		return PixelUpdate{}, false
	}
	e.pix[i], e.pix[i+1], e.pix[i+2] = c.R, c.G, c.B
	e.commits.Add(1)

	u := PixelUpdate{X: cmd.X, Y: cmd.Y, Color: c}
	e.obsMu.RLock()
	for _, o := range e.observers {
		o.OnCommit(u)
	}
	e.obsMu.RUnlock()
	return u, true
}

func (e *Engine) copyPix() *Snapshot {
	return &Snapshot{Width: e.side, Height: e.side, Pix: append([]byte(nil), e.pix...)}
}

// Snapshot returns a copy of the canvas, serialised with pending writes.
func (e *Engine) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	if err := e.do(ctx, func() { snap = e.copyPix() }); err != nil {
		return nil, err
	}
	return snap, nil
}

// SnapshotThen copies the canvas and calls fn with the copy on the owner
// goroutine before any further commit. Whatever fn registers therefore
// observes exactly the commits after the snapshot. fn must not block.
func (e *Engine) SnapshotThen(ctx context.Context, fn func(*Snapshot)) error {
	return e.do(ctx, func() { fn(e.copyPix()) })
}
