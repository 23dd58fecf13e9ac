package backend

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/pixelping/internal/logging"
	"github.com/postalsys/pixelping/internal/metrics"
	"github.com/postalsys/pixelping/internal/recovery"
)

const (
	ipv6HeaderLen   = 40
	ipv6DstOffset   = 24
	prefixBytes     = 6
	stackRetryDelay = 50 * time.Millisecond
)

// StackConfig tunes the user-space stack.
type StackConfig struct {
	Prefix     net.IP
	BufferSize int
	MTU        int
}

// Stack is a minimal user-space IPv6 layer over a TUN device. A reader
// goroutine admits IPv6 packets addressed into the prefix and queues them
// in a bounded ring that drops the oldest packet when full. Nothing is
// answered on behalf of the OS, so the host does not need to own the
// prefix addresses.
type Stack struct {
	dev     Device
	prefix  [prefixBytes]byte
	mtu     int
	queue   *ring
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	readErr error

	closeOnce sync.Once
	closeErr  error
}

// NewStack starts the reader goroutine over dev.
func NewStack(dev Device, cfg StackConfig, opts Options) *Stack {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Stack{
		dev:     dev,
		mtu:     cfg.MTU,
		queue:   newRing(cfg.BufferSize),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	if p := cfg.Prefix.To16(); p != nil {
		copy(s.prefix[:], p[:prefixBytes])
	}

	s.wg.Add(1)
	go s.readLoop()

	return s
}

func (s *Stack) readLoop() {
	defer s.wg.Done()
	defer s.queue.close()
	defer recovery.RecoverWithCallback(s.logger, "tun-stack reader", func(pe *recovery.PanicError) {
		s.setReadErr(fatalf(s.Name(), "read", pe))
	})

	for {
		p, err := readDevice(s.ctx, s.dev, s.mtu, s.Name())
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if IsFatal(err) || errors.Is(err, ErrClosed) {
				s.setReadErr(err)
				return
			}
			// Transient errors are surfaced to the consumer so they count
			// against its budget, then reading resumes.
			s.setReadErr(err)
			s.queue.wake()
			select {
			case <-time.After(stackRetryDelay):
			case <-s.ctx.Done():
				return
			}
			continue
		}

		if !s.admit(p) {
			s.metrics.RecordPacketDropped("filtered")
			continue
		}
		if s.queue.push(p) {
			s.metrics.RecordPacketDropped("queue_full")
		}
		s.metrics.SetBackendQueued(s.queue.len())
	}
}

// admit reports whether p is an IPv6 packet addressed into the prefix.
func (s *Stack) admit(p Packet) bool {
	if len(p) < ipv6HeaderLen || p[0]>>4 != 6 {
		return false
	}
	return bytes.Equal(p[ipv6DstOffset:ipv6DstOffset+prefixBytes], s.prefix[:])
}

func (s *Stack) setReadErr(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
}

func (s *Stack) takeReadErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.readErr
	if !IsFatal(err) && !errors.Is(err, ErrClosed) {
		s.readErr = nil
	}
	return err
}

// ReadPacket pops the oldest queued packet.
func (s *Stack) ReadPacket(ctx context.Context) (Packet, error) {
	for {
		if p, ok := s.queue.tryPop(); ok {
			s.metrics.SetBackendQueued(s.queue.len())
			return p, nil
		}
		if err := s.takeReadErr(); err != nil {
			return nil, err
		}
		p, err := s.queue.pop(ctx)
		if err == nil {
			s.metrics.SetBackendQueued(s.queue.len())
			return p, nil
		}
		if errors.Is(err, errWoken) {
			continue
		}
		if errors.Is(err, ErrClosed) {
			if rerr := s.takeReadErr(); rerr != nil {
				return nil, rerr
			}
		}
		return nil, err
	}
}

// WritePacket writes p straight onto the interface.
func (s *Stack) WritePacket(p Packet) error {
	return writeDevice(s.dev, p, s.Name())
}

func (s *Stack) CanInject() bool { return true }

func (s *Stack) Name() string { return "tun-stack:" + s.dev.Name() }

// Dropped returns the number of packets evicted from the full queue.
func (s *Stack) Dropped() uint64 {
	return s.queue.droppedTotal()
}

// Close stops the reader and closes the device.
func (s *Stack) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.dev.Close()
		s.wg.Wait()
		s.logger.Debug("tun-stack closed",
			"dropped", s.queue.droppedTotal(),
			logging.KeyCount, s.queue.len())
	})
	return s.closeErr
}
