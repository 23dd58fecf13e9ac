//go:build cgo

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/gopacket/pcap"
)

// Capture is a read-only libpcap monitor. It observes Echo Requests but
// cannot inject replies.
type Capture struct {
	handle *pcap.Handle
	iface  string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// OpenCapture opens a live capture on cfg.Interface filtered to ICMPv6.
func OpenCapture(cfg CaptureConfig, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	handle, err := pcap.OpenLive(cfg.Interface, int32(cfg.Snaplen), cfg.Promiscuous, pollInterval)
	if err != nil {
		return nil, fatalf("capture", "open", fmt.Errorf("%s: %w", cfg.Interface, err))
	}
	if err := handle.SetBPFFilter(captureFilter); err != nil {
		handle.Close()
		return nil, fatalf("capture", "open", fmt.Errorf("set filter %q: %w", captureFilter, err))
	}

	logger.Debug("capture started",
		"link_type", handle.LinkType().String(),
		"promiscuous", cfg.Promiscuous,
		"snaplen", cfg.Snaplen)

	return &Capture{handle: handle, iface: cfg.Interface, logger: logger}, nil
}

// ReadPacket returns the next captured frame with its link-layer header
// stripped. Frames without an IPv6 layer are skipped.
func (c *Capture) ReadPacket(ctx context.Context) (Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.isClosed() {
			return nil, ErrClosed
		}

		data, _, err := c.handle.ReadPacketData()
		switch {
		case err == nil:
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case errors.Is(err, io.EOF), errors.Is(err, pcap.NextErrorNoMorePackets):
			return nil, ErrClosed
		default:
			if c.isClosed() {
				return nil, ErrClosed
			}
			return nil, transient(c.Name(), "read", err)
		}

		if p := stripLinkLayer(data, c.handle.LinkType()); p != nil {
			return p, nil
		}
	}
}

func (c *Capture) WritePacket(Packet) error {
	return ErrReadOnly
}

func (c *Capture) CanInject() bool { return false }

func (c *Capture) Name() string { return "capture:" + c.iface }

func (c *Capture) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Capture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.handle.Close()
	return nil
}
