package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// pollInterval bounds how long a device read blocks before ctx is rechecked.
const pollInterval = 250 * time.Millisecond

// Device is an open TUN device carrying whole IP packets without
// packet-information headers.
type Device interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	Name() string
}

// readDevice reads one packet from dev into a fresh buffer of mtu bytes,
// returning when a packet arrives, ctx is done or the device fails.
func readDevice(ctx context.Context, dev Device, mtu int, name string) (Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := dev.SetReadDeadline(time.Now().Add(pollInterval)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			if errors.Is(err, os.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fatalf(name, "read", err)
		}

		buf := make([]byte, mtu)
		n, err := dev.Read(buf)
		switch {
		case err == nil:
			if n == 0 {
				continue
			}
			return Packet(buf[:n]), nil
		case errors.Is(err, os.ErrDeadlineExceeded):
			continue
		case errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
			return nil, ErrClosed
		default:
			return nil, transient(name, "read", err)
		}
	}
}

func writeDevice(dev Device, p Packet, name string) error {
	n, err := dev.Write(p)
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return ErrClosed
		}
		return transient(name, "write", err)
	}
	if n != len(p) {
		return transient(name, "write", io.ErrShortWrite)
	}
	return nil
}

// RawTun passes whole IP packets between the OS tunnel device and the
// caller. The OS must route the prefix to the device.
type RawTun struct {
	dev    Device
	mtu    int
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// OpenRawTun opens the named TUN interface.
func OpenRawTun(iface string, mtu int, logger *slog.Logger) (*RawTun, error) {
	dev, err := OpenTun(iface)
	if err != nil {
		return nil, err
	}
	return NewRawTun(dev, mtu, logger), nil
}

// NewRawTun wraps an already open device.
func NewRawTun(dev Device, mtu int, logger *slog.Logger) *RawTun {
	if logger == nil {
		logger = slog.Default()
	}
	return &RawTun{dev: dev, mtu: mtu, logger: logger}
}

func (t *RawTun) ReadPacket(ctx context.Context) (Packet, error) {
	return readDevice(ctx, t.dev, t.mtu, t.Name())
}

func (t *RawTun) WritePacket(p Packet) error {
	return writeDevice(t.dev, p, t.Name())
}

func (t *RawTun) CanInject() bool { return true }

func (t *RawTun) Name() string { return "raw-tun:" + t.dev.Name() }

func (t *RawTun) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.dev.Close()
	})
	return t.closeErr
}
