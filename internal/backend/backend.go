// Package backend supplies raw IPv6 packets from the network and injects
// replies back onto it.
//
// Three variants share one interface:
//
//	tun-stack - user-space filter and bounded queue over a TUN device
//	raw-tun   - whole IP packets straight from /dev/net/tun
//	capture   - passive libpcap capture, read-only
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/postalsys/pixelping/internal/config"
	"github.com/postalsys/pixelping/internal/logging"
	"github.com/postalsys/pixelping/internal/metrics"
)

// Packet is one raw IP packet. Whoever holds a Packet owns it; the backend
// never retains a packet it has returned from ReadPacket or been handed by
// WritePacket.
type Packet []byte

// Backend is a live capture/injection session.
type Backend interface {
	// ReadPacket blocks until the next packet arrives, ctx is done, or the
	// backend fails. Calls must not overlap.
	ReadPacket(ctx context.Context) (Packet, error)

	// WritePacket injects p toward the network.
	// Read-only backends return ErrReadOnly.
	WritePacket(p Packet) error

	// CanInject reports whether WritePacket can succeed.
	CanInject() bool

	// Name identifies the variant and device for logs.
	Name() string

	// Close releases OS resources and unblocks pending reads.
	Close() error
}

var (
	// ErrReadOnly is returned by WritePacket on backends that cannot inject.
	ErrReadOnly = errors.New("backend is read-only")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("backend closed")
)

// Error is a backend I/O failure. Fatal errors mean the backend is unusable.
type Error struct {
	Backend string
	Op      string
	Err     error
	Fatal   bool
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Backend, e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is a fatal backend error.
func IsFatal(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Fatal
}

func fatalf(backend, op string, err error) *Error {
	return &Error{Backend: backend, Op: op, Err: err, Fatal: true}
}

func transient(backend, op string, err error) *Error {
	return &Error{Backend: backend, Op: op, Err: err}
}

// Options carries the ambient dependencies of a backend.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.NopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Discard()
	}
	return o
}

// Opener constructs a backend from configuration.
type Opener func(cfg config.BackendConfig, opts Options) (Backend, error)

// Open selects and opens the configured variant, wrapped with the
// consecutive-transient-error policy. Open failures are fatal *Error values.
func Open(cfg config.BackendConfig, opts Options) (Backend, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With(logging.KeyBackend, cfg.BackendType)

	prefix, err := config.ParsePrefix48(cfg.Prefix48)
	if err != nil {
		return nil, fatalf(cfg.BackendType, "open", err)
	}

	var b Backend
	switch cfg.BackendType {
	case config.BackendRawTun:
		b, err = OpenRawTun(cfg.TunIface, cfg.MTU, logger)
	case config.BackendTunStack:
		var dev Device
		dev, err = OpenTun(cfg.TunIface)
		if err == nil {
			b = NewStack(dev, StackConfig{
				Prefix:     prefix,
				BufferSize: cfg.RecvBufferSize,
				MTU:        cfg.MTU,
			}, Options{Logger: logger, Metrics: opts.Metrics})
		}
	case config.BackendCapture:
		b, err = OpenCapture(CaptureConfig{
			Interface:   cfg.CaptureIface,
			Snaplen:     cfg.Snaplen,
			Promiscuous: cfg.Promiscuous,
		}, logger)
	default:
		err = fmt.Errorf("unknown backend type %q", cfg.BackendType)
	}
	if err != nil {
		if IsFatal(err) {
			return nil, err
		}
		return nil, fatalf(cfg.BackendType, "open", err)
	}

	logger.Info("backend opened",
		logging.KeyInterface, b.Name(),
		"can_inject", b.CanInject())

	return NewResilient(b, cfg.MaxTransientErrors, Options{Logger: logger, Metrics: opts.Metrics}), nil
}
