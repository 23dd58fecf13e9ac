package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/postalsys/pixelping/internal/logging"
	"github.com/postalsys/pixelping/internal/metrics"
)

// Resilient retries transient read errors and escalates once maxErrors
// consecutive transient errors have been seen on the backend. Reads and
// writes share the budget; any success resets it.
type Resilient struct {
	inner     Backend
	maxErrors int32
	failures  atomic.Int32
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewResilient wraps b with a budget of maxErrors consecutive transient errors.
func NewResilient(b Backend, maxErrors int, opts Options) *Resilient {
	opts = opts.withDefaults()
	if maxErrors < 1 {
		maxErrors = 1
	}
	return &Resilient{
		inner:     b,
		maxErrors: int32(maxErrors),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// ReadPacket reads from the wrapped backend, retrying transient errors.
// It returns only packets, ctx errors, ErrClosed or fatal errors.
func (r *Resilient) ReadPacket(ctx context.Context) (Packet, error) {
	for {
		p, err := r.inner.ReadPacket(ctx)
		if err == nil {
			r.failures.Store(0)
			return p, nil
		}
		if err := r.classify("read", err); err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

// WritePacket writes through the wrapped backend. Transient errors are
// returned to the caller as-is until the budget runs out.
func (r *Resilient) WritePacket(p Packet) error {
	err := r.inner.WritePacket(p)
	if err == nil {
		r.failures.Store(0)
		return nil
	}
	if errors.Is(err, ErrReadOnly) {
		return err
	}
	if escalated := r.classify("write", err); escalated != nil {
		return escalated
	}
	return err
}

// classify returns nil for a transient error that still fits in the budget
// and the error to surface otherwise.
func (r *Resilient) classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrClosed) {
		return err
	}
	if IsFatal(err) {
		r.metrics.RecordBackendError("fatal")
		return err
	}

	r.metrics.RecordBackendError("transient")
	n := r.failures.Add(1)
	if n >= r.maxErrors {
		r.metrics.RecordBackendError("fatal")
		return fatalf(r.inner.Name(), op,
			fmt.Errorf("%d consecutive transient errors, last: %w", n, err))
	}

	r.logger.Warn("transient backend error",
		"op", op,
		logging.KeyCount, n,
		logging.KeyError, err)
	return nil
}

// Failures returns the current run of consecutive transient errors.
func (r *Resilient) Failures() int {
	return int(r.failures.Load())
}

func (r *Resilient) CanInject() bool { return r.inner.CanInject() }
func (r *Resilient) Name() string    { return r.inner.Name() }
func (r *Resilient) Close() error    { return r.inner.Close() }

// Unwrap returns the wrapped backend.
func (r *Resilient) Unwrap() Backend { return r.inner }
