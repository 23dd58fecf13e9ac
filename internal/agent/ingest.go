package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/postalsys/pixelping/internal/backend"
	"github.com/postalsys/pixelping/internal/canvas"
	"github.com/postalsys/pixelping/internal/logging"
	"github.com/postalsys/pixelping/internal/protocol"
)

// ingestLoop reads packets one at a time until ctx is cancelled or the
// backend fails.
func (a *Agent) ingestLoop(ctx context.Context) {
	defer a.ingestWg.Done()

	for {
		pkt, err := a.backend.ReadPacket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, backend.ErrClosed) {
				err = fmt.Errorf("backend closed unexpectedly: %w", err)
			}
			a.finish(err)
			return
		}
		if !a.handlePacket(ctx, pkt) {
			return
		}
	}
}

// handlePacket decodes, applies and answers one packet. It returns false
// when ingestion must stop.
func (a *Agent) handlePacket(ctx context.Context, pkt backend.Packet) bool {
	a.metrics.RecordPacketReceived(len(pkt))

	cmd, echo, err := a.codec.Decode(pkt)
	if err != nil {
		reason, _ := protocol.ReasonOf(err)
		a.metrics.RecordPacketRejected(reason.String())
		a.rejectLog.Do(func() {
			a.logger.Debug("packet rejected",
				logging.KeyReason, reason.String(),
				logging.KeyError, err)
		})
		return true
	}

	if _, _, err := a.canvas.Apply(ctx, cmd); err != nil {
		switch {
		case ctx.Err() != nil:
			return false
		case errors.Is(err, canvas.ErrClosed):
			a.finish(fmt.Errorf("apply %s: %w", cmd, err))
			return false
		default:
			a.logger.Warn("apply failed", logging.KeyError, err)
			return true
		}
	}

	// The sender gets a reply even when the pixel already had the color.
	if a.replies != nil {
		a.queueReply(echo)
	}
	return true
}

func (a *Agent) queueReply(echo protocol.Echo) {
	reply, err := protocol.EncodeReply(echo)
	if err != nil {
		a.metrics.RecordReply(err)
		a.logger.Debug("encode reply failed", logging.KeyError, err)
		return
	}
	select {
	case a.replies <- reply:
	default:
		a.metrics.RecordPacketDropped("reply_queue_full")
	}
}

// injectLoop writes queued replies until the queue is closed. After a
// fatal backend error the remaining replies are discarded.
func (a *Agent) injectLoop() {
	defer a.injectWg.Done()

	dead := false
	for pkt := range a.replies {
		if dead {
			a.metrics.RecordPacketDropped("backend_dead")
			continue
		}
		err := a.backend.WritePacket(pkt)
		a.metrics.RecordReply(err)
		if err == nil {
			continue
		}
		if backend.IsFatal(err) || errors.Is(err, backend.ErrClosed) {
			dead = true
			a.finish(err)
			continue
		}
		a.logger.Debug("reply injection failed",
			logging.KeyBackend, a.backend.Name(),
			logging.KeyError, err)
	}
}
