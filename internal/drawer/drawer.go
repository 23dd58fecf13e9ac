// Package drawer paints an image onto a remote canvas by pinging one
// address per pixel.
package drawer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"log/slog"
	"net"
	"os"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/postalsys/pixelping/internal/icmp"
	"github.com/postalsys/pixelping/internal/logging"
	"github.com/postalsys/pixelping/internal/protocol"
)

// Sender pings a single address.
type Sender interface {
	Send(dst net.IP) error
}

// ReplyReader is implemented by senders that can also read echo replies.
// ReadReply blocks until a reply arrives or its own timeout expires.
type ReplyReader interface {
	ReadReply() (*icmp.EchoReply, error)
}

// Options controls a drawing run.
type Options struct {
	// Prefix is the canvas's /48.
	Prefix net.IP

	// OffsetX and OffsetY place the image's top-left corner on the canvas.
	OffsetX int
	OffsetY int

	// Rate is the number of pings per second. Zero means unlimited.
	Rate float64

	// Burst is the limiter burst. Defaults to 1.
	Burst int

	// Passes is how many times the image is drawn. Zero repeats until ctx
	// is done.
	Passes int

	Logger *slog.Logger
}

// Result summarises a drawing run.
type Result struct {
	Passes  int
	Sent    int
	Failed  int
	Skipped int

	// Acked counts echo replies from the canvas prefix. It stays zero when
	// the sender cannot read replies.
	Acked int
}

// Target is one pixel to draw.
type Target struct {
	X, Y  uint16
	Color protocol.RGB
}

// LoadImage decodes a PNG file.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// Plan lists the pixels of img in row-major order, shifted by the offsets.
// Fully transparent pixels and pixels that land outside the 16-bit
// coordinate space are skipped and counted.
func Plan(img image.Image, offsetX, offsetY int) ([]Target, int) {
	b := img.Bounds()
	targets := make([]Target, 0, b.Dx()*b.Dy())
	skipped := 0

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			cx, cy := x-b.Min.X+offsetX, y-b.Min.Y+offsetY
			if c.A == 0 || cx < 0 || cy < 0 || cx > 0xffff || cy > 0xffff {
				skipped++
				continue
			}
			targets = append(targets, Target{
				X:     uint16(cx),
				Y:     uint16(cy),
				Color: protocol.RGB{R: c.R, G: c.G, B: c.B},
			})
		}
	}
	return targets, skipped
}

// Draw pings every planned pixel of img, paced by opts.Rate. Send errors
// are counted, not fatal. When s is also a ReplyReader, replies are
// counted until one read timeout passes after the last ping. It returns
// when all passes are done or ctx is cancelled.
func Draw(ctx context.Context, s Sender, img image.Image, opts Options) (Result, error) {
	if opts.Prefix.To16() == nil {
		return Result{}, errors.New("prefix is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(limit, burst)

	targets, skipped := Plan(img, opts.OffsetX, opts.OffsetY)
	res := Result{Skipped: skipped}
	if len(targets) == 0 {
		return res, errors.New("image has no drawable pixels")
	}

	logger.Info("drawing image",
		logging.KeyCount, len(targets),
		logging.KeyPrefix, opts.Prefix.String(),
		"skipped", skipped)

	var acks *ackCounter
	if rr, ok := s.(ReplyReader); ok {
		acks = startAckCounter(ctx, rr, opts.Prefix, logger)
	}

	err := send(ctx, s, targets, limiter, opts, &res, logger)
	if acks != nil {
		res.Acked = acks.wait()
	}
	return res, err
}

func send(ctx context.Context, s Sender, targets []Target, limiter *rate.Limiter, opts Options, res *Result, logger *slog.Logger) error {
	for opts.Passes == 0 || res.Passes < opts.Passes {
		for _, t := range targets {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			dst := protocol.EncodeAddress(opts.Prefix, t.X, t.Y, t.Color)
			if err := s.Send(dst); err != nil {
				res.Failed++
				if res.Failed == 1 {
					logger.Warn("ping failed", logging.KeyAddress, dst.String(), logging.KeyError, err)
				}
				continue
			}
			res.Sent++
		}
		res.Passes++
		logger.Debug("pass complete", logging.KeyCount, res.Passes)
	}
	return nil
}

// ackCounter counts echo replies in the background until sending is done
// and the reader then times out once, or until ctx ends.
type ackCounter struct {
	sending atomic.Bool
	acked   int
	done    chan struct{}
}

func startAckCounter(ctx context.Context, rr ReplyReader, prefix net.IP, logger *slog.Logger) *ackCounter {
	a := &ackCounter{done: make(chan struct{})}
	a.sending.Store(true)
	p := prefix.To16()[:6]

	go func() {
		defer close(a.done)
		for {
			reply, err := rr.ReadReply()
			if err != nil {
				if !errors.Is(err, os.ErrDeadlineExceeded) {
					logger.Debug("reading replies stopped", logging.KeyError, err)
					return
				}
				if !a.sending.Load() || ctx.Err() != nil {
					return
				}
				continue
			}
			if src := reply.SrcIP.To16(); src != nil && bytes.Equal(src[:6], p) {
				a.acked++
			}
		}
	}()
	return a
}

// wait marks sending as finished and returns the final count.
func (a *ackCounter) wait() int {
	a.sending.Store(false)
	<-a.done
	return a.acked
}
