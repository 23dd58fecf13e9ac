// Package agent implements the main orchestration for pixelping.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/postalsys/pixelping/internal/backend"
	"github.com/postalsys/pixelping/internal/canvas"
	"github.com/postalsys/pixelping/internal/config"
	"github.com/postalsys/pixelping/internal/health"
	"github.com/postalsys/pixelping/internal/liveview"
	"github.com/postalsys/pixelping/internal/logging"
	"github.com/postalsys/pixelping/internal/metrics"
	"github.com/postalsys/pixelping/internal/protocol"
	"github.com/postalsys/pixelping/internal/recovery"
)

// liveviewStopTimeout bounds how long Stop waits for viewer handlers.
const liveviewStopTimeout = 5 * time.Second

// Option configures an Agent.
type Option func(*Agent)

// WithLogger overrides the logger built from the config.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithRegistry registers metrics on reg instead of the default registry.
// The health server serves the same registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *Agent) { a.registry = reg }
}

// WithBackendOpener replaces backend.Open.
func WithBackendOpener(open backend.Opener) Option {
	return func(a *Agent) { a.opener = open }
}

// Agent ties the backend, codec, canvas and live view together.
type Agent struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	opener   backend.Opener

	codec        *protocol.Codec
	canvas       *canvas.Engine
	hub          *liveview.Hub
	liveview     *liveview.Server
	healthServer *health.Server
	cron         *cron.Cron

	backend backend.Backend
	replies chan backend.Packet

	canvasCancel context.CancelFunc
	ingestCancel context.CancelFunc
	ingestWg     sync.WaitGroup
	injectWg     sync.WaitGroup

	rejectLog rate.Sometimes

	// State
	started  atomic.Bool
	running  atomic.Bool
	stopOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}
	errMu    sync.Mutex
	err      error
}

// New creates an agent from cfg. Nothing is opened or started until Start.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:       cfg,
		opener:    backend.Open,
		done:      make(chan struct{}),
		rejectLog: rate.Sometimes{Interval: time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	}
	if a.registry != nil {
		a.metrics = metrics.NewMetricsWithRegistry(a.registry)
	} else {
		a.metrics = metrics.Default()
	}

	if err := a.initComponents(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Agent) initComponents() error {
	prefix, err := config.ParsePrefix48(a.cfg.Backend.Prefix48)
	if err != nil {
		return err
	}
	bg, err := protocol.ParseRGB(a.cfg.Canvas.BackgroundColor)
	if err != nil {
		return fmt.Errorf("background color: %w", err)
	}

	a.codec, err = protocol.NewCodec(prefix, uint32(a.cfg.Canvas.Size))
	if err != nil {
		return err
	}

	a.canvas, err = canvas.New(canvas.Config{
		Size:       a.cfg.Canvas.Size,
		Background: bg,
		Filename:   a.cfg.Canvas.Filename,
	}, logging.Component(a.logger, "canvas"), a.metrics)
	if err != nil {
		return fmt.Errorf("create canvas: %w", err)
	}

	a.hub = liveview.NewHub(a.cfg.WebSocket.ViewerQueueSize, logging.Component(a.logger, "liveview"), a.metrics)
	a.canvas.AddObserver(a.hub)

	a.liveview = liveview.NewServer(liveview.ServerConfig{
		ListenAddr:     a.cfg.WebSocket.ListenAddr,
		Path:           a.cfg.WebSocket.Path,
		WriteTimeout:   a.cfg.WebSocket.WriteTimeout,
		OriginPatterns: a.cfg.WebSocket.OriginPatterns,
		Prefix:         prefix,
		Side:           a.cfg.Canvas.Size,
	}, a.hub, a.canvas, logging.Component(a.logger, "liveview"), a.metrics)

	if a.cfg.Health.Enabled {
		hcfg := health.ServerConfig{
			Address:      a.cfg.Health.Address,
			ReadTimeout:  a.cfg.Health.ReadTimeout,
			WriteTimeout: a.cfg.Health.WriteTimeout,
		}
		if a.registry != nil {
			hcfg.Gatherer = a.registry
		}
		a.healthServer = health.NewServer(hcfg, a)
	}

	a.cron = cron.New()
	if _, err := a.cron.AddFunc(a.cfg.Canvas.PersistSchedule, a.persist); err != nil {
		return fmt.Errorf("persist schedule %q: %w", a.cfg.Canvas.PersistSchedule, err)
	}

	return nil
}

// Start opens the backend and starts every component.
func (a *Agent) Start() error {
	if a.started.Load() {
		return fmt.Errorf("agent already running")
	}

	b, err := a.opener(a.cfg.Backend, backend.Options{
		Logger:  logging.Component(a.logger, "backend"),
		Metrics: a.metrics,
	})
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	a.backend = b
	if b.CanInject() {
		a.replies = make(chan backend.Packet, a.cfg.Backend.ReplyQueueSize)
	}
	a.started.Store(true)

	a.logger.Info("starting agent",
		logging.KeyBackend, b.Name(),
		logging.KeyPrefix, a.codec.Prefix().String(),
		logging.KeySize, a.cfg.Canvas.Size)

	canvasCtx, canvasCancel := context.WithCancel(context.Background())
	a.canvasCancel = canvasCancel
	go func() {
		if err := a.canvas.Run(canvasCtx); err != nil {
			a.finish(fmt.Errorf("canvas: %w", err))
		}
	}()

	if err := a.liveview.Start(); err != nil {
		a.logger.Error("failed to start live-view server",
			logging.KeyAddress, a.cfg.WebSocket.ListenAddr,
			logging.KeyError, err)
		a.abortStart()
		return fmt.Errorf("start live-view server: %w", err)
	}

	if a.healthServer != nil {
		if err := a.healthServer.Start(); err != nil {
			a.logger.Error("failed to start HTTP server",
				logging.KeyAddress, a.cfg.Health.Address,
				logging.KeyError, err)
			ctx, cancel := context.WithTimeout(context.Background(), liveviewStopTimeout)
			a.liveview.Stop(ctx)
			cancel()
			a.abortStart()
			return fmt.Errorf("start HTTP server: %w", err)
		}
		a.logger.Info("HTTP server started",
			logging.KeyAddress, a.healthServer.Address())
	}

	if a.replies != nil {
		a.injectWg.Add(1)
		recovery.Go(a.logger, "reply injector", nil, a.injectLoop)
	} else {
		a.logger.Info("backend is read-only, echo replies disabled",
			logging.KeyBackend, b.Name())
	}

	ingestCtx, ingestCancel := context.WithCancel(context.Background())
	a.ingestCancel = ingestCancel
	a.ingestWg.Add(1)
	// A panic while ingesting is fatal.
	recovery.Go(a.logger, "ingest", func(pe *recovery.PanicError) {
		a.finish(pe)
	}, func() {
		a.ingestLoop(ingestCtx)
	})

	a.cron.Start()
	a.running.Store(true)

	a.logger.Info("agent started",
		logging.KeyAddress, a.liveview.Address(),
		"can_inject", b.CanInject())
	return nil
}

func (a *Agent) abortStart() {
	a.canvasCancel()
	<-a.canvas.Done()
	a.backend.Close()
	a.started.Store(false)
}

// Stop shuts everything down in order: the persist schedule, ingestion,
// viewers, pending replies, a final persist, the canvas, the health server
// and finally the backend. It is safe to call more than once.
func (a *Agent) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		if !a.started.Load() {
			a.finish(nil)
			return
		}

		a.logger.Info("stopping agent")
		a.running.Store(false)

		<-a.cron.Stop().Done()

		a.ingestCancel()
		a.ingestWg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), liveviewStopTimeout)
		if err := a.liveview.Stop(ctx); err != nil {
			a.logger.Warn("live-view shutdown incomplete", logging.KeyError, err)
		}
		cancel()

		if a.replies != nil {
			close(a.replies)
			a.injectWg.Wait()
		}

		if perr := a.canvas.Persist(context.Background()); perr != nil {
			a.logger.Error("final persist failed", logging.KeyError, perr)
			err = perr
		}

		a.canvasCancel()
		<-a.canvas.Done()

		if a.healthServer != nil {
			a.healthServer.Stop()
		}

		if cerr := a.backend.Close(); cerr != nil {
			a.logger.Warn("backend close failed",
				logging.KeyBackend, a.backend.Name(),
				logging.KeyError, cerr)
		}

		a.finish(nil)
		a.logger.Info("agent stopped", logging.KeyCount, a.canvas.Commits())
	})
	return err
}

// StopWithContext stops with a timeout.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the agent has stopped or hit a fatal error.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Err returns the fatal error that closed Done, or nil after a clean stop.
func (a *Agent) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

func (a *Agent) finish(err error) {
	a.doneOnce.Do(func() {
		if err != nil {
			a.logger.Error("fatal error", logging.KeyError, err)
			a.errMu.Lock()
			a.err = err
			a.errMu.Unlock()
		}
		close(a.done)
	})
}

// IsRunning returns true if the agent is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// Canvas returns the canvas engine.
func (a *Agent) Canvas() *canvas.Engine {
	return a.canvas
}

// LiveViewAddress returns the live-view listen address once started.
func (a *Agent) LiveViewAddress() string {
	if addr := a.liveview.Address(); addr != nil {
		return addr.String()
	}
	return ""
}

// HealthServerAddress returns the health server address, or nil.
func (a *Agent) HealthServerAddress() string {
	if a.healthServer == nil {
		return ""
	}
	if addr := a.healthServer.Address(); addr != nil {
		return addr.String()
	}
	return ""
}

// Stats implements health.StatsProvider.
func (a *Agent) Stats() health.Stats {
	s := health.Stats{
		CanvasSize:      a.canvas.Side(),
		Commits:         a.canvas.Commits(),
		ViewerCount:     a.hub.Count(),
		ReplyQueued:     len(a.replies),
		LiveViewRunning: a.liveview.IsRunning(),
	}
	if b := a.backend; b != nil {
		s.Backend = b.Name()
		s.CanInject = b.CanInject()
		if r, ok := b.(*backend.Resilient); ok {
			s.BackendErrors = r.Failures()
		}
	}
	return s
}

func (a *Agent) persist() {
	defer recovery.RecoverWithLog(a.logger, "persist")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	// Failures are logged and counted by the canvas.
	a.canvas.Persist(ctx)
}
