package liveview

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
	"nhooyr.io/websocket"

	"github.com/postalsys/pixelping/internal/canvas"
	"github.com/postalsys/pixelping/internal/logging"
	"github.com/postalsys/pixelping/internal/metrics"
	"github.com/postalsys/pixelping/internal/protocol"
)

// ServerConfig contains live-view server configuration.
type ServerConfig struct {
	// ListenAddr is the TCP address to listen on (e.g., "[::]:2137").
	ListenAddr string

	// Path is the WebSocket endpoint.
	Path string

	// WriteTimeout bounds each WebSocket message write.
	WriteTimeout time.Duration

	// OriginPatterns lists accepted Origin hosts; nil accepts same-origin only.
	OriginPatterns []string

	// Prefix and Side are published on /config.json.
	Prefix net.IP
	Side   int
}

// Server serves the WebSocket stream, the canvas image and the viewer
// configuration.
type Server struct {
	cfg     ServerConfig
	hub     *Hub
	canvas  Canvas
	logger  *slog.Logger
	metrics *metrics.Metrics

	server   *http.Server
	listener net.Listener
	running  atomic.Bool

	mu       sync.Mutex
	stopping bool
	conns    sync.WaitGroup
}

// NewServer creates a live-view server.
func NewServer(cfg ServerConfig, hub *Hub, c Canvas, logger *slog.Logger, m *metrics.Metrics) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Discard()
	}

	s := &Server{
		cfg:     cfg,
		hub:     hub,
		canvas:  c,
		logger:  logger,
		metrics: m,
	}

	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	mux.HandleFunc("/config.json", s.handleConfig)
	mux.HandleFunc("/canvas.png", s.handleCanvasPNG)
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("live-view server failed", logging.KeyError, err)
		}
	}()

	s.logger.Info("live-view server listening",
		logging.KeyAddress, ln.Addr().String(),
		logging.KeyPath, s.cfg.Path)
	return nil
}

// Stop stops accepting viewers, closes the connected ones and waits for
// their handlers to finish or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	// Kicked viewers get a going-away close from their own handlers.
	s.hub.Close()

	var err error
	if s.running.Swap(false) {
		err = s.server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

func (s *Server) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.conns.Add(1)
	return true
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.conns.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Debug("websocket accept failed",
			logging.KeyRemoteAddr, r.RemoteAddr,
			logging.KeyError, err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.discardReads(conn, cancel)

	v, snap, err := s.hub.Subscribe(ctx, s.canvas, r.RemoteAddr)
	if err != nil {
		s.logger.Debug("viewer subscribe failed",
			logging.KeyRemoteAddr, r.RemoteAddr,
			logging.KeyError, err)
		conn.Close(websocket.StatusTryAgainLater, "canvas unavailable")
		return
	}

	reason := s.stream(ctx, conn, v, snap)
	s.hub.Remove(v, reason)

	switch reason {
	case ReasonSlowConsumer:
		conn.Close(websocket.StatusPolicyViolation, "slow consumer")
	case ReasonShutdown:
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.logger.Debug("viewer disconnected",
		logging.KeyViewerID, v.ID(),
		logging.KeyRemoteAddr, v.RemoteAddr(),
		logging.KeyReason, reason)
}

// discardReads drains and drops viewer messages. It cancels the viewer's
// context once the peer closes or the connection fails. A cancelled read
// closes the connection, so reads never take the viewer context.
func (s *Server) discardReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, r, err := conn.Reader(context.Background())
		if err != nil {
			return
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			return
		}
	}
}

// stream sends the snapshot and then every queued update until the viewer
// is kicked, a write fails or the peer leaves. It returns the reason.
func (s *Server) stream(ctx context.Context, conn *websocket.Conn, v *Viewer, snap *canvas.Snapshot) string {
	frame, err := protocol.EncodeSnapshotFrame(snap.Width, snap.Height, snap.Pix)
	if err != nil {
		s.logger.Error("encode snapshot failed", logging.KeyError, err)
		return ReasonWriteError
	}
	if err := s.write(ctx, conn, frame); err != nil {
		return s.writeFailure(ctx, v)
	}
	v.setState(StateStreaming)

	buf := make([]byte, 0, protocol.UpdateFrameSize)
	for {
		select {
		case <-v.Kicked():
			return v.KickReason()
		case <-ctx.Done():
			return ReasonPeerClosed
		case u := <-v.Updates():
			buf = protocol.AppendUpdateFrame(buf[:0], uint16(u.X), uint16(u.Y), u.Color)
			if err := s.write(ctx, conn, buf); err != nil {
				return s.writeFailure(ctx, v)
			}
		}
	}
}

func (s *Server) writeFailure(ctx context.Context, v *Viewer) string {
	select {
	case <-v.Kicked():
		return v.KickReason()
	default:
	}
	if s.isStopping() {
		return ReasonShutdown
	}
	if ctx.Err() != nil {
		return ReasonPeerClosed
	}
	return ReasonWriteError
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageBinary, msg)
}

type viewerConfig struct {
	IPv6Prefix string `json:"ipv6_prefix"`
	CanvasSize int    `json:"canvas_size"`
	WebSocket  string `json:"websocket_path"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(viewerConfig{
		IPv6Prefix: protocol.AddressTemplate(s.cfg.Prefix),
		CanvasSize: s.cfg.Side,
		WebSocket:  s.cfg.Path,
	})
}

func (s *Server) handleCanvasPNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, err := s.canvas.Snapshot(r.Context())
	if err != nil {
		http.Error(w, "canvas unavailable", http.StatusServiceUnavailable)
		return
	}

	sum := blake3.Sum256(snap.Pix)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if match := r.Header.Get("If-None-Match"); match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	data, err := canvas.EncodePNG(snap)
	if err != nil {
		s.logger.Error("encode canvas failed", logging.KeyError, err)
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write(data)
	}
}
