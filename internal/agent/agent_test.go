package agent

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
	"nhooyr.io/websocket"

	"github.com/postalsys/pixelping/internal/backend"
	"github.com/postalsys/pixelping/internal/canvas"
	"github.com/postalsys/pixelping/internal/config"
	"github.com/postalsys/pixelping/internal/logging"
	"github.com/postalsys/pixelping/internal/protocol"
	"github.com/postalsys/pixelping/internal/recovery"
)

var (
	testPrefix = net.ParseIP("2602:fa9b:42::")
	testSender = net.ParseIP("2001:db8::1")
	red        = protocol.RGB{R: 0xff}
)

// fakeBackend feeds queued packets and records injected ones.
type fakeBackend struct {
	in        chan backend.Packet
	readErr   chan error
	canInject bool

	mu      sync.Mutex
	written []backend.Packet
	wrote   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeBackend(canInject bool) *fakeBackend {
	return &fakeBackend{
		in:        make(chan backend.Packet, 64),
		readErr:   make(chan error, 1),
		canInject: canInject,
		wrote:     make(chan struct{}, 64),
		closed:    make(chan struct{}),
	}
}

func (f *fakeBackend) ReadPacket(ctx context.Context) (backend.Packet, error) {
	select {
	case p := <-f.in:
		return p, nil
	case err := <-f.readErr:
		return nil, err
	case <-f.closed:
		return nil, backend.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeBackend) WritePacket(p backend.Packet) error {
	if !f.canInject {
		return backend.ErrReadOnly
	}
	f.mu.Lock()
	f.written = append(f.written, append(backend.Packet(nil), p...))
	f.mu.Unlock()
	f.wrote <- struct{}{}
	return nil
}

func (f *fakeBackend) CanInject() bool { return f.canInject }
func (f *fakeBackend) Name() string    { return "fake" }

func (f *fakeBackend) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeBackend) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Backend.Prefix48 = testPrefix.String()
	cfg.Canvas.Size = 16
	cfg.Canvas.BackgroundColor = "#000000"
	cfg.Canvas.Filename = filepath.Join(t.TempDir(), "place.png")
	cfg.Canvas.PersistSchedule = "@every 1h"
	cfg.WebSocket.ListenAddr = "127.0.0.1:0"
	return cfg
}

func newTestAgent(t *testing.T, cfg *config.Config, fb *fakeBackend) *Agent {
	t.Helper()
	a, err := New(cfg,
		WithLogger(logging.NopLogger()),
		WithRegistry(prometheus.NewRegistry()),
		WithBackendOpener(func(config.BackendConfig, backend.Options) (backend.Backend, error) {
			return fb, nil
		}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Stop() })
	return a
}

func echoRequest(t *testing.T, x, y uint16, c protocol.RGB, seq int) backend.Packet {
	t.Helper()
	dst := protocol.EncodeAddress(testPrefix, x, y, c)
	pkt, err := encodeEchoRequest(testSender, dst, 0x1234, seq, []byte("pixel"))
	if err != nil {
		t.Fatal(err)
	}
	return pkt
}

// encodeEchoRequest builds the packet a remote ping(8) would send.
func encodeEchoRequest(src, dst net.IP, id, seq int, data []byte) (backend.Packet, error) {
	msg := icmp.Message{
		Type: ipv6.ICMPTypeEchoRequest,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: data},
	}
	body, err := msg.Marshal(icmp.IPv6PseudoHeader(src, dst))
	if err != nil {
		return nil, err
	}
	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   64,
		SrcIP:      src,
		DstIP:      dst,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, ip6, gopacket.Payload(body)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func pixelAt(t *testing.T, a *Agent, x, y int) protocol.RGB {
	t.Helper()
	snap, err := a.Canvas().Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return snap.At(x, y)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.Prefix48 = "10.0.0.0"

	if _, err := New(cfg, WithLogger(logging.NopLogger()), WithRegistry(prometheus.NewRegistry())); err == nil {
		t.Fatal("New() should reject an IPv4 prefix")
	}
}

func TestAgent_StartStop(t *testing.T) {
	fb := newFakeBackend(true)
	a := newTestAgent(t, testConfig(t), fb)

	if a.IsRunning() {
		t.Error("new agent should not be running")
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !a.IsRunning() {
		t.Error("agent should be running after Start()")
	}
	if err := a.Start(); err == nil {
		t.Error("double Start() should fail")
	}

	if err := a.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if a.IsRunning() {
		t.Error("agent should not be running after Stop()")
	}
	if !fb.isClosed() {
		t.Error("backend not closed by Stop()")
	}

	select {
	case <-a.Done():
	default:
		t.Error("Done() not closed after Stop()")
	}
	if a.Err() != nil {
		t.Errorf("Err() = %v after clean stop", a.Err())
	}
}

func TestAgent_DrawsPixelAndReplies(t *testing.T) {
	fb := newFakeBackend(true)
	a := newTestAgent(t, testConfig(t), fb)
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}

	fb.in <- echoRequest(t, 1, 1, red, 7)

	select {
	case <-fb.wrote:
	case <-time.After(5 * time.Second):
		t.Fatal("no reply injected")
	}

	if got := pixelAt(t, a, 1, 1); got != red {
		t.Errorf("pixel (1,1) = %s, want red", got)
	}

	fb.mu.Lock()
	reply := fb.written[0]
	fb.mu.Unlock()

	if !protocol.VerifyChecksum(reply) {
		t.Error("reply checksum invalid")
	}
	src := net.IP(reply[8:24])
	dst := net.IP(reply[24:40])
	if !src.Equal(protocol.EncodeAddress(testPrefix, 1, 1, red)) || !dst.Equal(testSender) {
		t.Errorf("reply %s -> %s, addresses not swapped", src, dst)
	}
	msg, err := icmp.ParseMessage(58, reply[protocol.IPv6HeaderLen:])
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != ipv6.ICMPTypeEchoReply {
		t.Errorf("reply type = %v", msg.Type)
	}
	if echo := msg.Body.(*icmp.Echo); echo.ID != 0x1234 || echo.Seq != 7 || string(echo.Data) != "pixel" {
		t.Errorf("reply echo = %+v", echo)
	}

	if got := testutil.ToFloat64(a.metrics.PixelsCommitted); got != 1 {
		t.Errorf("pixels committed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(a.metrics.RepliesSent); got != 1 {
		t.Errorf("replies sent = %v, want 1", got)
	}
}

func TestAgent_UnchangedPixelStillReplies(t *testing.T) {
	fb := newFakeBackend(true)
	a := newTestAgent(t, testConfig(t), fb)
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}

	fb.in <- echoRequest(t, 2, 3, red, 1)
	fb.in <- echoRequest(t, 2, 3, red, 2)

	for i := 0; i < 2; i++ {
		select {
		case <-fb.wrote:
		case <-time.After(5 * time.Second):
			t.Fatalf("reply %d not injected", i+1)
		}
	}
	if got := a.Canvas().Commits(); got != 1 {
		t.Errorf("Commits() = %d, want 1", got)
	}
	if got := testutil.ToFloat64(a.metrics.PixelsUnchanged); got != 1 {
		t.Errorf("pixels unchanged = %v, want 1", got)
	}
}

func TestAgent_RejectedPacketsCounted(t *testing.T) {
	fb := newFakeBackend(true)
	a := newTestAgent(t, testConfig(t), fb)
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}

	outside := protocol.EncodeAddress(net.ParseIP("2001:db8:1::"), 1, 1, red)
	pkt, err := encodeEchoRequest(testSender, outside, 1, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	fb.in <- pkt
	fb.in <- backend.Packet{0x45, 0x00}
	fb.in <- echoRequest(t, 20, 1, red, 1)

	waitFor(t, "rejections", func() bool {
		return testutil.ToFloat64(a.metrics.PacketsRejected.WithLabelValues("out_of_bounds")) == 1
	})
	if got := testutil.ToFloat64(a.metrics.PacketsRejected.WithLabelValues("outside_prefix")); got != 1 {
		t.Errorf("outside_prefix = %v, want 1", got)
	}
	if got := testutil.ToFloat64(a.metrics.PacketsRejected.WithLabelValues("not_ipv6")); got != 1 {
		t.Errorf("not_ipv6 = %v, want 1", got)
	}
	if a.Canvas().Commits() != 0 {
		t.Error("rejected packets changed the canvas")
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.written) != 0 {
		t.Errorf("%d replies sent for rejected packets", len(fb.written))
	}
}

func TestAgent_ReadOnlyBackend(t *testing.T) {
	fb := newFakeBackend(false)
	a := newTestAgent(t, testConfig(t), fb)
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}

	fb.in <- echoRequest(t, 4, 4, red, 1)
	waitFor(t, "commit", func() bool { return a.Canvas().Commits() == 1 })

	if got := testutil.ToFloat64(a.metrics.RepliesFailed); got != 0 {
		t.Errorf("replies failed = %v, want 0", got)
	}
	if st := a.Stats(); st.CanInject {
		t.Error("Stats().CanInject = true for read-only backend")
	}
}

func TestAgent_FatalBackendError(t *testing.T) {
	fb := newFakeBackend(true)
	a := newTestAgent(t, testConfig(t), fb)
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}

	fb.readErr <- &backend.Error{Backend: "fake", Op: "read", Err: errors.New("device gone"), Fatal: true}

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done() not closed after fatal backend error")
	}
	if !backend.IsFatal(a.Err()) {
		t.Errorf("Err() = %v, want fatal backend error", a.Err())
	}

	if err := a.Stop(); err != nil {
		t.Errorf("Stop() after fatal error = %v", err)
	}
	if !backend.IsFatal(a.Err()) {
		t.Error("Stop() cleared the fatal error")
	}
}

// panickingBackend crashes the first time it is read.
type panickingBackend struct {
	*fakeBackend
}

func (p panickingBackend) ReadPacket(ctx context.Context) (backend.Packet, error) {
	panic("corrupt ring")
}

func TestAgent_IngestPanicIsFatal(t *testing.T) {
	pb := panickingBackend{newFakeBackend(true)}
	a, err := New(testConfig(t),
		WithLogger(logging.NopLogger()),
		WithRegistry(prometheus.NewRegistry()),
		WithBackendOpener(func(config.BackendConfig, backend.Options) (backend.Backend, error) {
			return pb, nil
		}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Stop() })

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done() not closed after ingest panic")
	}
	var pe *recovery.PanicError
	if !errors.As(a.Err(), &pe) {
		t.Fatalf("Err() = %v, want *recovery.PanicError", a.Err())
	}
	if pe.Task != "ingest" || pe.Value != "corrupt ring" {
		t.Errorf("PanicError = %+v", pe)
	}

	if err := a.Stop(); err != nil {
		t.Errorf("Stop() after panic = %v", err)
	}
}

func TestAgent_OpenFailure(t *testing.T) {
	openErr := &backend.Error{Backend: "tun-stack", Op: "open", Err: os.ErrPermission, Fatal: true}
	a, err := New(testConfig(t),
		WithLogger(logging.NopLogger()),
		WithRegistry(prometheus.NewRegistry()),
		WithBackendOpener(func(config.BackendConfig, backend.Options) (backend.Backend, error) {
			return nil, openErr
		}))
	if err != nil {
		t.Fatal(err)
	}

	err = a.Start()
	if !errors.Is(err, os.ErrPermission) {
		t.Fatalf("Start() error = %v, want permission error", err)
	}
	if a.IsRunning() {
		t.Error("agent running after failed Start()")
	}
	if err := a.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestAgent_StopPersistsCanvas(t *testing.T) {
	cfg := testConfig(t)
	fb := newFakeBackend(true)
	a := newTestAgent(t, cfg, fb)
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}

	fb.in <- echoRequest(t, 9, 2, red, 1)
	waitFor(t, "commit", func() bool { return a.Canvas().Commits() == 1 })

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	f, err := os.Open(cfg.Canvas.Filename)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	snap, err := canvas.DecodePNG(f)
	if err != nil {
		t.Fatal(err)
	}
	if got := snap.At(9, 2); got != red {
		t.Errorf("persisted pixel (9,2) = %s, want red", got)
	}
	if got := snap.At(0, 0); got != (protocol.RGB{}) {
		t.Errorf("persisted pixel (0,0) = %s, want background", got)
	}
}

func TestAgent_LiveViewReceivesUpdates(t *testing.T) {
	fb := newFakeBackend(true)
	a := newTestAgent(t, testConfig(t), fb)
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+a.LiveViewAddress()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if w, h, _, err := protocol.DecodeSnapshotFrame(data); err != nil || w != 16 || h != 16 {
		t.Fatalf("snapshot frame %dx%d, err %v", w, h, err)
	}

	fb.in <- echoRequest(t, 5, 6, red, 1)

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	x, y, c, err := protocol.DecodeUpdateFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	if x != 5 || y != 6 || c != red {
		t.Errorf("update = (%d,%d,%s), want (5,6,red)", x, y, c)
	}

	if st := a.Stats(); st.ViewerCount != 1 || st.Commits != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}
