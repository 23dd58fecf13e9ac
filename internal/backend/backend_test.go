package backend

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/pixelping/internal/config"
	"github.com/postalsys/pixelping/internal/metrics"
	"github.com/postalsys/pixelping/internal/protocol"
)

var testPrefix = net.ParseIP("2602:fa9b:42::")

// fakeDevice is an in-memory TUN device.
type fakeDevice struct {
	name string
	in   chan []byte

	mu       sync.Mutex
	deadline time.Time
	readErrs []error
	writeErr error
	written  [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		name:   "tun-test",
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (d *fakeDevice) Read(b []byte) (int, error) {
	d.mu.Lock()
	if len(d.readErrs) > 0 {
		err := d.readErrs[0]
		d.readErrs = d.readErrs[1:]
		d.mu.Unlock()
		return 0, err
	}
	dl := d.deadline
	d.mu.Unlock()

	var timeout <-chan time.Time
	if !dl.IsZero() {
		t := time.NewTimer(time.Until(dl))
		defer t.Stop()
		timeout = t.C
	}

	select {
	case p := <-d.in:
		return copy(b, p), nil
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	case <-d.closed:
		return 0, os.ErrClosed
	}
}

func (d *fakeDevice) Write(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeErr != nil {
		return 0, d.writeErr
	}
	d.written = append(d.written, append([]byte(nil), b...))
	return len(b), nil
}

func (d *fakeDevice) SetReadDeadline(t time.Time) error {
	d.mu.Lock()
	d.deadline = t
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDevice) Name() string { return d.name }

func (d *fakeDevice) Written() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written
}

// echoTo builds an ICMPv6 packet addressed to dst. The backends only look
// at the IPv6 header, so a reply built with swapped ends will do.
func echoTo(t *testing.T, dst net.IP) []byte {
	t.Helper()
	pkt, err := protocol.EncodeReply(protocol.Echo{Src: dst, Dst: net.ParseIP("2001:db8::1"), ID: 1, Seq: 1})
	if err != nil {
		t.Fatal(err)
	}
	return pkt
}

func TestRawTun_ReadWrite(t *testing.T) {
	dev := newFakeDevice()
	tun := NewRawTun(dev, 1500, nil)
	defer tun.Close()

	want := echoTo(t, protocol.EncodeAddress(testPrefix, 1, 2, protocol.RGB{}))
	dev.in <- want

	got, err := tun.ReadPacket(context.Background())
	if err != nil {
		t.Fatalf("ReadPacket() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadPacket() = %x, want %x", got, want)
	}

	if err := tun.WritePacket(Packet{1, 2, 3}); err != nil {
		t.Fatalf("WritePacket() error = %v", err)
	}
	if w := dev.Written(); len(w) != 1 || !bytes.Equal(w[0], []byte{1, 2, 3}) {
		t.Errorf("written = %x", w)
	}
	if !tun.CanInject() {
		t.Error("raw-tun should inject")
	}
	if tun.Name() != "raw-tun:tun-test" {
		t.Errorf("Name() = %s", tun.Name())
	}
}

func TestRawTun_ReadHonoursContext(t *testing.T) {
	tun := NewRawTun(newFakeDevice(), 1500, nil)
	defer tun.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := tun.ReadPacket(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ReadPacket() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("ReadPacket() took %v after cancellation", elapsed)
	}
}

func TestRawTun_ClosedAndTransient(t *testing.T) {
	dev := newFakeDevice()
	dev.readErrs = []error{syscall.EINTR}
	tun := NewRawTun(dev, 1500, nil)

	_, err := tun.ReadPacket(context.Background())
	var be *Error
	if !errors.As(err, &be) || be.Fatal {
		t.Fatalf("ReadPacket() error = %v, want transient *Error", err)
	}

	tun.Close()
	if _, err := tun.ReadPacket(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadPacket() after Close error = %v, want ErrClosed", err)
	}

	dev.writeErr = os.ErrClosed
	if err := tun.WritePacket(Packet{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("WritePacket() after Close error = %v, want ErrClosed", err)
	}
}

func TestStack_FiltersByPrefix(t *testing.T) {
	dev := newFakeDevice()
	m := metrics.Discard()
	s := NewStack(dev, StackConfig{Prefix: testPrefix, BufferSize: 16, MTU: 1500}, Options{Metrics: m})
	defer s.Close()

	inside := echoTo(t, protocol.EncodeAddress(testPrefix, 5, 5, protocol.RGB{}))
	outside := echoTo(t, protocol.EncodeAddress(net.ParseIP("2001:db8:9::"), 5, 5, protocol.RGB{}))
	ipv4 := append([]byte{0x45}, make([]byte, 39)...)

	dev.in <- outside
	dev.in <- ipv4
	dev.in <- inside

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := s.ReadPacket(ctx)
	if err != nil {
		t.Fatalf("ReadPacket() error = %v", err)
	}
	if !bytes.Equal(got, inside) {
		t.Errorf("ReadPacket() returned the wrong packet")
	}
	if f := testutil.ToFloat64(m.PacketsDropped.WithLabelValues("filtered")); f != 2 {
		t.Errorf("filtered drops = %v, want 2", f)
	}

	// Injection goes straight to the device.
	if err := s.WritePacket(Packet{9}); err != nil {
		t.Fatal(err)
	}
	if len(dev.Written()) != 1 {
		t.Error("WritePacket did not reach the device")
	}
}

func TestStack_DropsOldestWhenFull(t *testing.T) {
	dev := newFakeDevice()
	m := metrics.Discard()
	s := NewStack(dev, StackConfig{Prefix: testPrefix, BufferSize: 2, MTU: 1500}, Options{Metrics: m})
	defer s.Close()

	var pkts [][]byte
	for i := 0; i < 3; i++ {
		p := echoTo(t, protocol.EncodeAddress(testPrefix, uint16(i), 0, protocol.RGB{}))
		pkts = append(pkts, p)
		dev.in <- p
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Dropped() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", s.Dropped())
	}
	if f := testutil.ToFloat64(m.PacketsDropped.WithLabelValues("queue_full")); f != 1 {
		t.Errorf("queue_full drops = %v, want 1", f)
	}

	for _, want := range pkts[1:] {
		got, err := s.ReadPacket(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Error("ReadPacket() did not return packets oldest first")
		}
	}
}

func TestStack_CloseUnblocksRead(t *testing.T) {
	s := NewStack(newFakeDevice(), StackConfig{Prefix: testPrefix, BufferSize: 4, MTU: 1500}, Options{})

	errc := make(chan error, 1)
	go func() {
		_, err := s.ReadPacket(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("ReadPacket() error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadPacket() still blocked after Close")
	}
}

func TestStack_TransientReadErrorSurfaces(t *testing.T) {
	dev := newFakeDevice()
	dev.readErrs = []error{syscall.ENOBUFS}
	s := NewStack(dev, StackConfig{Prefix: testPrefix, BufferSize: 4, MTU: 1500}, Options{})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := s.ReadPacket(ctx)
	var be *Error
	if !errors.As(err, &be) || be.Fatal {
		t.Fatalf("ReadPacket() error = %v, want transient *Error", err)
	}

	// Reading resumes afterwards.
	want := echoTo(t, protocol.EncodeAddress(testPrefix, 0, 0, protocol.RGB{}))
	dev.in <- want
	got, err := s.ReadPacket(ctx)
	if err != nil {
		t.Fatalf("ReadPacket() after transient error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("unexpected packet")
	}
}

func TestRing(t *testing.T) {
	r := newRing(3)
	for i := byte(0); i < 5; i++ {
		r.push(Packet{i})
	}
	if r.len() != 3 || r.droppedTotal() != 2 {
		t.Fatalf("len = %d dropped = %d, want 3 and 2", r.len(), r.droppedTotal())
	}

	ctx := context.Background()
	for want := byte(2); want < 5; want++ {
		p, err := r.pop(ctx)
		if err != nil || p[0] != want {
			t.Fatalf("pop() = %v, %v, want [%d]", p, err, want)
		}
	}

	r.push(Packet{7})
	r.close()
	if p, err := r.pop(ctx); err != nil || p[0] != 7 {
		t.Errorf("pop() after close = %v, %v, want queued packet", p, err)
	}
	if _, err := r.pop(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("pop() on drained closed ring = %v, want ErrClosed", err)
	}
	if r.push(Packet{8}) {
		t.Error("push() after close evicted")
	}
}

func TestRing_Wake(t *testing.T) {
	r := newRing(1)
	r.wake()
	if _, err := r.pop(context.Background()); !errors.Is(err, errWoken) {
		t.Errorf("pop() = %v, want errWoken", err)
	}
}

// scriptedBackend replays a sequence of read results.
type scriptedBackend struct {
	reads    []error
	writes   []error
	readOnly bool
}

func (b *scriptedBackend) ReadPacket(ctx context.Context) (Packet, error) {
	if len(b.reads) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	err := b.reads[0]
	b.reads = b.reads[1:]
	if err != nil {
		return nil, err
	}
	return Packet{0x60}, nil
}

func (b *scriptedBackend) WritePacket(Packet) error {
	if b.readOnly {
		return ErrReadOnly
	}
	if len(b.writes) == 0 {
		return nil
	}
	err := b.writes[0]
	b.writes = b.writes[1:]
	return err
}

func (b *scriptedBackend) CanInject() bool { return !b.readOnly }
func (b *scriptedBackend) Name() string    { return "scripted" }
func (b *scriptedBackend) Close() error    { return nil }

func TestResilient_RetriesTransient(t *testing.T) {
	te := transient("scripted", "read", syscall.EAGAIN)
	inner := &scriptedBackend{reads: []error{te, te, nil}}
	m := metrics.Discard()
	r := NewResilient(inner, 3, Options{Metrics: m})

	p, err := r.ReadPacket(context.Background())
	if err != nil {
		t.Fatalf("ReadPacket() error = %v", err)
	}
	if len(p) != 1 {
		t.Errorf("ReadPacket() = %x", p)
	}
	if r.Failures() != 0 {
		t.Errorf("Failures() = %d after success, want 0", r.Failures())
	}
	if got := testutil.ToFloat64(m.BackendErrors.WithLabelValues("transient")); got != 2 {
		t.Errorf("transient errors = %v, want 2", got)
	}
}

func TestResilient_EscalatesAfterBudget(t *testing.T) {
	te := transient("scripted", "read", syscall.EAGAIN)
	inner := &scriptedBackend{reads: []error{te, te, te, nil}}
	r := NewResilient(inner, 3, Options{})

	_, err := r.ReadPacket(context.Background())
	if !IsFatal(err) {
		t.Fatalf("ReadPacket() error = %v, want fatal", err)
	}
	if !errors.Is(err, syscall.EAGAIN) {
		t.Errorf("fatal error does not wrap the last cause: %v", err)
	}
}

func TestResilient_WritesShareBudget(t *testing.T) {
	te := transient("scripted", "write", syscall.ENOBUFS)
	inner := &scriptedBackend{
		reads:  []error{te},
		writes: []error{te, te},
	}
	r := NewResilient(inner, 3, Options{})

	if err := r.WritePacket(Packet{1}); IsFatal(err) || err == nil {
		t.Fatalf("first write error = %v, want transient", err)
	}
	if err := r.WritePacket(Packet{1}); IsFatal(err) || err == nil {
		t.Fatalf("second write error = %v, want transient", err)
	}
	if _, err := r.ReadPacket(context.Background()); !IsFatal(err) {
		t.Fatalf("third consecutive error = %v, want fatal", err)
	}
}

func TestResilient_PassesThrough(t *testing.T) {
	r := NewResilient(&scriptedBackend{readOnly: true}, 3, Options{})
	if err := r.WritePacket(Packet{1}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("WritePacket() = %v, want ErrReadOnly", err)
	}
	if r.Failures() != 0 {
		t.Error("ErrReadOnly counted against the budget")
	}
	if r.CanInject() {
		t.Error("CanInject() = true for read-only backend")
	}

	fatal := &scriptedBackend{reads: []error{fatalf("scripted", "read", errors.New("gone"))}}
	if _, err := NewResilient(fatal, 3, Options{}).ReadPacket(context.Background()); !IsFatal(err) {
		t.Errorf("fatal error not passed through: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewResilient(&scriptedBackend{}, 3, Options{}).ReadPacket(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("ReadPacket(cancelled) = %v", err)
	}
}

func TestOpen_Errors(t *testing.T) {
	cfg := config.Default().Backend
	cfg.Prefix48 = "2602:fa9b:42::"

	bad := cfg
	bad.BackendType = "smoltcp"
	if _, err := Open(bad, Options{}); !IsFatal(err) {
		t.Errorf("Open(unknown type) = %v, want fatal", err)
	}

	noPrefix := cfg
	noPrefix.Prefix48 = ""
	if _, err := Open(noPrefix, Options{}); !IsFatal(err) {
		t.Errorf("Open(no prefix) = %v, want fatal", err)
	}
}

func TestStripLinkLayer(t *testing.T) {
	ip := echoTo(t, protocol.EncodeAddress(testPrefix, 3, 3, protocol.RGB{}))
	eth := []byte{
		0x02, 0, 0, 0, 0, 1, // dst
		0x02, 0, 0, 0, 0, 2, // src
		0x86, 0xdd, // IPv6
	}
	frame := append(eth, ip...)

	got := stripLinkLayer(frame, layers.LinkTypeEthernet)
	if !bytes.Equal(got, ip) {
		t.Errorf("stripLinkLayer() = %x, want %x", got, ip)
	}

	arp := append(append([]byte(nil), eth[:12]...), 0x08, 0x06, 0, 1)
	if got := stripLinkLayer(arp, layers.LinkTypeEthernet); got != nil {
		t.Errorf("stripLinkLayer(arp) = %x, want nil", got)
	}
}

func TestErrorFormatting(t *testing.T) {
	err := fatalf("raw-tun:tun0", "open", errors.New("permission denied"))
	want := "raw-tun:tun0 open (fatal): permission denied"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if IsFatal(transient("x", "read", errors.New("y"))) {
		t.Error("transient error reported fatal")
	}
}
