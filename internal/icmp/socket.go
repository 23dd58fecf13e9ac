package icmp

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
)

// ICMPv6ProtocolNumber is the IANA protocol number for ICMPv6.
const ICMPv6ProtocolNumber = 58

// PacketConn is the part of *icmp.PacketConn the Pinger uses.
type PacketConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, dst net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// NewICMPv6Socket creates an ICMPv6 socket. Unprivileged sockets use the
// "udp6" network; privileged ones are raw.
func NewICMPv6Socket(privileged bool) (*icmp.PacketConn, error) {
	network := "udp6"
	if privileged {
		network = "ip6:ipv6-icmp"
	}
	conn, err := icmp.ListenPacket(network, "::")
	if err != nil {
		return nil, fmt.Errorf("create ICMPv6 socket: %w", err)
	}
	return conn, nil
}

// MarshalEchoRequest encodes an ICMPv6 echo request. The checksum is left
// for the kernel.
func MarshalEchoRequest(id, seq uint16, payload []byte) ([]byte, error) {
	msg := icmp.Message{
		Type: ipv6.ICMPTypeEchoRequest,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(id),
			Seq:  int(seq),
			Data: payload,
		},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return nil, fmt.Errorf("marshal ICMPv6 message: %w", err)
	}
	return b, nil
}

// EchoReply contains the parsed ICMPv6 echo reply data.
type EchoReply struct {
	ID      uint16
	Seq     uint16
	Payload []byte
	SrcIP   net.IP
}

// ParseEchoReply parses an ICMPv6 message received from peer.
func ParseEchoReply(b []byte, peer net.Addr) (*EchoReply, error) {
	msg, err := icmp.ParseMessage(ICMPv6ProtocolNumber, b)
	if err != nil {
		return nil, fmt.Errorf("parse ICMPv6: %w", err)
	}
	if msg.Type != ipv6.ICMPTypeEchoReply {
		return nil, fmt.Errorf("unexpected ICMPv6 type: %v", msg.Type)
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return nil, fmt.Errorf("invalid echo body")
	}

	var srcIP net.IP
	switch addr := peer.(type) {
	case *net.UDPAddr:
		srcIP = addr.IP
	case *net.IPAddr:
		srcIP = addr.IP
	}

	return &EchoReply{
		ID:      uint16(echo.ID),
		Seq:     uint16(echo.Seq),
		Payload: echo.Data,
		SrcIP:   srcIP,
	}, nil
}

// Pinger sends numbered echo requests over one socket.
type Pinger struct {
	conn       PacketConn
	privileged bool
	id         uint16
	timeout    time.Duration
	payload    []byte
	seq        atomic.Uint32
}

// Listen opens a socket according to cfg and returns a Pinger on it.
func Listen(cfg Config) (*Pinger, error) {
	conn, err := NewICMPv6Socket(cfg.Privileged)
	if err != nil {
		return nil, err
	}
	return NewPinger(conn, cfg), nil
}

// NewPinger wraps an existing socket.
func NewPinger(conn PacketConn, cfg Config) *Pinger {
	if cfg.EchoTimeout <= 0 {
		cfg.EchoTimeout = DefaultConfig().EchoTimeout
	}
	return &Pinger{
		conn:       conn,
		privileged: cfg.Privileged,
		id:         cfg.ID,
		timeout:    cfg.EchoTimeout,
		payload:    cfg.Payload,
	}
}

// Send pings dst once with the next sequence number.
func (p *Pinger) Send(dst net.IP) error {
	seq := uint16(p.seq.Add(1))
	b, err := MarshalEchoRequest(p.id, seq, p.payload)
	if err != nil {
		return err
	}

	// Unprivileged sockets take a UDP address, raw ones an IP address.
	var addr net.Addr = &net.IPAddr{IP: dst}
	if !p.privileged {
		addr = &net.UDPAddr{IP: dst}
	}
	if _, err := p.conn.WriteTo(b, addr); err != nil {
		return fmt.Errorf("send ICMPv6 to %s: %w", dst, err)
	}
	return nil
}

// ReadReply waits up to the configured timeout for the next echo reply.
// Other ICMPv6 messages are skipped.
func (p *Pinger) ReadReply() (*EchoReply, error) {
	deadline := time.Now().Add(p.timeout)
	if err := p.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := p.conn.ReadFrom(buf)
		if err != nil {
			return nil, err
		}
		reply, err := ParseEchoReply(buf[:n], peer)
		if err != nil {
			continue
		}
		return reply, nil
	}
}

// Close closes the socket.
func (p *Pinger) Close() error {
	return p.conn.Close()
}
