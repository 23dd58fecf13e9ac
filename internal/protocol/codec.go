package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
)

const (
	// IPv6HeaderLen is the fixed IPv6 header length.
	IPv6HeaderLen = 40

	// ReplyHopLimit is the hop limit of generated Echo Replies.
	ReplyHopLimit = 64

	protocolICMPv6 = 58
)

// Reason classifies why a packet was rejected.
type Reason uint8

// Rejection reasons, in the order Decode checks them.
const (
	ReasonNotIPv6 Reason = iota + 1
	ReasonMalformed
	ReasonNotICMPv6
	ReasonNotEchoRequest
	ReasonBadChecksum
	ReasonOutsidePrefix
	ReasonOutOfBounds
)

// String returns the metric label form of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonNotIPv6:
		return "not_ipv6"
	case ReasonMalformed:
		return "malformed"
	case ReasonNotICMPv6:
		return "not_icmpv6"
	case ReasonNotEchoRequest:
		return "not_echo_request"
	case ReasonBadChecksum:
		return "bad_checksum"
	case ReasonOutsidePrefix:
		return "outside_prefix"
	case ReasonOutOfBounds:
		return "out_of_bounds"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// ErrRejected matches every *RejectedError through errors.Is.
var ErrRejected = errors.New("packet rejected")

// RejectedError is returned by Decode for packets that do not carry a draw
// command. Rejected packets get no reply.
type RejectedError struct {
	Reason Reason
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("packet rejected: %s", e.Reason)
	}
	return fmt.Sprintf("packet rejected: %s: %s", e.Reason, e.Detail)
}

// Is reports whether target is ErrRejected.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// ReasonOf extracts the rejection reason from err.
func ReasonOf(err error) (Reason, bool) {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return 0, false
}

func reject(r Reason, format string, args ...any) error {
	return &RejectedError{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// Echo holds what the reply path needs from an accepted Echo Request.
type Echo struct {
	Src  net.IP
	Dst  net.IP
	ID   int
	Seq  int
	Data []byte
}

// Codec decodes draw commands addressed into one /48 and builds replies.
// It is immutable and safe for concurrent use.
type Codec struct {
	prefix [PrefixLen]byte
	side   uint32
}

// NewCodec creates a codec for prefix and a canvas of side x side pixels.
func NewCodec(prefix net.IP, side uint32) (*Codec, error) {
	p := prefix.To16()
	if p == nil || prefix.To4() != nil {
		return nil, fmt.Errorf("prefix %v is not an IPv6 address", prefix)
	}
	if side == 0 || side > 1<<16 {
		return nil, fmt.Errorf("invalid canvas side %d", side)
	}
	c := &Codec{side: side}
	copy(c.prefix[:], p[:PrefixLen])
	return c, nil
}

// Prefix returns the /48 as a full IPv6 address with zero low bits.
func (c *Codec) Prefix() net.IP {
	ip := make(net.IP, net.IPv6len)
	copy(ip, c.prefix[:])
	return ip
}

// Side returns the canvas side the codec bounds-checks against.
func (c *Codec) Side() uint32 {
	return c.side
}

// InPrefix reports whether addr lies inside the codec's /48.
func (c *Codec) InPrefix(addr net.IP) bool {
	a := addr.To16()
	return a != nil && bytes.Equal(a[:PrefixLen], c.prefix[:])
}

// Decode validates pkt as an ICMPv6 Echo Request into the prefix and
// returns the draw command it carries together with the fields needed for
// the reply. Errors are always *RejectedError.
func (c *Codec) Decode(pkt []byte) (DrawCommand, Echo, error) {
	if len(pkt) == 0 || pkt[0]>>4 != 6 {
		return DrawCommand{}, Echo{}, reject(ReasonNotIPv6, "")
	}

	var ip6 layers.IPv6
	if err := ip6.DecodeFromBytes(pkt, gopacket.NilDecodeFeedback); err != nil {
		return DrawCommand{}, Echo{}, reject(ReasonMalformed, "%v", err)
	}
	if int(ip6.Length)+IPv6HeaderLen > len(pkt) {
		return DrawCommand{}, Echo{}, reject(ReasonMalformed, "truncated: payload length %d, have %d", ip6.Length, len(pkt)-IPv6HeaderLen)
	}
	if ip6.NextHeader != layers.IPProtocolICMPv6 {
		return DrawCommand{}, Echo{}, reject(ReasonNotICMPv6, "next header %s", ip6.NextHeader)
	}

	payload := ip6.Payload
	msg, err := icmp.ParseMessage(protocolICMPv6, payload)
	if err != nil {
		return DrawCommand{}, Echo{}, reject(ReasonMalformed, "%v", err)
	}
	if msg.Type != ipv6.ICMPTypeEchoRequest || msg.Code != 0 {
		return DrawCommand{}, Echo{}, reject(ReasonNotEchoRequest, "type %v code %d", msg.Type, msg.Code)
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return DrawCommand{}, Echo{}, reject(ReasonMalformed, "echo body")
	}
	if !checksumValid(ip6.SrcIP, ip6.DstIP, msg, payload) {
		return DrawCommand{}, Echo{}, reject(ReasonBadChecksum, "")
	}

	if !c.InPrefix(ip6.DstIP) {
		return DrawCommand{}, Echo{}, reject(ReasonOutsidePrefix, "%s", ip6.DstIP)
	}
	x, y, color, err := DecodeAddress(ip6.DstIP)
	if err != nil {
		return DrawCommand{}, Echo{}, reject(ReasonMalformed, "%v", err)
	}
	if uint32(x) >= c.side || uint32(y) >= c.side {
		return DrawCommand{}, Echo{}, reject(ReasonOutOfBounds, "(%d,%d) side %d", x, y, c.side)
	}

	cmd := DrawCommand{X: uint32(x), Y: uint32(y), Color: color}
	e := Echo{
		Src:  append(net.IP(nil), ip6.SrcIP...),
		Dst:  append(net.IP(nil), ip6.DstIP...),
		ID:   echo.ID,
		Seq:  echo.Seq,
		Data: append([]byte(nil), echo.Data...),
	}
	return cmd, e, nil
}

// EncodeReply builds the Echo Reply for echo: addresses swapped, identifier
// and sequence kept, payload echoed, checksum computed over the IPv6
// pseudo-header. It has no side effects.
func EncodeReply(echo Echo) ([]byte, error) {
	b, err := encodeEcho(ipv6.ICMPTypeEchoReply, echo.Dst, echo.Src, echo.ID, echo.Seq, echo.Data)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return b, nil
}

func encodeEcho(typ ipv6.ICMPType, src, dst net.IP, id, seq int, data []byte) ([]byte, error) {
	s := src.To16()
	d := dst.To16()
	if s == nil || d == nil {
		return nil, fmt.Errorf("invalid addresses %v -> %v", src, dst)
	}

	msg := icmp.Message{
		Type: typ,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: data},
	}
	body, err := msg.Marshal(icmp.IPv6PseudoHeader(s, d))
	if err != nil {
		return nil, err
	}

	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   ReplyHopLimit,
		SrcIP:      s,
		DstIP:      d,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip6, gopacket.Payload(body)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// VerifyChecksum reports whether pkt is an IPv6 packet carrying an ICMPv6
// message whose checksum is valid under the IPv6 pseudo-header.
func VerifyChecksum(pkt []byte) bool {
	var ip6 layers.IPv6
	if err := ip6.DecodeFromBytes(pkt, gopacket.NilDecodeFeedback); err != nil {
		return false
	}
	if ip6.NextHeader != layers.IPProtocolICMPv6 {
		return false
	}
	msg, err := icmp.ParseMessage(protocolICMPv6, ip6.Payload)
	if err != nil {
		return false
	}
	return checksumValid(ip6.SrcIP, ip6.DstIP, msg, ip6.Payload)
}

// checksumValid re-marshals msg with a freshly computed checksum and
// compares it against the wire bytes.
func checksumValid(src, dst net.IP, msg *icmp.Message, wire []byte) bool {
	m := icmp.Message{Type: msg.Type, Code: msg.Code, Body: msg.Body}
	b, err := m.Marshal(icmp.IPv6PseudoHeader(src, dst))
	if err != nil {
		return false
	}
	return bytes.Equal(b, wire)
}
