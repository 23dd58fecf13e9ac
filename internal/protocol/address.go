package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Address layout after the /48 prefix:
//
//	X        [2 bytes] - bytes 6-7, big-endian
//	Y        [2 bytes] - bytes 8-9, big-endian
//	R, G, B  [3 bytes] - bytes 10-12
//	Reserved [3 bytes] - bytes 13-15, ignored
const (
	PrefixLen = 6

	offX     = 6
	offY     = 8
	offColor = 10
)

// DrawCommand is the intent decoded from one valid Echo Request.
type DrawCommand struct {
	X, Y  uint32
	Color RGB
}

func (c DrawCommand) String() string {
	return fmt.Sprintf("(%d,%d)=%s", c.X, c.Y, c.Color)
}

// EncodeAddress builds the destination address that draws color at (x, y).
// Only the top 48 bits of prefix are used.
func EncodeAddress(prefix net.IP, x, y uint16, color RGB) net.IP {
	addr := make(net.IP, net.IPv6len)
	if p := prefix.To16(); p != nil {
		copy(addr[:PrefixLen], p[:PrefixLen])
	}
	binary.BigEndian.PutUint16(addr[offX:], x)
	binary.BigEndian.PutUint16(addr[offY:], y)
	addr[offColor] = color.R
	addr[offColor+1] = color.G
	addr[offColor+2] = color.B
	return addr
}

// DecodeAddress extracts the coordinates and color from a destination
// address. The reserved bits are ignored.
func DecodeAddress(addr net.IP) (x, y uint16, color RGB, err error) {
	a := addr.To16()
	if a == nil {
		return 0, 0, RGB{}, fmt.Errorf("%v is not an IPv6 address", addr)
	}
	x = binary.BigEndian.Uint16(a[offX:])
	y = binary.BigEndian.Uint16(a[offY:])
	color = RGB{R: a[offColor], G: a[offColor+1], B: a[offColor+2]}
	return x, y, color, nil
}

// AddressTemplate renders the human-readable address pattern for prefix,
// e.g. "2602:fa9b:42:XXXX:YYYY:RRGG:BB00:0".
func AddressTemplate(prefix net.IP) string {
	p := prefix.To16()
	if p == nil {
		p = make(net.IP, net.IPv6len)
	}
	return fmt.Sprintf("%x:%x:%x:XXXX:YYYY:RRGG:BB00:0",
		binary.BigEndian.Uint16(p[0:]),
		binary.BigEndian.Uint16(p[2:]),
		binary.BigEndian.Uint16(p[4:]))
}
