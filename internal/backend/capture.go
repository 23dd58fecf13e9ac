package backend

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// CaptureConfig configures the passive capture backend.
type CaptureConfig struct {
	Interface   string
	Snaplen     int
	Promiscuous bool
}

// captureFilter selects ICMPv6 traffic in the kernel.
const captureFilter = "icmp6"

// stripLinkLayer returns a copy of the IPv6 packet inside frame, or nil
// when the frame carries none.
func stripLinkLayer(frame []byte, link layers.LinkType) Packet {
	pkt := gopacket.NewPacket(frame, link, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	l, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	if !ok {
		return nil
	}
	out := make(Packet, 0, len(l.Contents)+len(l.Payload))
	out = append(out, l.Contents...)
	return append(out, l.Payload...)
}
