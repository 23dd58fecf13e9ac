// Package icmp sends ICMPv6 echo requests for the drawing client.
//
// # Unprivileged ICMP Sockets
//
// By default the pinger opens an unprivileged "udp6" ICMP socket. On Linux
// this requires the ping_group_range sysctl to include the caller's group:
//
//	sysctl -w net.ipv4.ping_group_range="0 65535"
//
// (the same sysctl governs ICMPv6). With Privileged set, a raw
// "ip6:ipv6-icmp" socket is used instead, which needs CAP_NET_RAW.
//
// In both cases the kernel fills in the ICMPv6 checksum.
package icmp
