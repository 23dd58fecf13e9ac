package icmp

import "time"

// Config holds configuration for the echo sender.
type Config struct {
	// Privileged selects a raw ICMPv6 socket instead of an unprivileged one.
	Privileged bool

	// ID is the echo identifier. Unprivileged sockets replace it with the
	// socket's port.
	ID uint16

	// EchoTimeout bounds each ReadReply call.
	// Default is 5 seconds.
	EchoTimeout time.Duration

	// Payload is sent in every echo request.
	Payload []byte
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ID:          0x7078, // "px"
		EchoTimeout: 5 * time.Second,
		Payload:     []byte("pixelping"),
	}
}
