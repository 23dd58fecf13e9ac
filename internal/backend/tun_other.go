//go:build !linux

package backend

import (
	"fmt"
	"runtime"
)

// OpenTun is only implemented on Linux.
func OpenTun(iface string) (Device, error) {
	return nil, fatalf("tun", "open", fmt.Errorf("TUN backends are not supported on %s", runtime.GOOS))
}
