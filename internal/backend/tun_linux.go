//go:build linux

package backend

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const tunDevicePath = "/dev/net/tun"

type tunFile struct {
	*os.File
	name string
}

func (f *tunFile) Name() string { return f.name }

// OpenTun attaches to (or creates) the TUN interface iface in IFF_TUN |
// IFF_NO_PI mode. The returned device supports read deadlines.
func OpenTun(iface string) (Device, error) {
	fd, err := unix.Open(tunDevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fatalf("tun", "open", fmt.Errorf("%s: %w", tunDevicePath, err))
	}

	ifr, err := unix.NewIfreq(iface)
	if err != nil {
		unix.Close(fd)
		return nil, fatalf("tun", "open", err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fatalf("tun", "open", fmt.Errorf("TUNSETIFF %s: %w", iface, err))
	}

	// Non-blocking mode lets the runtime poller honour read deadlines.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fatalf("tun", "open", err)
	}

	name := ifr.Name()
	return &tunFile{File: os.NewFile(uintptr(fd), tunDevicePath), name: name}, nil
}
