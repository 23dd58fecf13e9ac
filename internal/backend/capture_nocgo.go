//go:build !cgo

package backend

import (
	"errors"
	"log/slog"
)

// OpenCapture needs libpcap, which is only linked into cgo builds.
func OpenCapture(cfg CaptureConfig, logger *slog.Logger) (Backend, error) {
	return nil, fatalf("capture", "open", errors.New("capture backend requires a cgo build with libpcap"))
}
