package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Live-view frames are single binary WebSocket messages.
//
// Snapshot frame (4 + w*h*3 bytes):
//
//	Width  [2 bytes] - big-endian
//	Height [2 bytes] - big-endian
//	Pixels [w*h*3]   - row-major R, G, B
//
// Update frame (7 bytes):
//
//	X      [2 bytes] - big-endian
//	Y      [2 bytes] - big-endian
//	R G B  [3 bytes]
const (
	SnapshotHeaderSize = 4
	UpdateFrameSize    = 7
)

// ErrInvalidFrame is returned when a live-view frame is malformed.
var ErrInvalidFrame = errors.New("invalid frame")

// EncodeSnapshotFrame serializes a full canvas.
func EncodeSnapshotFrame(width, height int, pix []byte) ([]byte, error) {
	if width <= 0 || height <= 0 || width > 0xFFFF || height > 0xFFFF {
		return nil, fmt.Errorf("%w: dimensions %dx%d", ErrInvalidFrame, width, height)
	}
	if len(pix) != width*height*3 {
		return nil, fmt.Errorf("%w: %d pixel bytes for %dx%d", ErrInvalidFrame, len(pix), width, height)
	}

	buf := make([]byte, SnapshotHeaderSize+len(pix))
	binary.BigEndian.PutUint16(buf[0:2], uint16(width))
	binary.BigEndian.PutUint16(buf[2:4], uint16(height))
	copy(buf[SnapshotHeaderSize:], pix)
	return buf, nil
}

// DecodeSnapshotFrame parses a snapshot frame. pix aliases buf.
func DecodeSnapshotFrame(buf []byte) (width, height int, pix []byte, err error) {
	if len(buf) < SnapshotHeaderSize {
		return 0, 0, nil, fmt.Errorf("%w: snapshot header too short", ErrInvalidFrame)
	}
	width = int(binary.BigEndian.Uint16(buf[0:2]))
	height = int(binary.BigEndian.Uint16(buf[2:4]))
	pix = buf[SnapshotHeaderSize:]
	if len(pix) != width*height*3 {
		return 0, 0, nil, fmt.Errorf("%w: %d pixel bytes for %dx%d", ErrInvalidFrame, len(pix), width, height)
	}
	return width, height, pix, nil
}

// AppendUpdateFrame appends a 7-byte update frame to dst.
func AppendUpdateFrame(dst []byte, x, y uint16, c RGB) []byte {
	dst = binary.BigEndian.AppendUint16(dst, x)
	dst = binary.BigEndian.AppendUint16(dst, y)
	return append(dst, c.R, c.G, c.B)
}

// EncodeUpdateFrame serializes one pixel update.
func EncodeUpdateFrame(x, y uint16, c RGB) []byte {
	return AppendUpdateFrame(make([]byte, 0, UpdateFrameSize), x, y, c)
}

// DecodeUpdateFrame parses an update frame.
func DecodeUpdateFrame(buf []byte) (x, y uint16, c RGB, err error) {
	if len(buf) != UpdateFrameSize {
		return 0, 0, RGB{}, fmt.Errorf("%w: update frame is %d bytes, want %d", ErrInvalidFrame, len(buf), UpdateFrameSize)
	}
	x = binary.BigEndian.Uint16(buf[0:2])
	y = binary.BigEndian.Uint16(buf[2:4])
	c = RGB{R: buf[4], G: buf[5], B: buf[6]}
	return x, y, c, nil
}
