package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestSnapshotFrame(t *testing.T) {
	pix := make([]byte, 2*3*3)
	for i := range pix {
		pix[i] = byte(i)
	}

	buf, err := EncodeSnapshotFrame(2, 3, pix)
	if err != nil {
		t.Fatalf("EncodeSnapshotFrame() error = %v", err)
	}
	if !bytes.Equal(buf[:4], []byte{0, 2, 0, 3}) {
		t.Errorf("header = %x, want 00020003", buf[:4])
	}

	w, h, got, err := DecodeSnapshotFrame(buf)
	if err != nil {
		t.Fatalf("DecodeSnapshotFrame() error = %v", err)
	}
	if w != 2 || h != 3 || !bytes.Equal(got, pix) {
		t.Errorf("DecodeSnapshotFrame() = %dx%d %x", w, h, got)
	}
}

func TestSnapshotFrame_Errors(t *testing.T) {
	if _, err := EncodeSnapshotFrame(2, 2, make([]byte, 11)); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("short pixels: err = %v", err)
	}
	if _, err := EncodeSnapshotFrame(0, 2, nil); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("zero width: err = %v", err)
	}
	if _, _, _, err := DecodeSnapshotFrame([]byte{0, 1}); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("short header: err = %v", err)
	}
	if _, _, _, err := DecodeSnapshotFrame([]byte{0, 1, 0, 1, 9}); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("short body: err = %v", err)
	}
}

func TestUpdateFrame(t *testing.T) {
	buf := EncodeUpdateFrame(0x0102, 0x0304, RGB{0xaa, 0xbb, 0xcc})
	want := []byte{0x01, 0x02, 0x03, 0x04, 0xaa, 0xbb, 0xcc}
	if !bytes.Equal(buf, want) {
		t.Fatalf("EncodeUpdateFrame() = %x, want %x", buf, want)
	}

	x, y, c, err := DecodeUpdateFrame(buf)
	if err != nil {
		t.Fatalf("DecodeUpdateFrame() error = %v", err)
	}
	if x != 0x0102 || y != 0x0304 || c != (RGB{0xaa, 0xbb, 0xcc}) {
		t.Errorf("DecodeUpdateFrame() = %d,%d,%s", x, y, c)
	}

	if _, _, _, err := DecodeUpdateFrame(buf[:6]); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("short update: err = %v", err)
	}
}
