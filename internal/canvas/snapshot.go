package canvas

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	"github.com/postalsys/pixelping/internal/protocol"
)

// PixelUpdate is a committed canvas change.
type PixelUpdate struct {
	X, Y  uint32
	Color protocol.RGB
}

// Snapshot is a point-in-time copy of the canvas in row-major RGB order.
type Snapshot struct {
	Width  int
	Height int
	Pix    []byte
}

// At returns the color at (x, y).
func (s *Snapshot) At(x, y int) protocol.RGB {
	i := (y*s.Width + x) * 3
	return protocol.RGB{R: s.Pix[i], G: s.Pix[i+1], B: s.Pix[i+2]}
}

// Image converts the snapshot into an opaque image.
func (s *Snapshot) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, s.Width, s.Height))
	for i, j := 0, 0; i < len(s.Pix); i, j = i+3, j+4 {
		img.Pix[j] = s.Pix[i]
		img.Pix[j+1] = s.Pix[i+1]
		img.Pix[j+2] = s.Pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// Encoder turns a snapshot into file bytes.
type Encoder func(*Snapshot) ([]byte, error)

var pngEncoder = png.Encoder{CompressionLevel: png.BestSpeed}

// EncodePNG is the default Encoder.
func EncodePNG(s *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := pngEncoder.Encode(&buf, s.Image()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodePNG reads a PNG into a snapshot. Transparency is dropped.
func DecodePNG(r io.Reader) (*Snapshot, error) {
	img, err := png.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}
	return FromImage(img), nil
}

// FromImage copies img into a snapshot.
func FromImage(img image.Image) *Snapshot {
	b := img.Bounds()
	s := &Snapshot{Width: b.Dx(), Height: b.Dy(), Pix: make([]byte, b.Dx()*b.Dy()*3)}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			s.Pix[i] = c.R
			s.Pix[i+1] = c.G
			s.Pix[i+2] = c.B
			i += 3
		}
	}
	return s
}
