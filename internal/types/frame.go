package types

import (
	"fmt"
	"image"
	"image/color"
	"time"
)

// Frame represents a single video frame
type Frame struct {
	// Seq is the monotonic sequence number within a capture session
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Pix contains packed RGB24 pixels, row-major, no padding
	Pix []byte
	// Source identifies the capture that produced the frame (device path or "test")
	Source string
	// TraceID is a unique identifier for following one frame through the logs
	TraceID string
}

// Validate checks that Pix matches the declared dimensions.
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("frame %d: invalid size %dx%d", f.Seq, f.Width, f.Height)
	}
	if want := f.Width * f.Height * 3; len(f.Pix) != want {
		return fmt.Errorf("frame %d: got %d bytes, want %d for %dx%d RGB", f.Seq, len(f.Pix), want, f.Width, f.Height)
	}
	return nil
}

// Image copies the frame into an RGBA image suitable for drawing and encoding.
func (f *Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i+2 < len(f.Pix) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = f.Pix[i]
		img.Pix[j+1] = f.Pix[i+1]
		img.Pix[j+2] = f.Pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// FrameFromImage packs any image into an RGB24 frame.
func FrameFromImage(img image.Image) *Frame {
	b := img.Bounds()
	pix := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			pix = append(pix, c.R, c.G, c.B)
		}
	}
	return &Frame{
		Width:  b.Dx(),
		Height: b.Dy(),
		Pix:    pix,
	}
}

// Clone returns a deep copy so the original buffer can be reused.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Pix = append([]byte(nil), f.Pix...)
	return &c
}
