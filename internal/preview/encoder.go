// Package preview serves the annotated camera stream over HTTP as
// multipart/x-mixed-replace JPEG.
package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/wilsonwatson/watson-vision/internal/fiducial"
	"github.com/wilsonwatson/watson-vision/internal/types"
)

// Boundary separates parts of the multipart stream.
const Boundary = "FRAME"

// ContentType is the stream response content type.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

var (
	partHeader = []byte("--" + Boundary + "\r\nContent-Type: image/jpeg\r\n\r\n")
	partTail   = []byte("\r\n")

	outlineColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	cornerColor  = color.RGBA{R: 255, G: 0, B: 0, A: 255}
)

// Encoder turns frames into multipart chunks.
type Encoder struct {
	Quality  int
	Annotate bool
}

// NewEncoder creates an encoder with annotation on.
func NewEncoder(quality int) *Encoder {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &Encoder{Quality: quality, Annotate: true}
}

// EncodePart draws the observations on the frame, encodes it as JPEG and
// wraps it in one multipart part. The frame itself is not modified.
func (e *Encoder) EncodePart(frame *types.Frame, observations []fiducial.Observation) ([]byte, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	img := frame.Image()
	if e.Annotate {
		DrawMarkers(img, observations)
	}

	var buf bytes.Buffer
	buf.Grow(len(partHeader) + len(frame.Pix)/8)
	buf.Write(partHeader)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.Quality}); err != nil {
		return nil, fmt.Errorf("JPEG encode failed: %w", err)
	}
	buf.Write(partTail)
	return buf.Bytes(), nil
}

// DrawMarkers outlines each marker and marks its first corner.
func DrawMarkers(img *image.RGBA, observations []fiducial.Observation) {
	for _, obs := range observations {
		for i := 0; i < 4; i++ {
			a := obs.Corners[i]
			b := obs.Corners[(i+1)%4]
			drawLine(img, int(a[0]+0.5), int(a[1]+0.5), int(b[0]+0.5), int(b[1]+0.5), outlineColor)
		}
		c := obs.Corners[0]
		fillSquare(img, int(c[0]+0.5), int(c[1]+0.5), 3, cornerColor)
	}
}

// drawLine is Bresenham with a 2px pen.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy

	for {
		img.SetRGBA(x0, y0, c)
		img.SetRGBA(x0+1, y0, c)
		img.SetRGBA(x0, y0+1, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func fillSquare(img *image.RGBA, cx, cy, r int, c color.RGBA) {
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
