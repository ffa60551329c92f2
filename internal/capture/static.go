package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonwatson/watson-vision/internal/types"
)

// checkerSquare is the cell size of the generated test pattern
const checkerSquare = 40

// Static returns the same image on every grab.
type Static struct {
	base   *types.Frame
	seq    atomic.Uint64
	bytes  atomic.Uint64
	mu     sync.Mutex
	closed bool
	opened time.Time
}

// NewStatic loads path (PNG or JPEG). An empty path yields a generated
// checkerboard of width x height.
func NewStatic(path string, width, height int) (*Static, error) {
	var img image.Image
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open test image: %w", err)
		}
		defer f.Close()

		img, _, err = image.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("failed to decode test image %s: %w", path, err)
		}
	} else {
		if width <= 0 || height <= 0 {
			return nil, fmt.Errorf("invalid test image size %dx%d", width, height)
		}
		img = Checkerboard(width, height, checkerSquare)
	}

	frame := types.FrameFromImage(img)
	frame.Source = "test"
	if path != "" {
		frame.Source = path
	}
	return &Static{base: frame, opened: time.Now()}, nil
}

// Checkerboard draws a black and white board with square cells.
func Checkerboard(width, height, square int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	black := image.NewUniform(color.Black)
	for y := 0; y < height; y += square {
		for x := 0; x < width; x += square {
			if (x/square+y/square)%2 == 0 {
				continue
			}
			draw.Draw(img, image.Rect(x, y, x+square, y+square), black, image.Point{}, draw.Src)
		}
	}
	return img
}

// Grab returns a copy of the image with fresh metadata.
func (s *Static) Grab(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	frame := s.base.Clone()
	frame.Seq = s.seq.Add(1)
	frame.Timestamp = time.Now()
	frame.TraceID = uuid.New().String()
	s.bytes.Add(uint64(len(frame.Pix)))
	return frame, nil
}

// Close marks the source closed.
func (s *Static) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Stats returns capture counters.
func (s *Static) Stats() Stats {
	return Stats{
		Source:        "test",
		FramesGrabbed: s.seq.Load(),
		BytesRead:     s.bytes.Load(),
		OpenedAt:      s.opened,
	}
}
