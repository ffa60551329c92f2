package capture

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wilsonwatson/watson-vision/internal/config"
	"github.com/wilsonwatson/watson-vision/internal/types"
)

func TestPipelineDescription(t *testing.T) {
	desc := PipelineDescription(Settings{
		VideoPath:    "/dev/v4l/by-id/usb-cam-index0",
		Width:        1280,
		Height:       800,
		AutoExposure: 1,
		Exposure:     20,
		Gain:         8,
	})

	want := []string{
		"v4l2src device=/dev/v4l/by-id/usb-cam-index0",
		`extra_controls="c,exposure_auto=1,exposure_absolute=20,gain=8,sharpness=0,brightness=0"`,
		"image/jpeg,format=MJPG,width=1280,height=800",
		"jpegdec",
		"video/x-raw,format=RGB",
		"appsink name=sink",
		"drop=true",
		"max-buffers=1",
	}
	for _, w := range want {
		if !strings.Contains(desc, w) {
			t.Errorf("pipeline description missing %q\n%s", w, desc)
		}
	}
	if strings.Index(desc, "jpegdec") > strings.Index(desc, "appsink") {
		t.Error("decoder must come before the sink")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		message string
		debug   string
		want    ErrorCategory
	}{
		{"Could not open device '/dev/video0' for reading and writing.", "v4l2_calls.c(637): system error: Permission denied", ErrCategoryPermission},
		{"Internal data stream error.", "streaming stopped, reason not-negotiated", ErrCategoryCodec},
		{"Could not read from resource.", "Device '/dev/video0' was disconnected", ErrCategoryDevice},
		{"Device '/dev/video2' is busy", "", ErrCategoryDevice},
		{"jpegdec0: Failed to decode JPEG image", "", ErrCategoryCodec},
		{"something odd", "", ErrCategoryUnknown},
	}

	for _, tt := range tests {
		if got := Classify(tt.message, tt.debug); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.message, got, tt.want)
		}
	}

	if ClassifyGStreamerError(nil) != ErrCategoryUnknown {
		t.Error("nil error should be unknown")
	}
}

func TestIsSessionFault(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrNoDevice, false},
		{ErrFrameTimeout, false},
		{fmt.Errorf("%w: end of stream", ErrDeviceFailed), true},
		{ErrClosed, true},
		{context.Canceled, false},
	}
	for _, tt := range tests {
		if got := IsSessionFault(tt.err); got != tt.want {
			t.Errorf("IsSessionFault(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestGStreamerWithoutDevice(t *testing.T) {
	g := NewGStreamer(Settings{Width: 640, Height: 480}, nil)
	defer g.Close()

	for i := 0; i < 3; i++ {
		_, err := g.Grab(context.Background())
		if !errors.Is(err, ErrNoDevice) {
			t.Fatalf("Grab %d: expected ErrNoDevice, got %v", i, err)
		}
		if IsSessionFault(err) {
			t.Fatal("missing device must be retried in place")
		}
	}

	g.Close()
	if _, err := g.Grab(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Grab after Close: expected ErrClosed, got %v", err)
	}
}

func TestPackRGB(t *testing.T) {
	// 5 px wide: 15 bytes of pixels per row, 16 with padding
	const width, height = 5, 3
	padded := make([]byte, rgbStride(width)*height)
	packed := make([]byte, width*3*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width*3; x++ {
			v := byte(y*100 + x)
			padded[y*16+x] = v
			packed[y*width*3+x] = v
		}
		padded[y*16+15] = 0xEE
	}

	tests := []struct {
		name string
		data []byte
		ok   bool
	}{
		{"padded rows", padded, true},
		{"padded without trailing pad", padded[:len(padded)-1], true},
		{"packed rows", packed, true},
		{"short buffer", packed[:len(packed)-1], false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pix, ok := packRGB(tt.data, width, height)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if string(pix) != string(packed) {
				t.Errorf("rows sheared:\n got %v\nwant %v", pix, packed)
			}
		})
	}

	if rgbStride(4) != 12 || rgbStride(5) != 16 || rgbStride(1281) != 3844 {
		t.Errorf("rgbStride = %d, %d, %d", rgbStride(4), rgbStride(5), rgbStride(1281))
	}
}

func TestFrameSlotOverwrite(t *testing.T) {
	s := newFrameSlot()
	s.put(&types.Frame{Seq: 1})
	s.put(&types.Frame{Seq: 2})

	f, err := s.take(context.Background())
	if err != nil {
		t.Fatalf("take failed: %v", err)
	}
	if f.Seq != 2 {
		t.Errorf("Expected newest frame 2, got %d", f.Seq)
	}
	if s.droppedCount() != 1 {
		t.Errorf("dropped = %d, want 1", s.droppedCount())
	}
}

func TestFrameSlotTimeoutAndFailure(t *testing.T) {
	s := newFrameSlot()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := s.take(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("take did not honour the deadline")
	}

	// pending frame is delivered before the failure
	s.put(&types.Frame{Seq: 7})
	s.fail(ErrDeviceFailed)
	s.put(&types.Frame{Seq: 8})

	f, err := s.take(context.Background())
	if err != nil || f.Seq != 7 {
		t.Fatalf("take = %v, %v; want frame 7", f, err)
	}
	if _, err := s.take(context.Background()); !errors.Is(err, ErrDeviceFailed) {
		t.Errorf("Expected ErrDeviceFailed, got %v", err)
	}
}

func TestFrameSlotWakesBlockedTake(t *testing.T) {
	s := newFrameSlot()
	got := make(chan uint64, 1)
	go func() {
		f, err := s.take(context.Background())
		if err == nil {
			got <- f.Seq
		}
	}()

	time.Sleep(10 * time.Millisecond)
	s.put(&types.Frame{Seq: 42})

	select {
	case seq := <-got:
		if seq != 42 {
			t.Errorf("got frame %d", seq)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked take")
	}
}

func TestStaticCheckerboard(t *testing.T) {
	s, err := NewStatic("", 80, 40)
	if err != nil {
		t.Fatalf("NewStatic failed: %v", err)
	}

	f1, err := s.Grab(context.Background())
	if err != nil {
		t.Fatalf("Grab failed: %v", err)
	}
	f2, _ := s.Grab(context.Background())

	if err := f1.Validate(); err != nil {
		t.Fatalf("invalid frame: %v", err)
	}
	if f1.Seq != 1 || f2.Seq != 2 {
		t.Errorf("sequence = %d, %d", f1.Seq, f2.Seq)
	}
	if f1.TraceID == f2.TraceID {
		t.Error("trace ids must differ")
	}

	// cell (0,0) white, cell (1,0) black
	if f1.Pix[0] != 0xff || f1.Pix[checkerSquare*3] != 0 {
		t.Errorf("unexpected pattern: %v %v", f1.Pix[0], f1.Pix[checkerSquare*3])
	}

	// frames are independent copies
	f1.Pix[0] = 1
	if f2.Pix[0] != 0xff {
		t.Error("grabs share a pixel buffer")
	}

	s.Close()
	if _, err := s.Grab(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if st := s.Stats(); st.FramesGrabbed != 2 || st.Source != "test" {
		t.Errorf("Stats = %+v", st)
	}
}

func TestStaticFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, Checkerboard(32, 16, 8)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	s, err := NewStatic(path, 0, 0)
	if err != nil {
		t.Fatalf("NewStatic failed: %v", err)
	}
	frame, err := s.Grab(context.Background())
	if err != nil {
		t.Fatalf("Grab failed: %v", err)
	}
	if frame.Width != 32 || frame.Height != 16 || frame.Source != path {
		t.Errorf("frame = %dx%d from %q", frame.Width, frame.Height, frame.Source)
	}

	if _, err := NewStatic(filepath.Join(t.TempDir(), "missing.png"), 0, 0); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestNewSelectsSource(t *testing.T) {
	cfg := &config.Config{Width: 64, Height: 48}
	cfg.Capture.Source = "test"
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := c.(*Static); !ok {
		t.Errorf("Expected *Static, got %T", c)
	}

	cfg.Capture.Source = "gstreamer"
	c, err = New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := c.(*GStreamer); !ok {
		t.Errorf("Expected *GStreamer, got %T", c)
	}
	c.Close()

	cfg.Capture.Source = "rtsp"
	if _, err := New(cfg, nil); err == nil {
		t.Error("Expected error for unknown source")
	}
}
