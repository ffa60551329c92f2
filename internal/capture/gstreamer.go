package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/wilsonwatson/watson-vision/internal/types"
)

// PipelineDescription builds the gst-launch description for a V4L2 MJPEG
// camera decoded to packed RGB. The appsink keeps only the newest buffer.
func PipelineDescription(s Settings) string {
	return fmt.Sprintf(
		"v4l2src device=%s extra_controls=\"c,exposure_auto=%d,exposure_absolute=%d,gain=%d,sharpness=0,brightness=0\" ! "+
			"image/jpeg,format=MJPG,width=%d,height=%d ! "+
			"jpegdec ! "+
			"videoconvert ! "+
			"video/x-raw,format=RGB ! "+
			"appsink name=sink sync=false drop=true max-buffers=1",
		s.VideoPath, s.AutoExposure, s.Exposure, s.Gain, s.Width, s.Height,
	)
}

// GStreamer captures from a V4L2 device through a GStreamer pipeline.
type GStreamer struct {
	settings Settings
	logger   *slog.Logger

	mu       sync.Mutex
	pipeline *gst.Pipeline
	slot     *frameSlot
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	openedAt time.Time
	closed   bool
	waiting  bool // "no device" already logged

	frameCount atomic.Uint64
	bytesRead  atomic.Uint64
	errDevice  atomic.Uint64
	errCodec   atomic.Uint64
	errPerm    atomic.Uint64
	errUnknown atomic.Uint64
}

// NewGStreamer creates a capture for settings. Nothing is opened yet.
func NewGStreamer(settings Settings, logger *slog.Logger) *GStreamer {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.FrameTimeout <= 0 {
		settings.FrameTimeout = time.Second
	}
	return &GStreamer{
		settings: settings,
		logger:   logger,
	}
}

// Grab returns the newest decoded frame. The pipeline is started on first use.
func (g *GStreamer) Grab(ctx context.Context) (*types.Frame, error) {
	slot, err := g.ensureOpen()
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.settings.FrameTimeout)
	defer cancel()

	frame, err := slot.take(waitCtx)
	switch {
	case err == nil:
		return frame, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return nil, ErrFrameTimeout
	default:
		return nil, err
	}
}

func (g *GStreamer) ensureOpen() (*frameSlot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrClosed
	}
	if g.slot != nil {
		return g.slot, nil
	}
	if g.settings.VideoPath == "" {
		if !g.waiting {
			g.logger.Info("no camera id, waiting to start capture session")
			g.waiting = true
		}
		return nil, ErrNoDevice
	}

	if err := g.open(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceFailed, err)
	}
	return g.slot, nil
}

// open builds and starts the pipeline. Caller holds g.mu.
func (g *GStreamer) open() error {
	g.logger.Info("starting capture session",
		"device", g.settings.VideoPath,
		"resolution", fmt.Sprintf("%dx%d", g.settings.Width, g.settings.Height),
		"exposure", g.settings.Exposure,
		"auto_exposure", g.settings.AutoExposure,
		"gain", g.settings.Gain,
	)

	// safe to call more than once
	gst.Init(nil)

	desc := PipelineDescription(g.settings)
	g.logger.Debug("creating capture pipeline", "pipeline", desc)

	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("failed to find appsink: %w", err)
	}
	sink := app.SinkFromElement(elem)
	if sink == nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("element %q is not an appsink", "sink")
	}

	slot := newFrameSlot()
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return g.onNewSample(sink, slot)
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("failed to set pipeline to playing: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.pipeline = pipeline
	g.slot = slot
	g.cancel = cancel
	g.openedAt = time.Now()
	g.waiting = false

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.monitorBus(ctx, pipeline); err != nil {
			slot.fail(fmt.Errorf("%w: %v", ErrDeviceFailed, err))
		}
	}()

	g.logger.Info("capture session ready", "device", g.settings.VideoPath)
	return nil
}

// onNewSample copies the mapped buffer into a Frame. GStreamer reuses the
// buffer after the callback returns.
func (g *GStreamer) onNewSample(sink *app.Sink, slot *frameSlot) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		g.logger.Warn("capture: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		g.logger.Warn("capture: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		g.logger.Warn("capture: empty buffer received")
		return gst.FlowOK
	}

	pix, ok := packRGB(data, g.settings.Width, g.settings.Height)
	buffer.Unmap()
	if !ok {
		g.logger.Warn("capture: short buffer, skipping frame",
			"size_bytes", len(data),
			"expected", g.settings.Width*g.settings.Height*3,
		)
		return gst.FlowOK
	}

	seq := g.frameCount.Add(1)
	g.bytesRead.Add(uint64(len(pix)))

	slot.put(&types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     g.settings.Width,
		Height:    g.settings.Height,
		Pix:       pix,
		Source:    g.settings.VideoPath,
		TraceID:   uuid.New().String(),
	})
	return gst.FlowOK
}

// rgbStride is the row stride GStreamer uses for packed RGB: rows are padded
// to a multiple of 4 bytes.
func rgbStride(width int) int {
	return (width*3 + 3) &^ 3
}

// packRGB copies an RGB buffer into tightly packed rows. Both padded and
// packed buffers are accepted; a buffer too short for either reports false.
func packRGB(data []byte, width, height int) ([]byte, bool) {
	if width <= 0 || height <= 0 {
		return nil, false
	}
	row := width * 3
	stride := rgbStride(width)
	if len(data) < (height-1)*stride+row {
		stride = row
	}
	if len(data) < (height-1)*stride+row {
		return nil, false
	}

	pix := make([]byte, row*height)
	if stride == row {
		copy(pix, data[:row*height])
		return pix, true
	}
	for y := 0; y < height; y++ {
		copy(pix[y*row:(y+1)*row], data[y*stride:y*stride+row])
	}
	return pix, true
}

// monitorBus polls the pipeline bus until ctx is cancelled or the pipeline
// reports EOS or an error.
func (g *GStreamer) monitorBus(ctx context.Context, pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			g.logger.Warn("capture: end of stream received",
				"device", g.settings.VideoPath,
				"frames", g.frameCount.Load(),
			)
			return errors.New("end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyGStreamerError(gerr)
			g.countError(category)

			g.logger.Error("capture: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"device", g.settings.VideoPath,
				"frames", g.frameCount.Load(),
			)
			return fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				g.logger.Debug("capture: pipeline state changed", "from", old, "to", new)
			}
		}
	}
}

func (g *GStreamer) countError(c ErrorCategory) {
	switch c {
	case ErrCategoryDevice:
		g.errDevice.Add(1)
	case ErrCategoryCodec:
		g.errCodec.Add(1)
	case ErrCategoryPermission:
		g.errPerm.Add(1)
	default:
		g.errUnknown.Add(1)
	}
}

// Close stops the pipeline and releases the device.
func (g *GStreamer) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	pipeline := g.pipeline
	slot := g.slot
	cancel := g.cancel
	g.pipeline = nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	g.wg.Wait()

	if slot != nil {
		slot.fail(ErrClosed)
	}
	if pipeline == nil {
		return nil
	}
	if err := pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	g.logger.Info("capture session released", "device", g.settings.VideoPath)
	return nil
}

// Stats returns capture counters.
func (g *GStreamer) Stats() Stats {
	g.mu.Lock()
	openedAt := g.openedAt
	slot := g.slot
	g.mu.Unlock()

	var dropped uint64
	if slot != nil {
		dropped = slot.droppedCount()
	}
	return Stats{
		Source:        "gstreamer",
		FramesGrabbed: g.frameCount.Load(),
		FramesDropped: dropped,
		BytesRead:     g.bytesRead.Load(),
		Errors: ErrStats{
			Device:     g.errDevice.Load(),
			Codec:      g.errCodec.Load(),
			Permission: g.errPerm.Load(),
			Unknown:    g.errUnknown.Load(),
		},
		OpenedAt: openedAt,
	}
}
