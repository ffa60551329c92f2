// Package capture opens the camera and hands out one RGB frame per grab.
//
// Two sources exist: a GStreamer V4L2 pipeline for the real camera and a
// static image for bench work without hardware. Errors from Grab are split
// into acquisition faults (retry in place) and session faults (release the
// device and rebuild the session); see IsSessionFault.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wilsonwatson/watson-vision/internal/config"
	"github.com/wilsonwatson/watson-vision/internal/types"
)

var (
	// ErrNoDevice is returned while no video path is configured.
	ErrNoDevice = errors.New("capture: no camera id, waiting to start capture session")
	// ErrFrameTimeout is returned when no frame arrived within the frame timeout.
	ErrFrameTimeout = errors.New("capture: timed out waiting for frame")
	// ErrDeviceFailed wraps pipeline failures that need a fresh device.
	ErrDeviceFailed = errors.New("capture: device failed")
	// ErrClosed is returned by Grab after Close.
	ErrClosed = errors.New("capture: closed")
)

// IsSessionFault reports whether err requires releasing the device and
// starting a new session. Anything else is an acquisition fault.
func IsSessionFault(err error) bool {
	return errors.Is(err, ErrDeviceFailed) || errors.Is(err, ErrClosed)
}

// Capture produces frames from one device.
type Capture interface {
	// Grab blocks until the next frame, a fault, or ctx is done.
	Grab(ctx context.Context) (*types.Frame, error)
	// Close releases the device. Safe to call more than once.
	Close() error
	Stats() Stats
}

// Stats is a snapshot of capture counters.
type Stats struct {
	Source        string    `json:"source"`
	FramesGrabbed uint64    `json:"frames_grabbed"`
	FramesDropped uint64    `json:"frames_dropped"`
	BytesRead     uint64    `json:"bytes_read"`
	Errors        ErrStats  `json:"errors"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
}

// ErrStats counts pipeline errors by category.
type ErrStats struct {
	Device     uint64 `json:"device"`
	Codec      uint64 `json:"codec"`
	Permission uint64 `json:"permission"`
	Unknown    uint64 `json:"unknown"`
}

// Settings are the acquisition parameters of one device.
type Settings struct {
	VideoPath    string
	Width        int
	Height       int
	AutoExposure int
	Exposure     int
	Gain         int
	FrameTimeout time.Duration
}

// SettingsFromConfig extracts the acquisition fields.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		VideoPath:    cfg.VideoPath,
		Width:        cfg.Width,
		Height:       cfg.Height,
		AutoExposure: cfg.AutoExposure,
		Exposure:     cfg.Exposure,
		Gain:         cfg.Gain,
		FrameTimeout: cfg.Capture.FrameTimeout,
	}
}

// New opens the source selected by cfg.Capture.Source. The GStreamer device
// itself is opened lazily on the first Grab.
func New(cfg *config.Config, logger *slog.Logger) (Capture, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Capture.Source {
	case "test":
		return NewStatic(cfg.Capture.TestImage, cfg.Width, cfg.Height)
	case "gstreamer", "":
		return NewGStreamer(SettingsFromConfig(cfg), logger), nil
	default:
		return nil, fmt.Errorf("capture: unknown source %q", cfg.Capture.Source)
	}
}
