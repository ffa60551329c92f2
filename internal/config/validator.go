package config

import (
	"fmt"
	"math"
	"net"
	"regexp"
	"strconv"
	"time"
)

var cameraNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// Defaults for the optional sections
const (
	DefaultCaptureSource  = "gstreamer"
	DefaultFrameTimeout   = time.Second
	DefaultReopenDelay    = 2 * time.Second
	DefaultVisionCommand  = "scripts/vision_worker.py"
	DefaultDictionary     = "APRILTAG_36h11"
	DefaultRequestTimeout = 500 * time.Millisecond
	DefaultTransport      = "nt4"
	DefaultNT4Port        = 5810
	DefaultListenHost     = "0.0.0.0"
	DefaultStreamPort     = 3000
	DefaultPreviewMode    = "shared"
	DefaultJPEGQuality    = 75
)

// ApplyDefaults fills optional fields that were left empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Capture.Source == "" {
		cfg.Capture.Source = DefaultCaptureSource
	}
	if cfg.Capture.FrameTimeout <= 0 {
		cfg.Capture.FrameTimeout = DefaultFrameTimeout
	}
	if cfg.Capture.ReopenDelay <= 0 {
		cfg.Capture.ReopenDelay = DefaultReopenDelay
	}

	if cfg.Vision.Command == "" {
		cfg.Vision.Command = DefaultVisionCommand
	}
	if cfg.Vision.Dictionary == "" {
		cfg.Vision.Dictionary = DefaultDictionary
	}
	if cfg.Vision.RequestTimeout <= 0 {
		cfg.Vision.RequestTimeout = DefaultRequestTimeout
	}

	if cfg.Bus.Transport == "" {
		cfg.Bus.Transport = DefaultTransport
	}
	if cfg.Bus.NT4Port == 0 {
		cfg.Bus.NT4Port = DefaultNT4Port
	}
	if cfg.Bus.MQTTClientID == "" && cfg.CameraName != "" {
		cfg.Bus.MQTTClientID = "watson-" + cfg.CameraName
	}

	if cfg.StreamPort == 0 {
		cfg.StreamPort = DefaultStreamPort
	}
	if cfg.HTTP.ListenAddr == "" {
		cfg.HTTP.ListenAddr = net.JoinHostPort(DefaultListenHost, strconv.Itoa(cfg.StreamPort))
	}

	if cfg.Preview.Mode == "" {
		cfg.Preview.Mode = DefaultPreviewMode
	}
	if cfg.Preview.JPEGQuality == 0 {
		cfg.Preview.JPEGQuality = DefaultJPEGQuality
	}
}

// Validate checks if the configuration is valid
func Validate(cfg *Config) error {
	if cfg.CameraName == "" {
		return fmt.Errorf("camera_name is required")
	}
	if !cameraNamePattern.MatchString(cfg.CameraName) {
		return fmt.Errorf("camera_name must match pattern [A-Za-z0-9_-]+")
	}

	if cfg.ServerIP == "" {
		return fmt.Errorf("server_ip is required")
	}
	if cfg.Bus.Transport == "nt4" && net.ParseIP(cfg.ServerIP) == nil {
		return fmt.Errorf("server_ip %q is not an IP address", cfg.ServerIP)
	}

	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("width and height must be > 0, got %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FiducialSizeM <= 0 || math.IsNaN(cfg.FiducialSizeM) {
		return fmt.Errorf("fiducial_size_m must be > 0")
	}
	if cfg.StreamPort <= 0 || cfg.StreamPort > 65535 {
		return fmt.Errorf("stream_port %d out of range", cfg.StreamPort)
	}
	// the announced stream URL carries stream_port, so the server must listen there
	_, port, err := net.SplitHostPort(cfg.HTTP.ListenAddr)
	if err != nil {
		return fmt.Errorf("http.listen_addr %q: %w", cfg.HTTP.ListenAddr, err)
	}
	if port != strconv.Itoa(cfg.StreamPort) {
		return fmt.Errorf("http.listen_addr port %s does not match stream_port %d", port, cfg.StreamPort)
	}

	in, err := cfg.Intrinsics()
	if err != nil {
		return fmt.Errorf("camera_matrix: %w", err)
	}
	if err := in.Validate(); err != nil {
		return fmt.Errorf("camera_matrix: %w", err)
	}

	if err := ValidateLayout(cfg.TagLayout); err != nil {
		return fmt.Errorf("tag_layout validation failed: %w", err)
	}

	switch cfg.Capture.Source {
	case "gstreamer", "test":
	default:
		return fmt.Errorf("capture.source %q unknown (must be 'gstreamer' or 'test')", cfg.Capture.Source)
	}

	switch cfg.Bus.Transport {
	case "nt4", "mqtt", "ros":
	default:
		return fmt.Errorf("bus.transport %q unknown (must be 'nt4', 'mqtt' or 'ros')", cfg.Bus.Transport)
	}

	switch cfg.Preview.Mode {
	case "shared", "broadcast":
	default:
		return fmt.Errorf("preview.mode %q unknown (must be 'shared' or 'broadcast')", cfg.Preview.Mode)
	}
	if cfg.Preview.JPEGQuality < 1 || cfg.Preview.JPEGQuality > 100 {
		return fmt.Errorf("preview.jpeg_quality must be 1-100, got %d", cfg.Preview.JPEGQuality)
	}

	return nil
}

// ValidateLayout checks the tag list for unusable entries. Duplicate ids are
// accepted; Layout keeps the first entry.
func ValidateLayout(layout TagLayout) error {
	for i, tag := range layout.Tags {
		q := tag.Pose.Rotation.Quaternion
		if q.W == 0 && q.X == 0 && q.Y == 0 && q.Z == 0 {
			return fmt.Errorf("tag %d (entry %d): zero quaternion", tag.ID, i)
		}
	}
	return nil
}
