package config

import (
	"fmt"
	"os"
	"time"

	"github.com/golang/geo/r3"
	"gopkg.in/yaml.v3"

	"github.com/wilsonwatson/watson-vision/internal/fiducial"
	"github.com/wilsonwatson/watson-vision/internal/geometry"
)

// Config represents the complete coprocessor configuration. The top-level keys
// match the camera config.json documents; the nested sections are optional.
type Config struct {
	VideoPath     string  `yaml:"video_path"`
	Width         int     `yaml:"width"`
	Height        int     `yaml:"height"`
	AutoExposure  int     `yaml:"auto_exposure"`
	Exposure      int     `yaml:"exposure"`
	Gain          int     `yaml:"gain"`
	FiducialSizeM float64 `yaml:"fiducial_size_m"`

	ServerIP   string `yaml:"server_ip"`
	CameraName string `yaml:"camera_name"`
	StreamPort int    `yaml:"stream_port"`

	HasCalibration         bool      `yaml:"has_calibration"`
	CameraMatrix           []float64 `yaml:"camera_matrix"`
	DistortionCoefficients []float64 `yaml:"distortion_coefficients"`
	TagLayout              TagLayout `yaml:"tag_layout"`

	Capture CaptureConfig `yaml:"capture"`
	Vision  VisionConfig  `yaml:"vision"`
	Bus     BusConfig     `yaml:"bus"`
	HTTP    HTTPConfig    `yaml:"http"`
	Preview PreviewConfig `yaml:"preview"`
}

// TagLayout is the field layout as stored on disk
type TagLayout struct {
	Tags []Tag `yaml:"tags"`
}

// Tag is one marker of the layout
type Tag struct {
	ID   uint64  `yaml:"ID"`
	Pose TagPose `yaml:"pose"`
}

// TagPose is a marker pose in field coordinates
type TagPose struct {
	Translation Translation `yaml:"translation"`
	Rotation    Rotation    `yaml:"rotation"`
}

// Translation in meters
type Translation struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// Rotation wraps the layout quaternion
type Rotation struct {
	Quaternion Quaternion `yaml:"quaternion"`
}

// Quaternion uses the upper-case keys of the layout files
type Quaternion struct {
	W float64 `yaml:"W"`
	X float64 `yaml:"X"`
	Y float64 `yaml:"Y"`
	Z float64 `yaml:"Z"`
}

// CaptureConfig selects and tunes the frame source
type CaptureConfig struct {
	Source       string        `yaml:"source"`        // gstreamer, test
	TestImage    string        `yaml:"test_image"`    // PNG/JPEG for the test source (optional)
	FrameTimeout time.Duration `yaml:"frame_timeout"` // max wait for one frame
	ReopenDelay  time.Duration `yaml:"reopen_delay"`  // pause after releasing the device on reconfigure
}

// VisionConfig describes the detection/solver worker process
type VisionConfig struct {
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	Dictionary     string        `yaml:"dictionary"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// BusConfig selects the telemetry-bus transport
type BusConfig struct {
	Transport    string `yaml:"transport"` // nt4, mqtt, ros
	NT4Port      int    `yaml:"nt4_port"`
	MQTTBroker   string `yaml:"mqtt_broker"`
	MQTTClientID string `yaml:"mqtt_client_id"`
	ROSMaster    string `yaml:"ros_master"`
}

// HTTPConfig contains the preview server settings
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	StreamHost string `yaml:"stream_host"` // host announced in the stream URL; discovered when empty
}

// PreviewConfig contains preview distribution settings
type PreviewConfig struct {
	Mode        string `yaml:"mode"` // shared, broadcast
	JPEGQuality int    `yaml:"jpeg_quality"`
}

// Load reads, parses, defaults and validates a configuration file. YAML and
// JSON documents are both accepted.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Intrinsics returns the camera model.
func (c *Config) Intrinsics() (*geometry.Intrinsics, error) {
	return geometry.NewIntrinsics(c.CameraMatrix, c.DistortionCoefficients)
}

// Layout converts the stored tag list into the resolver's layout.
// The first entry for an id wins; later duplicates are ignored.
func (c *Config) Layout() fiducial.Layout {
	layout := make(fiducial.Layout, len(c.TagLayout.Tags))
	for _, tag := range c.TagLayout.Tags {
		if _, dup := layout[tag.ID]; dup {
			continue
		}
		t := tag.Pose.Translation
		q := tag.Pose.Rotation.Quaternion
		layout[tag.ID] = geometry.FieldPose(r3.Vector{X: t.X, Y: t.Y, Z: t.Z}, q.W, q.X, q.Y, q.Z)
	}
	return layout
}

// AcquisitionChanged reports whether the capture device must be reopened
// when moving from a to b. A nil side counts as a change unless both are nil.
func AcquisitionChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	return a.VideoPath != b.VideoPath ||
		a.Width != b.Width ||
		a.Height != b.Height ||
		a.Exposure != b.Exposure ||
		a.AutoExposure != b.AutoExposure ||
		a.Gain != b.Gain
}
