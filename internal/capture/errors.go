package capture

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies pipeline errors for stats and logs
type ErrorCategory int

const (
	// ErrCategoryDevice indicates the camera went away or could not be opened
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryCodec indicates MJPEG decode or caps negotiation failures
	ErrCategoryCodec
	// ErrCategoryPermission indicates the process may not open the device
	ErrCategoryPermission
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryPermission:
		return "permission"
	default:
		return "unknown"
	}
}

var (
	permissionKeywords = []string{
		"permission denied",
		"not permitted",
		"eacces",
	}
	codecKeywords = []string{
		"decode",
		"jpeg",
		"mjpg",
		"caps",
		"negotiat",
		"not negotiated",
		"format",
		"missing plugin",
	}
	deviceKeywords = []string{
		"device",
		"v4l2",
		"/dev/",
		"no such file",
		"busy",
		"cannot identify",
		"resource",
		"not found",
		"disconnected",
	}
)

// ClassifyGStreamerError categorizes a bus error message. go-gst's GError
// does not expose the domain, so classification is keyword based.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return Classify(gerr.Error(), gerr.DebugString())
}

// Classify categorizes an error from its message and debug string.
// Permission is checked first, then codec, then device.
func Classify(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)
	switch {
	case containsAny(combined, permissionKeywords):
		return ErrCategoryPermission
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
