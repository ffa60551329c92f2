package vision

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxMessageSize bounds a single framed message (a 1920x1200 RGB frame is ~7MB).
const MaxMessageSize = 32 << 20

// Worker operations
const (
	OpDetect = "detect"
	OpSolve  = "solve"
)

// Solver methods understood by the worker
const (
	MethodIPPESquare = "ippe_square"
	MethodSQPnP      = "sqpnp"
)

// Request is one message to the worker process.
type Request struct {
	ID uint64 `msgpack:"id"`
	Op string `msgpack:"op"`

	// detect
	Frame      []byte `msgpack:"frame,omitempty"`
	Width      int    `msgpack:"width,omitempty"`
	Height     int    `msgpack:"height,omitempty"`
	Dictionary string `msgpack:"dictionary,omitempty"`

	// solve
	Method       string       `msgpack:"method,omitempty"`
	ObjectPoints [][3]float64 `msgpack:"object_points,omitempty"`
	ImagePoints  [][2]float64 `msgpack:"image_points,omitempty"`
	CameraMatrix []float64    `msgpack:"camera_matrix,omitempty"`
	Distortion   []float64    `msgpack:"distortion,omitempty"`
}

// Response is one message from the worker process. Error is set instead of
// the payload when the operation failed.
type Response struct {
	ID        uint64     `msgpack:"id"`
	Error     string     `msgpack:"error,omitempty"`
	Markers   []Marker   `msgpack:"markers,omitempty"`
	Solutions []Solution `msgpack:"solutions,omitempty"`
	TotalMS   float64    `msgpack:"total_ms,omitempty"`
}

// Marker is a detected marker with its corners in image pixels.
type Marker struct {
	ID      uint64        `msgpack:"id"`
	Corners [4][2]float64 `msgpack:"corners"`
}

// Solution is one PnP solution: translation, angle-axis rotation, and
// reprojection error in pixels.
type Solution struct {
	T     [3]float64 `msgpack:"t"`
	R     [3]float64 `msgpack:"r"`
	Error float64    `msgpack:"error"`
}

// WriteMessage writes v as msgpack with a 4-byte big-endian length prefix.
func WriteMessage(w io.Writer, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal msgpack message")
	}
	if len(data) > MaxMessageSize {
		return errors.Errorf("message of %d bytes exceeds limit", len(data))
	}

	buf := make([]byte, 4, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	buf = append(buf, data...)

	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	return nil
}

// ReadMessage reads one length-prefixed msgpack message into v. io.EOF is
// returned unwrapped when the stream ends cleanly between messages.
func ReadMessage(r io.Reader, v interface{}) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return errors.Wrap(err, "failed to read length prefix")
	}

	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > MaxMessageSize {
		return errors.Errorf("message length %d exceeds limit", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return errors.Wrapf(err, "failed to read %d byte message", n)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "failed to unmarshal msgpack message")
	}
	return nil
}
