// Package telemetry encodes resolved camera poses into the pose-sample wire format.
//
// Layout, all fields big-endian:
//
//	time:u32 | tag_count:i32 | tag_ids:i32[tag_count] | has_secondary:u8 |
//	primary{tx,ty,tz,qw,qx,qy,qz,error:f64} | [secondary{same} if has_secondary=1]
package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"go.viam.com/rdk/spatialmath"

	"github.com/wilsonwatson/watson-vision/internal/fiducial"
	"github.com/wilsonwatson/watson-vision/internal/geometry"
)

const (
	// HeaderLen covers time, tag_count and has_secondary.
	HeaderLen = 4 + 4 + 1
	// PoseLen is one pose block: translation, quaternion, error.
	PoseLen = 8 * 8
)

var (
	// ErrTagIDOutOfRange is returned when a marker id does not fit in an i32.
	ErrTagIDOutOfRange = errors.New("telemetry: tag id exceeds 32-bit range")
	// ErrNoPose is returned for an observation without a primary pose.
	ErrNoPose = errors.New("telemetry: observation has no primary pose")
)

// EncodedLen returns the exact sample length for n tags.
func EncodedLen(n int, hasSecondary bool) int {
	l := HeaderLen + 4*n + PoseLen
	if hasSecondary {
		l += PoseLen
	}
	return l
}

// Encode serializes obs with the given synchronized sample time.
// Ids above math.MaxInt32 are rejected instead of being narrowed.
func Encode(sampleTime uint32, obs *fiducial.CameraPoseObservation) ([]byte, error) {
	if obs == nil || obs.Primary == nil {
		return nil, ErrNoPose
	}
	for _, id := range obs.TagIDs {
		if id > math.MaxInt32 {
			return nil, fmt.Errorf("%w: %d", ErrTagIDOutOfRange, id)
		}
	}

	buf := make([]byte, 0, EncodedLen(len(obs.TagIDs), obs.HasSecondary()))
	buf = binary.BigEndian.AppendUint32(buf, sampleTime)
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(len(obs.TagIDs))))
	for _, id := range obs.TagIDs {
		buf = binary.BigEndian.AppendUint32(buf, uint32(int32(id)))
	}
	if obs.HasSecondary() {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	buf = appendPose(buf, obs.Primary, obs.PrimaryError)
	if obs.HasSecondary() {
		buf = appendPose(buf, obs.Secondary, obs.SecondaryError)
	}
	return buf, nil
}

func appendPose(buf []byte, p spatialmath.Pose, errPx float64) []byte {
	t := p.Point()
	w, x, y, z := geometry.Quaternion(p)
	for _, v := range [8]float64{t.X, t.Y, t.Z, w, x, y, z, errPx} {
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}

// SampleTime narrows an estimated server time in microseconds to the u32
// wire field. The field wraps roughly every 71 minutes; consumers recover the
// high bits from their own clock.
func SampleTime(serverMicros int64) uint32 {
	return uint32(uint64(serverMicros))
}
