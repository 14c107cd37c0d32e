// Package recording reads and writes holistic sensor captures: one or more
// JPEG camera streams and an IMU stream packed into a tar(.gz) archive.
//
// Layout of an archive (or an extracted directory):
//
//	header.json   metadata, stream list and counts
//	CAM_A.mjpeg   length-prefixed video records, one per frame
//	imu.pb        length-prefixed protobuf IMU packets
//
// Every record is a little-endian uint32 payload length followed by the
// payload. A video payload is uint64 sequence, int64 timestamp (ns) and the
// JPEG bytes.
package recording

import (
	"errors"
	"time"

	"github.com/banshee-data/holistic.replay/internal/sensor"
)

// FormatVersion is written into every header and checked on open.
const FormatVersion = "1.0"

const (
	// HeaderFile is the metadata entry name.
	HeaderFile = "header.json"
	// IMUFile is the IMU stream entry name.
	IMUFile = "imu.pb"
	// VideoExtension is appended to the board socket to name a video stream.
	VideoExtension = ".mjpeg"
	// EncodingJPEG is the only supported video encoding.
	EncodingJPEG = "jpeg"
)

// maxRecordSize bounds a single record so a corrupt length prefix cannot
// trigger a huge allocation.
const maxRecordSize = 64 << 20

var (
	// ErrUnsupportedVersion is returned for headers written by an unknown format version.
	ErrUnsupportedVersion = errors.New("unsupported recording version")
	// ErrCorruptRecord is returned when a stream record cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt recording record")
	// ErrUnknownStream is returned when a stream is not declared in the header.
	ErrUnknownStream = errors.New("stream not present in recording")
)

// Header describes a recording.
type Header struct {
	Version     string         `json:"version"`
	RecordingID string         `json:"recording_id"`
	CreatedNs   int64          `json:"created_ns"`
	Generator   string         `json:"generator,omitempty"`
	StartNs     int64          `json:"start_ns"`
	EndNs       int64          `json:"end_ns"`
	Cameras     []CameraStream `json:"cameras"`
	IMU         *IMUStream     `json:"imu,omitempty"`
}

// CameraStream describes one recorded video stream.
type CameraStream struct {
	Socket   sensor.BoardSocket `json:"socket"`
	Width    int                `json:"width"`
	Height   int                `json:"height"`
	FPS      float64            `json:"fps"`
	Encoding string             `json:"encoding"`
	Frames   uint64             `json:"frames"`
	File     string             `json:"file"`
}

// IMUStream describes the recorded IMU stream.
type IMUStream struct {
	Sensors []IMUSensorInfo `json:"sensors"`
	Packets uint64          `json:"packets"`
	File    string          `json:"file"`
}

// IMUSensorInfo is one recorded IMU channel and its capture rate.
type IMUSensorInfo struct {
	Name   sensor.IMUSensor `json:"name"`
	RateHz int              `json:"rate_hz"`
}

// Camera returns the stream recorded on socket.
func (h Header) Camera(socket sensor.BoardSocket) (CameraStream, bool) {
	for _, c := range h.Cameras {
		if c.Socket == socket {
			return c, true
		}
	}
	return CameraStream{}, false
}

// HasIMUSensor reports whether channel s was recorded.
func (h Header) HasIMUSensor(s sensor.IMUSensor) bool {
	if h.IMU == nil {
		return false
	}
	for _, info := range h.IMU.Sensors {
		if info.Name == s {
			return true
		}
	}
	return false
}

// Duration is the span between the first and last recorded sample.
func (h Header) Duration() time.Duration {
	return time.Duration(h.EndNs - h.StartNs)
}

// Frame is one recorded video frame.
type Frame struct {
	Sequence  uint64
	Timestamp time.Duration
	Data      []byte
}

func videoFileName(socket sensor.BoardSocket) string {
	return string(socket) + VideoExtension
}
