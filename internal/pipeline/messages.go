package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"github.com/banshee-data/holistic.replay/internal/sensor"
)

// FrameType identifies how an ImgFrame payload is stored.
type FrameType int

const (
	// FrameTypeJPEG frames carry the recorded JPEG bytes untouched.
	FrameTypeJPEG FrameType = iota
	// FrameTypeRGBA frames were rescaled and carry a decoded raster.
	FrameTypeRGBA
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeJPEG:
		return "JPEG"
	case FrameTypeRGBA:
		return "RGBA"
	}
	return fmt.Sprintf("FrameType(%d)", int(t))
}

// ImgFrame is one video frame emitted by a ColorCamera. Sequence counts the
// frames emitted by the camera; Timestamp is the recorded device time.
type ImgFrame struct {
	Sequence  uint64
	Timestamp time.Duration
	Socket    sensor.BoardSocket
	Width     int
	Height    int
	Type      FrameType
	Data      []byte

	raster *image.RGBA
}

// SetRaster makes img the frame's pixel data.
func (f *ImgFrame) SetRaster(img *image.RGBA) {
	f.Type = FrameTypeRGBA
	f.Data = img.Pix
	f.raster = img
}

// Image converts the frame into something a display can draw.
func (f *ImgFrame) Image() (image.Image, error) {
	switch f.Type {
	case FrameTypeRGBA:
		if f.raster == nil {
			return nil, fmt.Errorf("frame %d: missing raster", f.Sequence)
		}
		return f.raster, nil
	case FrameTypeJPEG:
		img, err := jpeg.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return nil, fmt.Errorf("frame %d: failed to decode jpeg: %w", f.Sequence, err)
		}
		return img, nil
	}
	return nil, fmt.Errorf("frame %d: unsupported type %v", f.Sequence, f.Type)
}

// IMUData is one batch of IMU packets in arrival order.
type IMUData struct {
	Sequence uint64
	Packets  []sensor.IMUPacket
}
