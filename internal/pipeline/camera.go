package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"time"

	"golang.org/x/image/draw"

	"github.com/banshee-data/holistic.replay/internal/recording"
	"github.com/banshee-data/holistic.replay/internal/sensor"
)

// SensorResolution is the native resolution a colour sensor is configured for.
type SensorResolution int

const (
	Resolution720P SensorResolution = iota
	Resolution1080P
	Resolution4K
	Resolution12MP
)

var resolutionNames = map[SensorResolution]string{
	Resolution720P:  "THE_720_P",
	Resolution1080P: "THE_1080_P",
	Resolution4K:    "THE_4_K",
	Resolution12MP:  "THE_12_MP",
}

func (r SensorResolution) String() string {
	if name, ok := resolutionNames[r]; ok {
		return name
	}
	return fmt.Sprintf("SensorResolution(%d)", int(r))
}

// Size returns the sensor's pixel dimensions.
func (r SensorResolution) Size() (width, height int) {
	switch r {
	case Resolution720P:
		return 1280, 720
	case Resolution1080P:
		return 1920, 1080
	case Resolution4K:
		return 3840, 2160
	case Resolution12MP:
		return 4056, 3040
	}
	return 0, 0
}

// ParseSensorResolution accepts "THE_1080_P" or the short form "1080P".
func ParseSensorResolution(s string) (SensorResolution, error) {
	key := func(v string) string {
		v = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(v)), "THE_")
		return strings.ReplaceAll(v, "_", "")
	}
	want := key(s)
	for r, name := range resolutionNames {
		if key(name) == want {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown sensor resolution %q", s)
}

// ColorCamera replays a recorded colour stream. Frames are decimated to the
// configured fps. The Video output carries frames at the video size; the
// Preview output carries a centre crop scaled to the preview size.
type ColorCamera struct {
	socket        sensor.BoardSocket
	resolution    SensorResolution
	videoWidth    int
	videoHeight   int
	previewWidth  int
	previewHeight int
	fps           float64

	// Video carries frames at the configured video size.
	Video *Output[*ImgFrame]
	// Preview carries RGBA frames at the configured preview size.
	Preview *Output[*ImgFrame]

	input   *MessageQueue[recording.Frame]
	seq     uint64
	nextDue time.Duration
	primed  bool
}

func newColorCamera() *ColorCamera {
	c := &ColorCamera{
		socket:        sensor.CamA,
		resolution:    Resolution1080P,
		videoWidth:    1920,
		videoHeight:   1080,
		previewWidth:  300,
		previewHeight: 300,
		fps:           30,
	}
	c.Video = newOutput[*ImgFrame]("")
	c.Preview = newOutput[*ImgFrame]("")
	c.renameOutputs()
	return c
}

func (c *ColorCamera) renameOutputs() {
	c.Video.name = string(c.socket) + ".video"
	c.Preview.name = string(c.socket) + ".preview"
}

// Name identifies the node in logs.
func (c *ColorCamera) Name() string {
	return "ColorCamera(" + string(c.socket) + ")"
}

// SetBoardSocket selects which recorded camera stream the node replays.
func (c *ColorCamera) SetBoardSocket(socket sensor.BoardSocket) *ColorCamera {
	c.socket = socket
	c.renameOutputs()
	return c
}

// SetResolution sets the sensor resolution.
func (c *ColorCamera) SetResolution(r SensorResolution) *ColorCamera {
	c.resolution = r
	return c
}

// SetVideoSize sets the size of frames on the Video output.
func (c *ColorCamera) SetVideoSize(width, height int) *ColorCamera {
	c.videoWidth, c.videoHeight = width, height
	return c
}

// SetPreviewSize sets the size of frames on the Preview output.
func (c *ColorCamera) SetPreviewSize(width, height int) *ColorCamera {
	c.previewWidth, c.previewHeight = width, height
	return c
}

// SetFps sets the output frame rate.
func (c *ColorCamera) SetFps(fps float64) *ColorCamera {
	c.fps = fps
	return c
}

// BoardSocket returns the configured socket.
func (c *ColorCamera) BoardSocket() sensor.BoardSocket { return c.socket }

// Resolution returns the configured sensor resolution.
func (c *ColorCamera) Resolution() SensorResolution { return c.resolution }

// VideoSize returns the configured video size.
func (c *ColorCamera) VideoSize() (width, height int) { return c.videoWidth, c.videoHeight }

// PreviewSize returns the configured preview size.
func (c *ColorCamera) PreviewSize() (width, height int) { return c.previewWidth, c.previewHeight }

// Fps returns the configured frame rate.
func (c *ColorCamera) Fps() float64 { return c.fps }

func (c *ColorCamera) validate() error {
	if c.fps <= 0 {
		return fmt.Errorf("%w: %s fps must be positive, got %v", ErrInvalidNode, c.Name(), c.fps)
	}
	maxW, maxH := c.resolution.Size()
	if maxW == 0 {
		return fmt.Errorf("%w: %s unknown resolution %v", ErrInvalidNode, c.Name(), c.resolution)
	}
	if c.videoWidth <= 0 || c.videoHeight <= 0 || c.videoWidth > maxW || c.videoHeight > maxH {
		return fmt.Errorf("%w: %s video size %dx%d outside sensor resolution %dx%d",
			ErrInvalidNode, c.Name(), c.videoWidth, c.videoHeight, maxW, maxH)
	}
	if c.previewWidth <= 0 || c.previewHeight <= 0 || c.previewWidth > maxW || c.previewHeight > maxH {
		return fmt.Errorf("%w: %s preview size %dx%d outside sensor resolution %dx%d",
			ErrInvalidNode, c.Name(), c.previewWidth, c.previewHeight, maxW, maxH)
	}
	return nil
}

func (c *ColorCamera) period() time.Duration {
	return time.Duration(float64(time.Second) / c.fps)
}

// due reports whether a frame recorded at ts should be emitted at the
// configured rate. A frame within a tenth of a period of its slot counts.
func (c *ColorCamera) due(ts time.Duration) bool {
	period := c.period()
	if c.primed && ts+period/10 < c.nextDue {
		return false
	}
	if !c.primed || ts-c.nextDue > period {
		c.nextDue = ts
	}
	c.nextDue += period
	c.primed = true
	return true
}

func (c *ColorCamera) run(ctx context.Context) error {
	for {
		rec, err := c.input.GetContext(ctx)
		if errors.Is(err, ErrQueueClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if !c.due(rec.Timestamp) {
			continue
		}

		seq := c.seq
		c.seq++
		src, err := c.source(rec)
		if err != nil {
			return err
		}

		if len(c.Video.Queues()) > 0 {
			frame, err := c.videoFrame(src, seq)
			if err != nil {
				return err
			}
			if err := c.Video.send(ctx, frame); err != nil {
				return err
			}
		}
		if len(c.Preview.Queues()) > 0 {
			frame, err := c.previewFrame(src, seq)
			if err != nil {
				return err
			}
			if err := c.Preview.send(ctx, frame); err != nil {
				return err
			}
		}
	}
}

// frameSource is a recorded frame decoded at most once.
type frameSource struct {
	rec    recording.Frame
	width  int
	height int
	img    image.Image
}

func (c *ColorCamera) source(rec recording.Frame) (*frameSource, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(rec.Data))
	if err != nil {
		return nil, fmt.Errorf("%s: frame %d: %w", c.Name(), rec.Sequence, err)
	}
	return &frameSource{rec: rec, width: cfg.Width, height: cfg.Height}, nil
}

func (s *frameSource) image() (image.Image, error) {
	if s.img != nil {
		return s.img, nil
	}
	img, err := jpeg.Decode(bytes.NewReader(s.rec.Data))
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", s.rec.Sequence, err)
	}
	s.img = img
	return img, nil
}

func (c *ColorCamera) newFrame(src *frameSource, seq uint64, width, height int) *ImgFrame {
	return &ImgFrame{
		Sequence:  seq,
		Timestamp: src.rec.Timestamp,
		Socket:    c.socket,
		Width:     width,
		Height:    height,
	}
}

// videoFrame passes the recorded JPEG through when it already has the video
// size and rescales it otherwise.
func (c *ColorCamera) videoFrame(src *frameSource, seq uint64) (*ImgFrame, error) {
	frame := c.newFrame(src, seq, c.videoWidth, c.videoHeight)
	if src.width == c.videoWidth && src.height == c.videoHeight {
		frame.Type = FrameTypeJPEG
		frame.Data = src.rec.Data
		return frame, nil
	}

	img, err := src.image()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Name(), err)
	}
	frame.SetRaster(scale(img, img.Bounds(), c.videoWidth, c.videoHeight))
	return frame, nil
}

// previewFrame crops the centre of the frame to the preview aspect ratio and
// scales it to the preview size.
func (c *ColorCamera) previewFrame(src *frameSource, seq uint64) (*ImgFrame, error) {
	img, err := src.image()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Name(), err)
	}
	frame := c.newFrame(src, seq, c.previewWidth, c.previewHeight)
	crop := centreCrop(img.Bounds(), c.previewWidth, c.previewHeight)
	frame.SetRaster(scale(img, crop, c.previewWidth, c.previewHeight))
	return frame, nil
}

func scale(src image.Image, from image.Rectangle, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, from, draw.Src, nil)
	return dst
}

// centreCrop returns the largest rectangle centred in b with the aspect
// ratio width:height.
func centreCrop(b image.Rectangle, width, height int) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	if w*height > h*width {
		cw := h * width / height
		x0 := b.Min.X + (w-cw)/2
		return image.Rect(x0, b.Min.Y, x0+cw, b.Max.Y)
	}
	ch := w * height / width
	y0 := b.Min.Y + (h-ch)/2
	return image.Rect(b.Min.X, y0, b.Max.X, y0+ch)
}
