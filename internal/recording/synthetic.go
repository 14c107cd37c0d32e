package recording

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/banshee-data/holistic.replay/internal/sensor"
)

// SyntheticGenerator produces deterministic recordings for demos and tests:
// a scrolling gradient stamped with the frame number, and an IMU that sways
// gently around 1 g.
type SyntheticGenerator struct {
	Socket      sensor.BoardSocket
	Width       int
	Height      int
	FPS         float64
	AccelRateHz int
	GyroRateHz  int
	Duration    time.Duration
	JPEGQuality int
}

// NewSyntheticGenerator returns a generator matching the default replay
// setup: CAM_A at 1920x1080, 30 fps, accelerometer 500 Hz, gyroscope 400 Hz.
func NewSyntheticGenerator() *SyntheticGenerator {
	return &SyntheticGenerator{
		Socket:      sensor.CamA,
		Width:       1920,
		Height:      1080,
		FPS:         30,
		AccelRateHz: 500,
		GyroRateHz:  400,
		Duration:    10 * time.Second,
		JPEGQuality: 80,
	}
}

// Header returns the stream declaration for Create.
func (g *SyntheticGenerator) Header() Header {
	h := Header{
		Cameras: []CameraStream{{
			Socket:   g.Socket,
			Width:    g.Width,
			Height:   g.Height,
			FPS:      g.FPS,
			Encoding: EncodingJPEG,
		}},
	}
	var sensors []IMUSensorInfo
	if g.AccelRateHz > 0 {
		sensors = append(sensors, IMUSensorInfo{Name: sensor.AccelerometerRaw, RateHz: g.AccelRateHz})
	}
	if g.GyroRateHz > 0 {
		sensors = append(sensors, IMUSensorInfo{Name: sensor.GyroscopeRaw, RateHz: g.GyroRateHz})
	}
	if len(sensors) > 0 {
		h.IMU = &IMUStream{Sensors: sensors}
	}
	return h
}

// Generate writes a complete recording to path and returns its header.
func (g *SyntheticGenerator) Generate(path string) (Header, error) {
	if g.Width <= 0 || g.Height <= 0 {
		return Header{}, fmt.Errorf("invalid frame size %dx%d", g.Width, g.Height)
	}
	if g.FPS <= 0 {
		return Header{}, fmt.Errorf("invalid fps %v", g.FPS)
	}

	w, err := Create(path, g.Header())
	if err != nil {
		return Header{}, err
	}

	if err := g.writeStreams(w); err != nil {
		w.Close()
		return Header{}, err
	}
	if err := w.Close(); err != nil {
		return Header{}, err
	}
	return w.Header(), nil
}

// writeStreams interleaves frames and IMU packets in timestamp order.
func (g *SyntheticGenerator) writeStreams(w *Writer) error {
	framePeriod := time.Duration(float64(time.Second) / g.FPS)
	accelPeriod := periodOf(g.AccelRateHz)
	gyroPeriod := periodOf(g.GyroRateHz)

	var (
		frameSeq, accelSeq, gyroSeq uint64
		nextFrame, nextAccel        time.Duration
		nextGyro                    time.Duration
		packet                      sensor.IMUPacket
	)

	for {
		next := nextFrame
		if accelPeriod > 0 && nextAccel < next {
			next = nextAccel
		}
		if gyroPeriod > 0 && nextGyro < next {
			next = nextGyro
		}
		if next >= g.Duration {
			return nil
		}

		imuDue := false
		if accelPeriod > 0 && nextAccel == next {
			packet.Accelerometer = sensor.IMUReport{Sequence: accelSeq, Timestamp: next, Value: g.accel(next)}
			accelSeq++
			nextAccel += accelPeriod
			imuDue = true
		}
		if gyroPeriod > 0 && nextGyro == next {
			packet.Gyroscope = sensor.IMUReport{Sequence: gyroSeq, Timestamp: next, Value: g.gyro(next)}
			gyroSeq++
			nextGyro += gyroPeriod
			imuDue = true
		}
		if imuDue {
			if err := w.WriteIMU(packet); err != nil {
				return err
			}
		}

		if nextFrame == next {
			data, err := g.FrameJPEG(frameSeq)
			if err != nil {
				return err
			}
			if err := w.WriteFrame(g.Socket, Frame{Sequence: frameSeq, Timestamp: next, Data: data}); err != nil {
				return err
			}
			frameSeq++
			nextFrame += framePeriod
		}
	}
}

func periodOf(rateHz int) time.Duration {
	if rateHz <= 0 {
		return 0
	}
	return time.Second / time.Duration(rateHz)
}

func (g *SyntheticGenerator) accel(t time.Duration) sensor.Vector3 {
	s := t.Seconds()
	return sensor.Vector3{
		X: 0.2 * math.Sin(2*math.Pi*0.5*s),
		Y: 0.1 * math.Cos(2*math.Pi*0.25*s),
		Z: 9.80665 + 0.05*math.Sin(2*math.Pi*2*s),
	}
}

func (g *SyntheticGenerator) gyro(t time.Duration) sensor.Vector3 {
	s := t.Seconds()
	return sensor.Vector3{
		X: 0.02 * math.Cos(2*math.Pi*0.5*s),
		Y: -0.01 * math.Sin(2*math.Pi*0.25*s),
		Z: 0.05 * math.Sin(2*math.Pi*0.1*s),
	}
}

// FrameJPEG renders frame seq and encodes it.
func (g *SyntheticGenerator) FrameJPEG(seq uint64) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, g.Width, g.Height))
	shift := int(seq * 4)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((x + shift) * 255 / (g.Width + 1)),
				G: uint8(y * 255 / (g.Height + 1)),
				B: uint8(128 + int(seq%64)),
				A: 255,
			})
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(4, 15),
	}
	d.DrawString(fmt.Sprintf("%s #%d", g.Socket, seq))

	quality := g.JPEGQuality
	if quality <= 0 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame %d: %w", seq, err)
	}
	return buf.Bytes(), nil
}
