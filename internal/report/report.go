// Package report summarises a replay run and renders its IMU traces.
package report

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/holistic.replay/internal/sensor"
)

// maxPlotPoints caps the samples drawn per trace; longer runs are strided.
const maxPlotPoints = 5000

// Collector records frame timestamps and IMU packets seen during a replay.
// It implements imulog.Sink so it can sit beside the text printer.
type Collector struct {
	mu      sync.Mutex
	frames  []time.Duration
	packets []sensor.IMUPacket
	batches int
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// ObserveFrame records a displayed frame's device timestamp.
func (c *Collector) ObserveFrame(ts time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, ts)
}

// Emit records one IMU packet.
func (c *Collector) Emit(p sensor.IMUPacket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, p)
	return nil
}

// Flush marks the end of an IMU batch.
func (c *Collector) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches++
	return nil
}

// Summary describes a replay run.
type Summary struct {
	Frames              int
	FrameIntervalMean   time.Duration
	FrameIntervalStdDev time.Duration
	FrameRate           float64

	IMUBatches int
	IMUPackets int
	IMURate    float64

	AccelMean sensor.Vector3
	GyroMean  sensor.Vector3
}

func (s Summary) String() string {
	return fmt.Sprintf("%d frames (%.2f fps, interval %v ± %v), %d IMU packets in %d batches (%.1f Hz), mean accel %s, mean gyro %s",
		s.Frames, s.FrameRate, s.FrameIntervalMean, s.FrameIntervalStdDev,
		s.IMUPackets, s.IMUBatches, s.IMURate, s.AccelMean, s.GyroMean)
}

// Summary computes frame and IMU statistics from what was observed.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		Frames:     len(c.frames),
		IMUBatches: c.batches,
		IMUPackets: len(c.packets),
	}

	if len(c.frames) > 1 {
		intervals := make([]float64, 0, len(c.frames)-1)
		for i := 1; i < len(c.frames); i++ {
			intervals = append(intervals, float64(c.frames[i]-c.frames[i-1]))
		}
		mean, std := stat.MeanStdDev(intervals, nil)
		s.FrameIntervalMean = time.Duration(mean)
		if len(intervals) > 1 {
			s.FrameIntervalStdDev = time.Duration(std)
		}
		if mean > 0 {
			s.FrameRate = float64(time.Second) / mean
		}
	}

	if n := len(c.packets); n > 0 {
		ax, ay, az := make([]float64, n), make([]float64, n), make([]float64, n)
		gx, gy, gz := make([]float64, n), make([]float64, n), make([]float64, n)
		for i, p := range c.packets {
			ax[i], ay[i], az[i] = p.Accelerometer.Value.X, p.Accelerometer.Value.Y, p.Accelerometer.Value.Z
			gx[i], gy[i], gz[i] = p.Gyroscope.Value.X, p.Gyroscope.Value.Y, p.Gyroscope.Value.Z
		}
		s.AccelMean = sensor.Vector3{X: stat.Mean(ax, nil), Y: stat.Mean(ay, nil), Z: stat.Mean(az, nil)}
		s.GyroMean = sensor.Vector3{X: stat.Mean(gx, nil), Y: stat.Mean(gy, nil), Z: stat.Mean(gz, nil)}

		span := c.packets[n-1].Timestamp() - c.packets[0].Timestamp()
		if n > 1 && span > 0 {
			s.IMURate = float64(n-1) / span.Seconds()
		}
	}
	return s
}

// trace is one sensor's samples prepared for plotting.
type trace struct {
	name string
	unit string
	t    []float64
	x    []float64
	y    []float64
	z    []float64
}

// traces returns the accelerometer and gyroscope traces against seconds
// since the first packet, strided to at most maxPlotPoints.
func (c *Collector) traces() (accel, gyro trace) {
	c.mu.Lock()
	defer c.mu.Unlock()

	accel = trace{name: "Accelerometer", unit: "m/s²"}
	gyro = trace{name: "Gyroscope", unit: "rad/s"}
	if len(c.packets) == 0 {
		return accel, gyro
	}

	stride := (len(c.packets) + maxPlotPoints - 1) / maxPlotPoints
	start := c.packets[0].Timestamp()
	for i := 0; i < len(c.packets); i += stride {
		p := c.packets[i]
		ts := (p.Timestamp() - start).Seconds()
		accel.t = append(accel.t, ts)
		accel.x = append(accel.x, p.Accelerometer.Value.X)
		accel.y = append(accel.y, p.Accelerometer.Value.Y)
		accel.z = append(accel.z, p.Accelerometer.Value.Z)
		gyro.t = append(gyro.t, ts)
		gyro.x = append(gyro.x, p.Gyroscope.Value.X)
		gyro.y = append(gyro.y, p.Gyroscope.Value.Y)
		gyro.z = append(gyro.z, p.Gyroscope.Value.Z)
	}
	return accel, gyro
}

// Write renders the report to path: .png via gonum/plot, .html via
// go-echarts.
func (c *Collector) Write(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return c.WritePlot(path)
	case ".html", ".htm":
		return c.WriteHTML(path)
	}
	return fmt.Errorf("unsupported report format %q: use .png or .html", filepath.Ext(path))
}
