// Command gen-recording generates a synthetic colour video and IMU recording
// for testing replay.
package main

import (
	"flag"
	"log"
	"time"

	"github.com/banshee-data/holistic.replay/internal/recording"
)

func main() {
	output := flag.String("o", "recordings/recording.tar.gz", "output path (.tar.gz, .tar or a directory)")
	duration := flag.Duration("duration", 10*time.Second, "recording length")
	fps := flag.Float64("fps", 30, "video frame rate")
	width := flag.Int("width", 1920, "frame width")
	height := flag.Int("height", 1080, "frame height")
	accelRate := flag.Int("accel-rate", 500, "accelerometer rate in Hz (0 disables)")
	gyroRate := flag.Int("gyro-rate", 400, "gyroscope rate in Hz (0 disables)")
	flag.Parse()

	gen := recording.NewSyntheticGenerator()
	gen.Duration = *duration
	gen.FPS = *fps
	gen.Width, gen.Height = *width, *height
	gen.AccelRateHz, gen.GyroRateHz = *accelRate, *gyroRate

	h, err := gen.Generate(*output)
	if err != nil {
		log.Fatalf("failed to generate recording: %v", err)
	}

	var packets uint64
	if h.IMU != nil {
		packets = h.IMU.Packets
	}
	log.Printf("✓ Created: %s (%d frames, %d IMU packets, %s)",
		*output, h.Cameras[0].Frames, packets, h.Duration())
}
