package imulog

import (
	"fmt"
	"io"

	"github.com/banshee-data/holistic.replay/internal/sensor"
)

// Printer writes two lines per packet:
//
//	IMU Accelerometer: x=0.012000 y=-0.034000 z=9.806650
//	IMU Gyroscope: x=0.001000 y=0.000000 z=-0.002000
type Printer struct {
	w       io.Writer
	packets uint64
}

// NewPrinter creates a Printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Emit prints the accelerometer and gyroscope readings of p.
func (p *Printer) Emit(packet sensor.IMUPacket) error {
	if _, err := fmt.Fprintf(p.w, "IMU Accelerometer: %s\nIMU Gyroscope: %s\n",
		packet.Accelerometer.Value, packet.Gyroscope.Value); err != nil {
		return fmt.Errorf("failed to print IMU packet: %w", err)
	}
	p.packets++
	return nil
}

// Packets returns how many packets were printed.
func (p *Printer) Packets() uint64 {
	return p.packets
}
