// Package sensor defines the identifiers and sample types shared by the
// recording container and the replay pipeline.
package sensor

import (
	"fmt"
	"strings"
	"time"
)

// BoardSocket names the physical camera connector a stream was captured on.
type BoardSocket string

const (
	CamA BoardSocket = "CAM_A"
	CamB BoardSocket = "CAM_B"
	CamC BoardSocket = "CAM_C"
	CamD BoardSocket = "CAM_D"
)

// ParseBoardSocket accepts "CAM_A" style names, case-insensitively.
func ParseBoardSocket(s string) (BoardSocket, error) {
	switch BoardSocket(strings.ToUpper(strings.TrimSpace(s))) {
	case CamA:
		return CamA, nil
	case CamB:
		return CamB, nil
	case CamC:
		return CamC, nil
	case CamD:
		return CamD, nil
	}
	return "", fmt.Errorf("unknown board socket %q", s)
}

// IMUSensor names one IMU channel.
type IMUSensor string

const (
	AccelerometerRaw IMUSensor = "ACCELEROMETER_RAW"
	GyroscopeRaw     IMUSensor = "GYROSCOPE_RAW"
)

// ParseIMUSensor accepts "ACCELEROMETER_RAW" style names, case-insensitively.
func ParseIMUSensor(s string) (IMUSensor, error) {
	switch IMUSensor(strings.ToUpper(strings.TrimSpace(s))) {
	case AccelerometerRaw:
		return AccelerometerRaw, nil
	case GyroscopeRaw:
		return GyroscopeRaw, nil
	}
	return "", fmt.Errorf("unknown IMU sensor %q", s)
}

// Vector3 is a 3-axis reading. Accelerometer values are m/s², gyroscope
// values rad/s.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vector3) String() string {
	return fmt.Sprintf("x=%.6f y=%.6f z=%.6f", v.X, v.Y, v.Z)
}

// IMUReport is a single reading from one IMU channel. Timestamp is the device
// time relative to the start of the capture.
type IMUReport struct {
	Sequence  uint64        `json:"sequence"`
	Timestamp time.Duration `json:"timestamp"`
	Value     Vector3       `json:"value"`
}

// IMUPacket pairs the latest accelerometer and gyroscope reports. A channel
// that is not enabled carries a zero report.
type IMUPacket struct {
	Accelerometer IMUReport `json:"accelerometer"`
	Gyroscope     IMUReport `json:"gyroscope"`
}

// Report returns the packet's report for s.
func (p IMUPacket) Report(s IMUSensor) IMUReport {
	switch s {
	case AccelerometerRaw:
		return p.Accelerometer
	case GyroscopeRaw:
		return p.Gyroscope
	}
	return IMUReport{}
}

// Timestamp is the newest report time in the packet.
func (p IMUPacket) Timestamp() time.Duration {
	if p.Gyroscope.Timestamp > p.Accelerometer.Timestamp {
		return p.Gyroscope.Timestamp
	}
	return p.Accelerometer.Timestamp
}
