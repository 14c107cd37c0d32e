package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/holistic.replay/internal/sensor"
)

const (
	defaultBatchReportThreshold = 1
	defaultMaxBatchReports      = 10
)

// IMU replays recorded IMU packets. Only enabled channels are reported, each
// at no more than its configured rate, and packets are grouped into batches.
type IMU struct {
	rates          map[sensor.IMUSensor]int
	batchThreshold int
	maxBatch       int

	// Out carries IMUData batches.
	Out *Output[*IMUData]

	input   *MessageQueue[sensor.IMUPacket]
	last    map[sensor.IMUSensor]sensor.IMUReport
	pending []sensor.IMUPacket
	seq     uint64
}

func newIMU() *IMU {
	return &IMU{
		rates:          make(map[sensor.IMUSensor]int),
		batchThreshold: defaultBatchReportThreshold,
		maxBatch:       defaultMaxBatchReports,
		Out:            newOutput[*IMUData]("imu.out"),
		last:           make(map[sensor.IMUSensor]sensor.IMUReport),
	}
}

// Name identifies the node in logs.
func (m *IMU) Name() string {
	return "IMU"
}

// EnableIMUSensor enables channel s at rateHz.
func (m *IMU) EnableIMUSensor(s sensor.IMUSensor, rateHz int) *IMU {
	m.rates[s] = rateHz
	return m
}

// SetBatchReportThreshold sets how many packets make a batch.
func (m *IMU) SetBatchReportThreshold(n int) *IMU {
	m.batchThreshold = n
	return m
}

// SetMaxBatchReports sets the largest batch the node may emit.
func (m *IMU) SetMaxBatchReports(n int) *IMU {
	m.maxBatch = n
	return m
}

// EnabledSensors returns the enabled channels in name order.
func (m *IMU) EnabledSensors() []sensor.IMUSensor {
	out := make([]sensor.IMUSensor, 0, len(m.rates))
	for s := range m.rates {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Rate returns the configured rate of s, or 0 when it is disabled.
func (m *IMU) Rate(s sensor.IMUSensor) int {
	return m.rates[s]
}

func (m *IMU) validate() error {
	if len(m.rates) == 0 {
		return fmt.Errorf("%w: %s has no enabled sensors", ErrInvalidNode, m.Name())
	}
	for s, rate := range m.rates {
		if rate <= 0 {
			return fmt.Errorf("%w: %s %s rate must be positive, got %d", ErrInvalidNode, m.Name(), s, rate)
		}
	}
	if m.batchThreshold < 1 || m.maxBatch < 1 {
		return fmt.Errorf("%w: %s batch threshold %d and max batch %d must be positive",
			ErrInvalidNode, m.Name(), m.batchThreshold, m.maxBatch)
	}
	if m.batchThreshold > m.maxBatch {
		return fmt.Errorf("%w: %s batch threshold %d exceeds max batch reports %d",
			ErrInvalidNode, m.Name(), m.batchThreshold, m.maxBatch)
	}
	return nil
}

// filter returns the packet as the node reports it. fresh is false when no
// enabled channel has a new reading due at its configured rate.
func (m *IMU) filter(in sensor.IMUPacket) (out sensor.IMUPacket, fresh bool) {
	for _, s := range m.EnabledSensors() {
		r := in.Report(s)
		period := time.Second / time.Duration(m.rates[s])
		last, seen := m.last[s]

		if !seen || (r.Timestamp > last.Timestamp && r.Timestamp-last.Timestamp+period/10 >= period) {
			m.last[s] = r
			last = r
			fresh = true
		}

		switch s {
		case sensor.AccelerometerRaw:
			out.Accelerometer = last
		case sensor.GyroscopeRaw:
			out.Gyroscope = last
		}
	}
	return out, fresh
}

func (m *IMU) run(ctx context.Context) error {
	for {
		packet, err := m.input.GetContext(ctx)
		if errors.Is(err, ErrQueueClosed) {
			return m.flush(ctx)
		}
		if err != nil {
			return err
		}

		out, fresh := m.filter(packet)
		if !fresh {
			continue
		}
		m.pending = append(m.pending, out)
		if len(m.pending) >= m.batchThreshold {
			if err := m.flush(ctx); err != nil {
				return err
			}
		}
	}
}

func (m *IMU) flush(ctx context.Context) error {
	for len(m.pending) > 0 {
		n := len(m.pending)
		if n > m.maxBatch {
			n = m.maxBatch
		}
		batch := &IMUData{
			Sequence: m.seq,
			Packets:  append([]sensor.IMUPacket(nil), m.pending[:n]...),
		}
		m.seq++
		m.pending = m.pending[n:]
		if err := m.Out.send(ctx, batch); err != nil {
			return err
		}
	}
	m.pending = nil
	return nil
}
