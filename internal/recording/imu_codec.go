package recording

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/holistic.replay/internal/sensor"
)

// IMU packets are stored as protobuf messages:
//
//	message Vector3   { double x = 1; double y = 2; double z = 3; }
//	message Report    { uint64 sequence = 1; int64 timestamp_ns = 2; Vector3 value = 3; }
//	message IMUPacket { Report accelerometer = 1; Report gyroscope = 2; }
const (
	fieldVectorX protowire.Number = 1
	fieldVectorY protowire.Number = 2
	fieldVectorZ protowire.Number = 3

	fieldReportSequence  protowire.Number = 1
	fieldReportTimestamp protowire.Number = 2
	fieldReportValue     protowire.Number = 3

	fieldPacketAccelerometer protowire.Number = 1
	fieldPacketGyroscope     protowire.Number = 2
)

func marshalIMUPacket(p sensor.IMUPacket) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPacketAccelerometer, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalReport(p.Accelerometer))
	b = protowire.AppendTag(b, fieldPacketGyroscope, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalReport(p.Gyroscope))
	return b
}

func marshalReport(r sensor.IMUReport) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldReportSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Sequence)
	b = protowire.AppendTag(b, fieldReportTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Timestamp.Nanoseconds()))

	var v []byte
	v = protowire.AppendTag(v, fieldVectorX, protowire.Fixed64Type)
	v = protowire.AppendFixed64(v, math.Float64bits(r.Value.X))
	v = protowire.AppendTag(v, fieldVectorY, protowire.Fixed64Type)
	v = protowire.AppendFixed64(v, math.Float64bits(r.Value.Y))
	v = protowire.AppendTag(v, fieldVectorZ, protowire.Fixed64Type)
	v = protowire.AppendFixed64(v, math.Float64bits(r.Value.Z))

	b = protowire.AppendTag(b, fieldReportValue, protowire.BytesType)
	b = protowire.AppendBytes(b, v)
	return b
}

func unmarshalIMUPacket(b []byte) (sensor.IMUPacket, error) {
	var p sensor.IMUPacket
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType || (num != fieldPacketAccelerometer && num != fieldPacketGyroscope) {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		r, err := unmarshalReport(raw)
		if err != nil {
			return 0, err
		}
		if num == fieldPacketAccelerometer {
			p.Accelerometer = r
		} else {
			p.Gyroscope = r
		}
		return n, nil
	})
	return p, err
}

func unmarshalReport(b []byte) (sensor.IMUReport, error) {
	var r sensor.IMUReport
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldReportSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Sequence = v
			return n, nil
		case num == fieldReportTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Timestamp = time.Duration(int64(v))
			return n, nil
		case num == fieldReportValue && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			v, err := unmarshalVector(raw)
			if err != nil {
				return 0, err
			}
			r.Value = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return r, err
}

func unmarshalVector(b []byte) (sensor.Vector3, error) {
	var v sensor.Vector3
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.Fixed64Type {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		bits, n := protowire.ConsumeFixed64(b)
		switch num {
		case fieldVectorX:
			v.X = math.Float64frombits(bits)
		case fieldVectorY:
			v.Y = math.Float64frombits(bits)
		case fieldVectorZ:
			v.Z = math.Float64frombits(bits)
		}
		return n, nil
	})
	return v, err
}

// consumeFields walks the top-level fields of a message. fn consumes the
// value that follows each tag and returns the number of bytes it used, or a
// negative protowire error code.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrCorruptRecord, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
