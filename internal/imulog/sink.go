// Package imulog writes replayed IMU packets to text and to a SQLite store.
package imulog

import (
	"errors"

	"github.com/banshee-data/holistic.replay/internal/sensor"
)

// Sink receives IMU packets one at a time.
type Sink interface {
	Emit(p sensor.IMUPacket) error
}

// Flusher is implemented by sinks that buffer packets. The replay loop
// flushes after every batch.
type Flusher interface {
	Flush() error
}

// Tee sends every packet to each of its sinks.
type Tee []Sink

// Emit forwards p to every sink and returns their errors joined.
func (t Tee) Emit(p sensor.IMUPacket) error {
	var errs []error
	for _, s := range t {
		if err := s.Emit(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush flushes every sink that buffers.
func (t Tee) Flush() error {
	var errs []error
	for _, s := range t {
		if f, ok := s.(Flusher); ok {
			if err := f.Flush(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
