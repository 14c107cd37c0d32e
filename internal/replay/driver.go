// Package replay drives the display loop over a running pipeline: one video
// frame and one IMU batch per iteration, the frame shown, the IMU packets
// printed, and a short poll for the cancel key.
package replay

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/banshee-data/holistic.replay/internal/imulog"
	"github.com/banshee-data/holistic.replay/internal/monitoring"
	"github.com/banshee-data/holistic.replay/internal/pipeline"
	"github.com/banshee-data/holistic.replay/internal/sensor"
)

// Defaults for Driver.
const (
	DefaultWindow    = "video"
	DefaultCancelKey = 'q'
	DefaultKeyWait   = time.Millisecond
)

// Runner reports whether the producer side is still running.
type Runner interface {
	IsRunning() bool
}

// Source is a blocking queue of messages.
type Source[T any] interface {
	GetContext(ctx context.Context) (T, error)
}

// Sink shows frames and reports keypresses.
type Sink interface {
	Show(window string, img image.Image) error
	WaitKey(timeout time.Duration) (rune, bool)
}

// FrameObserver is told about every frame shown.
type FrameObserver interface {
	ObserveFrame(ts time.Duration)
}

// StopReason says why Run returned.
type StopReason string

const (
	StopPipelineStopped StopReason = "pipeline stopped"
	StopCancelKey       StopReason = "cancel key"
	StopContext         StopReason = "context cancelled"
	StopError           StopReason = "error"
)

// Stats counts what one Run consumed.
type Stats struct {
	Iterations int
	Frames     int
	IMUBatches int
	IMUPackets int
	Reason     StopReason
}

// Driver is the replay loop.
type Driver struct {
	Pipeline Runner
	Video    Source[*pipeline.ImgFrame]
	IMU      Source[*pipeline.IMUData]
	Display  Sink
	IMUSink  imulog.Sink

	// Window is the display window frames are shown on.
	Window string
	// CancelKey ends the loop when pressed.
	CancelKey rune
	// KeyWait bounds the cancel key poll of each iteration.
	KeyWait time.Duration
	// Frames, if set, observes every frame shown.
	Frames FrameObserver

	logf func(format string, v ...interface{})
}

// NewDriver creates a Driver with the default window, cancel key and key wait.
func NewDriver(p Runner, video Source[*pipeline.ImgFrame], imu Source[*pipeline.IMUData], display Sink, sink imulog.Sink) *Driver {
	return &Driver{
		Pipeline:  p,
		Video:     video,
		IMU:       imu,
		Display:   display,
		IMUSink:   sink,
		Window:    DefaultWindow,
		CancelKey: DefaultCancelKey,
		KeyWait:   DefaultKeyWait,
	}
}

// Run loops while the pipeline is running. It returns when the pipeline
// stops, an output queue closes, the cancel key is pressed or ctx is
// cancelled; the last two are not errors. Any other failure is returned
// wrapped with the step that failed.
func (d *Driver) Run(ctx context.Context) (Stats, error) {
	if d.logf == nil {
		d.logf = monitoring.Tagged("replay")
	}
	if d.Pipeline == nil || d.Video == nil || d.IMU == nil || d.Display == nil || d.IMUSink == nil {
		return Stats{Reason: StopError}, fmt.Errorf("replay driver is missing a pipeline, queue or sink")
	}

	var stats Stats
	stop := func(reason StopReason) (Stats, error) {
		stats.Reason = reason
		d.logf("stopped after %d iterations: %s", stats.Iterations, reason)
		return stats, nil
	}
	fail := func(err error) (Stats, error) {
		stats.Reason = StopError
		return stats, err
	}

	for d.Pipeline.IsRunning() {
		frame, err := d.Video.GetContext(ctx)
		if err != nil {
			if reason, ok := stopped(err); ok {
				return stop(reason)
			}
			return fail(fmt.Errorf("failed to get video frame: %w", err))
		}

		batch, err := d.IMU.GetContext(ctx)
		if err != nil {
			if reason, ok := stopped(err); ok {
				return stop(reason)
			}
			return fail(fmt.Errorf("failed to get IMU data: %w", err))
		}
		stats.Iterations++

		img, err := frame.Image()
		if err != nil {
			return fail(fmt.Errorf("failed to convert frame %d: %w", frame.Sequence, err))
		}
		if err := d.Display.Show(d.Window, img); err != nil {
			return fail(fmt.Errorf("failed to show frame %d: %w", frame.Sequence, err))
		}
		stats.Frames++
		if d.Frames != nil {
			d.Frames.ObserveFrame(frame.Timestamp)
		}

		if err := d.emit(batch.Packets); err != nil {
			return fail(err)
		}
		stats.IMUBatches++
		stats.IMUPackets += len(batch.Packets)

		if key, ok := d.Display.WaitKey(d.KeyWait); ok && key == d.CancelKey {
			return stop(StopCancelKey)
		}
	}
	return stop(StopPipelineStopped)
}

func (d *Driver) emit(packets []sensor.IMUPacket) error {
	for _, p := range packets {
		if err := d.IMUSink.Emit(p); err != nil {
			return fmt.Errorf("failed to emit IMU packet: %w", err)
		}
	}
	if f, ok := d.IMUSink.(imulog.Flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("failed to flush IMU packets: %w", err)
		}
	}
	return nil
}

// stopped maps queue and context errors that mean "finished" to a reason.
func stopped(err error) (StopReason, bool) {
	switch {
	case errors.Is(err, pipeline.ErrQueueClosed):
		return StopPipelineStopped, true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StopContext, true
	}
	return "", false
}
