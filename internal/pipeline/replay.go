package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/holistic.replay/internal/recording"
	"github.com/banshee-data/holistic.replay/internal/sensor"
	"github.com/banshee-data/holistic.replay/internal/timeutil"
)

// replayNode feeds recorded samples to the sensor nodes. Every recorded
// stream is played by its own goroutine, paced against a shared start on the
// clock at the configured playback rate, so a stalled consumer of one stream
// never holds back another.
type replayNode struct {
	reader  *recording.Reader
	cameras []*ColorCamera
	imu     *IMU
	clock   timeutil.Clock
	rate    float64
	loop    bool
	logf    func(format string, v ...interface{})

	// first is the earliest recorded time; span is how far device time moves
	// forward on each loop pass.
	first time.Duration
	span  time.Duration
}

// replayStream is one recorded stream positioned on its next sample.
type replayStream interface {
	advance() error
	timestamp() time.Duration
	deliver(ctx context.Context, offset time.Duration) error
	close() error
}

func newReplayNode(reader *recording.Reader, p *Pipeline) *replayNode {
	h := reader.Header()
	return &replayNode{
		reader:  reader,
		cameras: p.cameras,
		imu:     p.imu,
		clock:   p.clock,
		rate:    p.rate,
		loop:    p.loop,
		logf:    p.logf,
		first:   time.Duration(h.StartNs),
		// Keep device time moving forward across passes so the sensor
		// nodes' rate limiting does not see time run backwards.
		span: time.Duration(h.EndNs) + time.Millisecond,
	}
}

func (r *replayNode) Name() string {
	return "Replay"
}

func (r *replayNode) run(ctx context.Context) error {
	wallStart := r.clock.Now()
	g, ctx := errgroup.WithContext(ctx)

	for _, c := range r.cameras {
		g.Go(func() error {
			defer c.input.Close()
			return r.replay(ctx, c.Name(), wallStart, func() (replayStream, error) {
				vs, err := r.reader.OpenVideo(c.socket)
				if err != nil {
					return nil, err
				}
				return &videoReplay{stream: vs, camera: c}, nil
			})
		})
	}
	if r.imu != nil {
		g.Go(func() error {
			defer r.imu.input.Close()
			return r.replay(ctx, r.imu.Name(), wallStart, func() (replayStream, error) {
				is, err := r.reader.OpenIMU()
				if err != nil {
					return nil, err
				}
				return &imuReplay{stream: is, node: r.imu}, nil
			})
		})
	}
	return g.Wait()
}

// replay plays one stream, once or until ctx ends when looping.
func (r *replayNode) replay(ctx context.Context, name string, wallStart time.Time, open func() (replayStream, error)) error {
	for pass := 0; ; pass++ {
		s, err := open()
		if err != nil {
			return err
		}
		n, err := r.play(ctx, s, time.Duration(pass)*r.span, wallStart)
		s.close()
		if err != nil {
			return err
		}
		if !r.loop || n == 0 || ctx.Err() != nil {
			return nil
		}
		r.logf("%s: replay pass %d complete, looping", name, pass+1)
	}
}

// play delivers every sample of s shifted by offset and returns how many
// were delivered.
func (r *replayNode) play(ctx context.Context, s replayStream, offset time.Duration, wallStart time.Time) (int, error) {
	for n := 0; ; n++ {
		if err := s.advance(); err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		if err := r.pace(ctx, offset+s.timestamp()-r.first, wallStart); err != nil {
			return n, err
		}
		if err := s.deliver(ctx, offset); err != nil {
			return n, err
		}
	}
}

// pace waits until elapsed device time, scaled by rate, has passed on the
// wall clock. A rate of zero or less replays as fast as the consumers allow.
func (r *replayNode) pace(ctx context.Context, deviceElapsed time.Duration, wallStart time.Time) error {
	if r.rate <= 0 {
		return ctx.Err()
	}
	target := time.Duration(float64(deviceElapsed) / r.rate)
	wait := target - r.clock.Since(wallStart)
	if wait <= 0 {
		return ctx.Err()
	}
	select {
	case <-r.clock.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type videoReplay struct {
	stream *recording.VideoStream
	camera *ColorCamera
	head   recording.Frame
}

func (v *videoReplay) advance() error {
	f, err := v.stream.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("replay %s: %w", v.stream.Socket, err)
	}
	v.head = f
	return nil
}

func (v *videoReplay) timestamp() time.Duration { return v.head.Timestamp }

func (v *videoReplay) deliver(ctx context.Context, offset time.Duration) error {
	f := v.head
	f.Timestamp += offset
	return v.camera.input.Send(ctx, f)
}

func (v *videoReplay) close() error { return v.stream.Close() }

type imuReplay struct {
	stream *recording.IMUPacketStream
	node   *IMU
	head   sensor.IMUPacket
}

func (m *imuReplay) advance() error {
	p, err := m.stream.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("replay imu: %w", err)
	}
	m.head = p
	return nil
}

func (m *imuReplay) timestamp() time.Duration { return m.head.Timestamp() }

func (m *imuReplay) deliver(ctx context.Context, offset time.Duration) error {
	p := m.head
	p.Accelerometer.Timestamp += offset
	p.Gyroscope.Timestamp += offset
	return m.node.input.Send(ctx, p)
}

func (m *imuReplay) close() error { return m.stream.Close() }
