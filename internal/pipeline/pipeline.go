// Package pipeline runs a host-side sensor graph over a recorded capture.
//
// A Pipeline holds colour camera and IMU nodes. Once a recording is attached
// with EnableHolisticReplay and the pipeline is started, a replay node feeds
// the recorded samples to the sensor nodes, which apply their own properties
// (frame rate, video size, enabled IMU channels, batching) and publish to
// their outputs. Callers read outputs through bounded MessageQueues:
//
//	p := pipeline.New()
//	cam := p.CreateColorCamera()
//	imu := p.CreateIMU().EnableIMUSensor(sensor.AccelerometerRaw, 500)
//	p.EnableHolisticReplay("recordings/recording.tar.gz")
//	video := cam.Preview.CreateOutputQueue(pipeline.DefaultQueueSize, pipeline.DefaultQueueBlocking)
//	imuQ := imu.Out.CreateOutputQueue(pipeline.DefaultQueueSize, pipeline.DefaultQueueBlocking)
//	if err := p.Start(ctx); err != nil { ... }
//	for p.IsRunning() { frame, err := video.Get() ... }
//
// Every node runs on its own goroutine. When the recording is exhausted the
// nodes drain, close their output queues and the pipeline stops running.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/holistic.replay/internal/monitoring"
	"github.com/banshee-data/holistic.replay/internal/recording"
	"github.com/banshee-data/holistic.replay/internal/sensor"
	"github.com/banshee-data/holistic.replay/internal/timeutil"
)

// defaultInputQueueSize bounds the queues between the replay node and the
// sensor nodes.
const defaultInputQueueSize = 8

// Pipeline owns the node graph and its goroutines.
type Pipeline struct {
	mu         sync.Mutex
	cameras    []*ColorCamera
	imu        *IMU
	replayPath string

	clock     timeutil.Clock
	rate      float64
	loop      bool
	inputSize int
	logf      func(format string, v ...interface{})

	header  recording.Header
	started bool
	running atomic.Bool
	// draining is set when the nodes finished on their own; IsRunning then
	// stays true until the output queues are empty.
	draining atomic.Bool
	stopped  bool
	cancel  context.CancelFunc
	done    chan struct{}

	errMu sync.Mutex
	err   error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the clock used to pace replay.
func WithClock(c timeutil.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithPlaybackRate scales replay speed: 1 is real time, 2 twice as fast, and
// 0 replays as fast as the consumers drain.
func WithPlaybackRate(rate float64) Option {
	return func(p *Pipeline) { p.rate = rate }
}

// WithLoop restarts the recording when it ends.
func WithLoop(loop bool) Option {
	return func(p *Pipeline) { p.loop = loop }
}

// WithInputQueueSize bounds the queues feeding each sensor node.
func WithInputQueueSize(n int) Option {
	return func(p *Pipeline) { p.inputSize = n }
}

// New creates an empty pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		clock:     timeutil.RealClock{},
		rate:      1,
		inputSize: defaultInputQueueSize,
		logf:      monitoring.Tagged("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreateColorCamera adds a colour camera node (CAM_A, 1080P, 1920x1080, 30 fps).
func (p *Pipeline) CreateColorCamera() *ColorCamera {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := newColorCamera()
	p.cameras = append(p.cameras, c)
	return c
}

// CreateIMU returns the pipeline's IMU node, creating it on first use.
func (p *Pipeline) CreateIMU() *IMU {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.imu == nil {
		p.imu = newIMU()
	}
	return p.imu
}

// EnableHolisticReplay makes every sensor node read from the recording at path.
func (p *Pipeline) EnableHolisticReplay(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replayPath = path
}

// ReplayPath returns the recording the pipeline replays.
func (p *Pipeline) ReplayPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replayPath
}

// Recording returns the header of the open recording. It is only valid
// after a successful Start.
func (p *Pipeline) Recording() recording.Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header
}

// Start validates the graph, opens the recording and launches the nodes.
// Cancelling ctx stops the pipeline like Stop.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	if p.replayPath == "" {
		return ErrNoReplaySource
	}
	if len(p.cameras) == 0 && p.imu == nil {
		return ErrNoNodes
	}

	sockets := make(map[sensor.BoardSocket]bool)
	for _, c := range p.cameras {
		if sockets[c.socket] {
			return fmt.Errorf("%w: two cameras on %s", ErrInvalidNode, c.socket)
		}
		sockets[c.socket] = true
		if err := c.validate(); err != nil {
			return err
		}
	}
	if p.imu != nil {
		if err := p.imu.validate(); err != nil {
			return err
		}
	}

	reader, err := recording.Open(p.replayPath)
	if err != nil {
		return err
	}
	header := reader.Header()
	if err := p.checkStreams(header); err != nil {
		reader.Close()
		return err
	}

	for _, c := range p.cameras {
		c.input = NewMessageQueue[recording.Frame](c.Name()+".input", p.inputSize, true)
	}
	if p.imu != nil {
		p.imu.input = NewMessageQueue[sensor.IMUPacket]("IMU.input", p.inputSize, true)
	}

	replay := newReplayNode(reader, p)

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.header = header
	p.started = true
	p.running.Store(true)

	p.logf("starting replay of %s (%s): %d camera(s), imu=%v, rate=%.2f, loop=%v",
		p.replayPath, header.RecordingID, len(p.cameras), p.imu != nil, p.rate, p.loop)

	var wg sync.WaitGroup
	launch := func(name string, run func(context.Context) error, closeOutputs func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if closeOutputs != nil {
				defer closeOutputs()
			}
			if err := run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				p.fail(fmt.Errorf("%s: %w", name, err))
				cancel()
			}
		}()
	}

	launch(replay.Name(), replay.run, nil)
	for _, c := range p.cameras {
		launch(c.Name(), c.run, func() {
			c.Video.close()
			c.Preview.close()
		})
	}
	if p.imu != nil {
		launch(p.imu.Name(), p.imu.run, p.imu.Out.close)
	}

	go func() {
		wg.Wait()
		finished := runCtx.Err() == nil && p.Err() == nil
		cancel()
		if err := reader.Close(); err != nil {
			p.logf("failed to clean up recording: %v", err)
		}
		p.mu.Lock()
		p.draining.Store(finished && !p.stopped)
		p.mu.Unlock()
		p.running.Store(false)
		close(p.done)
		if err := p.Err(); err != nil {
			p.logf("pipeline stopped with error: %v", err)
		} else {
			p.logf("pipeline stopped")
		}
	}()

	return nil
}

func (p *Pipeline) checkStreams(h recording.Header) error {
	for _, c := range p.cameras {
		if _, ok := h.Camera(c.socket); !ok {
			return fmt.Errorf("%w: %s", ErrStreamMissing, c.Name())
		}
	}
	if p.imu != nil {
		for _, s := range p.imu.EnabledSensors() {
			if !h.HasIMUSensor(s) {
				return fmt.Errorf("%w: IMU %s", ErrStreamMissing, s)
			}
		}
	}
	return nil
}

func (p *Pipeline) fail(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

// Err returns the first error a node failed with.
func (p *Pipeline) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// IsRunning reports whether any node is still running. After the recording
// has been replayed to the end it stays true until every output queue has
// been drained, so a reader never misses the tail of the recording.
func (p *Pipeline) IsRunning() bool {
	if p.running.Load() {
		return true
	}
	return p.draining.Load() && p.pending()
}

// pending reports whether any output queue still holds messages.
func (p *Pipeline) pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.cameras {
		if queued(c.Video) || queued(c.Preview) {
			return true
		}
	}
	return p.imu != nil && queued(p.imu.Out)
}

func queued[T any](o *Output[T]) bool {
	for _, q := range o.Queues() {
		if q.Len() > 0 {
			return true
		}
	}
	return false
}

// Stop asks every node to finish. It does not wait; use Wait. Messages still
// queued are abandoned.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.draining.Store(false)
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until every node has returned and reports the first node error.
func (p *Pipeline) Wait() error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
	return p.Err()
}

// Close stops the pipeline and waits for it.
func (p *Pipeline) Close() error {
	p.Stop()
	return p.Wait()
}
