package replay

import (
	"bytes"
	"context"
	"errors"
	"image"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/holistic.replay/internal/display"
	"github.com/banshee-data/holistic.replay/internal/imulog"
	"github.com/banshee-data/holistic.replay/internal/pipeline"
	"github.com/banshee-data/holistic.replay/internal/recording"
	"github.com/banshee-data/holistic.replay/internal/report"
	"github.com/banshee-data/holistic.replay/internal/sensor"
)

type fakeRunner struct{ running atomic.Bool }

func (r *fakeRunner) IsRunning() bool { return r.running.Load() }

func runningRunner() *fakeRunner {
	r := &fakeRunner{}
	r.running.Store(true)
	return r
}

type fakeSink struct {
	shown   []string
	keys    []rune
	waits   []time.Duration
	showErr error
}

func (s *fakeSink) Show(window string, img image.Image) error {
	if s.showErr != nil {
		return s.showErr
	}
	s.shown = append(s.shown, window)
	return nil
}

func (s *fakeSink) WaitKey(timeout time.Duration) (rune, bool) {
	s.waits = append(s.waits, timeout)
	if len(s.keys) == 0 {
		return 0, false
	}
	k := s.keys[0]
	s.keys = s.keys[1:]
	return k, true
}

type flushCounter struct {
	*imulog.Printer
	flushes int
}

func (f *flushCounter) Flush() error {
	f.flushes++
	return nil
}

func rgbaFrame(seq uint64, ts time.Duration) *pipeline.ImgFrame {
	f := &pipeline.ImgFrame{Sequence: seq, Timestamp: ts}
	f.SetRaster(image.NewRGBA(image.Rect(0, 0, 4, 4)))
	return f
}

func packet(seq uint64) sensor.IMUPacket {
	ts := time.Duration(seq) * time.Millisecond
	return sensor.IMUPacket{
		Accelerometer: sensor.IMUReport{Sequence: seq, Timestamp: ts, Value: sensor.Vector3{Z: 9.81}},
		Gyroscope:     sensor.IMUReport{Sequence: seq, Timestamp: ts, Value: sensor.Vector3{X: 0.5}},
	}
}

// queues returns closed queues preloaded with n frames and n single-packet
// batches.
func queues(n int) (*pipeline.MessageQueue[*pipeline.ImgFrame], *pipeline.MessageQueue[*pipeline.IMUData]) {
	video := pipeline.NewMessageQueue[*pipeline.ImgFrame]("video", n, false)
	imu := pipeline.NewMessageQueue[*pipeline.IMUData]("imu", n, false)
	ctx := context.Background()
	for i := 0; i < n; i++ {
		video.Send(ctx, rgbaFrame(uint64(i), time.Duration(i)*33*time.Millisecond))
		imu.Send(ctx, &pipeline.IMUData{Sequence: uint64(i), Packets: []sensor.IMUPacket{packet(uint64(i))}})
	}
	video.Close()
	imu.Close()
	return video, imu
}

func TestDriver_RunsUntilQueuesClose(t *testing.T) {
	video, imu := queues(3)
	sink := &fakeSink{}
	var out bytes.Buffer
	printer := imulog.NewPrinter(&out)
	frames := report.NewCollector()

	d := NewDriver(runningRunner(), video, imu, sink, printer)
	d.Frames = frames
	stats, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Iterations: 3, Frames: 3, IMUBatches: 3, IMUPackets: 3, Reason: StopPipelineStopped}, stats)
	assert.Equal(t, []string{"video", "video", "video"}, sink.shown)
	assert.Equal(t, []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}, sink.waits)
	assert.Equal(t, 3, frames.Summary().Frames)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "IMU Accelerometer: x=0.000000 y=0.000000 z=9.810000", lines[0])
	assert.Equal(t, "IMU Gyroscope: x=0.500000 y=0.000000 z=0.000000", lines[1])
}

func TestDriver_StopsWhenPipelineStops(t *testing.T) {
	video, imu := queues(3)
	runner := &fakeRunner{}
	sink := &fakeSink{}

	stats, err := NewDriver(runner, video, imu, sink, imulog.NewPrinter(&bytes.Buffer{})).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopPipelineStopped, stats.Reason)
	assert.Zero(t, stats.Iterations)
	assert.Empty(t, sink.shown)
}

func TestDriver_CancelKey(t *testing.T) {
	video, imu := queues(5)
	sink := &fakeSink{keys: []rune{'x', 'q'}}

	stats, err := NewDriver(runningRunner(), video, imu, sink, imulog.NewPrinter(&bytes.Buffer{})).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopCancelKey, stats.Reason)
	assert.Equal(t, 2, stats.Iterations)
	assert.Equal(t, 2, stats.Frames)
}

func TestDriver_CustomCancelKeyAndWindow(t *testing.T) {
	video, imu := queues(5)
	sink := &fakeSink{keys: []rune{'q', 'Q'}}

	d := NewDriver(runningRunner(), video, imu, sink, imulog.NewPrinter(&bytes.Buffer{}))
	d.CancelKey = 'Q'
	d.Window = "preview"
	d.KeyWait = 5 * time.Millisecond
	stats, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopCancelKey, stats.Reason)
	assert.Equal(t, []string{"preview", "preview"}, sink.shown)
	assert.Equal(t, 5*time.Millisecond, sink.waits[0])
}

func TestDriver_ContextCancelled(t *testing.T) {
	video := pipeline.NewMessageQueue[*pipeline.ImgFrame]("video", 1, false)
	imu := pipeline.NewMessageQueue[*pipeline.IMUData]("imu", 1, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := NewDriver(runningRunner(), video, imu, &fakeSink{}, imulog.NewPrinter(&bytes.Buffer{})).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StopContext, stats.Reason)
}

func TestDriver_FlushesPerBatch(t *testing.T) {
	video, imu := queues(4)
	sink := &flushCounter{Printer: imulog.NewPrinter(&bytes.Buffer{})}

	_, err := NewDriver(runningRunner(), video, imu, &fakeSink{}, sink).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sink.flushes)
}

func TestDriver_Errors(t *testing.T) {
	t.Run("show", func(t *testing.T) {
		video, imu := queues(2)
		boom := errors.New("boom")
		stats, err := NewDriver(runningRunner(), video, imu, &fakeSink{showErr: boom}, imulog.NewPrinter(&bytes.Buffer{})).Run(context.Background())
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "failed to show frame 0")
		assert.Equal(t, StopError, stats.Reason)
	})

	t.Run("emit", func(t *testing.T) {
		video, imu := queues(2)
		stats, err := NewDriver(runningRunner(), video, imu, &fakeSink{}, imulog.NewPrinter(failingWriter{})).Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to emit IMU packet")
		assert.Equal(t, 1, stats.Frames)
		assert.Zero(t, stats.IMUBatches)
	})

	t.Run("bad frame", func(t *testing.T) {
		video := pipeline.NewMessageQueue[*pipeline.ImgFrame]("video", 1, false)
		imu := pipeline.NewMessageQueue[*pipeline.IMUData]("imu", 1, false)
		video.Send(context.Background(), &pipeline.ImgFrame{Sequence: 7, Type: pipeline.FrameTypeJPEG, Data: []byte("nope")})
		imu.Send(context.Background(), &pipeline.IMUData{})
		_, err := NewDriver(runningRunner(), video, imu, &fakeSink{}, imulog.NewPrinter(&bytes.Buffer{})).Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to convert frame 7")
	})

	t.Run("missing parts", func(t *testing.T) {
		_, err := (&Driver{}).Run(context.Background())
		require.Error(t, err)
	})
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

// startReplay starts a pipeline over a synthetic 64x48 recording and
// returns its preview and IMU queues.
func startReplay(t *testing.T, ctx context.Context, d time.Duration, blocking bool) (*pipeline.Pipeline, recording.Header, *pipeline.MessageQueue[*pipeline.ImgFrame], *pipeline.MessageQueue[*pipeline.IMUData]) {
	t.Helper()
	g := recording.NewSyntheticGenerator()
	g.Width, g.Height = 64, 48
	g.Duration = d
	path := filepath.Join(t.TempDir(), "recording.tar.gz")
	header, err := g.Generate(path)
	require.NoError(t, err)

	p := pipeline.New(pipeline.WithPlaybackRate(0))
	cam := p.CreateColorCamera().SetVideoSize(64, 48).SetPreviewSize(32, 32)
	imu := p.CreateIMU().
		EnableIMUSensor(sensor.AccelerometerRaw, 500).
		EnableIMUSensor(sensor.GyroscopeRaw, 400)
	p.EnableHolisticReplay(path)
	videoQ := cam.Preview.CreateOutputQueue(pipeline.DefaultQueueSize, blocking)
	imuQ := imu.Out.CreateOutputQueue(pipeline.DefaultQueueSize, blocking)

	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() { p.Close() })
	return p, header, videoQ, imuQ
}

func TestDriver_ReplaysRecording(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, header, videoQ, imuQ := startReplay(t, ctx, 100*time.Millisecond, false)

	headless := display.NewHeadless()
	disp := display.New(display.WithRenderer(headless))
	defer disp.Close()
	var out bytes.Buffer
	printer := imulog.NewPrinter(&out)

	stats, err := NewDriver(p, videoQ, imuQ, disp, printer).Run(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Wait())

	// Every recorded frame fits in the queue, so none is dropped or missed.
	frames := int(header.Cameras[0].Frames)
	require.Equal(t, 4, frames)
	assert.Equal(t, StopPipelineStopped, stats.Reason)
	assert.Equal(t, frames, stats.Frames)
	assert.Equal(t, frames, stats.IMUBatches)
	assert.GreaterOrEqual(t, stats.IMUPackets, frames)
	assert.Equal(t, uint64(frames), headless.Frames(DefaultWindow))
	assert.Equal(t, image.Rect(0, 0, 32, 32), headless.Bounds(DefaultWindow))
	assert.Equal(t, uint64(stats.IMUPackets), printer.Packets())
	assert.Equal(t, 2*stats.IMUPackets, strings.Count(out.String(), "\n"))
}

func TestDriver_BlockingQueuesReplayEveryFrame(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, header, videoQ, imuQ := startReplay(t, ctx, time.Second, true)

	sink := &fakeSink{}
	stats, err := NewDriver(p, videoQ, imuQ, sink, imulog.NewPrinter(&bytes.Buffer{})).Run(ctx)
	require.NoError(t, err)
	require.NoError(t, ctx.Err())

	assert.Equal(t, StopPipelineStopped, stats.Reason)
	assert.Equal(t, int(header.Cameras[0].Frames), stats.Frames)
	assert.Equal(t, stats.Frames, stats.IMUBatches)
	assert.Len(t, sink.shown, stats.Frames)

	p.Stop()
	require.NoError(t, p.Wait())
}
