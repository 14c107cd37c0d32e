package recording

import (
	"archive/tar"
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/holistic.replay/internal/sensor"
)

func testHeader() Header {
	return Header{
		Cameras: []CameraStream{{Socket: sensor.CamA, Width: 8, Height: 6, FPS: 30}},
		IMU: &IMUStream{Sensors: []IMUSensorInfo{
			{Name: sensor.AccelerometerRaw, RateHz: 500},
			{Name: sensor.GyroscopeRaw, RateHz: 400},
		}},
	}
}

func writeTestRecording(t *testing.T, path string) ([]Frame, []sensor.IMUPacket) {
	t.Helper()

	w, err := Create(path, testHeader())
	require.NoError(t, err)

	frames := []Frame{
		{Sequence: 0, Timestamp: 0, Data: []byte{0xff, 0xd8, 1}},
		{Sequence: 1, Timestamp: 33 * time.Millisecond, Data: []byte{0xff, 0xd8, 2, 3}},
	}
	packets := []sensor.IMUPacket{
		{
			Accelerometer: sensor.IMUReport{Sequence: 0, Timestamp: 0, Value: sensor.Vector3{X: 0.1, Y: -0.2, Z: 9.8}},
			Gyroscope:     sensor.IMUReport{Sequence: 0, Timestamp: 0, Value: sensor.Vector3{Z: 0.01}},
		},
		{
			Accelerometer: sensor.IMUReport{Sequence: 1, Timestamp: 2 * time.Millisecond, Value: sensor.Vector3{X: 0.15, Y: -0.25, Z: 9.81}},
			Gyroscope:     sensor.IMUReport{Sequence: 0, Timestamp: 0, Value: sensor.Vector3{Z: 0.01}},
		},
	}

	for _, f := range frames {
		require.NoError(t, w.WriteFrame(sensor.CamA, f))
	}
	for _, p := range packets {
		require.NoError(t, w.WriteIMU(p))
	}
	require.NoError(t, w.Close())
	return frames, packets
}

func readAll(t *testing.T, r *Reader) ([]Frame, []sensor.IMUPacket) {
	t.Helper()

	vs, err := r.OpenVideo(sensor.CamA)
	require.NoError(t, err)
	defer vs.Close()
	var frames []Frame
	for {
		f, err := vs.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}

	is, err := r.OpenIMU()
	require.NoError(t, err)
	defer is.Close()
	var packets []sensor.IMUPacket
	for {
		p, err := is.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		packets = append(packets, p)
	}
	return frames, packets
}

func TestRecording_RoundTrip(t *testing.T) {
	for _, name := range []string{"rec", "rec.tar", "rec.tar.gz", "rec.tgz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			wantFrames, wantPackets := writeTestRecording(t, path)

			r, err := Open(path)
			require.NoError(t, err)
			defer r.Close()

			h := r.Header()
			assert.Equal(t, FormatVersion, h.Version)
			assert.NotEmpty(t, h.RecordingID)
			assert.Equal(t, int64(0), h.StartNs)
			assert.Equal(t, (33 * time.Millisecond).Nanoseconds(), h.EndNs)
			cam, ok := h.Camera(sensor.CamA)
			require.True(t, ok)
			assert.Equal(t, uint64(2), cam.Frames)
			assert.Equal(t, "CAM_A.mjpeg", cam.File)
			assert.Equal(t, EncodingJPEG, cam.Encoding)
			require.NotNil(t, h.IMU)
			assert.Equal(t, uint64(2), h.IMU.Packets)
			assert.True(t, h.HasIMUSensor(sensor.GyroscopeRaw))

			gotFrames, gotPackets := readAll(t, r)
			if diff := cmp.Diff(wantFrames, gotFrames); diff != "" {
				t.Errorf("frames mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(wantPackets, gotPackets); diff != "" {
				t.Errorf("imu packets mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReader_CloseRemovesExtraction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.tar.gz")
	writeTestRecording(t, path)

	r, err := Open(path)
	require.NoError(t, err)
	extracted := r.dir
	require.DirExists(t, extracted)

	require.NoError(t, r.Close())
	_, err = os.Stat(extracted)
	assert.True(t, os.IsNotExist(err), "extraction dir should be removed")

	// The archive itself is untouched.
	assert.FileExists(t, path)
}

func TestOpen_MissingPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "recordings", "recording.tar.gz"))
	assert.Error(t, err)
}

func TestOpen_UnsupportedVersion(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	writeTestRecording(t, dir)

	var h Header
	data, err := os.ReadFile(filepath.Join(dir, HeaderFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &h))
	h.Version = "9.9"
	data, err = json.Marshal(h)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, HeaderFile), data, 0644))

	_, err = Open(dir)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestOpen_RejectsTraversalEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evil.tar.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	body := []byte("pwned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../../escape.txt", Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid archive entry")
}

func TestOpen_RejectsOversizedEntry(t *testing.T) {
	old := maxEntrySize
	t.Cleanup(func() { maxEntrySize = old })
	maxEntrySize = 64

	path := filepath.Join(t.TempDir(), "big.tar.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	body := bytes.Repeat([]byte{0}, 1024)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: IMUFile, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrEntryTooLarge)
}

func TestExtractFile_StopsAtLimit(t *testing.T) {
	target := filepath.Join(t.TempDir(), "out.bin")
	err := extractFile(bytes.NewReader(make([]byte, 100)), target, 10)
	assert.ErrorIs(t, err, ErrEntryTooLarge)

	info, statErr := os.Stat(target)
	require.NoError(t, statErr)
	assert.LessOrEqual(t, info.Size(), int64(11))

	require.NoError(t, extractFile(bytes.NewReader(make([]byte, 10)), target, 10))
}

func TestVideoStream_TruncatedRecord(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	writeTestRecording(t, dir)

	videoPath := filepath.Join(dir, "CAM_A.mjpeg")
	data, err := os.ReadFile(videoPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(videoPath, data[:len(data)-1], 0644))

	r, err := Open(dir)
	require.NoError(t, err)
	vs, err := r.OpenVideo(sensor.CamA)
	require.NoError(t, err)
	defer vs.Close()

	_, err = vs.Next()
	require.NoError(t, err)
	_, err = vs.Next()
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestReader_UnknownStreams(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	w, err := Create(dir, Header{Cameras: []CameraStream{{Socket: sensor.CamB, Width: 4, Height: 4, FPS: 10}}})
	require.NoError(t, err)
	assert.ErrorIs(t, w.WriteIMU(sensor.IMUPacket{}), ErrUnknownStream)
	assert.ErrorIs(t, w.WriteFrame(sensor.CamA, Frame{}), ErrUnknownStream)
	require.NoError(t, w.Close())

	r, err := Open(dir)
	require.NoError(t, err)
	_, err = r.OpenVideo(sensor.CamA)
	assert.ErrorIs(t, err, ErrUnknownStream)
	_, err = r.OpenIMU()
	assert.ErrorIs(t, err, ErrUnknownStream)
}

func TestCreate_Validation(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "empty"), Header{})
	assert.Error(t, err)

	_, err = Create(filepath.Join(t.TempDir(), "dup"), Header{Cameras: []CameraStream{
		{Socket: sensor.CamA}, {Socket: sensor.CamA},
	}})
	assert.Error(t, err)
}

func TestWriter_ClosedRejectsWrites(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "rec"), testHeader())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second Close is a no-op")
	assert.Error(t, w.WriteFrame(sensor.CamA, Frame{}))
	assert.Error(t, w.WriteIMU(sensor.IMUPacket{}))
}

func TestReadRecord_Boundaries(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRecord(&buf, []byte("abc")))

	br := bufio.NewReader(bytes.NewReader(buf.Bytes()))
	payload, err := readRecord(br)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), payload)
	_, err = readRecord(br)
	assert.Equal(t, io.EOF, err)

	// Half a length prefix is corruption, not a clean end.
	_, err = readRecord(bufio.NewReader(bytes.NewReader([]byte{1, 0})))
	assert.ErrorIs(t, err, ErrCorruptRecord)

	// A length beyond the cap is rejected before allocating.
	_, err = readRecord(bufio.NewReader(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})))
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestUnmarshalIMUPacket_SkipsUnknownFields(t *testing.T) {
	p := sensor.IMUPacket{
		Accelerometer: sensor.IMUReport{Sequence: 3, Timestamp: 6 * time.Millisecond, Value: sensor.Vector3{X: 1, Y: 2, Z: 3}},
	}
	b := marshalIMUPacket(p)
	// A newer writer might add a magnetometer report as field 9.
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{0x08, 0x01})
	b = protowire.AppendTag(b, 10, protowire.VarintType)
	b = protowire.AppendVarint(b, 42)

	got, err := unmarshalIMUPacket(b)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = unmarshalIMUPacket([]byte{0x0a, 0x05, 0x01})
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestSyntheticGenerator_Generate(t *testing.T) {
	g := NewSyntheticGenerator()
	g.Width, g.Height = 32, 24
	g.Duration = 100 * time.Millisecond

	path := filepath.Join(t.TempDir(), "recordings", "recording.tar.gz")
	h, err := g.Generate(path)
	require.NoError(t, err)

	cam, ok := h.Camera(sensor.CamA)
	require.True(t, ok)
	assert.Equal(t, uint64(4), cam.Frames)
	// 50 accelerometer ticks and 40 gyroscope ticks share 10 timestamps.
	assert.Equal(t, uint64(80), h.IMU.Packets)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	frames, packets := readAll(t, r)
	require.Len(t, frames, 4)
	require.Len(t, packets, 80)

	for i := 1; i < len(packets); i++ {
		assert.Greater(t, packets[i].Timestamp(), packets[i-1].Timestamp(), "packet %d out of order", i)
	}
	assert.InDelta(t, 9.80665, packets[0].Accelerometer.Value.Z, 0.1)
}

func TestSyntheticGenerator_InvalidSize(t *testing.T) {
	g := NewSyntheticGenerator()
	g.Width = 0
	_, err := g.Generate(filepath.Join(t.TempDir(), "rec"))
	assert.Error(t, err)
}
