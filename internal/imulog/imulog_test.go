package imulog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/holistic.replay/internal/sensor"
)

func packet(i int) sensor.IMUPacket {
	ts := time.Duration(i) * 2 * time.Millisecond
	return sensor.IMUPacket{
		Accelerometer: sensor.IMUReport{Sequence: uint64(i), Timestamp: ts, Value: sensor.Vector3{X: 0.01 * float64(i), Y: -0.5, Z: 9.80665}},
		Gyroscope:     sensor.IMUReport{Sequence: uint64(i / 2), Timestamp: ts, Value: sensor.Vector3{X: 0.001, Y: 0, Z: -0.002}},
	}
}

func TestPrinter_TwoLinesPerPacket(t *testing.T) {
	var b strings.Builder
	p := NewPrinter(&b)

	require.NoError(t, p.Emit(packet(1)))
	require.NoError(t, p.Emit(packet(2)))

	want := "IMU Accelerometer: x=0.010000 y=-0.500000 z=9.806650\n" +
		"IMU Gyroscope: x=0.001000 y=0.000000 z=-0.002000\n" +
		"IMU Accelerometer: x=0.020000 y=-0.500000 z=9.806650\n" +
		"IMU Gyroscope: x=0.001000 y=0.000000 z=-0.002000\n"
	if diff := cmp.Diff(want, b.String()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(2), p.Packets())
}

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, errors.New("closed pipe") }

func TestPrinter_WriteError(t *testing.T) {
	p := NewPrinter(errWriter{})
	assert.Error(t, p.Emit(packet(0)))
	assert.Equal(t, uint64(0), p.Packets())
}

type recordingSink struct {
	packets []sensor.IMUPacket
	flushes int
	err     error
}

func (r *recordingSink) Emit(p sensor.IMUPacket) error {
	r.packets = append(r.packets, p)
	return r.err
}

func (r *recordingSink) Flush() error {
	r.flushes++
	return nil
}

func TestTee(t *testing.T) {
	var b strings.Builder
	boom := errors.New("boom")
	failing := &recordingSink{err: boom}
	ok := &recordingSink{}
	tee := Tee{NewPrinter(&b), failing, ok}

	err := tee.Emit(packet(3))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, ok.packets, 1, "every sink sees the packet")
	assert.Contains(t, b.String(), "IMU Gyroscope")

	require.NoError(t, tee.Flush())
	assert.Equal(t, 1, failing.flushes)
	assert.Equal(t, 1, ok.flushes)
}

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "imu.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStore_SessionRoundTrip(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Emit(packet(0)), ErrNoSession)

	id, err := s.BeginSession("recordings/recording.tar.gz", "rec-1")
	require.NoError(t, err)
	_, err = s.BeginSession("other", "")
	assert.Error(t, err, "one session at a time")

	var want []sensor.IMUPacket
	for i := 0; i < 5; i++ {
		want = append(want, packet(i))
		require.NoError(t, s.Emit(packet(i)))
	}

	got, err := s.Samples(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got, "nothing written before Flush")

	require.NoError(t, s.Flush())
	require.NoError(t, s.Emit(packet(5)))
	want = append(want, packet(5))
	require.NoError(t, s.EndSession("cancel key"))

	got, err = s.Samples(ctx, id)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}

	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
	assert.Equal(t, "recordings/recording.tar.gz", sessions[0].Source)
	assert.Equal(t, "rec-1", sessions[0].RecordingID)
	assert.Equal(t, int64(6), sessions[0].Packets)
	assert.Equal(t, "cancel key", sessions[0].StopReason)
	assert.NotNil(t, sessions[0].EndedNs)

	assert.ErrorIs(t, s.EndSession("again"), ErrNoSession)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imu.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.BeginSession("a", "")
	require.NoError(t, err)
	require.NoError(t, s.Emit(packet(0)))
	require.NoError(t, s.Close(), "Close ends the session and flushes")

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	sessions, err := s.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "closed", sessions[0].StopReason)
	assert.Equal(t, int64(1), sessions[0].Packets)
}

func TestStore_AdminRoutes(t *testing.T) {
	s, _ := openStore(t)
	_, err := s.BeginSession("recordings/recording.tar.gz", "")
	require.NoError(t, err)

	mux := http.NewServeMux()
	require.NoError(t, s.AttachAdminRoutes(mux))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/imu-sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sessions []Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Nil(t, sessions[0].EndedNs)
}
