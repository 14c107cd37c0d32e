package recording

import (
	"archive/tar"
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/banshee-data/holistic.replay/internal/sensor"
	"github.com/banshee-data/holistic.replay/internal/version"
)

// Writer records camera frames and IMU packets. When the destination ends in
// .tar.gz, .tgz or .tar the streams are staged in a temporary directory and
// packed into the archive on Close; any other path is written as a directory.
type Writer struct {
	path     string
	dir      string
	archive  bool
	compress bool

	header Header
	video  map[sensor.BoardSocket]*streamFile
	imu    *streamFile

	started bool
	mu      sync.Mutex
	closed  bool
}

type streamFile struct {
	f     *os.File
	w     *bufio.Writer
	count uint64
}

// Create starts a recording at path. header declares the camera streams and
// the IMU channels; counts, timestamps and file names are filled in by the
// Writer.
func Create(path string, header Header) (*Writer, error) {
	if len(header.Cameras) == 0 && header.IMU == nil {
		return nil, fmt.Errorf("recording declares no streams")
	}

	w := &Writer{
		path:   path,
		header: header,
		video:  make(map[sensor.BoardSocket]*streamFile),
	}
	w.archive, w.compress = archiveKind(path)

	if w.header.Version == "" {
		w.header.Version = FormatVersion
	}
	if w.header.RecordingID == "" {
		w.header.RecordingID = uuid.New().String()
	}
	if w.header.CreatedNs == 0 {
		w.header.CreatedNs = time.Now().UnixNano()
	}
	if w.header.Generator == "" {
		w.header.Generator = "holistic.replay " + version.Version
	}

	if w.archive {
		dir, err := os.MkdirTemp("", "recording-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create staging directory: %w", err)
		}
		w.dir = dir
	} else {
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create recording directory: %w", err)
		}
		w.dir = path
	}

	for i := range w.header.Cameras {
		cam := &w.header.Cameras[i]
		if _, dup := w.video[cam.Socket]; dup {
			w.abort()
			return nil, fmt.Errorf("camera socket %s declared twice", cam.Socket)
		}
		if cam.Encoding == "" {
			cam.Encoding = EncodingJPEG
		}
		cam.File = videoFileName(cam.Socket)
		cam.Frames = 0
		sf, err := newStreamFile(filepath.Join(w.dir, cam.File))
		if err != nil {
			w.abort()
			return nil, err
		}
		w.video[cam.Socket] = sf
	}

	if w.header.IMU != nil {
		w.header.IMU.File = IMUFile
		w.header.IMU.Packets = 0
		sf, err := newStreamFile(filepath.Join(w.dir, IMUFile))
		if err != nil {
			w.abort()
			return nil, err
		}
		w.imu = sf
	}

	return w, nil
}

func newStreamFile(path string) (*streamFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream file: %w", err)
	}
	return &streamFile{f: f, w: bufio.NewWriter(f)}, nil
}

func archiveKind(path string) (archive, compressed bool) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return true, true
	case strings.HasSuffix(lower, ".tar"):
		return true, false
	}
	return false, false
}

// WriteFrame appends a frame to the stream recorded on socket.
func (w *Writer) WriteFrame(socket sensor.BoardSocket, frame Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("recording writer is closed")
	}
	sf, ok := w.video[socket]
	if !ok {
		return fmt.Errorf("%w: camera %s", ErrUnknownStream, socket)
	}
	if err := writeRecord(sf.w, encodeFrame(frame)); err != nil {
		return err
	}
	sf.count++
	w.track(frame.Timestamp)
	return nil
}

// WriteIMU appends one IMU packet.
func (w *Writer) WriteIMU(packet sensor.IMUPacket) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("recording writer is closed")
	}
	if w.imu == nil {
		return fmt.Errorf("%w: imu", ErrUnknownStream)
	}
	if err := writeRecord(w.imu.w, marshalIMUPacket(packet)); err != nil {
		return err
	}
	w.imu.count++
	w.track(packet.Timestamp())
	return nil
}

func (w *Writer) track(ts time.Duration) {
	ns := ts.Nanoseconds()
	if !w.started || ns < w.header.StartNs {
		w.header.StartNs = ns
	}
	if !w.started || ns > w.header.EndNs {
		w.header.EndNs = ns
	}
	w.started = true
}

// Header returns the header as it will be written on Close.
func (w *Writer) Header() Header {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := w.header
	h.Cameras = append([]CameraStream(nil), w.header.Cameras...)
	for i := range h.Cameras {
		h.Cameras[i].Frames = w.video[h.Cameras[i].Socket].count
	}
	if h.IMU != nil {
		imu := *h.IMU
		imu.Packets = w.imu.count
		h.IMU = &imu
	}
	return h
}

// Path returns the destination of the recording.
func (w *Writer) Path() string {
	return w.path
}

// Close flushes every stream, writes the header and, for archive
// destinations, packs the staged files.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	header := w.Header()

	names := []string{HeaderFile}
	var firstErr error
	for _, cam := range header.Cameras {
		if err := w.video[cam.Socket].close(); err != nil && firstErr == nil {
			firstErr = err
		}
		names = append(names, cam.File)
	}
	if w.imu != nil {
		if err := w.imu.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		names = append(names, IMUFile)
	}
	if firstErr != nil {
		w.cleanupStaging()
		return fmt.Errorf("failed to flush streams: %w", firstErr)
	}

	data, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		w.cleanupStaging()
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.dir, HeaderFile), data, 0644); err != nil {
		w.cleanupStaging()
		return fmt.Errorf("failed to write header: %w", err)
	}

	if !w.archive {
		return nil
	}
	defer w.cleanupStaging()
	return packArchive(w.path, w.dir, names, w.compress)
}

func (sf *streamFile) close() error {
	if err := sf.w.Flush(); err != nil {
		sf.f.Close()
		return err
	}
	return sf.f.Close()
}

// abort releases everything created by a failed Create.
func (w *Writer) abort() {
	for _, sf := range w.video {
		sf.f.Close()
	}
	if w.imu != nil {
		w.imu.f.Close()
	}
	w.cleanupStaging()
}

func (w *Writer) cleanupStaging() {
	if w.archive && w.dir != "" {
		os.RemoveAll(w.dir)
	}
}

// packArchive writes names from dir into a tar archive at dest, header first
// so readers can inspect metadata without scanning the whole stream.
func packArchive(dest, dir string, names []string, compressed bool) error {
	if parent := filepath.Dir(dest); parent != "" {
		if err := os.MkdirAll(parent, 0755); err != nil {
			return fmt.Errorf("failed to create archive directory: %w", err)
		}
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	var sink io.Writer = out
	var gz *gzip.Writer
	if compressed {
		gz = gzip.NewWriter(out)
		sink = gz
	}
	tw := tar.NewWriter(sink)

	for _, name := range names {
		if err := addFile(tw, filepath.Join(dir, name), name); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalise tar stream: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finalise gzip stream: %w", err)
		}
	}
	return out.Close()
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", name, err)
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to build tar header for %s: %w", name, err)
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", name, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
