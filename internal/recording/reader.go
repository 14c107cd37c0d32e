package recording

import (
	"archive/tar"
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/banshee-data/holistic.replay/internal/security"
	"github.com/banshee-data/holistic.replay/internal/sensor"
)

// maxHeaderSize caps header.json; anything larger is not a header we wrote.
const maxHeaderSize = 1 << 20

// maxEntrySize caps each file extracted from an archive.
var maxEntrySize int64 = 16 << 30

// ErrEntryTooLarge is returned when an archive entry exceeds maxEntrySize.
var ErrEntryTooLarge = errors.New("archive entry too large")

// Reader gives sequential access to the streams of a recording.
type Reader struct {
	path    string
	dir     string
	tempDir string
	header  Header
}

// Open opens a recording. A directory is read in place; a tar or tar.gz
// archive is extracted into a temporary directory that Close removes.
func Open(path string) (*Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}

	r := &Reader{path: path, dir: path}
	if !info.IsDir() {
		tempDir, err := os.MkdirTemp("", "replay-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create extraction directory: %w", err)
		}
		if err := extractArchive(path, tempDir); err != nil {
			os.RemoveAll(tempDir)
			return nil, err
		}
		r.dir = tempDir
		r.tempDir = tempDir
	}

	if err := r.readHeader(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) readHeader() error {
	f, err := os.Open(filepath.Join(r.dir, HeaderFile))
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxHeaderSize+1))
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	if len(data) > maxHeaderSize {
		return fmt.Errorf("header too large (max %d bytes)", maxHeaderSize)
	}
	if err := json.Unmarshal(data, &r.header); err != nil {
		return fmt.Errorf("failed to parse header: %w", err)
	}
	if r.header.Version != FormatVersion {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, r.header.Version)
	}
	return nil
}

// extractArchive unpacks regular files from a tar or tar.gz archive into dir.
func extractArchive(path, dir string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var src io.Reader = br
	magic, _ := br.Peek(2)
	if bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeReg:
		default:
			// Links and devices never appear in recordings we write.
			continue
		}

		if hdr.Size > maxEntrySize {
			return fmt.Errorf("%w: %s is %d bytes (max %d)", ErrEntryTooLarge, hdr.Name, hdr.Size, maxEntrySize)
		}
		target, err := security.ArchiveEntryPath(dir, hdr.Name)
		if err != nil {
			return fmt.Errorf("invalid archive entry: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
		}
		if err := extractFile(tr, target, maxEntrySize); err != nil {
			return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
		}
	}
}

// extractFile copies at most limit bytes of src to target.
func extractFile(src io.Reader, target string, limit int64) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(src, limit+1))
	if err != nil {
		out.Close()
		return err
	}
	if n > limit {
		out.Close()
		return fmt.Errorf("%w: more than %d bytes", ErrEntryTooLarge, limit)
	}
	return out.Close()
}

// Header returns the recording header.
func (r *Reader) Header() Header {
	return r.header
}

// Path returns the path the recording was opened from.
func (r *Reader) Path() string {
	return r.path
}

// OpenVideo opens the frame stream recorded on socket.
func (r *Reader) OpenVideo(socket sensor.BoardSocket) (*VideoStream, error) {
	cam, ok := r.header.Camera(socket)
	if !ok {
		return nil, fmt.Errorf("%w: camera %s", ErrUnknownStream, socket)
	}
	f, err := os.Open(filepath.Join(r.dir, filepath.Base(cam.File)))
	if err != nil {
		return nil, fmt.Errorf("failed to open video stream %s: %w", socket, err)
	}
	return &VideoStream{f: f, br: bufio.NewReader(f), Socket: socket}, nil
}

// OpenIMU opens the IMU packet stream.
func (r *Reader) OpenIMU() (*IMUPacketStream, error) {
	if r.header.IMU == nil {
		return nil, fmt.Errorf("%w: imu", ErrUnknownStream)
	}
	f, err := os.Open(filepath.Join(r.dir, filepath.Base(r.header.IMU.File)))
	if err != nil {
		return nil, fmt.Errorf("failed to open imu stream: %w", err)
	}
	return &IMUPacketStream{f: f, br: bufio.NewReader(f)}, nil
}

// Close removes any extracted files.
func (r *Reader) Close() error {
	if r.tempDir == "" {
		return nil
	}
	err := os.RemoveAll(r.tempDir)
	r.tempDir = ""
	return err
}

// VideoStream reads frames in recorded order.
type VideoStream struct {
	Socket sensor.BoardSocket
	f      *os.File
	br     *bufio.Reader
}

// Next returns the next frame, or io.EOF after the last one.
func (s *VideoStream) Next() (Frame, error) {
	payload, err := readRecord(s.br)
	if err != nil {
		return Frame{}, err
	}
	return decodeFrame(payload)
}

// Close closes the stream.
func (s *VideoStream) Close() error {
	return s.f.Close()
}

// IMUPacketStream reads IMU packets in recorded order.
type IMUPacketStream struct {
	f  *os.File
	br *bufio.Reader
}

// Next returns the next packet, or io.EOF after the last one.
func (s *IMUPacketStream) Next() (sensor.IMUPacket, error) {
	payload, err := readRecord(s.br)
	if err != nil {
		return sensor.IMUPacket{}, err
	}
	return unmarshalIMUPacket(payload)
}

// Close closes the stream.
func (s *IMUPacketStream) Close() error {
	return s.f.Close()
}
