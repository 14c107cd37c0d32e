package display

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"

	"github.com/banshee-data/holistic.replay/internal/security"
)

// Snapshots writes every Nth frame of each window to
// <dir>/<window>_<frame>.jpg.
type Snapshots struct {
	dir     string
	every   uint64
	quality int

	mu     sync.Mutex
	counts map[string]uint64
	files  int
}

// NewSnapshots creates dir if needed. every below 1 saves every frame.
func NewSnapshots(dir string, every int, quality int) (*Snapshots, error) {
	if dir == "" {
		return nil, fmt.Errorf("snapshot directory must be set")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if every < 1 {
		every = 1
	}
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &Snapshots{
		dir:     dir,
		every:   uint64(every),
		quality: quality,
		counts:  make(map[string]uint64),
	}, nil
}

// Render saves img when its per-window frame number is a multiple of every.
func (s *Snapshots) Render(window string, img image.Image) error {
	s.mu.Lock()
	n := s.counts[window]
	s.counts[window] = n + 1
	s.mu.Unlock()

	if n%s.every != 0 {
		return nil
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%s_%06d.jpg", security.SanitizeFilename(window), n))
	if err := security.ValidatePathWithinDirectory(path, s.dir); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: s.quality}); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode snapshot %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", path, err)
	}

	s.mu.Lock()
	s.files++
	s.mu.Unlock()
	return nil
}

// Written returns how many snapshot files were saved.
func (s *Snapshots) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files
}
