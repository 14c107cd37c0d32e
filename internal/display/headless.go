package display

import (
	"image"
	"sync"
)

// Headless counts frames without drawing them.
type Headless struct {
	mu     sync.Mutex
	frames map[string]uint64
	last   map[string]image.Rectangle
}

// NewHeadless creates a Headless renderer.
func NewHeadless() *Headless {
	return &Headless{
		frames: make(map[string]uint64),
		last:   make(map[string]image.Rectangle),
	}
}

// Render records the frame.
func (h *Headless) Render(window string, img image.Image) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames[window]++
	h.last[window] = img.Bounds()
	return nil
}

// Frames returns how many frames window received.
func (h *Headless) Frames(window string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frames[window]
}

// Bounds returns the bounds of the last frame shown on window.
func (h *Headless) Bounds(window string) image.Rectangle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last[window]
}
