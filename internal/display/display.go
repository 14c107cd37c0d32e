// Package display shows replayed frames and collects keypresses.
//
// A Display fans each Show call out to its renderers (a browser viewer, a
// snapshot directory, a headless counter) and merges keypresses from its key
// sources (the terminal, browser clients) into one stream read by WaitKey.
package display

import (
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/holistic.replay/internal/monitoring"
	"github.com/banshee-data/holistic.replay/internal/timeutil"
)

// keyBuffer bounds keypresses waiting for WaitKey. Extra keys are dropped.
const keyBuffer = 16

// Renderer draws images on named windows.
type Renderer interface {
	Render(window string, img image.Image) error
}

// KeySource delivers keypresses. The channel is closed when the source ends.
type KeySource interface {
	Keys() <-chan rune
}

// Display is a set of renderers and key sources behind one Show/WaitKey pair.
type Display struct {
	renderers []Renderer
	closers   []io.Closer
	clock     timeutil.Clock
	logf      func(format string, v ...interface{})

	keys chan rune
	stop chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// Option configures a Display.
type Option func(*Display)

// WithRenderer adds a renderer. It is closed with the Display when it
// implements io.Closer.
func WithRenderer(r Renderer) Option {
	return func(d *Display) {
		d.renderers = append(d.renderers, r)
		d.addCloser(r)
	}
}

// WithKeySource adds a key source. It is closed with the Display when it
// implements io.Closer.
func WithKeySource(k KeySource) Option {
	return func(d *Display) {
		d.addCloser(k)
		d.wg.Add(1)
		go d.forward(k)
	}
}

// WithClock sets the clock WaitKey times out against.
func WithClock(c timeutil.Clock) Option {
	return func(d *Display) { d.clock = c }
}

// New creates a Display.
func New(opts ...Option) *Display {
	d := &Display{
		clock: timeutil.RealClock{},
		logf:  monitoring.Tagged("display"),
		keys:  make(chan rune, keyBuffer),
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Display) addCloser(v interface{}) {
	c, ok := v.(io.Closer)
	if !ok {
		return
	}
	for _, existing := range d.closers {
		if existing == c {
			return
		}
	}
	d.closers = append(d.closers, c)
}

func (d *Display) forward(k KeySource) {
	defer d.wg.Done()
	src := k.Keys()
	for {
		select {
		case key, ok := <-src:
			if !ok {
				return
			}
			select {
			case d.keys <- key:
			default:
				d.logf("dropping key %q: %d keys unread", key, keyBuffer)
			}
		case <-d.stop:
			return
		}
	}
}

// Show draws img on window in every renderer. Every renderer is tried; the
// first failure is returned.
func (d *Display) Show(window string, img image.Image) error {
	if img == nil {
		return fmt.Errorf("show %q: nil image", window)
	}
	var errs []error
	for _, r := range d.renderers {
		if err := r.Render(window, img); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("show %q: %w", window, errors.Join(errs...))
	}
	return nil
}

// WaitKey returns the next keypress, waiting at most timeout. A timeout of
// zero or less polls without waiting.
func (d *Display) WaitKey(timeout time.Duration) (rune, bool) {
	if timeout <= 0 {
		select {
		case k := <-d.keys:
			return k, true
		default:
			return 0, false
		}
	}

	t := d.clock.NewTimer(timeout)
	defer t.Stop()
	select {
	case k := <-d.keys:
		return k, true
	case <-t.C():
		return 0, false
	}
}

// Close stops key forwarding and closes every renderer and key source that
// can be closed.
func (d *Display) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		close(d.stop)
		for _, c := range d.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		d.wg.Wait()
	})
	return errors.Join(errs...)
}
