package display

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"unicode/utf8"

	"golang.org/x/term"
)

// ctrlC is the byte a raw-mode terminal delivers for Ctrl-C.
const ctrlC = 0x03

// ErrNotTerminal is returned by NewKeyboard when stdin is not a terminal.
var ErrNotTerminal = errors.New("stdin is not a terminal")

// Keyboard reads single keypresses from a terminal in raw mode. Ctrl-C no
// longer raises SIGINT in raw mode, so it closes Interrupted instead.
type Keyboard struct {
	in    io.Reader
	fd    int
	state *term.State

	keys        chan rune
	interrupted chan struct{}
	interrupt   sync.Once
	closeOnce   sync.Once
}

// NewKeyboard puts stdin into raw mode. Close restores it.
func NewKeyboard() (*Keyboard, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, ErrNotTerminal
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to enter raw mode: %w", err)
	}
	k := newKeyboard(os.Stdin)
	k.fd, k.state = fd, state
	return k, nil
}

func newKeyboard(in io.Reader) *Keyboard {
	k := &Keyboard{
		in:          in,
		fd:          -1,
		keys:        make(chan rune, keyBuffer),
		interrupted: make(chan struct{}),
	}
	go k.read()
	return k
}

func (k *Keyboard) read() {
	defer close(k.keys)
	buf := make([]byte, 64)
	var pending []byte
	for {
		n, err := k.in.Read(buf)
		pending = append(pending, buf[:n]...)
		for len(pending) > 0 && utf8.FullRune(pending) {
			r, size := utf8.DecodeRune(pending)
			pending = pending[size:]
			if r == ctrlC {
				k.interrupt.Do(func() { close(k.interrupted) })
				continue
			}
			select {
			case k.keys <- r:
			default:
			}
		}
		if err != nil {
			return
		}
	}
}

// Keys returns keypresses in the order they were typed.
func (k *Keyboard) Keys() <-chan rune {
	return k.keys
}

// Interrupted is closed when Ctrl-C is pressed.
func (k *Keyboard) Interrupted() <-chan struct{} {
	return k.interrupted
}

// Output wraps w so line breaks return the carriage while the terminal is
// in raw mode.
func (k *Keyboard) Output(w io.Writer) io.Writer {
	if k.state == nil {
		return w
	}
	return crlfWriter{w: w}
}

// Close restores the terminal. The reader goroutine ends with the process.
func (k *Keyboard) Close() error {
	var err error
	k.closeOnce.Do(func() {
		if k.state != nil {
			err = term.Restore(k.fd, k.state)
		}
	})
	return err
}

type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}
