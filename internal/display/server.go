package display

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io/fs"
	"net/http"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"tailscale.com/tsweb"

	"github.com/banshee-data/holistic.replay/internal/httputil"
	"github.com/banshee-data/holistic.replay/internal/monitoring"
)

//go:embed static
var staticFS embed.FS

const (
	writeWait      = 5 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxInboundSize = 1024
	clientBacklog  = 4
)

// Server is a browser viewer. Each window's frames are JPEG-encoded and
// pushed over a websocket to every connected client as a binary message
// holding the window name (one length byte, then the name) followed by the
// JPEG. Clients send keypresses back as {"type":"key","key":"q"}.
type Server struct {
	quality  int
	upgrader websocket.Upgrader
	logf     func(format string, v ...interface{})

	keys chan rune

	mu      sync.Mutex
	clients map[*client]struct{}
	windows map[string]*windowState
	closed  bool
}

type windowState struct {
	frames uint64
	width  int
	height int
	last   []byte
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	dropped uint64
	done    chan struct{}
}

// WindowStats describes one window for the debug page.
type WindowStats struct {
	Name   string `json:"name"`
	Frames uint64 `json:"frames"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// NewServer creates a viewer encoding frames at the given JPEG quality.
func NewServer(quality int) *Server {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &Server{
		quality: quality,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logf:    monitoring.Tagged("display"),
		keys:    make(chan rune, keyBuffer),
		clients: make(map[*client]struct{}),
		windows: make(map[string]*windowState),
	}
}

// Render encodes img and queues it for every client. Clients that fall
// behind lose their oldest queued frame.
func (s *Server) Render(window string, img image.Image) error {
	if len(window) > 255 {
		return fmt.Errorf("window name too long: %d bytes", len(window))
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(len(window)))
	buf.WriteString(window)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return fmt.Errorf("failed to encode frame for %q: %w", window, err)
	}
	msg := buf.Bytes()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("viewer closed")
	}
	w, ok := s.windows[window]
	if !ok {
		w = &windowState{}
		s.windows[window] = w
	}
	b := img.Bounds()
	w.frames++
	w.width, w.height = b.Dx(), b.Dy()
	w.last = msg

	for c := range s.clients {
		c.push(msg)
	}
	return nil
}

// push queues msg, discarding the oldest message if the client is behind.
// Called with s.mu held.
func (c *client) push(msg []byte) {
	for {
		select {
		case c.send <- msg:
			return
		default:
		}
		select {
		case <-c.send:
			c.dropped++
		default:
		}
	}
}

// Keys returns keypresses sent by browser clients.
func (s *Server) Keys() <-chan rune {
	return s.keys
}

// Windows returns the state of every window shown so far.
func (s *Server) Windows() []WindowStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WindowStats, 0, len(s.windows))
	for name, w := range s.windows {
		out = append(out, WindowStats{Name: name, Frames: w.frames, Width: w.width, Height: w.height})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clients returns the number of connected browsers.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Handler serves the viewer page, its websocket and the debug routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.AttachRoutes(mux)
	return mux
}

// AttachRoutes mounts the viewer page at /, its websocket at /ws and the
// debug routes on mux.
func (s *Server) AttachRoutes(mux *http.ServeMux) {
	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	mux.Handle("/", http.FileServer(http.FS(static)))
	mux.HandleFunc("/ws", s.serveWS)
	s.AttachAdminRoutes(mux)
}

// AttachAdminRoutes mounts viewer state under /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Viewer clients", func() any { return s.Clients() })
	debug.KVFunc("Viewer windows", func() any { return len(s.Windows()) })
	debug.HandleFunc("windows", "Windows shown by the replay viewer", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.Windows())
	})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("websocket upgrade failed: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, clientBacklog),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	// Replay the latest frame of each window so a new page is not blank.
	for _, ws := range s.windows {
		c.push(ws.last)
	}
	s.mu.Unlock()
	s.logf("viewer connected from %s", r.RemoteAddr)

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	dropped := c.dropped
	s.mu.Unlock()
	if ok {
		close(c.done)
		if dropped > 0 {
			s.logf("viewer disconnected, %d frames dropped", dropped)
		}
	}
}

type inbound struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logf("viewer read error: %v", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "key" {
			continue
		}
		key, size := utf8.DecodeRuneInString(msg.Key)
		if size == 0 || key == utf8.RuneError {
			continue
		}
		select {
		case s.keys <- key:
		default:
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// Close disconnects every client. The Keys channel stays open so a Display
// forwarding from it stops on its own signal.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.remove(c)
	}
	return nil
}
