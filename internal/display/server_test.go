package display

import (
	"bytes"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialViewer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func decodeWindowMessage(t *testing.T, msg []byte) (string, image.Image) {
	t.Helper()
	require.NotEmpty(t, msg)
	n := int(msg[0])
	require.Greater(t, len(msg), 1+n)
	img, err := jpeg.Decode(bytes.NewReader(msg[1+n:]))
	require.NoError(t, err)
	return string(msg[1 : 1+n]), img
}

func TestServer_PushesFrames(t *testing.T) {
	s := NewServer(85)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Close()

	conn := dialViewer(t, srv)
	require.NoError(t, s.Render("video", testImage(32, 24)))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)

	window, img := decodeWindowMessage(t, msg)
	assert.Equal(t, "video", window)
	assert.Equal(t, image.Rect(0, 0, 32, 24), img.Bounds())

	assert.Eventually(t, func() bool { return s.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []WindowStats{{Name: "video", Frames: 1, Width: 32, Height: 24}}, s.Windows())
}

func TestServer_NewClientGetsLatestFrame(t *testing.T) {
	s := NewServer(0)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Close()

	require.NoError(t, s.Render("video", testImage(8, 8)))
	require.NoError(t, s.Render("video", testImage(16, 8)))

	conn := dialViewer(t, srv)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	_, img := decodeWindowMessage(t, msg)
	assert.Equal(t, 16, img.Bounds().Dx())
}

func TestServer_ReceivesKeys(t *testing.T) {
	s := NewServer(0)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Close()

	conn := dialViewer(t, srv)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"key","key":"q"}`)))

	d := New(WithKeySource(s))
	defer d.Close()
	key, ok := d.WaitKey(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, 'q', key)
}

func TestServer_RejectsLongWindowName(t *testing.T) {
	s := NewServer(0)
	assert.Error(t, s.Render(strings.Repeat("w", 256), testImage(2, 2)))
}

func TestServer_RenderAfterClose(t *testing.T) {
	s := NewServer(0)
	require.NoError(t, s.Close())
	assert.Error(t, s.Render("video", testImage(2, 2)))
}

func TestServer_IndexAndDebugRoutes(t *testing.T) {
	s := NewServer(0)
	require.NoError(t, s.Render("video", testImage(4, 2)))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "new WebSocket")

	resp, err = http.Get(srv.URL + "/debug/windows")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var windows []WindowStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&windows))
	assert.Equal(t, []WindowStats{{Name: "video", Frames: 1, Width: 4, Height: 2}}, windows)
}
