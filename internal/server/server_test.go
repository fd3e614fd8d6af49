package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satindergrewal/varispeed/internal/audio"
	"github.com/satindergrewal/varispeed/internal/session"
)

// fakeDecoder serves silent stereo assets of fixed lengths.
type fakeDecoder struct {
	mu      sync.Mutex
	seconds map[string]float64
}

func (d *fakeDecoder) Decode(_ context.Context, path string) (*audio.Asset, error) {
	d.mu.Lock()
	sec, ok := d.seconds[path]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}
	frames := int(sec * audio.SampleRate)
	name := strings.TrimSuffix(path, ".flac")
	return audio.NewAsset(name, make([]int16, frames*audio.Channels), audio.SampleRate, audio.Channels), nil
}

type harness struct {
	srv *Server
	ts  *httptest.Server
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.Decoder == nil {
		opts.Decoder = &fakeDecoder{seconds: map[string]float64{
			"song.flac":  40,
			"short.flac": 0.3,
		}}
	}
	srv, err := New(opts)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, ts: ts}
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (h *harness) create(t *testing.T) View {
	t.Helper()
	code, data := h.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, code, string(data))
	return decodeView(t, data)
}

func (h *harness) view(t *testing.T, id string) View {
	t.Helper()
	code, data := h.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, code, string(data))
	return decodeView(t, data)
}

// command posts to a session sub-resource and expects 200.
func (h *harness) command(t *testing.T, id, verb string, body any) View {
	t.Helper()
	code, data := h.do(t, http.MethodPost, "/api/sessions/"+id+"/"+verb, body)
	require.Equal(t, http.StatusOK, code, string(data))
	return decodeView(t, data)
}

func (h *harness) loadReady(t *testing.T, id, path string) {
	t.Helper()
	code, data := h.do(t, http.MethodPost, "/api/sessions/"+id+"/load", map[string]string{"path": path})
	require.Equal(t, http.StatusAccepted, code, string(data))
	h.waitState(t, id, session.StateReady)
}

func (h *harness) waitState(t *testing.T, id string, want session.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(h.ts.URL + "/api/sessions/" + id)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var v View
		return json.NewDecoder(resp.Body).Decode(&v) == nil && v.State == want
	}, 3*time.Second, 10*time.Millisecond, "state %s", want)
}

func (h *harness) dial(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/api/sessions/" + id + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func decodeView(t *testing.T, data []byte) View {
	t.Helper()
	var v View
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

// readUntil reads messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var m Message
		require.NoError(t, conn.ReadJSON(&m), "waiting for %s", typ)
		if m.Type == typ {
			return m
		}
	}
}

func TestCreateListDelete(t *testing.T) {
	h := newHarness(t, Options{})

	v := h.create(t)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, session.StateIdle, v.State)
	assert.False(t, v.Loaded)
	assert.Equal(t, "0:00", v.DurationDisplay)

	code, data := h.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Sessions []View `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, v.ID, list.Sessions[0].ID)

	code, _ = h.do(t, http.MethodDelete, "/api/sessions/"+v.ID, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = h.do(t, http.MethodGet, "/api/sessions/"+v.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = h.do(t, http.MethodDelete, "/api/sessions/"+v.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSessionLimit(t *testing.T) {
	h := newHarness(t, Options{MaxSessions: 1})

	first := h.create(t)
	code, _ := h.do(t, http.MethodPost, "/api/sessions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	h.do(t, http.MethodDelete, "/api/sessions/"+first.ID, nil)
	h.create(t)
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t, Options{})
	for _, path := range []string{"/play", "/seek", "/offer"} {
		code, _ := h.do(t, http.MethodPost, "/api/sessions/nope"+path, nil)
		assert.Equal(t, http.StatusNotFound, code, path)
	}
	code, _ := h.do(t, http.MethodGet, "/api/sessions/nope/stream", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCommandsWithoutAsset(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.create(t).ID

	code, _ := h.do(t, http.MethodPost, "/api/sessions/"+id+"/play", nil)
	assert.Equal(t, http.StatusConflict, code)
	code, _ = h.do(t, http.MethodPost, "/api/sessions/"+id+"/seek", map[string]float64{"seconds": 3})
	assert.Equal(t, http.StatusConflict, code)
	code, _ = h.do(t, http.MethodPost, "/api/sessions/"+id+"/speed", map[string]float64{"ratio": 1.5})
	assert.Equal(t, http.StatusConflict, code)

	// pause and stop are no-ops without an asset
	assert.Equal(t, session.StateIdle, h.command(t, id, "pause", nil).State)
	assert.Equal(t, session.StateIdle, h.command(t, id, "stop", nil).State)
}

func TestBadRequests(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.create(t).ID

	code, _ := h.do(t, http.MethodPost, "/api/sessions/"+id+"/load", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodPost, "/api/sessions/"+id+"/seek", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodPost, "/api/sessions/"+id+"/pitch", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodGet, "/api/sessions/"+id+"/play", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestLoadAndControl(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.create(t).ID
	h.loadReady(t, id, "song.flac")

	v := h.view(t, id)
	assert.True(t, v.Loaded)
	assert.Equal(t, "song", v.Name)
	assert.InDelta(t, 40, v.Duration, 1e-9)
	assert.Equal(t, "0:40", v.DurationDisplay)
	assert.Equal(t, 1.0, v.Speed)
	assert.Equal(t, 0.0, v.Pitch)

	v = h.command(t, id, "seek", map[string]float64{"seconds": 5})
	assert.InDelta(t, 5, v.Position, 1e-9)
	assert.Equal(t, "0:05", v.CurrentTimeDisplay)

	v = h.command(t, id, "seek", map[string]float64{"seconds": 65})
	assert.InDelta(t, 40, v.Position, 1e-9, "seek clamps to duration")

	v = h.command(t, id, "speed", map[string]float64{"ratio": 1.5})
	assert.Equal(t, 1.5, v.Speed)
	assert.Equal(t, 0.0, v.Pitch)
	v = h.command(t, id, "speed", map[string]float64{"ratio": 9})
	assert.Equal(t, 2.0, v.Speed)

	v = h.command(t, id, "pitch", map[string]float64{"semitones": -3})
	assert.Equal(t, -3.0, v.Pitch)
	assert.Equal(t, 2.0, v.Speed)
	v = h.command(t, id, "pitch", map[string]float64{"semitones": 20})
	assert.Equal(t, 12.0, v.Pitch)

	h.command(t, id, "seek", map[string]float64{"seconds": 1})
	v = h.command(t, id, "play", nil)
	assert.Equal(t, session.StatePlaying, v.State)
	assert.True(t, v.Playing)

	v = h.command(t, id, "pause", nil)
	assert.Equal(t, session.StatePaused, v.State)

	v = h.command(t, id, "stop", nil)
	assert.Equal(t, session.StateReady, v.State)
	assert.Equal(t, 0.0, v.Position)
	assert.True(t, v.Loaded)
}

func TestStreamTitleFollowsLoadedAsset(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.create(t).ID
	e, ok := h.srv.reg.get(id)
	require.True(t, ok)
	require.NotNil(t, e.mp3.Title)
	assert.Empty(t, e.mp3.Title())

	h.loadReady(t, id, "song.flac")
	assert.Equal(t, "song", e.mp3.Title())

	code, _ := h.do(t, http.MethodPost, "/api/sessions/"+id+"/load", map[string]string{"path": "short.flac"})
	require.Equal(t, http.StatusAccepted, code)
	assert.Eventually(t, func() bool { return e.mp3.Title() == "short" }, 3*time.Second, 10*time.Millisecond)
}

func TestLoadConfinedToMediaRoot(t *testing.T) {
	root := t.TempDir()
	song := filepath.Join(root, "song.flac")
	h := newHarness(t, Options{
		MediaRoot: root,
		Decoder:   &fakeDecoder{seconds: map[string]float64{song: 40}},
	})
	id := h.create(t).ID

	for _, path := range []string{"../song.flac", "/etc/passwd", "a/../../song.flac"} {
		code, data := h.do(t, http.MethodPost, "/api/sessions/"+id+"/load", map[string]string{"path": path})
		assert.Equal(t, http.StatusForbidden, code, path)
		assert.NotContains(t, string(data), "passwd")
	}
	assert.False(t, h.view(t, id).Loaded)

	h.loadReady(t, id, "song.flac")
	assert.InDelta(t, 40, h.view(t, id).Duration, 1e-9)

	h.loadReady(t, id, song)
	assert.True(t, h.view(t, id).Loaded)
}

func TestSessionsAreIndependent(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.create(t).ID
	b := h.create(t).ID

	h.loadReady(t, a, "song.flac")
	h.command(t, a, "speed", map[string]float64{"ratio": 0.75})

	vb := h.view(t, b)
	assert.Equal(t, session.StateIdle, vb.State)
	assert.Equal(t, 1.0, vb.Speed)
	assert.Equal(t, 0.75, h.view(t, a).Speed)
}

func TestEventsReportLoadFailure(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.create(t).ID
	conn := h.dial(t, id)

	first := readUntil(t, conn, MessageSnapshot)
	require.NotNil(t, first.Session)
	assert.Equal(t, session.StateIdle, first.Session.State)

	code, _ := h.do(t, http.MethodPost, "/api/sessions/"+id+"/load", map[string]string{"path": "missing.flac"})
	require.Equal(t, http.StatusAccepted, code)

	m := readUntil(t, conn, MessageError)
	assert.Contains(t, m.Error, "missing.flac")
	h.waitState(t, id, session.StateIdle)
}

func TestEventsReportPlaybackEnd(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.create(t).ID
	h.loadReady(t, id, "short.flac")
	conn := h.dial(t, id)
	readUntil(t, conn, MessageSnapshot)

	h.command(t, id, "play", nil)
	readUntil(t, conn, MessagePlaybackEnd)

	v := h.view(t, id)
	assert.Equal(t, session.StateReady, v.State)
	assert.Equal(t, 0.0, v.Position)
}

func TestDeleteClosesEvents(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.create(t).ID
	conn := h.dial(t, id)
	readUntil(t, conn, MessageSnapshot)

	code, _ := h.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusNoContent, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var err error
	for err == nil {
		var m Message
		err = conn.ReadJSON(&m)
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestCloseRemovesEverySession(t *testing.T) {
	h := newHarness(t, Options{})
	h.create(t)
	h.create(t)
	require.Equal(t, 2, h.srv.reg.count())

	h.srv.Close()
	assert.Zero(t, h.srv.reg.count())

	code, data := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(data), `"sessions":0`)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(session.ErrNoAsset))
	assert.Equal(t, http.StatusBadRequest, statusFor(fmt.Errorf("%w: seek NaN", session.ErrInvalidValue)))
	assert.Equal(t, http.StatusGone, statusFor(session.ErrClosed))
	assert.Equal(t, http.StatusBadGateway, statusFor(&session.SeekError{Target: 3, Err: io.ErrUnexpectedEOF}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.EOF))
}
