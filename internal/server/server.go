// Package server exposes playback sessions over HTTP. Each session is
// created through the API, controlled with JSON commands, observed over a
// websocket, and heard through its MP3 or WebRTC stream.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/satindergrewal/varispeed/internal/session"
)

// Options configures the server and every session it creates.
type Options struct {
	MaxSessions int // 0 means unbounded

	// MediaRoot confines load paths to one directory. Empty accepts any
	// path the process can read.
	MediaRoot string

	FFmpegPath   string
	FrameSize    int
	EndTolerance float64
	KeepParams   bool

	// Decoder and NewNode override the session defaults.
	Decoder session.Decoder
	NewNode session.NodeFactory

	Logger *zap.Logger
}

// View is the JSON form of a session.
type View struct {
	ID string `json:"id"`
	session.Snapshot
	CurrentTimeDisplay string `json:"current_time_display"`
	DurationDisplay    string `json:"duration_display"`
	Listeners          int    `json:"listeners"`
	Peers              int    `json:"peers"`
}

// Message types pushed on the events websocket.
const (
	MessageSnapshot    = "snapshot"
	MessagePlaybackEnd = "playback_end"
	MessageError       = "error"
)

// Message is one websocket event.
type Message struct {
	Type    string `json:"type"`
	Session *View  `json:"session,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Server routes the session API.
type Server struct {
	reg    *registry
	media  mediaRoot
	router *mux.Router
	log    *zap.Logger
}

// New creates a server with an empty registry. It fails only when the
// media root cannot be made absolute.
func New(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("server")

	media, err := newMediaRoot(opts.MediaRoot)
	if err != nil {
		return nil, err
	}
	s := &Server{
		reg:   newRegistry(opts, logger),
		media: media,
		log:   logger,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.createSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.withEntry(s.getSession)).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.deleteSession).Methods(http.MethodDelete)

	api.HandleFunc("/sessions/{id}/load", s.withEntry(s.load)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/play", s.withEntry(s.play)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/pause", s.withEntry(s.pause)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/stop", s.withEntry(s.stop)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/seek", s.withEntry(s.seek)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/speed", s.withEntry(s.speed)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/pitch", s.withEntry(s.pitch)).Methods(http.MethodPost)

	api.HandleFunc("/sessions/{id}/events", s.withEntry(s.events)).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/stream", s.withEntry(func(w http.ResponseWriter, r *http.Request, e *entry) {
		e.mp3.ServeHTTP(w, r)
	})).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/offer", s.withEntry(func(w http.ResponseWriter, r *http.Request, e *entry) {
		e.rtc.ServeHTTP(w, r)
	})).Methods(http.MethodPost, http.MethodOptions)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close tears down every session. Open streams and websockets end.
func (s *Server) Close() {
	s.reg.closeAll()
	s.log.Info("all sessions closed")
}

func (s *Server) withEntry(h func(http.ResponseWriter, *http.Request, *entry)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := s.reg.get(mux.Vars(r)["id"])
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h(w, r, e)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": s.reg.count()})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	e, err := s.reg.create()
	if errors.Is(err, ErrFull) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Location", "/api/sessions/"+e.id)
	writeJSON(w, http.StatusCreated, e.view())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	entries := s.reg.list()
	views := make([]View, 0, len(entries))
	for _, e := range entries {
		views = append(views, e.view())
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, e *entry) {
	writeJSON(w, http.StatusOK, e.view())
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.reg.remove(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) load(w http.ResponseWriter, r *http.Request, e *entry) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}
	path, err := s.media.resolve(req.Path)
	if err != nil {
		e.log.Warn("load rejected", zap.String("path", req.Path), zap.Error(err))
		writeError(w, http.StatusForbidden, errOutsideRoot.Error())
		return
	}
	e.load(path)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": e.id, "path": path})
}

func (s *Server) play(w http.ResponseWriter, r *http.Request, e *entry) {
	s.command(w, e, e.sess.Play())
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request, e *entry) {
	e.sess.Pause()
	s.command(w, e, nil)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request, e *entry) {
	e.sess.Stop()
	s.command(w, e, nil)
}

func (s *Server) seek(w http.ResponseWriter, r *http.Request, e *entry) {
	var req struct {
		Seconds *float64 `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Seconds == nil {
		writeError(w, http.StatusBadRequest, "seconds required")
		return
	}
	s.command(w, e, e.sess.Seek(*req.Seconds))
}

func (s *Server) speed(w http.ResponseWriter, r *http.Request, e *entry) {
	var req struct {
		Ratio *float64 `json:"ratio"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Ratio == nil {
		writeError(w, http.StatusBadRequest, "ratio required")
		return
	}
	s.command(w, e, e.sess.SetSpeed(*req.Ratio))
}

func (s *Server) pitch(w http.ResponseWriter, r *http.Request, e *entry) {
	var req struct {
		Semitones *float64 `json:"semitones"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Semitones == nil {
		writeError(w, http.StatusBadRequest, "semitones required")
		return
	}
	s.command(w, e, e.sess.SetPitch(*req.Semitones))
}

// command answers with the session view, or maps err to a status.
func (s *Server) command(w http.ResponseWriter, e *entry, err error) {
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			e.log.Warn("command failed", zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e.view())
}

func statusFor(err error) int {
	var seekErr *session.SeekError
	switch {
	case errors.Is(err, session.ErrNoAsset):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone
	case errors.As(err, &seekErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
