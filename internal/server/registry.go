package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satindergrewal/varispeed/internal/audio"
	"github.com/satindergrewal/varispeed/internal/session"
	"github.com/satindergrewal/varispeed/internal/stream"
)

// ErrFull is returned when the registry already holds MaxSessions sessions.
var ErrFull = errors.New("session limit reached")

// noticeBuffer bounds the playback_end / error backlog per websocket client.
const noticeBuffer = 8

// entry is one registered session with its network outputs.
type entry struct {
	id      string
	created time.Time
	sess    *session.Session
	out     *stream.Broadcaster
	mp3     *stream.HTTPHandler
	rtc     *stream.WebRTCHandler
	log     *zap.Logger

	// ctx parents asynchronous loads and is cancelled on removal.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	notices map[chan Message]struct{}
	closed  bool
}

func (e *entry) view() View {
	return e.viewOf(e.sess.Snapshot())
}

func (e *entry) viewOf(snap session.Snapshot) View {
	return View{
		ID:                 e.id,
		Snapshot:           snap,
		CurrentTimeDisplay: session.FormatTime(snap.Position),
		DurationDisplay:    session.FormatTime(snap.Duration),
		Listeners:          e.out.ListenerCount(),
		Peers:              e.rtc.PeerCount(),
	}
}

// title is the stream title for ICY metadata: the loaded asset's display
// name, empty until something is loaded.
func (e *entry) title() string {
	return e.sess.Snapshot().Name
}

// listen registers for playback_end and error notices.
func (e *entry) listen() chan Message {
	ch := make(chan Message, noticeBuffer)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(ch)
		return ch
	}
	e.notices[ch] = struct{}{}
	return ch
}

func (e *entry) unlisten(ch chan Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.notices[ch]; !ok {
		return
	}
	delete(e.notices, ch)
	close(ch)
}

func (e *entry) notify(m Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.notices {
		select {
		case ch <- m:
		default:
			e.log.Warn("dropping notice for slow client", zap.String("type", m.Type))
		}
	}
}

// load decodes path in the background. A newer load supersedes this one
// inside the session, so nothing is cancelled here.
func (e *entry) load(path string) {
	go func() {
		err := e.sess.Load(e.ctx, path)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrSuperseded), errors.Is(err, session.ErrClosed):
			e.log.Debug("load abandoned", zap.String("path", path), zap.Error(err))
		default:
			// already delivered through OnError
			e.log.Debug("load failed", zap.String("path", path), zap.Error(err))
		}
	}()
}

func (e *entry) close() {
	e.cancel()
	_ = e.sess.Close()
	e.rtc.Close()
	e.out.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for ch := range e.notices {
		delete(e.notices, ch)
		close(ch)
	}
}

// registry holds independent sessions keyed by UUID.
type registry struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

func newRegistry(opts Options, logger *zap.Logger) *registry {
	return &registry{
		opts:    opts,
		log:     logger,
		entries: make(map[string]*entry),
	}
}

func (r *registry) create() (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opts.MaxSessions > 0 && len(r.entries) >= r.opts.MaxSessions {
		return nil, ErrFull
	}

	id := uuid.NewString()
	log := r.log.With(zap.String("session", id))
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		id:      id,
		created: time.Now(),
		out:     stream.NewBroadcaster(log),
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		notices: make(map[chan Message]struct{}),
	}
	e.mp3 = stream.NewHTTPHandler(e.out, log)
	e.mp3.Binary = r.opts.FFmpegPath
	e.mp3.Name = "varispeed " + id
	e.rtc = stream.NewWebRTCHandler(e.out, log)
	e.rtc.StreamID = "varispeed-" + id

	decoder := r.opts.Decoder
	if decoder == nil {
		decoder = audio.FFmpegDecoder{Binary: r.opts.FFmpegPath}
	}
	e.sess = session.New(session.Options{
		Decoder:      decoder,
		Outputs:      e.out,
		NewNode:      r.opts.NewNode,
		FrameSize:    r.opts.FrameSize,
		EndTolerance: r.opts.EndTolerance,
		KeepParams:   r.opts.KeepParams,
		OnPlaybackEnd: func() {
			e.notify(Message{Type: MessagePlaybackEnd})
		},
		OnError: func(err error) {
			e.notify(Message{Type: MessageError, Error: err.Error()})
		},
		Logger: log,
	})
	e.mp3.Title = e.title

	r.entries[id] = e
	log.Info("session created", zap.Int("sessions", len(r.entries)))
	return e, nil
}

func (r *registry) get(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// list returns entries oldest first.
func (r *registry) list() []*entry {
	r.mu.Lock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].created.Equal(out[j].created) {
			return out[i].id < out[j].id
		}
		return out[i].created.Before(out[j].created)
	})
	return out
}

func (r *registry) remove(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	remaining := len(r.entries)
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.close()
	e.log.Info("session removed", zap.Int("sessions", remaining))
	return true
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// closeAll tears down every session.
func (r *registry) closeAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	for _, e := range entries {
		e.close()
	}
}
