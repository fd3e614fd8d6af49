package stream

import (
	"context"
	"io"
	"net/http"
	"os/exec"
	"strconv"

	"go.uber.org/zap"

	"github.com/satindergrewal/varispeed/internal/audio"
)

// HTTPHandler serves a session's output as chunked MP3. Each connection
// runs its own ffmpeg encoder. Clients that send "Icy-MetaData: 1" get
// the loaded asset's title interleaved as SHOUTcast metadata.
type HTTPHandler struct {
	// Binary is the ffmpeg executable. Empty means "ffmpeg" on PATH.
	Binary string
	// Name is sent as the icy-name header.
	Name string
	// Title reports what is currently loaded; nil or "" sends no title.
	Title func() string

	broadcaster *Broadcaster
	log         *zap.Logger
}

// NewHTTPHandler creates an HTTP stream handler fed by b.
func NewHTTPHandler(b *Broadcaster, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		Name:        "varispeed",
		broadcaster: b,
		log:         logger.Named("http-stream"),
	}
}

func (h *HTTPHandler) encoder(ctx context.Context) *exec.Cmd {
	binary := h.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	return exec.CommandContext(ctx, binary,
		"-f", "s16le",
		"-ar", strconv.Itoa(audio.SampleRate),
		"-ac", strconv.Itoa(audio.Channels),
		"-i", "pipe:0",
		"-codec:a", "libmp3lame",
		"-b:a", "192k",
		"-f", "mp3",
		"-fflags", "nobuffer",
		"-flush_packets", "1",
		"-loglevel", "error",
		"pipe:1",
	)
}

func (h *HTTPHandler) title() string {
	if h.Title == nil {
		return ""
	}
	return h.Title()
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cmd := h.encoder(ctx)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		h.log.Error("stdin pipe", zap.Error(err))
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.log.Error("stdout pipe", zap.Error(err))
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}
	if err := cmd.Start(); err != nil {
		h.log.Error("ffmpeg start", zap.String("binary", cmd.Path), zap.Error(err))
		http.Error(w, "encoder unavailable", http.StatusServiceUnavailable)
		return
	}
	defer func() {
		cancel()
		_ = cmd.Wait()
	}()

	hdr := w.Header()
	hdr.Set("Content-Type", "audio/mpeg")
	hdr.Set("Cache-Control", "no-cache, no-store")
	hdr.Set("Connection", "close")
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("icy-name", h.Name)

	var out io.Writer = w
	if r.Header.Get("Icy-MetaData") == "1" {
		hdr.Set("icy-metaint", strconv.Itoa(icyMetaInt))
		out = newICYWriter(w, icyMetaInt, h.title)
	}
	w.WriteHeader(http.StatusOK)

	listener := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(listener)
	h.log.Info("listener connected", zap.Int("listeners", h.broadcaster.ListenerCount()))
	defer h.log.Info("listener disconnected")

	go feed(ctx, listener, stdin)

	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				h.log.Warn("ffmpeg read", zap.Error(err))
			}
			return
		}
	}
}

// feed copies PCM frames from l into the encoder until either side stops.
func feed(ctx context.Context, l *Listener, stdin io.WriteCloser) {
	defer stdin.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case frame, ok := <-l.C:
			if !ok {
				return
			}
			if _, err := stdin.Write(audio.SamplesToBytes(frame)); err != nil {
				return
			}
		}
	}
}
