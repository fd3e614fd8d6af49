package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
	"gopkg.in/hraban/opus.v2"

	"github.com/satindergrewal/varispeed/internal/audio"
)

const (
	// opusBitrate is the encoder target in bits per second.
	opusBitrate = 128000
	// maxOpusPacket bounds one encoded 20ms frame.
	maxOpusPacket = 4000
)

// WebRTCHandler answers SDP offers with a one-way Opus track carrying a
// session's output.
type WebRTCHandler struct {
	// StreamID labels the outgoing track so a browser can tell sessions apart.
	StreamID string
	// Config is passed to every peer connection (ICE servers and so on).
	Config webrtc.Configuration

	broadcaster *Broadcaster
	log         *zap.Logger

	mu    sync.Mutex
	peers map[*webrtc.PeerConnection]struct{}
}

// NewWebRTCHandler creates a WebRTC stream handler fed by b.
func NewWebRTCHandler(b *Broadcaster, logger *zap.Logger) *WebRTCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebRTCHandler{
		StreamID:    "varispeed",
		broadcaster: b,
		log:         logger.Named("webrtc"),
		peers:       make(map[*webrtc.PeerConnection]struct{}),
	}
}

// PeerCount returns the number of connected peers.
func (h *WebRTCHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Close hangs up every connected peer.
func (h *WebRTCHandler) Close() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[*webrtc.PeerConnection]struct{})
	h.mu.Unlock()
	for pc := range peers {
		_ = pc.Close()
	}
}

// errBadOffer marks negotiation failures caused by the client's SDP.
var errBadOffer = errors.New("invalid SDP offer")

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, errBadOffer.Error(), http.StatusBadRequest)
		return
	}

	pc, track, err := h.answer(offer)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errBadOffer) {
			status = http.StatusBadRequest
		}
		h.log.Warn("negotiation failed", zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}

	h.mu.Lock()
	h.peers[pc] = struct{}{}
	count := len(h.peers)
	h.mu.Unlock()
	h.log.Info("peer connected", zap.Int("peers", count))

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			h.drop(pc)
		}
	})
	go h.pump(track)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pc.LocalDescription())
}

// answer builds a peer connection with one Opus track and completes ICE
// gathering so the returned description needs no trickle.
func (h *WebRTCHandler) answer(offer webrtc.SessionDescription) (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	pc, err := webrtc.NewPeerConnection(h.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("peer connection: %w", err)
	}
	fail := func(err error) (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
		_ = pc.Close()
		return nil, nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audio.SampleRate, Channels: audio.Channels},
		"audio",
		h.StreamID,
	)
	if err != nil {
		return fail(fmt.Errorf("audio track: %w", err))
	}
	if _, err := pc.AddTrack(track); err != nil {
		return fail(fmt.Errorf("add track: %w", err))
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fail(fmt.Errorf("%w: %v", errBadOffer, err))
	}
	ans, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("create answer: %w", err))
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(ans); err != nil {
		return fail(fmt.Errorf("local description: %w", err))
	}
	<-gathered
	return pc, track, nil
}

func (h *WebRTCHandler) drop(pc *webrtc.PeerConnection) {
	h.mu.Lock()
	_, ok := h.peers[pc]
	delete(h.peers, pc)
	count := len(h.peers)
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = pc.Close()
	h.log.Info("peer disconnected", zap.Int("peers", count))
}

// pump encodes broadcast frames into track until the listener is dropped
// or the track stops accepting samples.
func (h *WebRTCHandler) pump(track *webrtc.TrackLocalStaticSample) {
	listener := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(listener)

	enc, err := opus.NewEncoder(audio.SampleRate, audio.Channels, opus.AppAudio)
	if err != nil {
		h.log.Error("opus encoder", zap.Error(err))
		return
	}
	if err := enc.SetBitrate(opusBitrate); err != nil {
		h.log.Warn("opus bitrate", zap.Error(err))
	}

	packet := make([]byte, maxOpusPacket)
	for {
		select {
		case <-listener.done:
			return
		case frame, ok := <-listener.C:
			if !ok {
				return
			}
			if len(frame) != audio.FrameSamples {
				// opus only takes whole 20ms frames
				continue
			}
			n, err := enc.Encode(frame, packet)
			if err != nil {
				h.log.Warn("opus encode", zap.Error(err))
				continue
			}
			if err := track.WriteSample(media.Sample{Data: packet[:n], Duration: audio.FrameDuration}); err != nil {
				return
			}
		}
	}
}
