// Package session implements a playback session: one decoded asset, one
// time-stretch processing node and the state machine that drives them.
//
// Every command runs under the session lock, so commands are applied in the
// order they are received. Node position events arrive on the node's render
// goroutine and go through the same lock. Callbacks (OnPlaybackEnd, OnError)
// run after the lock is released and may call back into the session.
package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/satindergrewal/varispeed/internal/audio"
	"github.com/satindergrewal/varispeed/internal/output"
	"github.com/satindergrewal/varispeed/internal/stretch"
)

// Decoder turns a file into an in-memory asset.
type Decoder interface {
	Decode(ctx context.Context, path string) (*audio.Asset, error)
}

// Options configures a Session. Zero values select defaults.
type Options struct {
	Decoder   Decoder        // default audio.FFmpegDecoder
	Outputs   output.Factory // default output.Device
	NewNode   NodeFactory    // default StretchNodes
	FrameSize int            // processing block in frames, default stretch.DefaultFrameSize

	// EndTolerance is the fraction of the asset at the tail that counts as
	// played through. Default DefaultEndTolerance (the last 0.1%).
	EndTolerance float64

	// KeepParams carries speed and pitch over to the next loaded asset.
	// By default every successful load resets them to DefaultParams.
	KeepParams bool

	OnPlaybackEnd func()
	OnError       func(error)

	Logger *zap.Logger
}

// Session owns exactly one asset and one processing node at a time.
type Session struct {
	decoder       Decoder
	keepParams    bool
	onPlaybackEnd func()
	onError       func(error)
	log           *zap.Logger

	mu     sync.Mutex
	state  State
	gen    uint64 // bumped by every load and by Close
	asset  *audio.Asset
	params Params
	rec    reconciler
	res    lifecycle
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates an idle session.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("session")
	if opts.Decoder == nil {
		opts.Decoder = audio.FFmpegDecoder{}
	}
	if opts.Outputs == nil {
		opts.Outputs = output.Device{}
	}
	if opts.NewNode == nil {
		opts.NewNode = StretchNodes(logger)
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = stretch.DefaultFrameSize
	}
	if opts.EndTolerance <= 0 || opts.EndTolerance >= 1 {
		opts.EndTolerance = DefaultEndTolerance
	}

	return &Session{
		decoder:       opts.Decoder,
		keepParams:    opts.KeepParams,
		onPlaybackEnd: opts.OnPlaybackEnd,
		onError:       opts.OnError,
		log:           logger,
		state:         StateIdle,
		params:        DefaultParams(),
		rec:           newReconciler(opts.EndTolerance),
		res: lifecycle{
			outputs:   opts.Outputs,
			newNode:   opts.NewNode,
			frameSize: opts.FrameSize,
			log:       logger,
		},
		subs: make(map[*Subscription]struct{}),
	}
}

// State returns the current playback state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Load replaces the current asset with the file at path. It blocks until
// decoding finishes. Any playback of the previous asset is stopped and its
// resources released before decoding starts. If another Load begins before
// this one completes, this one returns ErrSuperseded and its result is
// discarded.
func (s *Session) Load(ctx context.Context, path string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.gen++
	gen := s.gen
	if s.state == StatePlaying || s.state == StatePaused {
		s.stopLocked()
		s.publishLocked()
	}
	s.res.release()
	s.asset = nil
	s.rec.reset(0, 0)
	s.state = StateLoading
	s.publishLocked()
	s.mu.Unlock()

	s.log.Info("loading", zap.String("path", path))
	asset, err := s.decoder.Decode(ctx, path)
	if err == nil && (asset == nil || asset.Frames() == 0) {
		err = audio.ErrEmpty
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if gen != s.gen {
		s.mu.Unlock()
		s.log.Debug("discarding superseded load", zap.String("path", path))
		return ErrSuperseded
	}
	if err == nil {
		if !s.keepParams {
			s.params = DefaultParams()
		}
		err = s.res.acquire(asset, s.params, s.onPlayFor(gen))
	}
	if err != nil {
		s.res.release()
		s.state = StateIdle
		s.publishLocked()
		s.mu.Unlock()

		derr := &DecodeError{Path: path, Err: err}
		s.log.Warn("load failed", zap.Error(derr))
		s.report(derr)
		return derr
	}

	s.asset = asset
	s.rec.reset(asset.Duration(), blockSeconds(s.res.frameSize, asset))
	s.state = StateReady
	s.publishLocked()
	s.mu.Unlock()

	s.log.Info("loaded",
		zap.String("name", asset.Name),
		zap.Float64("duration", asset.Duration()),
	)
	return nil
}

func blockSeconds(frameSize int, asset *audio.Asset) float64 {
	return float64(frameSize) * stretch.MaxTempo / float64(asset.SampleRate)
}

// Play starts or resumes output. Playing again while playing is a no-op.
func (s *Session) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.asset == nil {
		return ErrNoAsset
	}
	if s.state == StatePlaying {
		return nil
	}
	if err := s.res.connect(); err != nil {
		s.log.Error("play failed", zap.Error(err))
		return err
	}
	s.state = StatePlaying
	s.log.Info("playing", zap.Float64("position", s.rec.position))
	s.publishLocked()
	return nil
}

// Pause freezes output and position. A no-op unless playing.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePlaying {
		return
	}
	s.res.disconnect()
	s.state = StatePaused
	s.log.Info("paused", zap.Float64("position", s.rec.position))
	s.publishLocked()
}

// Stop returns to Ready at position zero, keeping the asset loaded.
// A no-op without an asset.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.HasNode() {
		return
	}
	s.stopLocked()
	s.log.Info("stopped")
	s.publishLocked()
}

func (s *Session) stopLocked() {
	s.res.disconnect()
	s.state = StateReady
	s.rec.rewind()
	if s.res.live() {
		if err := s.res.node.SetPercentagePlayed(0); err != nil {
			s.log.Warn("rewind failed", zap.Error(err))
		}
	}
}

// Seek moves to t seconds, clamped to the asset. The new position is
// visible immediately; the node follows asynchronously.
func (s *Session) Seek(t float64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.asset == nil {
		s.mu.Unlock()
		return ErrNoAsset
	}
	if !finite(t) {
		s.mu.Unlock()
		return fmt.Errorf("%w: seek %v", ErrInvalidValue, t)
	}

	pos := s.rec.seek(t)
	var serr error
	if s.res.live() {
		if err := s.res.node.SetPercentagePlayed(pos / s.rec.duration); err != nil {
			serr = &SeekError{Target: pos, Err: err}
		}
	}
	s.log.Debug("seek", zap.Float64("requested", t), zap.Float64("position", pos))
	s.publishLocked()
	s.mu.Unlock()

	if serr != nil {
		s.log.Warn("seek failed", zap.Error(serr))
		s.report(serr)
	}
	return serr
}

// SetSpeed sets the tempo ratio, clamped to [0.5, 2]. Pitch is unaffected.
func (s *Session) SetSpeed(ratio float64) error {
	return s.setParam("speed", ratio, func(p *Params, v float64) float64 {
		p.Speed = ClampSpeed(v)
		return p.Speed
	}, func(n Node, v float64) error {
		return n.SetTempo(v)
	})
}

// SetPitch sets the transposition in semitones, clamped to [-12, 12].
// Speed is unaffected.
func (s *Session) SetPitch(semitones float64) error {
	return s.setParam("pitch", semitones, func(p *Params, v float64) float64 {
		p.Pitch = ClampPitch(v)
		return p.Pitch
	}, func(n Node, v float64) error {
		return n.SetPitchSemitones(v)
	})
}

func (s *Session) setParam(name string, v float64, set func(*Params, float64) float64, push func(Node, float64) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.asset == nil {
		return ErrNoAsset
	}
	if !finite(v) {
		return fmt.Errorf("%w: %s %v", ErrInvalidValue, name, v)
	}

	next := s.params
	applied := set(&next, v)
	if s.res.live() {
		if err := push(s.res.node, applied); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
	}
	s.params = next
	s.log.Debug("parameter changed", zap.String("param", name), zap.Float64("value", applied))
	s.publishLocked()
	return nil
}

// Close tears the session down: the node is disconnected, the output
// released and every subscription closed. Pending loads are discarded.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.gen++
	s.res.release()
	s.asset = nil
	s.rec.reset(0, 0)
	s.state = StateIdle
	s.publishLocked()
	s.closeSubsLocked()
	s.log.Info("closed")
	return nil
}

func (s *Session) onPlayFor(gen uint64) func(stretch.PlayEvent) {
	return func(ev stretch.PlayEvent) { s.handlePlay(gen, ev) }
}

// handlePlay applies a position event from the node bound to load gen.
func (s *Session) handlePlay(gen uint64, ev stretch.PlayEvent) {
	s.mu.Lock()
	if s.closed || gen != s.gen || s.state != StatePlaying {
		s.mu.Unlock()
		return
	}
	accepted, ended := s.rec.observe(ev)
	if !accepted {
		s.mu.Unlock()
		return
	}
	if ended {
		s.stopLocked()
		s.log.Info("playback ended")
	}
	s.publishLocked()
	s.mu.Unlock()

	if ended && s.onPlaybackEnd != nil {
		s.onPlaybackEnd()
	}
}

func (s *Session) report(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}
