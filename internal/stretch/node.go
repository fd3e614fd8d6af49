package stretch

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cwbudde/algo-dsp/dsp/effects/pitch"
	"go.uber.org/zap"

	"github.com/satindergrewal/varispeed/internal/audio"
	"github.com/satindergrewal/varispeed/internal/output"
)

const (
	MinTempo     = 0.5
	MaxTempo     = 2.0
	MinSemitones = -12.0
	MaxSemitones = 12.0

	// DefaultFrameSize is four 20ms frames per processing block.
	DefaultFrameSize = 4 * audio.FrameSize

	// WSOLA windows sized for 80ms blocks.
	sequenceMs = 40.0
	overlapMs  = 8.0
	searchMs   = 10.0

	fadeFrames = audio.FrameSize / 2
)

var (
	ErrClosed    = errors.New("stretch: node closed")
	ErrConnected = errors.New("stretch: node already connected to another destination")
)

// PlayEvent reports rendering progress against the unstretched asset.
type PlayEvent struct {
	TimePlayed       float64 // seconds
	PercentagePlayed float64 // 0-100
}

// Node is a time-stretch processing node for a single asset.
type Node struct {
	asset     *audio.Asset
	frameSize int
	period    time.Duration
	total     float64 // source frames
	log       *zap.Logger

	mu        sync.Mutex
	shifter   *pitch.PitchShifter
	tempo     float64
	semitones float64
	cursor    float64 // source frame position
	ended     bool
	fadeIn    bool
	onPlay    func(PlayEvent)
	dst       output.Destination
	stop      chan struct{}
	closed    bool
	scratch   [audio.Channels][]float64
	block     []int16
}

// ValidateFrameSize reports whether frameSize can be split into whole
// 20ms frames.
func ValidateFrameSize(frameSize int) error {
	if frameSize <= 0 || frameSize%audio.FrameSize != 0 {
		return fmt.Errorf("stretch: frame size %d is not a positive multiple of %d", frameSize, audio.FrameSize)
	}
	return nil
}

// New constructs a node over asset. frameSize is the processing block in
// frames and must be a positive multiple of audio.FrameSize.
func New(asset *audio.Asset, frameSize int, logger *zap.Logger) (*Node, error) {
	if asset == nil || asset.Frames() == 0 || asset.SampleRate <= 0 {
		return nil, errors.New("stretch: empty asset")
	}
	if err := ValidateFrameSize(frameSize); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	shifter, err := pitch.NewPitchShifter(float64(asset.SampleRate))
	if err != nil {
		return nil, fmt.Errorf("stretch: %w", err)
	}
	if err := shifter.SetSequence(sequenceMs); err != nil {
		return nil, fmt.Errorf("stretch: %w", err)
	}
	if err := shifter.SetOverlap(overlapMs); err != nil {
		return nil, fmt.Errorf("stretch: %w", err)
	}
	if err := shifter.SetSearch(searchMs); err != nil {
		return nil, fmt.Errorf("stretch: %w", err)
	}

	n := &Node{
		asset:     asset,
		frameSize: frameSize,
		period:    time.Duration(frameSize) * time.Second / time.Duration(asset.SampleRate),
		total:     float64(asset.Frames()),
		log:       logger.Named("stretch"),
		shifter:   shifter,
		tempo:     1,
		fadeIn:    true,
		block:     make([]int16, frameSize*audio.Channels),
	}
	for c := range n.scratch {
		n.scratch[c] = make([]float64, frameSize)
	}
	return n, nil
}

// Tempo returns the current tempo ratio.
func (n *Node) Tempo() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tempo
}

// PitchSemitones returns the current transposition.
func (n *Node) PitchSemitones() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.semitones
}

// SetTempo sets the playback rate ratio without changing pitch.
func (n *Node) SetTempo(ratio float64) error {
	if math.IsNaN(ratio) || ratio < MinTempo || ratio > MaxTempo {
		return fmt.Errorf("stretch: tempo %v outside [%v, %v]", ratio, MinTempo, MaxTempo)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.retune(ratio, n.semitones)
}

// SetPitchSemitones sets the transposition without changing rate.
func (n *Node) SetPitchSemitones(semitones float64) error {
	if math.IsNaN(semitones) || semitones < MinSemitones || semitones > MaxSemitones {
		return fmt.Errorf("stretch: pitch %v outside [%v, %v]", semitones, MinSemitones, MaxSemitones)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.retune(n.tempo, semitones)
}

// ShiftRatio is the pitch-stage ratio needed so that varispeed at tempo
// plus transposition by semitones yields exactly the requested key.
func ShiftRatio(tempo, semitones float64) float64 {
	return math.Pow(2, semitones/12) / tempo
}

func (n *Node) retune(tempo, semitones float64) error {
	if err := n.shifter.SetPitchRatio(ShiftRatio(tempo, semitones)); err != nil {
		return fmt.Errorf("stretch: %w", err)
	}
	n.tempo = tempo
	n.semitones = semitones
	return nil
}

// SetPercentagePlayed moves the play cursor to fraction (0-1) of the asset.
func (n *Node) SetPercentagePlayed(fraction float64) error {
	if math.IsNaN(fraction) || fraction < 0 || fraction > 1 {
		return fmt.Errorf("stretch: position %v outside [0, 1]", fraction)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	n.cursor = math.Floor(fraction * n.total)
	n.ended = false
	n.fadeIn = true
	return nil
}

// Position returns the cursor in seconds of unstretched audio.
func (n *Node) Position() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cursor / float64(n.asset.SampleRate)
}

// OnPlay registers fn to receive an event after every rendered block.
// fn runs on the render goroutine with no node lock held.
func (n *Node) OnPlay(fn func(PlayEvent)) {
	n.mu.Lock()
	n.onPlay = fn
	n.mu.Unlock()
}

// Connect starts rendering into dst. Connecting to the current destination
// again is a no-op.
func (n *Node) Connect(dst output.Destination) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if n.stop != nil {
		if n.dst == dst {
			return nil
		}
		return ErrConnected
	}
	n.dst = dst
	n.stop = make(chan struct{})
	n.fadeIn = true
	go n.run(n.stop)
	n.log.Debug("connected", zap.Duration("period", n.period))
	return nil
}

// Disconnect stops rendering. It does not wait for the render goroutine,
// so it is safe to call from the OnPlay callback.
func (n *Node) Disconnect() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnectLocked()
}

func (n *Node) disconnectLocked() {
	if n.stop == nil {
		return
	}
	close(n.stop)
	n.stop = nil
	n.dst = nil
	n.log.Debug("disconnected")
}

// Connected reports whether a render goroutine is active.
func (n *Node) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stop != nil
}

// Close disconnects and releases processing buffers.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.disconnectLocked()
	n.closed = true
	n.onPlay = nil
	n.block = nil
	for c := range n.scratch {
		n.scratch[c] = nil
	}
	return nil
}

func (n *Node) run(stop <-chan struct{}) {
	ticker := time.NewTicker(n.period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		frames, dst, ev, notify := n.render(stop)
		for _, f := range frames {
			if err := dst.WriteFrame(f); err != nil {
				n.log.Debug("destination write failed", zap.Error(err))
				break
			}
		}
		if notify != nil {
			notify(ev)
		}
	}
}

// render produces the next block for the connection identified by stop.
// It returns nothing once that connection has been replaced or the asset
// has been fully played.
func (n *Node) render(stop <-chan struct{}) ([][]int16, output.Destination, PlayEvent, func(PlayEvent)) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed || n.stop == nil || (<-chan struct{})(n.stop) != stop || n.ended {
		return nil, nil, PlayEvent{}, nil
	}
	if n.cursor >= n.total {
		// repositioned onto the end: report completion once, render nothing
		n.ended = true
		return nil, n.dst, PlayEvent{TimePlayed: n.total / float64(n.asset.SampleRate), PercentagePlayed: 100}, n.onPlay
	}

	n.fill()

	interleaved := make([]int16, len(n.block))
	copy(interleaved, n.block)
	if n.fadeIn {
		audio.FadeIn(interleaved, audio.Channels, fadeFrames)
		n.fadeIn = false
	}

	n.cursor += float64(n.frameSize) * n.tempo
	if n.cursor >= n.total {
		n.cursor = n.total
		n.ended = true
	}

	frames := make([][]int16, 0, n.frameSize/audio.FrameSize)
	for off := 0; off < len(interleaved); off += audio.FrameSamples {
		frames = append(frames, interleaved[off:off+audio.FrameSamples])
	}

	ev := PlayEvent{
		TimePlayed:       n.cursor / float64(n.asset.SampleRate),
		PercentagePlayed: n.cursor / n.total * 100,
	}
	return frames, n.dst, ev, n.onPlay
}

// fill renders one block into n.block: varispeed read at tempo, then the
// pitch stage per channel.
func (n *Node) fill() {
	ratio := ShiftRatio(n.tempo, n.semitones)
	for c := 0; c < audio.Channels; c++ {
		src := c
		if src >= n.asset.Channels {
			src = n.asset.Channels - 1
		}
		buf := n.scratch[c]
		for i := range buf {
			buf[i] = n.sampleAt(src, n.cursor+float64(i)*n.tempo)
		}
		if math.Abs(ratio-1) > 1e-9 {
			n.shifter.ProcessInPlace(buf)
		}
	}
	for i := 0; i < n.frameSize; i++ {
		for c := 0; c < audio.Channels; c++ {
			n.block[i*audio.Channels+c] = toPCM(n.scratch[c][i])
		}
	}
}

// sampleAt linearly interpolates channel ch at fractional frame pos.
// Positions past the end read as silence.
func (n *Node) sampleAt(ch int, pos float64) float64 {
	idx := int(pos)
	if idx < 0 || idx >= n.asset.Frames() {
		return 0
	}
	frac := pos - float64(idx)
	a := float64(n.asset.Samples[idx*n.asset.Channels+ch])
	if idx+1 >= n.asset.Frames() || frac == 0 {
		return a
	}
	b := float64(n.asset.Samples[(idx+1)*n.asset.Channels+ch])
	return a + (b-a)*frac
}

func toPCM(v float64) int16 {
	v = math.Round(v)
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
