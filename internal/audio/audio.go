package audio

import "time"

const (
	SampleRate    = 48000
	Channels      = 2
	BitDepth      = 16
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
	FrameBytes    = FrameSamples * 2     // bytes per frame (int16 = 2 bytes)
)

// Asset is an immutable decoded waveform held entirely in memory.
type Asset struct {
	Name       string  // display name
	Samples    []int16 // interleaved PCM
	SampleRate int
	Channels   int
}

// NewAsset wraps interleaved samples. Trailing samples that do not fill a
// whole frame across all channels are dropped.
func NewAsset(name string, samples []int16, sampleRate, channels int) *Asset {
	if channels > 0 {
		samples = samples[:len(samples)-len(samples)%channels]
	}
	return &Asset{
		Name:       name,
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

// Frames returns the number of sample frames (samples per channel).
func (a *Asset) Frames() int {
	if a == nil || a.Channels <= 0 {
		return 0
	}
	return len(a.Samples) / a.Channels
}

// Duration returns the unstretched length in seconds.
func (a *Asset) Duration() float64 {
	if a == nil || a.SampleRate <= 0 {
		return 0
	}
	return float64(a.Frames()) / float64(a.SampleRate)
}
