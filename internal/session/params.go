package session

import (
	"math"

	"github.com/satindergrewal/varispeed/internal/stretch"
)

// Params are the tempo and pitch settings applied to the processing node.
type Params struct {
	Speed float64 // tempo ratio, [0.5, 2]
	Pitch float64 // semitones, [-12, 12]
}

// DefaultParams is unity tempo and no transposition.
func DefaultParams() Params {
	return Params{Speed: 1, Pitch: 0}
}

// ClampSpeed bounds a tempo ratio to the supported range.
func ClampSpeed(ratio float64) float64 {
	return clamp(ratio, stretch.MinTempo, stretch.MaxTempo)
}

// ClampPitch bounds a transposition to the supported range.
func ClampPitch(semitones float64) float64 {
	return clamp(semitones, stretch.MinSemitones, stretch.MaxSemitones)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
