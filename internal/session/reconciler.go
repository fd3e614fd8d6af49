package session

import "github.com/satindergrewal/varispeed/internal/stretch"

const (
	DefaultEndTolerance = 0.001

	// Events rendered before a seek can still arrive after it. While a seek
	// is unacknowledged, only events within [target-seekSlack, target+window]
	// are adopted; after maxStaleEvents rejections the node's report wins.
	seekSlack      = 0.01
	minAckWindow   = 1.0
	maxStaleEvents = 8
)

// reconciler merges node position events with user seeks so the observed
// position never falls back to a value from before the latest seek.
type reconciler struct {
	duration   float64
	position   float64
	window     float64
	endPercent float64

	pending bool
	target  float64
	stale   int
}

func newReconciler(endTolerance float64) reconciler {
	return reconciler{endPercent: 100 * (1 - endTolerance), window: minAckWindow}
}

// reset starts tracking a new asset. blockSeconds is the longest stretch of
// source audio a single event can advance.
func (r *reconciler) reset(duration, blockSeconds float64) {
	r.duration = duration
	r.position = 0
	r.window = max(minAckWindow, 2*blockSeconds)
	r.pending = false
	r.target = 0
	r.stale = 0
}

// seek sets the optimistic position and waits for the node to confirm it.
func (r *reconciler) seek(t float64) float64 {
	t = clamp(t, 0, r.duration)
	r.position = t
	r.pending = true
	r.target = t
	r.stale = 0
	return t
}

func (r *reconciler) rewind() { r.seek(0) }

// observe applies a node event. It reports whether the event was adopted
// and, if so, whether it marks the end of the asset.
func (r *reconciler) observe(ev stretch.PlayEvent) (accepted, ended bool) {
	if r.pending {
		if ev.TimePlayed < r.target-seekSlack || ev.TimePlayed > r.target+r.window {
			r.stale++
			if r.stale < maxStaleEvents {
				return false, false
			}
		}
		r.pending = false
		r.stale = 0
	}
	r.position = clamp(ev.TimePlayed, 0, r.duration)
	return true, ev.PercentagePlayed >= r.endPercent
}
