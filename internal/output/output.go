// Package output provides the destinations a processing node renders into.
//
// A Context is one allocated output path: frames written to it reach a
// device, a network fan-out, or nowhere. Contexts are not reusable after
// Close.
package output

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by WriteFrame after Close.
var ErrClosed = errors.New("output context closed")

// Destination consumes rendered 20ms interleaved PCM frames.
type Destination interface {
	WriteFrame(frame []int16) error
}

// Context is a live output path with its own clock.
type Context interface {
	Destination
	// Suspend halts the output clock. Frames written while suspended may be dropped.
	Suspend()
	// Resume restarts the output clock after Suspend.
	Resume()
	// Close releases the context. It is safe to call more than once.
	Close() error
}

// Factory allocates output contexts.
type Factory interface {
	NewContext() (Context, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func() (Context, error)

// NewContext calls f.
func (f FactoryFunc) NewContext() (Context, error) { return f() }

// Null is a Factory whose contexts discard every frame.
type Null struct {
	frames atomic.Int64
	live   atomic.Int64
}

// NewContext returns a discarding context.
func (n *Null) NewContext() (Context, error) {
	n.live.Add(1)
	return &nullContext{parent: n}, nil
}

// Frames returns the number of frames written across all contexts.
func (n *Null) Frames() int64 { return n.frames.Load() }

// Live returns the number of contexts not yet closed.
func (n *Null) Live() int64 { return n.live.Load() }

type nullContext struct {
	parent *Null
	once   sync.Once
	closed atomic.Bool
}

func (c *nullContext) WriteFrame(frame []int16) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.parent.frames.Add(1)
	return nil
}

func (c *nullContext) Suspend() {}

func (c *nullContext) Resume() {}

func (c *nullContext) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		c.parent.live.Add(-1)
	})
	return nil
}
