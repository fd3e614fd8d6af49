package output

import (
	"io"
	"sync"
)

// player is the part of a device player a context drives.
type player interface {
	Play()
	Pause()
	Close() error
}

// playerContext feeds a pull-based player from a frame queue. While
// suspended, frames are dropped and the player stays paused; only Resume
// restarts it.
type playerContext struct {
	buf *frameBuffer

	mu        sync.Mutex
	player    player
	suspended bool
}

func newPlayerContext(queueFrames int, open func(io.Reader) player) *playerContext {
	buf := newFrameBuffer(queueFrames)
	p := open(buf)
	p.Play()
	return &playerContext{buf: buf, player: p}
}

func (c *playerContext) WriteFrame(frame []int16) error {
	c.mu.Lock()
	if c.player == nil {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.suspended {
		// late block from a render goroutine that was already told to stop
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.buf.WriteFrame(frame)
}

func (c *playerContext) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.player == nil || c.suspended {
		return
	}
	c.suspended = true
	c.player.Pause()
	c.buf.drain()
}

func (c *playerContext) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.player == nil || !c.suspended {
		return
	}
	// anything queued now predates the suspend
	c.buf.drain()
	c.suspended = false
	c.player.Play()
}

func (c *playerContext) Close() error {
	c.buf.close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.player == nil {
		return nil
	}
	err := c.player.Close()
	c.player = nil
	return err
}
