package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/satindergrewal/varispeed/internal/output"
)

// Broadcaster fans out PCM frames from one source to N listeners.
// It also serves as the output.Factory of a session: each context it
// allocates feeds the same listeners.
type Broadcaster struct {
	log *zap.Logger

	mu        sync.RWMutex
	listeners map[*Listener]struct{}
}

// Listener receives PCM frames from the broadcaster.
type Listener struct {
	C    chan []int16 // buffered channel of 20ms PCM frames
	done chan struct{}
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		log:       logger.Named("broadcaster"),
		listeners: make(map[*Listener]struct{}),
	}
}

// Subscribe registers a new listener. Returns a Listener that receives frames.
func (b *Broadcaster) Subscribe() *Listener {
	l := &Listener{
		C:    make(chan []int16, 150), // ~3 seconds of buffer at 20ms/frame
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	return l
}

// Unsubscribe removes a listener and signals it to stop.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	_, ok := b.listeners[l]
	delete(b.listeners, l)
	b.mu.Unlock()
	if ok {
		close(l.done)
	}
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Close disconnects every listener.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for l := range b.listeners {
		delete(b.listeners, l)
		close(l.done)
	}
}

// Run reads frames from source and fans out to all listeners.
// Slow listeners get frames dropped rather than blocking the broadcast.
func (b *Broadcaster) Run(ctx context.Context, source <-chan []int16) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-source:
			if !ok {
				return
			}
			b.mu.RLock()
			for l := range b.listeners {
				select {
				case l.C <- frame:
				default:
					// listener too slow, drop frame to keep broadcast moving
				}
			}
			b.mu.RUnlock()
		}
	}
}

// ~200ms between the render goroutine and the fan-out.
const sourceBuffer = 10

// NewContext starts a fan-out goroutine fed by the returned context.
func (b *Broadcaster) NewContext() (output.Context, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &broadcastContext{
		src:    make(chan []int16, sourceBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	go b.Run(ctx, c.src)
	b.log.Debug("output context opened")
	return c, nil
}

type broadcastContext struct {
	src       chan []int16
	ctx       context.Context
	cancel    context.CancelFunc
	suspended atomic.Bool
}

func (c *broadcastContext) WriteFrame(frame []int16) error {
	if c.ctx.Err() != nil {
		return output.ErrClosed
	}
	if c.suspended.Load() {
		return nil
	}
	select {
	case c.src <- frame:
		return nil
	case <-c.ctx.Done():
		return output.ErrClosed
	}
}

func (c *broadcastContext) Suspend() { c.suspended.Store(true) }

func (c *broadcastContext) Resume() { c.suspended.Store(false) }

func (c *broadcastContext) Close() error {
	c.cancel()
	return nil
}
