package output

import (
	"sync"

	"github.com/satindergrewal/varispeed/internal/audio"
)

// frameBuffer queues PCM frames for a pull-based device. Reads never block:
// an empty queue yields silence so the device callback keeps its cadence.
type frameBuffer struct {
	frames chan []int16
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	partial []byte // remainder of a frame not yet consumed by Read
}

func newFrameBuffer(capacity int) *frameBuffer {
	return &frameBuffer{
		frames: make(chan []int16, capacity),
		done:   make(chan struct{}),
	}
}

// WriteFrame blocks while the queue is full, until Read drains it or close is called.
func (b *frameBuffer) WriteFrame(frame []int16) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.frames <- frame:
		return nil
	case <-b.done:
		return ErrClosed
	}
}

// Read implements io.Reader for the device.
func (b *frameBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for n < len(p) {
		if len(b.partial) == 0 {
			select {
			case frame := <-b.frames:
				b.partial = audio.SamplesToBytes(frame)
			default:
				// underrun: pad with silence
				for i := n; i < len(p); i++ {
					p[i] = 0
				}
				return len(p), nil
			}
		}
		c := copy(p[n:], b.partial)
		b.partial = b.partial[c:]
		n += c
	}
	return n, nil
}

// drain discards queued frames.
func (b *frameBuffer) drain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partial = nil
	for {
		select {
		case <-b.frames:
		default:
			return
		}
	}
}

func (b *frameBuffer) close() {
	b.once.Do(func() { close(b.done) })
}
