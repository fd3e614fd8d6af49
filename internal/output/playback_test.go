package output

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlayer struct {
	mu     sync.Mutex
	src    io.Reader
	calls  []string
	closed bool
}

func (p *fakePlayer) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePlayer) Play()  { p.record("play") }
func (p *fakePlayer) Pause() { p.record("pause") }

func (p *fakePlayer) Close() error {
	p.record("close")
	return nil
}

func (p *fakePlayer) log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func newFakePlayerContext(t *testing.T) (*playerContext, *fakePlayer) {
	t.Helper()
	fp := &fakePlayer{}
	c := newPlayerContext(4, func(r io.Reader) player {
		fp.src = r
		return fp
	})
	t.Cleanup(func() { c.Close() })
	return c, fp
}

func TestPlayerContextStartsPlaying(t *testing.T) {
	c, fp := newFakePlayerContext(t)
	assert.Equal(t, []string{"play"}, fp.log())

	require.NoError(t, c.WriteFrame([]int16{1, 2}))
	buf := make([]byte, 4)
	_, err := fp.src.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 2, 0}, buf)
}

func TestPlayerContextDropsLateFramesWhileSuspended(t *testing.T) {
	c, fp := newFakePlayerContext(t)

	c.Suspend()
	// a block already in flight when the node was disconnected
	require.NoError(t, c.WriteFrame([]int16{7, 7}))
	require.NoError(t, c.WriteFrame([]int16{8, 8}))

	assert.Equal(t, []string{"play", "pause"}, fp.log(), "writes never restart a suspended player")
	assert.Zero(t, len(c.buf.frames))

	c.Resume()
	assert.Equal(t, []string{"play", "pause", "play"}, fp.log())
	require.NoError(t, c.WriteFrame([]int16{9, 9}))
	assert.Equal(t, 1, len(c.buf.frames))
}

func TestPlayerContextSuspendResumeIdempotent(t *testing.T) {
	c, fp := newFakePlayerContext(t)

	c.Resume()
	c.Suspend()
	c.Suspend()
	c.Resume()
	c.Resume()
	assert.Equal(t, []string{"play", "pause", "play"}, fp.log())
}

func TestPlayerContextResumeDiscardsStaleQueue(t *testing.T) {
	c, _ := newFakePlayerContext(t)

	require.NoError(t, c.WriteFrame([]int16{1, 1}))
	c.Suspend()
	c.Resume()
	assert.Zero(t, len(c.buf.frames))
}

func TestPlayerContextClose(t *testing.T) {
	c, fp := newFakePlayerContext(t)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.WriteFrame([]int16{1}), ErrClosed)
	c.Suspend()
	c.Resume()
	assert.Equal(t, []string{"play", "close"}, fp.log())
}
