package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/satindergrewal/varispeed/internal/audio"
	"github.com/satindergrewal/varispeed/internal/output"
	"github.com/satindergrewal/varispeed/internal/stretch"
)

const testRate = 8000

// testAsset is a silent mono asset at a low sample rate.
func testAsset(name string, seconds float64) *audio.Asset {
	return audio.NewAsset(name, make([]int16, int(seconds*testRate)), testRate, 1)
}

var errBadFile = errors.New("unsupported format")

type fakeDecoder struct {
	mu      sync.Mutex
	assets  map[string]*audio.Asset
	gates   map[string]chan struct{}
	entered chan string
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{
		assets:  make(map[string]*audio.Asset),
		gates:   make(map[string]chan struct{}),
		entered: make(chan string, 8),
	}
}

func (d *fakeDecoder) add(path string, seconds float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assets[path] = testAsset(path, seconds)
}

// hold makes Decode(path) block until the returned channel is closed.
func (d *fakeDecoder) hold(path string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	gate := make(chan struct{})
	d.gates[path] = gate
	return gate
}

func (d *fakeDecoder) Decode(ctx context.Context, path string) (*audio.Asset, error) {
	d.mu.Lock()
	gate := d.gates[path]
	asset, ok := d.assets[path]
	d.mu.Unlock()

	select {
	case d.entered <- path:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, errBadFile)
	}
	return asset, nil
}

type fakeNode struct {
	mu          sync.Mutex
	asset       *audio.Asset
	tempo       float64
	pitch       float64
	fraction    float64
	handlers    []func(stretch.PlayEvent)
	onPlay      func(stretch.PlayEvent)
	dst         output.Destination
	connects    int
	disconnects int
	closed      bool
	seekErr     error
}

func (n *fakeNode) SetTempo(r float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tempo = r
	return nil
}

func (n *fakeNode) SetPitchSemitones(p float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pitch = p
	return nil
}

func (n *fakeNode) SetPercentagePlayed(f float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.seekErr != nil {
		return n.seekErr
	}
	n.fraction = f
	return nil
}

func (n *fakeNode) OnPlay(fn func(stretch.PlayEvent)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onPlay = fn
	if fn != nil {
		n.handlers = append(n.handlers, fn)
	}
}

func (n *fakeNode) Connect(dst output.Destination) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dst == dst {
		return nil
	}
	n.dst = dst
	n.connects++
	return nil
}

func (n *fakeNode) Disconnect() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dst != nil {
		n.dst = nil
		n.disconnects++
	}
}

func (n *fakeNode) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.dst = nil
	return nil
}

// emit delivers an event through the currently registered callback, as the
// render goroutine would.
func (n *fakeNode) emit(timePlayed float64) {
	n.mu.Lock()
	fn := n.onPlay
	dur := n.asset.Duration()
	n.mu.Unlock()
	if fn != nil {
		fn(stretch.PlayEvent{TimePlayed: timePlayed, PercentagePlayed: timePlayed / dur * 100})
	}
}

// emitStale delivers an event through the first callback ever registered,
// even after the session has detached it.
func (n *fakeNode) emitStale(ev stretch.PlayEvent) {
	n.mu.Lock()
	fn := n.handlers[0]
	n.mu.Unlock()
	fn(ev)
}

func (n *fakeNode) state() (connected bool, closed bool, fraction float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dst != nil, n.closed, n.fraction
}

type fakeOutputs struct {
	mu       sync.Mutex
	journal  []string
	contexts []*fakeContext
	nodes    []*fakeNode
	nodeErr  error
}

func (o *fakeOutputs) NewContext() (output.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := &fakeContext{id: len(o.contexts) + 1, parent: o}
	o.contexts = append(o.contexts, c)
	o.journal = append(o.journal, fmt.Sprintf("open %d", c.id))
	return c, nil
}

func (o *fakeOutputs) newNode(_ output.Context, asset *audio.Asset, _ int) (Node, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.nodeErr != nil {
		return nil, o.nodeErr
	}
	n := &fakeNode{asset: asset, tempo: 1}
	o.nodes = append(o.nodes, n)
	return n, nil
}

func (o *fakeOutputs) live() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	live := 0
	for _, c := range o.contexts {
		if !c.closed {
			live++
		}
	}
	return live
}

func (o *fakeOutputs) lastNode() *fakeNode {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.nodes) == 0 {
		return nil
	}
	return o.nodes[len(o.nodes)-1]
}

func (o *fakeOutputs) log() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.journal...)
}

type fakeContext struct {
	id        int
	parent    *fakeOutputs
	suspended bool
	closed    bool
}

func (c *fakeContext) WriteFrame([]int16) error { return nil }

func (c *fakeContext) Suspend() {
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()
	c.suspended = true
}

func (c *fakeContext) Resume() {
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()
	c.suspended = false
}

func (c *fakeContext) Close() error {
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.parent.journal = append(c.parent.journal, fmt.Sprintf("close %d", c.id))
	}
	return nil
}
