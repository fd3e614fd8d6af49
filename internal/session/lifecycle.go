package session

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/satindergrewal/varispeed/internal/audio"
	"github.com/satindergrewal/varispeed/internal/output"
	"github.com/satindergrewal/varispeed/internal/stretch"
)

// Node is the time-stretch processing node contract.
type Node interface {
	SetTempo(ratio float64) error
	SetPitchSemitones(semitones float64) error
	SetPercentagePlayed(fraction float64) error
	OnPlay(fn func(stretch.PlayEvent))
	Connect(dst output.Destination) error
	Disconnect()
	Close() error
}

// NodeFactory constructs a node for asset rendering into ctx.
type NodeFactory func(ctx output.Context, asset *audio.Asset, frameSize int) (Node, error)

// StretchNodes builds nodes from the stretch package.
func StretchNodes(logger *zap.Logger) NodeFactory {
	return func(_ output.Context, asset *audio.Asset, frameSize int) (Node, error) {
		return stretch.New(asset, frameSize, logger)
	}
}

// lifecycle owns at most one (output context, node) pair. The previous pair
// is always fully released before a new one is allocated.
type lifecycle struct {
	outputs   output.Factory
	newNode   NodeFactory
	frameSize int
	log       *zap.Logger

	ctx       output.Context
	node      Node
	connected bool
}

func (l *lifecycle) live() bool { return l.node != nil }

// acquire allocates a context and a node configured with p. The node is
// not connected and the context clock is suspended.
func (l *lifecycle) acquire(asset *audio.Asset, p Params, onPlay func(stretch.PlayEvent)) error {
	l.release()

	ctx, err := l.outputs.NewContext()
	if err != nil {
		return fmt.Errorf("allocate output: %w", err)
	}
	ctx.Suspend()

	node, err := l.newNode(ctx, asset, l.frameSize)
	if err != nil {
		ctx.Close()
		return fmt.Errorf("construct node: %w", err)
	}
	if err := node.SetTempo(p.Speed); err != nil {
		node.Close()
		ctx.Close()
		return fmt.Errorf("configure node: %w", err)
	}
	if err := node.SetPitchSemitones(p.Pitch); err != nil {
		node.Close()
		ctx.Close()
		return fmt.Errorf("configure node: %w", err)
	}
	node.OnPlay(onPlay)

	l.ctx = ctx
	l.node = node
	l.log.Debug("output acquired", zap.String("asset", asset.Name))
	return nil
}

// connect routes the node into the output and starts the clock.
// Connecting an already connected pair is a no-op.
func (l *lifecycle) connect() error {
	if l.node == nil {
		return ErrNoAsset
	}
	if l.connected {
		return nil
	}
	l.ctx.Resume()
	if err := l.node.Connect(l.ctx); err != nil {
		l.ctx.Suspend()
		return fmt.Errorf("connect node: %w", err)
	}
	l.connected = true
	return nil
}

// disconnect detaches the node and suspends the clock.
func (l *lifecycle) disconnect() {
	if l.node == nil || !l.connected {
		return
	}
	l.node.Disconnect()
	l.ctx.Suspend()
	l.connected = false
}

// release tears down the live pair synchronously. Safe with nothing live.
func (l *lifecycle) release() {
	if l.node != nil {
		l.node.OnPlay(nil)
		l.node.Disconnect()
		if err := l.node.Close(); err != nil {
			l.log.Warn("node close failed", zap.Error(err))
		}
		l.node = nil
	}
	if l.ctx != nil {
		if err := l.ctx.Close(); err != nil {
			l.log.Warn("output close failed", zap.Error(err))
		}
		l.ctx = nil
		l.log.Debug("output released")
	}
	l.connected = false
}
