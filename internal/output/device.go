//go:build !headless

package output

import (
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/satindergrewal/varispeed/internal/audio"
)

// oto allows a single context per process, so every Device shares it.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

func sharedOtoContext() (*oto.Context, error) {
	otoOnce.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   audio.SampleRate,
			ChannelCount: audio.Channels,
			Format:       oto.FormatSignedInt16LE,
		}
		ctx, ready, err := oto.NewContext(op)
		if err != nil {
			otoErr = fmt.Errorf("oto context: %w", err)
			return
		}
		<-ready
		otoCtx = ctx
	})
	return otoCtx, otoErr
}

// Device is a Factory for the local sound card. Each context owns one oto player.
type Device struct{}

// ~200ms of queued audio between the render goroutine and the device.
const deviceQueueFrames = 10

// NewContext opens a player on the shared device.
func (Device) NewContext() (Context, error) {
	ctx, err := sharedOtoContext()
	if err != nil {
		return nil, err
	}
	return newPlayerContext(deviceQueueFrames, func(r io.Reader) player {
		return ctx.NewPlayer(r)
	}), nil
}
