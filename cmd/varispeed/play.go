package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satindergrewal/varispeed/internal/audio"
	"github.com/satindergrewal/varispeed/internal/config"
	"github.com/satindergrewal/varispeed/internal/output"
	"github.com/satindergrewal/varispeed/internal/session"
)

type playFlags struct {
	speed float64
	pitch float64
	start float64
}

func newPlayCmd() *cobra.Command {
	var f playFlags
	cmd := &cobra.Command{
		Use:   "play FILE",
		Short: "Play a file on the local audio device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return play(cmd.Context(), loadConfig(cmd), args[0], f)
		},
	}
	cmd.Flags().Float64VarP(&f.speed, "speed", "s", 1, "tempo ratio, 0.5 to 2")
	cmd.Flags().Float64VarP(&f.pitch, "pitch", "t", 0, "transposition in semitones, -12 to 12")
	cmd.Flags().Float64Var(&f.start, "start", 0, "start position in seconds")
	return cmd
}

func play(ctx context.Context, cfg config.Config, path string, f playFlags) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ended := make(chan struct{})
	var once sync.Once
	sess := session.New(session.Options{
		Decoder:      audio.FFmpegDecoder{Binary: cfg.FFmpegPath},
		Outputs:      output.Device{},
		FrameSize:    cfg.FrameSize,
		EndTolerance: cfg.EndTolerance,
		OnPlaybackEnd: func() {
			once.Do(func() { close(ended) })
		},
		OnError: func(err error) {
			log.Warn("playback error", zap.Error(err))
		},
		Logger: log,
	})
	defer sess.Close()

	if err := sess.Load(ctx, path); err != nil {
		return err
	}
	if err := sess.SetSpeed(f.speed); err != nil {
		return err
	}
	if err := sess.SetPitch(f.pitch); err != nil {
		return err
	}
	if f.start > 0 {
		if err := sess.Seek(f.start); err != nil {
			return err
		}
	}

	sub := sess.Subscribe()
	defer sess.Unsubscribe(sub)
	if err := sess.Play(); err != nil {
		return err
	}

	snap := sess.Snapshot()
	total := int64(snap.Duration * 1000)
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(describe(snap)),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
	)

	for {
		select {
		case <-ctx.Done():
			_ = bar.Exit()
			fmt.Fprintln(os.Stderr)
			return nil
		case <-ended:
			_ = bar.Set64(total)
			_ = bar.Finish()
			fmt.Fprintln(os.Stderr)
			return nil
		case snap, ok := <-sub.C:
			if !ok {
				return nil
			}
			if snap.State != session.StatePlaying {
				continue
			}
			bar.Describe(describe(snap))
			_ = bar.Set64(int64(snap.Position * 1000))
		}
	}
}

func describe(snap session.Snapshot) string {
	return fmt.Sprintf("%s  %s / %s  x%.2f %+.1f st",
		snap.Name,
		session.FormatTime(snap.Position),
		session.FormatTime(snap.Duration),
		snap.Speed, snap.Pitch)
}
