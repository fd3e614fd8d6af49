package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ErrEmpty is returned when a file decodes to no audio at all.
var ErrEmpty = errors.New("no audio samples decoded")

// FFmpegDecoder decodes audio files to raw PCM int16 by running FFmpeg.
// Output is always interleaved stereo at 48kHz.
type FFmpegDecoder struct {
	Binary string // ffmpeg executable, "ffmpeg" when empty
}

// Decode reads path into memory. Cancelling ctx kills the FFmpeg process.
func (d FFmpegDecoder) Decode(ctx context.Context, path string) (*Asset, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	bin := d.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-i", path,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(SampleRate),
		"-ac", strconv.Itoa(Channels),
		"-loglevel", "error",
		"pipe:1",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("ffmpeg decode %s: %w: %s", path, err, msg)
		}
		return nil, fmt.Errorf("ffmpeg decode %s: %w", path, err)
	}

	samples := BytesToSamples(out)
	if len(samples) < Channels {
		return nil, fmt.Errorf("ffmpeg decode %s: %w", path, ErrEmpty)
	}

	return NewAsset(DisplayName(path), samples, SampleRate, Channels), nil
}

// BytesToSamples converts little-endian bytes to int16 samples.
// A trailing odd byte is ignored.
func BytesToSamples(buf []byte) []int16 {
	samples := make([]int16, len(buf)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))
	}
	return samples
}

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}
