package stream

import (
	"io"
	"strings"
)

// icyMetaInt is the number of audio bytes between metadata blocks.
const icyMetaInt = 16000

// icyMaxMeta is the largest metadata payload the one-byte length allows.
const icyMaxMeta = 255 * 16

// icyWriter interleaves SHOUTcast metadata into an audio byte stream. A
// title is sent when it changes; otherwise each block is a single zero
// length byte.
type icyWriter struct {
	w        io.Writer
	interval int
	title    func() string

	untilMeta int
	sent      string
}

func newICYWriter(w io.Writer, interval int, title func() string) *icyWriter {
	return &icyWriter{w: w, interval: interval, title: title, untilMeta: interval}
}

func (iw *icyWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > iw.untilMeta {
			chunk = iw.untilMeta
		}
		n, err := iw.w.Write(p[:chunk])
		written += n
		iw.untilMeta -= n
		if err != nil {
			return written, err
		}
		p = p[chunk:]

		if iw.untilMeta == 0 {
			if _, err := iw.w.Write(iw.metadata()); err != nil {
				return written, err
			}
			iw.untilMeta = iw.interval
		}
	}
	return written, nil
}

// metadata returns the next block: a length byte counting 16-byte units,
// then the NUL-padded payload.
func (iw *icyWriter) metadata() []byte {
	title := iw.title()
	if title == iw.sent {
		return []byte{0}
	}
	iw.sent = title

	payload := "StreamTitle='" + strings.ReplaceAll(title, "'", "’") + "';"
	if len(payload) > icyMaxMeta {
		payload = payload[:icyMaxMeta-2] + "';"
	}
	units := (len(payload) + 15) / 16
	block := make([]byte, 1+units*16)
	block[0] = byte(units)
	copy(block[1:], payload)
	return block
}
