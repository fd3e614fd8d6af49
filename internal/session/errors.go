package session

import (
	"errors"
	"fmt"
)

var (
	ErrNoAsset      = errors.New("session: no asset loaded")
	ErrClosed       = errors.New("session: closed")
	ErrSuperseded   = errors.New("session: load superseded by a newer load")
	ErrInvalidValue = errors.New("session: invalid value")
)

// DecodeError reports a load that could not produce a playable asset.
// The session is Idle afterwards.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SeekError reports a failure to reposition the processing node.
// The optimistic position stays in effect.
type SeekError struct {
	Target float64
	Err    error
}

func (e *SeekError) Error() string {
	return fmt.Sprintf("seek to %.3fs: %v", e.Target, e.Err)
}

func (e *SeekError) Unwrap() error { return e.Err }
