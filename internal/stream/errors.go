package stream

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrChannelDesync    = errors.New("channel desync")
)

// DecodeError reports a notification that could not be decoded
type DecodeError struct {
	Stream  string
	Channel int
	Length  int
	Header  int
	Width   int
}

func (e *DecodeError) Error() string {
	if e.Header > 0 {
		return fmt.Sprintf("%s: stream %s channel %d: %d bytes is not a %d-byte header plus a multiple of %d-byte samples",
			ErrMalformedPayload, e.Stream, e.Channel, e.Length, e.Header, e.Width)
	}
	return fmt.Sprintf("%s: stream %s channel %d: %d bytes is not a multiple of %d-byte samples",
		ErrMalformedPayload, e.Stream, e.Channel, e.Length, e.Width)
}

func (e *DecodeError) Unwrap() error { return ErrMalformedPayload }

// DesyncError reports rows dropped because a channel fell behind or arrived late
type DesyncError struct {
	Stream     string
	FirstIndex uint64 // first dropped row
	Dropped    int    // rows dropped from the buffer
	Late       int    // values that arrived for rows already gone
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("%s: stream %s: dropped %d rows from index %d, %d late values",
		ErrChannelDesync, e.Stream, e.Dropped, e.FirstIndex, e.Late)
}

func (e *DesyncError) Unwrap() error { return ErrChannelDesync }
