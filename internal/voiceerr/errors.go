// Package voiceerr defines the error taxonomy shared by the realtime voice client.
package voiceerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how it must be handled
type Kind int

const (
	// KindConnection covers open timeouts and socket failures; triggers reconnection
	KindConnection Kind = iota + 1
	// KindDevice covers microphone/speaker acquisition failures; surfaced, never retried
	KindDevice
	// KindDecode covers malformed inbound audio; logged and dropped
	KindDecode
	// KindPlayback covers a single chunk failing to play; logged and skipped
	KindPlayback
	// KindProtocol covers server-reported error frames
	KindProtocol
	// KindReconnectExhausted is fatal and reported once
	KindReconnectExhausted
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindDevice:
		return "device"
	case KindDecode:
		return "decode"
	case KindPlayback:
		return "playback"
	case KindProtocol:
		return "protocol"
	case KindReconnectExhausted:
		return "reconnect_exhausted"
	default:
		return "unknown"
	}
}

var (
	ErrTimeout            = errors.New("timed out waiting for channel open")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrNotConnected       = errors.New("not connected")
	ErrDeviceUnavailable  = errors.New("audio device unavailable")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Error is a classified failure with the operation that produced it
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation name
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
