package mav

import (
	"github.com/pkg/errors"

	"github.com/outofforest/mav/schema"
	"github.com/outofforest/mav/transport"
)

var (
	// ErrNotFound is returned when message, field or enum constant is absent from the dictionary.
	ErrNotFound = schema.ErrNotFound

	// ErrFieldType is returned when field does not exist or can't hold the value.
	ErrFieldType = errors.New("invalid field access")

	// ErrDecode is matched by every DecodeError.
	ErrDecode = errors.New("decoding failed")

	// ErrTimeout is returned when waiting ends before anything arrives.
	ErrTimeout = errors.New("timeout")

	// ErrConnectionClosed is returned by operations on closed connection or stopped runtime.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrExpectationInvalid is returned when expectation was already consumed, abandoned or
	// belongs to another connection.
	ErrExpectationInvalid = errors.New("expectation invalid")

	// ErrNoDictionary is returned when runtime is configured without dictionary.
	ErrNoDictionary = errors.New("dictionary not specified")

	// ErrNoTransports is returned when runtime is configured without transports.
	ErrNoTransports = errors.New("no transports specified")

	// ErrAlreadyStarted is returned when runtime is run more than once.
	ErrAlreadyStarted = errors.New("runtime has been already started")
)

// DecodeError describes frame rejected by the decoder.
type DecodeError struct {
	Peer transport.PeerID
	Err  error
}

// Error returns the error message.
func (e *DecodeError) Error() string {
	if e.Peer == "" {
		return "decoding failed: " + e.Err.Error()
	}
	return "decoding frame from " + string(e.Peer) + " failed: " + e.Err.Error()
}

// Unwrap returns the underlying wire error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDecode) true.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}
