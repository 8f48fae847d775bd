package protocol

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionClosed is returned by every operation on a closed session
	ErrSessionClosed = errors.New("session closed")

	// ErrSequenceEndedEarly marks a sequence the device finished before all lights were captured
	ErrSequenceEndedEarly = errors.New("device ended the sequence early")

	// errReadTimeout is internal: a read reached its deadline without data
	errReadTimeout = errors.New("read deadline reached")
)

// ConnectionError reports a handshake that failed on every attempt
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed after %d attempts: %v", e.Attempts, e.Err)
	}

	return fmt.Sprintf("handshake failed after %d attempts: no acknowledgment", e.Attempts)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ValidationError reports a parameter rejected locally. It never reaches the wire.
type ValidationError struct {
	Field  string
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Input, e.Reason)
}

// TimeoutError reports an expected device event that did not arrive within the deadline
type TimeoutError struct {
	Waiting  string
	Light    *LightID
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Light != nil {
		return fmt.Sprintf("timed out after %s waiting for %s (light %s)", e.Deadline, e.Waiting, e.Light)
	}

	return fmt.Sprintf("timed out after %s waiting for %s", e.Deadline, e.Waiting)
}

// ProtocolViolationError reports a byte the protocol does not define
type ProtocolViolationError struct {
	Byte  byte
	State State
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: unexpected byte 0x%02X (%q) in state %s", e.Byte, rune(e.Byte), e.State)
}

// DeviceError reports a fault signaled by the device itself
type DeviceError struct {
	Light *LightID
}

func (e *DeviceError) Error() string {
	if e.Light != nil {
		return fmt.Sprintf("device reported an error on light %s", e.Light)
	}

	return "device reported an error"
}

// CaptureFailure reports an image sensor that could not produce a usable frame
type CaptureFailure struct {
	Light LightID
	Err   error
}

func (e *CaptureFailure) Error() string {
	return fmt.Sprintf("capture failed on light %s: %v", e.Light, e.Err)
}

func (e *CaptureFailure) Unwrap() error { return e.Err }

// DisconnectedError reports a transport failure. The session releases its transport when this happens.
type DisconnectedError struct {
	Err error
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("transport disconnected: %v", e.Err)
}

func (e *DisconnectedError) Unwrap() error { return e.Err }

// InvalidStateError reports an operation invoked from a state that does not allow it
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}
