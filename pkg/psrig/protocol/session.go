// Package protocol implements the command/acknowledgment protocol spoken with the
// light rig controller, and the per-light state machine that triggers the image
// sensor at the moment a light is confirmed on.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultResponseTimeout  = 5 * time.Second
	defaultHandshakeRetries = 3
	defaultSettleDelay      = 500 * time.Millisecond
)

var errTransportReleased = errors.New("transport released after an earlier failure")

// Options tunes the timing of a session
type Options struct {
	// ResponseTimeout is the deadline for every expected device response
	ResponseTimeout time.Duration

	// HandshakeRetries is the number of connect attempts made by Open
	HandshakeRetries int

	// SettleDelay is the pause between the end of a capture and the light-off acknowledgment
	SettleDelay time.Duration

	// FailFast aborts a sequence on the first capture failure
	FailFast bool
}

// DefaultOptions returns the timings the rig firmware is built around
func DefaultOptions() Options {
	return Options{
		ResponseTimeout:  defaultResponseTimeout,
		HandshakeRetries: defaultHandshakeRetries,
		SettleDelay:      defaultSettleDelay,
	}
}

func (o Options) normalized() Options {
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = defaultResponseTimeout
	}
	if o.HandshakeRetries < 1 {
		o.HandshakeRetries = 1
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}

	return o
}

// Session owns the transport to the light controller and drives the capture state machine.
// Every exchange with the device holds the session mutex, so there is never more than one
// outstanding request even when Reset is called from another goroutine.
type Session struct {
	logger *zap.SugaredLogger

	mu        sync.Mutex
	transport Transport
	released  bool
	events    *eventReader
	sensor    ImageSensor
	opts      Options

	state atomic.Int32
}

// NewSession creates an idle session. The session takes ownership of the transport.
func NewSession(logger *zap.SugaredLogger, transport Transport, sensor ImageSensor, opts Options) *Session {
	logger = logger.Named("protocol")

	s := &Session{
		logger:    logger,
		transport: transport,
		events:    newEventReader(transport),
		sensor:    sensor,
		opts:      opts.normalized(),
	}
	s.state.Store(int32(StateIdle))

	logger.Debugw("Created protocol session instance", "options", s.opts)

	return s
}

// State returns the current state of the session
func (s *Session) State() State {
	return State(s.state.Load())
}

// Options returns the timings currently in use
func (s *Session) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.opts
}

// SetOptions replaces the session timings. It waits for a running exchange to finish.
func (s *Session) SetOptions(opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opts = opts.normalized()
	s.logger.Debugw("Updated session options", "options", s.opts)
}

// Released reports whether the transport was dropped after a failure
func (s *Session) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.released
}

// Open performs the connect handshake, retrying up to HandshakeRetries times
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}

	switch st := s.State(); st {
	case StateConnected:
		return nil
	case StateIdle:
	default:
		return &InvalidStateError{Op: "open", State: st}
	}

	s.setState(StateHandshaking)

	attempts := s.opts.HandshakeRetries
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			s.setState(StateIdle)
			return fmt.Errorf("handshake cancelled: %w", err)
		}

		s.discardInput()

		if err := s.send(cmdConnect); err != nil {
			return s.disconnect(err)
		}

		acked, err := s.awaitHandshake()
		if err != nil {
			return s.disconnect(err)
		}

		if acked {
			s.setState(StateConnected)
			s.logger.Infow("Handshake acknowledged", "attempt", attempt)
			return nil
		}

		s.logger.Warnw("No handshake acknowledgment",
			"attempt", attempt,
			"attempts", attempts,
			"timeout", s.opts.ResponseTimeout)
	}

	s.setState(StateIdle)

	return &ConnectionError{Attempts: attempts}
}

// boot banners and other chatter may precede the acknowledgment, so anything but 'C' is skipped
func (s *Session) awaitHandshake() (bool, error) {
	deadline := time.Now().Add(s.opts.ResponseTimeout)

	for {
		b, err := s.events.readByte(deadline)
		if errors.Is(err, errReadTimeout) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		if b == evConnected {
			return true, nil
		}

		s.logger.Debugw("Ignoring byte during handshake", "byte", fmt.Sprintf("%q", b))
	}
}

// Capture runs one capture sequence. The returned error is set only when the sequence could
// not start; every terminal condition of a started sequence is reported in the result.
func (s *Session) Capture(ctx context.Context, mode CaptureMode) (*SessionResult, error) {
	lights, err := Sequence(mode)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return nil, err
	}
	if st := s.State(); st != StateConnected {
		return nil, &InvalidStateError{Op: "capture", State: st}
	}

	res := &SessionResult{
		ID:        uuid.NewString(),
		Mode:      mode,
		StartedAt: time.Now(),
	}
	logger := s.logger.With("run", res.ID, "mode", mode.String())
	logger.Infow("Starting sequence", "lights", lights)

	if err := s.send(mode.commandByte()); err != nil {
		res.finish(StatusDisconnected, s.disconnect(err))
		return res, nil
	}

	for _, light := range lights {
		if err := ctx.Err(); err != nil {
			logger.Infow("Sequence cancelled", "next", light)
			s.setState(StateAborted)
			res.finish(StatusAborted, err)
			return res, nil
		}

		if terminated := s.runLight(ctx, logger, light, res); terminated {
			logger.Infow("Sequence terminated", "status", res.Status, "error", res.Err)
			return res, nil
		}
	}

	s.setState(StateSequenceComplete)
	s.setState(StateIdle)
	res.finish(StatusCompleted, nil)

	logger.Infow("Sequence completed",
		"captured", len(res.Captured()),
		"lights", len(res.Lights),
		"missingDone", res.MissingDone)

	return res, nil
}

// runLight selects one light and waits for the device to report it ready.
// It returns true when the sequence must not continue.
func (s *Session) runLight(ctx context.Context, logger *zap.SugaredLogger, light LightID, res *SessionResult) bool {
	s.setState(StateLightSelected)
	if err := s.send(light.Byte()); err != nil {
		res.finish(StatusDisconnected, s.disconnect(err))
		return true
	}

	s.setState(StateAwaitingReady)
	deadline := time.Now().Add(s.opts.ResponseTimeout)

	for {
		if err := ctx.Err(); err != nil {
			res.add(light, OutcomeSkipped, err, nil)
			s.setState(StateAborted)
			res.finish(StatusAborted, err)
			return true
		}

		ev, err := s.events.next(deadline)
		if errors.Is(err, errReadTimeout) {
			timeoutErr := &TimeoutError{Waiting: "ready-to-capture", Light: &light, Deadline: s.opts.ResponseTimeout}
			res.add(light, OutcomeFailed, timeoutErr, nil)
			s.setState(StateTimedOut)
			res.finish(StatusTimedOut, timeoutErr)
			return true
		}
		if err != nil {
			res.finish(StatusDisconnected, s.disconnect(err))
			return true
		}

		switch ev.Kind {
		case EventReadyToCapture:
			if terminated := s.captureLight(logger, light, res); terminated {
				return true
			}
			return s.awaitLightDone(logger, light, res)

		case EventLightConfirmed:
			logger.Debugw("Device confirmed light", "light", light, "event", ev)

		case EventConnected, EventBrightnessConfirmed:
			logger.Debugw("Ignoring stale acknowledgment", "light", light, "event", ev)

		case EventDeviceError:
			deviceErr := &DeviceError{Light: &light}
			res.add(light, OutcomeFailed, deviceErr, nil)
			s.setState(StateError)
			res.finish(StatusDeviceError, deviceErr)
			return true

		case EventSequenceDone:
			logger.Warnw("Device ended the sequence before the light was captured", "light", light)
			s.setState(StateIdle)
			res.finish(StatusAborted, ErrSequenceEndedEarly)
			return true

		default:
			violation := &ProtocolViolationError{Byte: ev.Raw, State: s.State()}
			res.add(light, OutcomeFailed, violation, nil)
			s.setState(StateError)
			res.finish(StatusProtocolViolation, violation)
			return true
		}
	}
}

// captureLight triggers the sensor once and then releases the light, whatever the sensor returned
func (s *Session) captureLight(logger *zap.SugaredLogger, light LightID, res *SessionResult) bool {
	s.setState(StateCapturing)

	entry := LightResult{Light: light, Outcome: OutcomeCaptured}

	frame, err := s.sensor.Trigger()
	if err != nil {
		entry.Outcome = OutcomeFailed
		entry.Reason = &CaptureFailure{Light: light, Err: err}
		logger.Warnw("Capture failed", "light", light, "error", err)
	} else {
		entry.Frame = &frame
		logger.Infow("Captured frame", "light", light, "width", frame.Width, "height", frame.Height)
	}

	if s.opts.SettleDelay > 0 {
		time.Sleep(s.opts.SettleDelay)
	}

	// the frame is kept even when the light-off write fails
	res.Lights = append(res.Lights, entry)

	if err := s.send(cmdLightOff); err != nil {
		res.finish(StatusDisconnected, s.disconnect(err))
		return true
	}

	s.setState(StateLightOff)

	if entry.Outcome == OutcomeFailed && s.opts.FailFast {
		s.setState(StateAborted)
		res.finish(StatusAborted, entry.Reason)
		return true
	}

	return false
}

// awaitLightDone consumes the 'D' the device sends once a light is off. It is best-effort:
// a missing 'D' is recorded as a warning and the sequence goes on.
// It returns true when the sequence must not continue.
func (s *Session) awaitLightDone(logger *zap.SugaredLogger, light LightID, res *SessionResult) bool {
	deadline := time.Now().Add(s.opts.ResponseTimeout)

	for {
		ev, err := s.events.next(deadline)
		if errors.Is(err, errReadTimeout) {
			logger.Warnw("No completion confirmation from device", "light", light, "timeout", s.opts.ResponseTimeout)
			res.MissingDone = append(res.MissingDone, light)
			return false
		}
		if err != nil {
			res.finish(StatusDisconnected, s.disconnect(err))
			return true
		}

		switch ev.Kind {
		case EventSequenceDone:
			return false

		case EventDeviceError:
			deviceErr := &DeviceError{Light: &light}
			s.setState(StateError)
			res.finish(StatusDeviceError, deviceErr)
			return true

		case EventUnrecognized:
			violation := &ProtocolViolationError{Byte: ev.Raw, State: s.State()}
			s.setState(StateError)
			res.finish(StatusProtocolViolation, violation)
			return true

		default:
			logger.Debugw("Ignoring event while waiting for light completion", "light", light, "event", ev)
		}
	}
}

// SetBrightness sets the PWM level of the lights. Values outside 0-255 are rejected
// before anything is written. A missing confirmation is reported but leaves the state alone.
func (s *Session) SetBrightness(ctx context.Context, value int) error {
	if value < MinBrightness || value > MaxBrightness {
		return &ValidationError{
			Field:  "brightness",
			Input:  strconv.Itoa(value),
			Reason: fmt.Sprintf("must be between %d and %d", MinBrightness, MaxBrightness),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}
	if st := s.State(); st != StateIdle && st != StateConnected {
		return &InvalidStateError{Op: "set brightness", State: st}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.send(cmdBrightness, byte(value)); err != nil {
		return s.disconnect(err)
	}

	deadline := time.Now().Add(s.opts.ResponseTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ev, err := s.events.next(deadline)
		if errors.Is(err, errReadTimeout) {
			s.logger.Warnw("No brightness confirmation from device", "value", value)
			return &TimeoutError{Waiting: "brightness confirmation", Deadline: s.opts.ResponseTimeout}
		}
		if err != nil {
			return s.disconnect(err)
		}

		switch ev.Kind {
		case EventBrightnessConfirmed:
			s.logger.Infow("Brightness set", "value", value)
			return nil

		case EventDeviceError:
			return &DeviceError{}

		case EventUnrecognized:
			violation := &ProtocolViolationError{Byte: ev.Raw, State: s.State()}
			s.setState(StateError)
			return violation

		default:
			s.logger.Debugw("Ignoring event while waiting for brightness confirmation", "event", ev)
		}
	}
}

// Reset sends the reset command from any state and returns the session to idle.
// It waits for a running capture to return, so there is never a capture awaiting its
// light-off acknowledgment; bytes the device sent meanwhile are discarded.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}

	s.discardInput()

	if err := s.send(cmdReset); err != nil {
		return s.disconnect(err)
	}

	s.setState(StateIdle)
	s.logger.Info("Device reset")

	return nil
}

// Close turns the lights off and releases the transport
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateClosed {
		return nil
	}

	var err error
	if !s.released {
		if sendErr := s.send(cmdReset); sendErr != nil {
			s.logger.Warnw("Failed to reset device before closing", "error", sendErr)
		} else if drainErr := s.transport.Drain(); drainErr != nil {
			s.logger.Debugw("Failed to drain transport", "error", drainErr)
		}

		if closeErr := s.transport.Close(); closeErr != nil {
			err = fmt.Errorf("close transport: %w", closeErr)
		}
		s.released = true
	}

	s.setState(StateClosed)
	s.logger.Debug("Session closed")

	return err
}

func (s *Session) usable() error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	if s.released {
		return &DisconnectedError{Err: errTransportReleased}
	}

	return nil
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Debugw("State changed", "from", prev, "to", next)
	}
}

func (s *Session) send(b ...byte) error {
	n, err := s.transport.Write(b)
	if err != nil {
		return fmt.Errorf("write %q: %w", b, err)
	}
	if n != len(b) {
		return fmt.Errorf("write %q: %w", b, io.ErrShortWrite)
	}

	s.logger.Debugw("Sent command", "bytes", fmt.Sprintf("%q", b))

	return nil
}

func (s *Session) discardInput() {
	if err := s.transport.ResetInputBuffer(); err != nil {
		s.logger.Warnw("Failed to discard pending input", "error", err)
	}

	if dropped := s.events.discard(); dropped > 0 {
		s.logger.Debugw("Dropped buffered bytes", "count", dropped)
	}
}

// disconnect releases a failed transport; the session cannot talk to the device afterwards
func (s *Session) disconnect(cause error) error {
	s.logger.Warnw("Transport failed, releasing it", "error", cause)

	if err := s.transport.Close(); err != nil {
		s.logger.Debugw("Failed to close transport", "error", err)
	}

	s.released = true
	s.setState(StateError)

	return &DisconnectedError{Err: cause}
}
