package protocol

import "time"

// Outcome is the per-light result of a sequence
type Outcome int

const (
	OutcomeCaptured Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCaptured:
		return "captured"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// SessionStatus is the terminal condition of a sequence
type SessionStatus int

const (
	StatusCompleted SessionStatus = iota
	StatusAborted
	StatusTimedOut
	StatusDeviceError
	StatusProtocolViolation
	StatusDisconnected
)

func (s SessionStatus) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusAborted:
		return "aborted"
	case StatusTimedOut:
		return "timed_out"
	case StatusDeviceError:
		return "device_error"
	case StatusProtocolViolation:
		return "protocol_violation"
	default:
		return "disconnected"
	}
}

// LightResult records what happened under one light
type LightResult struct {
	Light   LightID
	Outcome Outcome

	// Reason is set for skipped and failed lights
	Reason error

	// Frame is set for captured lights
	Frame *Frame
}

// SessionResult is the ordered record of one capture sequence
type SessionResult struct {
	ID     string
	Mode   CaptureMode
	Lights []LightResult
	Status SessionStatus

	// Err is the typed error behind any status other than StatusCompleted
	Err error

	// MissingDone lists the lights whose completion 'D' never arrived
	MissingDone []LightID

	StartedAt  time.Time
	FinishedAt time.Time
}

// Completed reports whether every light of the sequence was processed
func (r *SessionResult) Completed() bool {
	return r.Status == StatusCompleted
}

// HasWarning reports a completed sequence that lacks a completion confirmation from the device
func (r *SessionResult) HasWarning() bool {
	return r.Status == StatusCompleted && len(r.MissingDone) > 0
}

// Captured returns the captured lights in sequence order
func (r *SessionResult) Captured() []LightResult {
	captured := make([]LightResult, 0, len(r.Lights))
	for _, l := range r.Lights {
		if l.Outcome == OutcomeCaptured {
			captured = append(captured, l)
		}
	}

	return captured
}

func (r *SessionResult) add(light LightID, outcome Outcome, reason error, frame *Frame) {
	r.Lights = append(r.Lights, LightResult{
		Light:   light,
		Outcome: outcome,
		Reason:  reason,
		Frame:   frame,
	})
}

func (r *SessionResult) finish(status SessionStatus, err error) {
	r.Status = status
	r.Err = err
	r.FinishedAt = time.Now()
}
