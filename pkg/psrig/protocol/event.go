package protocol

import (
	"fmt"
	"time"

	"github.com/eapache/queue"
)

// EventKind tags a decoded DeviceEvent
type EventKind int

const (
	EventConnected EventKind = iota
	EventLightConfirmed
	EventReadyToCapture
	EventSequenceDone
	EventDeviceError
	EventBrightnessConfirmed
	EventUnrecognized
)

// DeviceEvent is a status report decoded from one or more received bytes
type DeviceEvent struct {
	Kind EventKind

	// Index is the firmware light index of an EventLightConfirmed
	Index int

	// Raw is the offending byte of an EventUnrecognized
	Raw byte
}

func (e DeviceEvent) String() string {
	switch e.Kind {
	case EventConnected:
		return "connected"
	case EventLightConfirmed:
		if light, ok := LightFromIndex(e.Index); ok {
			return fmt.Sprintf("light_confirmed(%d=%s)", e.Index, light)
		}
		return fmt.Sprintf("light_confirmed(%d)", e.Index)
	case EventReadyToCapture:
		return "ready_to_capture"
	case EventSequenceDone:
		return "sequence_done"
	case EventDeviceError:
		return "device_error"
	case EventBrightnessConfirmed:
		return "brightness_confirmed"
	default:
		return fmt.Sprintf("unrecognized(0x%02X)", e.Raw)
	}
}

const readChunkSize = 64

// eventReader decodes device events from the transport. A single read may return more
// bytes than one event needs; the surplus is kept in the backlog for the following events.
type eventReader struct {
	transport Transport
	backlog   *queue.Queue
	buf       []byte
}

func newEventReader(t Transport) *eventReader {
	return &eventReader{
		transport: t,
		backlog:   queue.New(),
		buf:       make([]byte, readChunkSize),
	}
}

// next blocks until an event is decoded or the deadline passes (errReadTimeout)
func (r *eventReader) next(deadline time.Time) (DeviceEvent, error) {
	b, err := r.readByte(deadline)
	if err != nil {
		return DeviceEvent{}, err
	}

	switch b {
	case evConnected:
		return DeviceEvent{Kind: EventConnected}, nil
	case evReady:
		return DeviceEvent{Kind: EventReadyToCapture}, nil
	case evDone:
		return DeviceEvent{Kind: EventSequenceDone}, nil
	case evError:
		return DeviceEvent{Kind: EventDeviceError}, nil
	case evBrightnessOK:
		return DeviceEvent{Kind: EventBrightnessConfirmed}, nil
	case evLightIndex:
		// the index is a raw byte, it is never decoded as a status byte
		index, err := r.readByte(deadline)
		if err != nil {
			return DeviceEvent{}, err
		}
		return DeviceEvent{Kind: EventLightConfirmed, Index: int(index)}, nil
	default:
		return DeviceEvent{Kind: EventUnrecognized, Raw: b}, nil
	}
}

func (r *eventReader) readByte(deadline time.Time) (byte, error) {
	if r.backlog.Length() > 0 {
		return r.backlog.Remove().(byte), nil
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, errReadTimeout
	}

	if err := r.transport.SetReadTimeout(remaining); err != nil {
		return 0, fmt.Errorf("set read timeout: %w", err)
	}

	n, err := r.transport.Read(r.buf)
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	if n == 0 {
		return 0, errReadTimeout
	}

	for _, extra := range r.buf[1:n] {
		r.backlog.Add(extra)
	}

	return r.buf[0], nil
}

// discard drops every buffered byte
func (r *eventReader) discard() int {
	dropped := r.backlog.Length()
	for r.backlog.Length() > 0 {
		r.backlog.Remove()
	}

	return dropped
}
