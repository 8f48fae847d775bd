package protocol

import (
	"errors"
	"testing"
	"time"
)

func TestEventReaderDecodes(t *testing.T) {
	transport := &fakeTransport{
		reads: [][]byte{
			[]byte("CL"),
			{3},
			[]byte("APDE?"),
		},
	}
	r := newEventReader(transport)
	deadline := time.Now().Add(time.Second)

	want := []DeviceEvent{
		{Kind: EventConnected},
		{Kind: EventLightConfirmed, Index: 3},
		{Kind: EventReadyToCapture},
		{Kind: EventBrightnessConfirmed},
		{Kind: EventSequenceDone},
		{Kind: EventDeviceError},
		{Kind: EventUnrecognized, Raw: '?'},
	}

	for i, w := range want {
		got, err := r.next(deadline)
		if err != nil {
			t.Fatalf("event %d: next() error = %v", i, err)
		}
		if got != w {
			t.Errorf("event %d = %s, want %s", i, got, w)
		}
	}

	if _, err := r.next(deadline); !errors.Is(err, errReadTimeout) {
		t.Errorf("next() on empty input error = %v, want errReadTimeout", err)
	}
}

// an index byte equal to a status byte must not be decoded as a status
func TestEventReaderIndexIsRaw(t *testing.T) {
	transport := &fakeTransport{reads: [][]byte{{'L', 'E', 'A'}}}
	r := newEventReader(transport)
	deadline := time.Now().Add(time.Second)

	ev, err := r.next(deadline)
	if err != nil {
		t.Fatalf("next() error = %v", err)
	}
	if ev.Kind != EventLightConfirmed || ev.Index != 'E' {
		t.Errorf("next() = %+v, want light confirmation with raw index", ev)
	}

	ev, err = r.next(deadline)
	if err != nil || ev.Kind != EventReadyToCapture {
		t.Errorf("next() = %s, %v, want ready_to_capture", ev, err)
	}
}

func TestEventReaderExpiredDeadline(t *testing.T) {
	transport := &fakeTransport{reads: [][]byte{[]byte("A")}}
	r := newEventReader(transport)

	if _, err := r.next(time.Now().Add(-time.Millisecond)); !errors.Is(err, errReadTimeout) {
		t.Errorf("next() error = %v, want errReadTimeout", err)
	}
	if len(transport.timeouts) != 0 {
		t.Error("read attempted after the deadline")
	}
}

func TestEventReaderReadError(t *testing.T) {
	readErr := errors.New("port gone")
	r := newEventReader(&fakeTransport{readErr: readErr})

	_, err := r.next(time.Now().Add(time.Second))
	if !errors.Is(err, readErr) {
		t.Errorf("next() error = %v, want wrapped read error", err)
	}
}

func TestEventReaderDiscard(t *testing.T) {
	transport := &fakeTransport{reads: [][]byte{[]byte("AAAD")}}
	r := newEventReader(transport)

	if _, err := r.next(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("next() error = %v", err)
	}
	if dropped := r.discard(); dropped != 3 {
		t.Errorf("discard() = %d, want 3", dropped)
	}
	if _, err := r.next(time.Now().Add(time.Second)); !errors.Is(err, errReadTimeout) {
		t.Errorf("next() after discard error = %v, want errReadTimeout", err)
	}
}
