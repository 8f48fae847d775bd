package protocol

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// fakeTransport replays scripted reads. A nil chunk behaves like a read that hit its timeout.
// respond, when set, acts as the device firmware: it is called for every written byte and
// its chunks are queued for reading.
type fakeTransport struct {
	mu sync.Mutex

	written []byte
	reads   [][]byte
	respond func(cmd byte) [][]byte

	readErr  error
	writeErr error

	timeouts []time.Duration
	resets   int
	drained  bool
	closed   bool
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, errors.New("port closed")
	}
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.reads) == 0 {
		return 0, nil
	}

	chunk := f.reads[0]
	n := copy(p, chunk)
	if n < len(chunk) {
		f.reads[0] = chunk[n:]
	} else {
		f.reads = f.reads[1:]
	}

	return n, nil
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, errors.New("port closed")
	}
	if f.writeErr != nil {
		return 0, f.writeErr
	}

	f.written = append(f.written, p...)
	if f.respond != nil {
		for _, b := range p {
			f.reads = append(f.reads, f.respond(b)...)
		}
	}

	return len(p), nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

func (f *fakeTransport) SetReadTimeout(t time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.timeouts = append(f.timeouts, t)
	return nil
}

func (f *fakeTransport) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.resets++
	f.reads = nil
	return nil
}

func (f *fakeTransport) Drain() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.drained = true
	return nil
}

func (f *fakeTransport) sent() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return string(f.written)
}

func (f *fakeTransport) count(b byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return bytes.Count(f.written, []byte{b})
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

// firmware is a scripted light controller. Each hook returns the device's reply;
// nil hooks reply with the happy-path byte, which for a light-off ack is 'D'.
type firmware struct {
	silentHandshake int // number of handshakes left unanswered

	onSelect   func(n int, selector byte) []byte // n counts selectors from 1
	onLightOff func(n int) []byte                // n counts light-off acks from 1
	onValue    func(value byte) []byte

	silentDone  bool // never answer a light-off ack
	handshakes  int
	selects     int
	lightOffs   int
	expectValue bool
}

func (fw *firmware) respond(cmd byte) [][]byte {
	if fw.expectValue {
		fw.expectValue = false
		if fw.onValue != nil {
			return chunk(fw.onValue(cmd))
		}
		return chunk([]byte{'P'})
	}

	switch cmd {
	case 'C':
		fw.handshakes++
		if fw.handshakes <= fw.silentHandshake {
			return nil
		}
		return chunk([]byte{'C'})

	case 'N', 'S', 'E', 'W':
		fw.selects++
		if fw.onSelect != nil {
			return chunk(fw.onSelect(fw.selects, cmd))
		}
		return chunk([]byte{'A'})

	case 'B':
		fw.lightOffs++
		if fw.onLightOff != nil {
			return chunk(fw.onLightOff(fw.lightOffs))
		}
		if fw.silentDone {
			return nil
		}
		return chunk([]byte{'D'})

	case 'P':
		fw.expectValue = true
	}

	return nil
}

func chunk(b []byte) [][]byte {
	if len(b) == 0 {
		return nil
	}
	return [][]byte{b}
}

// recordingSensor counts triggers and fails on the calls listed in failOn
type recordingSensor struct {
	mu     sync.Mutex
	calls  int
	failOn map[int]error
	onCall func(n int)
}

func (r *recordingSensor) Trigger() (Frame, error) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	hook := r.onCall
	r.mu.Unlock()

	if hook != nil {
		hook(n)
	}

	if err, ok := r.failOn[n]; ok {
		return Frame{}, err
	}

	return Frame{Width: 2, Height: 1, Pix: []byte{byte(n), 255}, CapturedAt: time.Now()}, nil
}

func (r *recordingSensor) triggered() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.calls
}

func testOptions() Options {
	return Options{
		ResponseTimeout:  50 * time.Millisecond,
		HandshakeRetries: 3,
	}
}

func newTestSession(t *testing.T, fw *firmware, sensor *recordingSensor, opts Options) (*Session, *fakeTransport) {
	t.Helper()

	transport := &fakeTransport{}
	if fw != nil {
		transport.respond = fw.respond
	}
	if sensor == nil {
		sensor = &recordingSensor{}
	}

	return NewSession(zaptest.NewLogger(t).Sugar(), transport, sensor, opts), transport
}

// connectedSession returns a session past the handshake, with the transport log cleared
func connectedSession(t *testing.T, fw *firmware, sensor *recordingSensor, opts Options) (*Session, *fakeTransport) {
	t.Helper()

	s, transport := newTestSession(t, fw, sensor, opts)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	transport.mu.Lock()
	transport.written = nil
	transport.mu.Unlock()

	return s, transport
}
