package psrig

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap/zaptest"

	"github.com/nik9play/psrig/pkg/psrig/protocol"
	"github.com/nik9play/psrig/pkg/psrig/store"
)

// rigDevice simulates the light controller firmware behind a transport: every light-off
// ack is answered with 'D'. reply overrides the answer to a light selector; nil means "A".
type rigDevice struct {
	mu sync.Mutex

	written  []byte
	pending  []byte
	closed   bool
	writeErr error

	reply       func(selector byte) []byte
	expectValue bool
}

func (d *rigDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, errors.New("closed")
	}

	n := copy(p, d.pending)
	d.pending = d.pending[n:]

	return n, nil
}

func (d *rigDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, errors.New("closed")
	}
	if d.writeErr != nil {
		return 0, d.writeErr
	}

	for _, b := range p {
		d.written = append(d.written, b)
		d.pending = append(d.pending, d.respond(b)...)
	}

	return len(p), nil
}

func (d *rigDevice) respond(b byte) []byte {
	if d.expectValue {
		d.expectValue = false
		return []byte{'P'}
	}

	switch b {
	case 'C':
		return []byte{'C'}
	case 'P':
		d.expectValue = true
	case 'N', 'S', 'E', 'W':
		if d.reply != nil {
			return d.reply(b)
		}
		return []byte{'A'}
	case 'B':
		return []byte{'D'}
	}

	return nil
}

func (d *rigDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	return nil
}

func (d *rigDevice) SetReadTimeout(time.Duration) error { return nil }

func (d *rigDevice) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = nil
	return nil
}

func (d *rigDevice) Drain() error { return nil }

func (d *rigDevice) sent() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return string(d.written)
}

// stubSensor returns numbered frames; hook runs before each one
type stubSensor struct {
	mu     sync.Mutex
	calls  int
	failOn map[int]error
	hook   func(n int)
}

func (s *stubSensor) Trigger() (protocol.Frame, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if s.hook != nil {
		s.hook(n)
	}
	if err, ok := s.failOn[n]; ok {
		return protocol.Frame{}, err
	}

	return protocol.Frame{Width: 1, Height: 1, Pix: []byte{byte(n)}, CapturedAt: time.Now()}, nil
}

// memoryStore records saves in memory
type memoryStore struct {
	mu        sync.Mutex
	saved     []protocol.LightID
	kinds     []store.ImageKind
	manifests []store.Manifest
	failOn    map[protocol.LightID]error
}

func (m *memoryStore) Save(run store.RunInfo, light protocol.LightID, frame protocol.Frame) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.failOn[light]; ok {
		return "", err
	}

	m.saved = append(m.saved, light)
	m.kinds = append(m.kinds, run.Kind)

	return fmt.Sprintf("%s_%s.tiff", run.Kind, light), nil
}

func (m *memoryStore) WriteManifest(manifest store.Manifest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.manifests = append(m.manifests, manifest)

	return fmt.Sprintf("%s_%s.yaml", manifest.Kind, manifest.RunID), nil
}

// coordinatorFixture wires a coordinator to simulated devices. Every factory call
// creates a fresh device, the way reopening a serial port would.
type coordinatorFixture struct {
	coordinator *Coordinator
	sensor      *stubSensor
	store       *memoryStore

	mu      sync.Mutex
	devices []*rigDevice
	reply   func(selector byte) []byte
}

func newCoordinatorFixture(t *testing.T, brightness int) *coordinatorFixture {
	t.Helper()

	f := &coordinatorFixture{
		sensor: &stubSensor{},
		store:  &memoryStore{},
	}

	connect := func() (protocol.Transport, string, error) {
		f.mu.Lock()
		defer f.mu.Unlock()

		d := &rigDevice{reply: f.reply}
		f.devices = append(f.devices, d)

		return d, fmt.Sprintf("/dev/ttyFAKE%d", len(f.devices)-1), nil
	}

	opts := protocol.Options{ResponseTimeout: 20 * time.Millisecond, HandshakeRetries: 2}
	f.coordinator = NewCoordinator(zaptest.NewLogger(t).Sugar(), connect, f.sensor, f.store, opts, store.KindTarget, brightness)

	return f
}

func (f *coordinatorFixture) device(i int) *rigDevice {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.devices[i]
}

func (f *coordinatorFixture) deviceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.devices)
}

func testLocalizer(t *testing.T) func() *i18n.Localizer {
	t.Helper()

	bundle, err := newBundle()
	if err != nil {
		t.Fatalf("newBundle() error = %v", err)
	}

	localizer := i18n.NewLocalizer(bundle, "en")
	return func() *i18n.Localizer { return localizer }
}

func newTestShell(t *testing.T, f *coordinatorFixture) (*commandShell, *bytes.Buffer) {
	t.Helper()

	var out bytes.Buffer
	sh := newCommandShell(zaptest.NewLogger(t).Sugar(), f.coordinator, t.TempDir(), testLocalizer(t), nil, &out)

	return sh, &out
}
