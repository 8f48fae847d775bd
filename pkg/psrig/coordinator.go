package psrig

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nik9play/psrig/pkg/psrig/protocol"
	"github.com/nik9play/psrig/pkg/psrig/store"
)

// TransportFactory opens a fresh transport and reports the port it is attached to
type TransportFactory func() (protocol.Transport, string, error)

// FrameStore persists captured frames and run manifests
type FrameStore interface {
	Save(run store.RunInfo, light protocol.LightID, frame protocol.Frame) (string, error)
	WriteManifest(m store.Manifest) (string, error)
}

// ErrCoordinatorClosed is returned by every operation after Close
var ErrCoordinatorClosed = errors.New("coordinator closed")

// Summary is what a capture run produced
type Summary struct {
	Result       *protocol.SessionResult
	Kind         store.ImageKind
	Saved        []store.SavedFrame
	ManifestPath string
}

// SavedCount returns the number of frames written to disk
func (s *Summary) SavedCount() int {
	count := 0
	for _, saved := range s.Saved {
		if saved.Err == nil {
			count++
		}
	}

	return count
}

// Coordinator turns operator intent into protocol sessions and hands the captured frames to the store.
// The session is created lazily and rebuilt after the transport failed.
type Coordinator struct {
	logger  *zap.SugaredLogger
	connect TransportFactory
	sensor  protocol.ImageSensor
	store   FrameStore

	// OnConnect, when set, is called after every successful handshake
	OnConnect func(port string)

	mu         sync.Mutex
	session    *protocol.Session
	port       string
	opts       protocol.Options
	kind       store.ImageKind
	brightness int
	cancel     context.CancelFunc
	closed     bool
}

// NewCoordinator creates a coordinator; nothing is opened until the first command.
// brightness is re-applied after every handshake unless it is negative.
func NewCoordinator(
	logger *zap.SugaredLogger,
	connect TransportFactory,
	sensor protocol.ImageSensor,
	frames FrameStore,
	opts protocol.Options,
	kind store.ImageKind,
	brightness int,
) *Coordinator {
	logger = logger.Named("coordinator")

	c := &Coordinator{
		logger:     logger,
		connect:    connect,
		sensor:     sensor,
		store:      frames,
		opts:       opts,
		kind:       kind,
		brightness: brightness,
	}

	logger.Debug("Created coordinator instance")

	return c
}

// acquire returns the current session, opening a new transport when there is none
func (c *Coordinator) acquire() (*protocol.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCoordinatorClosed
	}

	if c.session != nil && !c.session.Released() {
		return c.session, nil
	}

	if c.session != nil {
		c.logger.Info("Previous transport was released, reconnecting")
	}

	transport, port, err := c.connect()
	if err != nil {
		return nil, fmt.Errorf("open transport: %w", err)
	}

	c.session = protocol.NewSession(c.logger, transport, c.sensor, c.opts)
	c.port = port

	return c.session, nil
}

// Open handshakes with the controller if that has not happened yet
func (c *Coordinator) Open(ctx context.Context) error {
	s, err := c.acquire()
	if err != nil {
		return err
	}

	return c.open(ctx, s)
}

func (c *Coordinator) open(ctx context.Context, s *protocol.Session) error {
	if s.State() == protocol.StateConnected {
		return nil
	}

	if err := s.Open(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	port := c.port
	brightness := c.brightness
	onConnect := c.OnConnect
	c.mu.Unlock()

	if brightness >= 0 {
		if err := s.SetBrightness(ctx, brightness); err != nil {
			c.logger.Warnw("Failed to restore brightness after connecting", "value", brightness, "error", err)
		}
	}

	if onConnect != nil {
		onConnect(port)
	}

	return nil
}

// Capture runs one sequence, handshaking first when needed, and saves every captured frame in
// light order. A session stuck in error, timed_out or aborted must be Reset first.
func (c *Coordinator) Capture(ctx context.Context, mode protocol.CaptureMode) (*Summary, error) {
	s, err := c.acquire()
	if err != nil {
		return nil, err
	}

	if st := s.State(); st.NeedsReset() {
		return nil, &protocol.InvalidStateError{Op: "capture", State: st}
	}

	if err := c.open(ctx, s); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancel = cancel
	kind := c.kind
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	res, err := s.Capture(runCtx, mode)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Result: res, Kind: kind}
	run := store.RunInfo{
		ID:        res.ID,
		Kind:      kind,
		Mode:      mode.String(),
		StartedAt: res.StartedAt,
	}

	for _, l := range res.Captured() {
		path, err := c.store.Save(run, l.Light, *l.Frame)
		if err != nil {
			c.logger.Warnw("Failed to save frame", "run", res.ID, "light", l.Light, "error", err)
		}
		summary.Saved = append(summary.Saved, store.SavedFrame{Light: l.Light, Path: path, Err: err})
	}

	manifestPath, err := c.store.WriteManifest(store.BuildManifest(run, res, summary.Saved))
	if err != nil {
		c.logger.Warnw("Failed to write run manifest", "run", res.ID, "error", err)
	}
	summary.ManifestPath = manifestPath

	c.logger.Infow("Capture run finished",
		"run", res.ID,
		"mode", mode,
		"status", res.Status,
		"saved", summary.SavedCount(),
		"lights", len(res.Lights))

	return summary, nil
}

// SetBrightness forwards the level to the controller and remembers it for later handshakes
func (c *Coordinator) SetBrightness(ctx context.Context, value int) error {
	s, err := c.acquire()
	if err != nil {
		return err
	}

	if err := s.SetBrightness(ctx, value); err != nil {
		return err
	}

	c.mu.Lock()
	c.brightness = value
	c.mu.Unlock()

	return nil
}

// Abort cancels a running capture; it takes effect at the next wait in the sequence.
// It reports whether a capture was running.
func (c *Coordinator) Abort() bool {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel == nil {
		return false
	}

	c.logger.Info("Aborting running capture")
	cancel()

	return true
}

// Reset aborts a running capture and resets the controller. Safe to call from any goroutine.
func (c *Coordinator) Reset() error {
	c.Abort()

	s, err := c.acquire()
	if err != nil {
		return err
	}

	return s.Reset()
}

// SetKind changes the image kind used for the next runs
func (c *Coordinator) SetKind(kind store.ImageKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.kind = kind
}

// Kind returns the image kind used for file names
func (c *Coordinator) Kind() store.ImageKind {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.kind
}

// SetOptions applies new protocol timings to the live session and to future ones
func (c *Coordinator) SetOptions(opts protocol.Options) {
	c.mu.Lock()
	c.opts = opts
	s := c.session
	c.mu.Unlock()

	if s != nil {
		s.SetOptions(opts)
	}
}

// Reconnect drops the current session so the next command opens the transport again
func (c *Coordinator) Reconnect() error {
	c.Abort()

	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}

	return s.Close()
}

// State returns the session state, idle when no session exists yet
func (c *Coordinator) State() protocol.State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return protocol.StateIdle
	}

	return c.session.State()
}

// Port returns the port of the current transport
func (c *Coordinator) Port() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.port
}

// Close aborts a running capture, turns the lights off and releases the transport
func (c *Coordinator) Close() error {
	c.Abort()

	c.mu.Lock()
	s := c.session
	c.session = nil
	c.closed = true
	c.mu.Unlock()

	if s == nil {
		return nil
	}

	return s.Close()
}
