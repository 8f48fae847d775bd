package sensor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/nik9play/psrig/pkg/psrig/protocol"
)

const (
	defaultStablePoll = 100 * time.Millisecond
	arrivalBuffer     = 16
)

// partial downloads written by common tethering tools
var ignoredExtensions = []string{".tmp", ".part", ".crdownload", ".download"}

// TetheredOptions wires a camera to the rig
type TetheredOptions struct {
	FocusPin     int
	ShutterPin   int
	FocusDelay   time.Duration
	ShutterHold  time.Duration
	HotFolder    string
	FrameTimeout time.Duration

	// StablePoll is the interval between two size checks of an arriving file.
	// A file is complete once two consecutive checks agree.
	StablePoll time.Duration
}

// TetheredTrigger fires a camera through its wired remote (FOCUS and SHUTTER lines,
// active low) and picks up the image the tethering software drops into a hot folder
type TetheredTrigger struct {
	logger *zap.SugaredLogger
	gpio   Driver
	opts   TetheredOptions

	watcher  *fsnotify.Watcher
	arrivals chan string

	// serializes triggers
	mu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// NewTetheredTrigger idles both remote lines and starts watching the hot folder
func NewTetheredTrigger(logger *zap.SugaredLogger, driver Driver, opts TetheredOptions) (*TetheredTrigger, error) {
	logger = logger.Named("tethered")

	if opts.HotFolder == "" {
		return nil, fmt.Errorf("tethered sensor needs a hot folder")
	}
	if opts.StablePoll <= 0 {
		opts.StablePoll = defaultStablePoll
	}

	if err := os.MkdirAll(opts.HotFolder, 0755); err != nil {
		return nil, fmt.Errorf("create hot folder: %w", err)
	}

	for _, pin := range []int{opts.FocusPin, opts.ShutterPin} {
		if err := driver.SetupPin(pin, Output); err != nil {
			return nil, fmt.Errorf("setup pin %d: %w", pin, err)
		}
		if err := driver.WritePin(pin, High); err != nil {
			return nil, fmt.Errorf("idle pin %d: %w", pin, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create hot folder watcher: %w", err)
	}

	if err := watcher.Add(opts.HotFolder); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch hot folder %s: %w", opts.HotFolder, err)
	}

	t := &TetheredTrigger{
		logger:   logger,
		gpio:     driver,
		opts:     opts,
		watcher:  watcher,
		arrivals: make(chan string, arrivalBuffer),
		done:     make(chan struct{}),
	}

	go t.watch()

	logger.Debugw("Created tethered sensor instance",
		"hotFolder", opts.HotFolder,
		"focusPin", opts.FocusPin,
		"shutterPin", opts.ShutterPin)

	return t, nil
}

func (t *TetheredTrigger) watch() {
	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if !acceptedFile(event.Name) {
				t.logger.Debugw("Ignoring hot folder entry", "name", event.Name)
				continue
			}

			select {
			case t.arrivals <- event.Name:
			default:
				t.logger.Warnw("Dropping hot folder arrival, nobody is waiting", "name", event.Name)
			}

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warnw("Hot folder watcher error", "error", err)
		}
	}
}

func acceptedFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}

	return !funk.ContainsString(ignoredExtensions, strings.ToLower(filepath.Ext(base)))
}

// Trigger implements protocol.ImageSensor
func (t *TetheredTrigger) Trigger() (protocol.Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.done:
		return protocol.Frame{}, ErrSensorClosed
	default:
	}

	t.drainArrivals()

	if err := t.shoot(); err != nil {
		return protocol.Frame{}, err
	}

	return t.awaitFrame()
}

func (t *TetheredTrigger) drainArrivals() {
	for {
		select {
		case name := <-t.arrivals:
			t.logger.Debugw("Discarding stale arrival", "name", name)
		default:
			return
		}
	}
}

// shoot runs FOCUS low, AF wait, SHUTTER low, hold, then releases SHUTTER and FOCUS
func (t *TetheredTrigger) shoot() error {
	t.logger.Debugw("Triggering shot", "focusPin", t.opts.FocusPin, "shutterPin", t.opts.ShutterPin)

	if err := t.gpio.WritePin(t.opts.FocusPin, Low); err != nil {
		return fmt.Errorf("activate focus: %w", err)
	}

	time.Sleep(t.opts.FocusDelay)

	if err := t.gpio.WritePin(t.opts.ShutterPin, Low); err != nil {
		_ = t.gpio.WritePin(t.opts.FocusPin, High)
		return fmt.Errorf("activate shutter: %w", err)
	}

	time.Sleep(t.opts.ShutterHold)

	if err := t.gpio.WritePin(t.opts.ShutterPin, High); err != nil {
		return fmt.Errorf("release shutter: %w", err)
	}
	if err := t.gpio.WritePin(t.opts.FocusPin, High); err != nil {
		return fmt.Errorf("release focus: %w", err)
	}

	return nil
}

func (t *TetheredTrigger) awaitFrame() (protocol.Frame, error) {
	timer := time.NewTimer(t.opts.FrameTimeout)
	defer timer.Stop()

	var name string
	select {
	case name = <-t.arrivals:
	case <-timer.C:
		return protocol.Frame{}, fmt.Errorf("%w after %s", ErrNoFrame, t.opts.FrameTimeout)
	case <-t.done:
		return protocol.Frame{}, ErrSensorClosed
	}

	if err := t.awaitStable(name, timer.C); err != nil {
		return protocol.Frame{}, err
	}

	data, err := os.ReadFile(name)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("read tethered frame: %w", err)
	}

	t.logger.Infow("Picked up tethered frame", "name", name, "size", len(data))

	return protocol.Frame{
		Encoded:    data,
		Ext:        strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), "."),
		CapturedAt: time.Now(),
	}, nil
}

// the tethering software may still be writing; wait until the size stops changing
func (t *TetheredTrigger) awaitStable(name string, expired <-chan time.Time) error {
	var last int64 = -1

	for {
		info, err := os.Stat(name)
		if err != nil {
			return fmt.Errorf("stat tethered frame: %w", err)
		}

		size := info.Size()
		if size > 0 && size == last {
			return nil
		}
		last = size

		select {
		case <-time.After(t.opts.StablePoll):
		case <-expired:
			return fmt.Errorf("%w: %s still being written", ErrNoFrame, filepath.Base(name))
		}
	}
}

// Close stops watching the hot folder and releases the GPIO lines.
// A trigger waiting for its frame returns ErrSensorClosed.
func (t *TetheredTrigger) Close() error {
	var err error

	t.closeOnce.Do(func() {
		close(t.done)

		if watchErr := t.watcher.Close(); watchErr != nil {
			t.logger.Warnw("Failed to close hot folder watcher", "error", watchErr)
		}

		err = t.gpio.Close()
	})

	return err
}
