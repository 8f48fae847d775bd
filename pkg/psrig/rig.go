// Package psrig drives a photometric stereo light rig: a microcontroller that switches four
// lights around a target, and an image sensor triggered each time a light is confirmed on.
package psrig

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nik9play/psrig/pkg/notify"
	"github.com/nik9play/psrig/pkg/psrig/protocol"
	"github.com/nik9play/psrig/pkg/psrig/sensor"
	"github.com/nik9play/psrig/pkg/psrig/store"
	"github.com/nik9play/psrig/pkg/psrig/util"
)

// Rig is the main entity managing access to all sub-components
type Rig struct {
	logger      *zap.SugaredLogger
	notifier    notify.Notifier
	config      *CanonicalConfig
	coordinator *Coordinator
	sensor      protocol.ImageSensor
	store       *store.FileStore
	bundle      *i18n.Bundle

	localizerMu sync.RWMutex
	localizer   *i18n.Localizer

	stopOnce sync.Once
	version  string
	verbose  bool
}

// NewRig creates a Rig instance
func NewRig(logger *zap.SugaredLogger, verbose bool, configPath string) (*Rig, error) {
	logger = logger.Named("psrig")

	bundle, err := newBundle()
	if err != nil {
		logger.Errorw("Failed to load message files", "error", err)
		return nil, fmt.Errorf("load message files: %w", err)
	}

	config, err := NewConfig(logger, configPath)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	r := &Rig{
		logger:  logger,
		config:  config,
		bundle:  bundle,
		verbose: verbose,
	}

	logger.Debug("Created psrig instance")

	return r, nil
}

// SetVersion sets the version string printed by the shell banner
func (r *Rig) SetVersion(version string) {
	r.version = version
}

// Verbose returns a boolean indicating whether psrig is running in verbose mode
func (r *Rig) Verbose() bool {
	return r.verbose
}

// Initialize sets up every component, then runs the given command, or the interactive
// shell when args is empty. It returns once the operator quits.
func (r *Rig) Initialize(flags *pflag.FlagSet, args []string) error {
	r.logger.Debug("Initializing")

	if flags != nil {
		if err := r.config.BindFlags(flags); err != nil {
			return fmt.Errorf("bind flags: %w", err)
		}
	}

	// load the config for the first time
	if err := r.config.Load(); err != nil {
		r.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	r.updateLocalizer()

	if err := r.setupComponents(); err != nil {
		return err
	}

	r.setupInterruptHandler()
	r.setupOnConfigReload()

	go r.config.WatchConfigFileChanges()
	defer r.stop()

	sh := newCommandShell(r.logger, r.coordinator, r.store.Dir(), r.getLocalizer, r.announce, os.Stdout)

	if len(args) > 0 {
		return sh.runOnce(context.Background(), args)
	}

	if r.version != "" {
		fmt.Fprintf(os.Stdout, "psrig %s\n", r.version)
	}

	return sh.run(context.Background())
}

func (r *Rig) setupComponents() error {
	if r.config.Notifications {
		notifier, err := notify.NewDesktopNotifier(r.logger, "")
		if err != nil {
			r.logger.Errorw("Failed to create DesktopNotifier", "error", err)
			return fmt.Errorf("create new DesktopNotifier: %w", err)
		}
		r.notifier = notifier
	} else {
		r.notifier = notify.NewLogNotifier(r.logger)
	}

	imageSensor, err := r.newSensor()
	if err != nil {
		r.logger.Errorw("Failed to create image sensor", "type", r.config.Sensor.Type, "error", err)
		return fmt.Errorf("create image sensor: %w", err)
	}
	r.sensor = imageSensor

	frames, err := store.NewFileStore(r.logger, r.config.Storage.OutputDir, r.config.Storage.OnConflict)
	if err != nil {
		r.logger.Errorw("Failed to create FileStore", "error", err)
		return fmt.Errorf("create new FileStore: %w", err)
	}
	r.store = frames

	r.coordinator = NewCoordinator(
		r.logger,
		r.openTransport,
		imageSensor,
		frames,
		r.config.SessionOptions(),
		r.config.Storage.ImageKind,
		r.config.Brightness,
	)
	r.coordinator.OnConnect = r.announceConnected

	return nil
}

func (r *Rig) newSensor() (protocol.ImageSensor, error) {
	cfg := r.config.Sensor

	if cfg.Type != sensorTethered {
		return sensor.NewTestPattern(r.logger, cfg.Width, cfg.Height), nil
	}

	driver, err := sensor.NewDriver(r.logger, cfg.MockGPIO)
	if err != nil {
		return nil, fmt.Errorf("create GPIO driver: %w", err)
	}

	return sensor.NewTetheredTrigger(r.logger, driver, sensor.TetheredOptions{
		FocusPin:     cfg.FocusPin,
		ShutterPin:   cfg.ShutterPin,
		FocusDelay:   cfg.FocusDelay,
		ShutterHold:  cfg.ShutterHold,
		HotFolder:    cfg.HotFolder,
		FrameTimeout: cfg.FrameTimeout,
	})
}

// openTransport reads the connection settings at call time, so a reload takes effect on reconnect
func (r *Rig) openTransport() (protocol.Transport, string, error) {
	return OpenSerialTransport(r.logger, ConnectionInfo{
		COMPort:   r.config.ConnectionInfo.COMPort,
		BaudRate:  r.config.ConnectionInfo.BaudRate,
		OpenDelay: r.config.ConnectionInfo.OpenDelay,
	})
}

func (r *Rig) getLocalizer() *i18n.Localizer {
	r.localizerMu.RLock()
	defer r.localizerMu.RUnlock()

	return r.localizer
}

func (r *Rig) updateLocalizer() {
	localizer, lang, err := newLocalizer(r.bundle, r.config.Language)
	if err != nil {
		r.logger.Warnw("Failed to get system locale, falling back to English", "error", err)
	}

	r.logger.Infof("Selected language: %s", lang)

	r.localizerMu.Lock()
	r.localizer = localizer
	r.localizerMu.Unlock()
}

func (r *Rig) announceConnected(port string) {
	localizer := r.getLocalizer()

	r.notifier.Notify(
		localize(localizer, msgConnectedTitle, map[string]any{"ComPort": port}),
		localize(localizer, msgConnectedDescription, nil),
	)
}

func (r *Rig) announce(summary *Summary) {
	localizer := r.getLocalizer()
	res := summary.Result

	if res.Completed() {
		description := localizeCount(localizer, msgRunCompletedDescription, summary.SavedCount(), map[string]any{
			"Count": summary.SavedCount(),
			"Kind":  summary.Kind,
			"Dir":   r.store.Dir(),
		})
		if res.HasWarning() {
			description += " " + localize(localizer, msgRunWarningDescription, nil)
		}

		r.notifier.Notify(localize(localizer, msgRunCompletedTitle, nil), description)
		return
	}

	errText := res.Status.String()
	if res.Err != nil {
		errText = res.Err.Error()
	}

	r.notifier.Alert(
		localize(localizer, msgRunFailedTitle, map[string]any{"Status": res.Status}),
		localize(localizer, msgRunFailedDescription, map[string]any{"Error": errText}),
	)
}

func (r *Rig) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		for signal := range interruptChannel {
			r.logger.Debugw("Interrupted", "signal", signal)

			// the first interrupt during a capture only aborts it
			if r.coordinator.Abort() {
				continue
			}

			r.stop()
			os.Exit(0)
		}
	}()
}

func (r *Rig) setupOnConfigReload() {
	configReloadedChannel := r.config.SubscribeToChanges()

	port := r.config.ConnectionInfo.COMPort
	baudRate := r.config.ConnectionInfo.BaudRate

	go func() {
		for range configReloadedChannel {
			r.updateLocalizer()

			r.coordinator.SetOptions(r.config.SessionOptions())
			r.coordinator.SetKind(r.config.Storage.ImageKind)

			// if connection params have changed, reconnect on the next command
			if r.config.ConnectionInfo.COMPort != port || r.config.ConnectionInfo.BaudRate != baudRate {
				r.logger.Info("Detected change in connection parameters, renewing connection")
				port = r.config.ConnectionInfo.COMPort
				baudRate = r.config.ConnectionInfo.BaudRate

				if err := r.coordinator.Reconnect(); err != nil {
					r.logger.Warnw("Failed to close previous connection", "error", err)
				}
			}

			if r.config.Storage.OutputDir != r.store.Dir() || r.config.Sensor.Type != sensorTypeOf(r.sensor) {
				r.logger.Warn("Sensor and output directory changes apply after a restart")
			}

			localizer := r.getLocalizer()
			r.notifier.Notify(
				localize(localizer, msgConfigReloadedTitle, nil),
				localize(localizer, msgConfigReloadedDescription, nil),
			)
		}
	}()
}

func sensorTypeOf(s protocol.ImageSensor) string {
	if _, ok := s.(*sensor.TetheredTrigger); ok {
		return sensorTethered
	}

	return sensorTestPattern
}

func (r *Rig) stop() {
	r.stopOnce.Do(func() {
		r.logger.Info("Stopping")

		r.config.StopWatchingConfigFile()

		if r.coordinator != nil {
			if err := r.coordinator.Close(); err != nil {
				r.logger.Warnw("Failed to close coordinator", "error", err)
			}
		}

		if closer, ok := r.sensor.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				r.logger.Warnw("Failed to close image sensor", "error", err)
			}
		}

		// attempt to sync on exit - this won't necessarily work but can't harm
		_ = r.logger.Sync()
	})
}
