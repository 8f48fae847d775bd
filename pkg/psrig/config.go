package psrig

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/nik9play/psrig/pkg/psrig/protocol"
	"github.com/nik9play/psrig/pkg/psrig/store"
	"github.com/nik9play/psrig/pkg/psrig/util"
)

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for psrig's configuration file
type CanonicalConfig struct {
	ConnectionInfo struct {
		COMPort   string
		BaudRate  int
		OpenDelay time.Duration
	}

	Protocol struct {
		ResponseTimeout  time.Duration
		HandshakeRetries int
		SettleDelay      time.Duration
		FailFast         bool
	}

	Sensor SensorConfig

	Storage struct {
		OutputDir  string
		ImageKind  store.ImageKind
		OnConflict store.ConflictPolicy
	}

	// Brightness is applied after every handshake; -1 keeps the firmware default
	Brightness int

	Notifications bool
	Language      string

	logger     *zap.SugaredLogger
	configPath string

	mu                 sync.Mutex
	stopWatcherChannel chan bool
	reloadConsumers    []chan bool

	userConfig *viper.Viper
}

// SensorConfig selects and tunes the image sensor
type SensorConfig struct {
	Type         string
	MockGPIO     bool
	ShutterPin   int
	FocusPin     int
	FocusDelay   time.Duration
	ShutterHold  time.Duration
	HotFolder    string
	FrameTimeout time.Duration
	Width        int
	Height       int
}

const (
	configKeyCOMPort          = "connection.com_port"
	configKeyBaudRate         = "connection.baud_rate"
	configKeyOpenDelay        = "connection.open_delay_ms"
	configKeyResponseTimeout  = "protocol.response_timeout_ms"
	configKeyHandshakeRetries = "protocol.handshake_retries"
	configKeySettleDelay      = "protocol.settle_delay_ms"
	configKeyFailFast         = "protocol.fail_fast"
	configKeySensorType       = "sensor.type"
	configKeyMockGPIO         = "sensor.mock_gpio"
	configKeyShutterPin       = "sensor.shutter_pin"
	configKeyFocusPin         = "sensor.focus_pin"
	configKeyFocusDelay       = "sensor.focus_delay_ms"
	configKeyShutterHold      = "sensor.shutter_hold_ms"
	configKeyHotFolder        = "sensor.hot_folder"
	configKeyFrameTimeout     = "sensor.frame_timeout_ms"
	configKeyWidth            = "sensor.width"
	configKeyHeight           = "sensor.height"
	configKeyOutputDir        = "storage.output_dir"
	configKeyImageKind        = "storage.image_kind"
	configKeyOnConflict       = "storage.on_conflict"
	configKeyBrightness       = "brightness"
	configKeyNotifications    = "notifications"
	configKeyLanguage         = "language"

	defaultCOMPort    = "auto"
	defaultBaudRate   = 9600
	defaultOpenDelay  = 200
	defaultSensorType = sensorTestPattern
	defaultOutputDir  = "Output Images"
	defaultLanguage   = "auto"

	sensorTestPattern = "test_pattern"
	sensorTethered    = "tethered"
)

var sensorTypes = []string{sensorTestPattern, sensorTethered}

// flag name -> config key; only flags set on the command line override the file
var flagBindings = map[string]string{
	"port":       configKeyCOMPort,
	"baud":       configKeyBaudRate,
	"kind":       configKeyImageKind,
	"output":     configKeyOutputDir,
	"sensor":     configKeySensorType,
	"brightness": configKeyBrightness,
}

// NewConfig creates a config instance for the given config file
func NewConfig(logger *zap.SugaredLogger, configPath string) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	cc := &CanonicalConfig{
		logger:             logger,
		configPath:         configPath,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	userConfig := viper.New()
	userConfig.SetConfigFile(configPath)
	userConfig.SetConfigType(strings.TrimPrefix(filepath.Ext(configPath), "."))
	if filepath.Ext(configPath) == "" {
		userConfig.SetConfigType("yaml")
	}

	defaults := protocol.DefaultOptions()

	userConfig.SetDefault(configKeyCOMPort, defaultCOMPort)
	userConfig.SetDefault(configKeyBaudRate, defaultBaudRate)
	userConfig.SetDefault(configKeyOpenDelay, defaultOpenDelay)
	userConfig.SetDefault(configKeyResponseTimeout, defaults.ResponseTimeout.Milliseconds())
	userConfig.SetDefault(configKeyHandshakeRetries, defaults.HandshakeRetries)
	userConfig.SetDefault(configKeySettleDelay, defaults.SettleDelay.Milliseconds())
	userConfig.SetDefault(configKeyFailFast, false)
	userConfig.SetDefault(configKeySensorType, defaultSensorType)
	userConfig.SetDefault(configKeyMockGPIO, true)
	userConfig.SetDefault(configKeyShutterPin, 25)
	userConfig.SetDefault(configKeyFocusPin, 24)
	userConfig.SetDefault(configKeyFocusDelay, 0)
	userConfig.SetDefault(configKeyShutterHold, 200)
	userConfig.SetDefault(configKeyHotFolder, "")
	userConfig.SetDefault(configKeyFrameTimeout, 10000)
	userConfig.SetDefault(configKeyWidth, 640)
	userConfig.SetDefault(configKeyHeight, 480)
	userConfig.SetDefault(configKeyOutputDir, defaultOutputDir)
	userConfig.SetDefault(configKeyImageKind, string(store.KindTarget))
	userConfig.SetDefault(configKeyOnConflict, string(store.PolicyRename))
	userConfig.SetDefault(configKeyBrightness, -1)
	userConfig.SetDefault(configKeyNotifications, true)
	userConfig.SetDefault(configKeyLanguage, defaultLanguage)

	cc.userConfig = userConfig

	logger.Debugw("Created config instance", "path", configPath)

	return cc, nil
}

// BindFlags lets command line flags override config file values
func (cc *CanonicalConfig) BindFlags(flags *pflag.FlagSet) error {
	for name, key := range flagBindings {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}

		if err := cc.userConfig.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	return nil
}

// Load reads psrig's config file from disk and tries to parse it.
// A missing file is not an error: defaults and flags are used instead.
func (cc *CanonicalConfig) Load() error {
	cc.logger.Debugw("Loading config", "path", cc.configPath)

	if util.FileExists(cc.configPath) {
		if err := cc.userConfig.ReadInConfig(); err != nil {
			cc.logger.Warnw("Viper failed to read user config", "error", err)
			return fmt.Errorf("read user config: %w", err)
		}
	} else {
		cc.logger.Warnw("Config file not found, using defaults", "path", cc.configPath)
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"comPort", cc.ConnectionInfo.COMPort,
		"baudRate", cc.ConnectionInfo.BaudRate,
		"sensor", cc.Sensor.Type,
		"outputDir", cc.Storage.OutputDir,
		"imageKind", cc.Storage.ImageKind)

	return nil
}

// SessionOptions returns the protocol timings from the config
func (cc *CanonicalConfig) SessionOptions() protocol.Options {
	return protocol.Options{
		ResponseTimeout:  cc.Protocol.ResponseTimeout,
		HandshakeRetries: cc.Protocol.HandshakeRetries,
		SettleDelay:      cc.Protocol.SettleDelay,
		FailFast:         cc.Protocol.FailFast,
	}
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	c := make(chan bool, 1)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen. It blocks until StopWatchingConfigFile.
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.configPath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {

		// when we get a write event...
		if event.Has(fsnotify.Write) {

			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {

				// and attempt reload if appropriate
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.onConfigReloaded()
				}

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	cc.userConfig.WatchConfig()

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	select {
	case cc.stopWatcherChannel <- true:
	default:
	}
}

func (cc *CanonicalConfig) populateFromVipers() error {
	v := cc.userConfig

	cc.ConnectionInfo.COMPort = strings.TrimSpace(v.GetString(configKeyCOMPort))
	if cc.ConnectionInfo.COMPort == "" {
		cc.ConnectionInfo.COMPort = defaultCOMPort
	}

	cc.ConnectionInfo.BaudRate = v.GetInt(configKeyBaudRate)
	if cc.ConnectionInfo.BaudRate <= 0 {
		cc.logger.Warnw("Invalid baud rate specified, using default value",
			"key", configKeyBaudRate,
			"invalidValue", cc.ConnectionInfo.BaudRate,
			"defaultValue", defaultBaudRate)

		cc.ConnectionInfo.BaudRate = defaultBaudRate
	}
	cc.ConnectionInfo.OpenDelay = millis(v, configKeyOpenDelay)

	cc.Protocol.ResponseTimeout = millis(v, configKeyResponseTimeout)
	if cc.Protocol.ResponseTimeout <= 0 {
		return fmt.Errorf("%s must be positive", configKeyResponseTimeout)
	}
	cc.Protocol.HandshakeRetries = v.GetInt(configKeyHandshakeRetries)
	if cc.Protocol.HandshakeRetries < 1 {
		return fmt.Errorf("%s must be at least 1", configKeyHandshakeRetries)
	}
	cc.Protocol.SettleDelay = millis(v, configKeySettleDelay)
	if cc.Protocol.SettleDelay < 0 {
		return fmt.Errorf("%s must not be negative", configKeySettleDelay)
	}
	cc.Protocol.FailFast = v.GetBool(configKeyFailFast)

	sensorType := strings.ToLower(strings.TrimSpace(v.GetString(configKeySensorType)))
	if !funk.ContainsString(sensorTypes, sensorType) {
		return fmt.Errorf("%s: unknown sensor %q (expected one of %s)",
			configKeySensorType, sensorType, strings.Join(sensorTypes, ", "))
	}

	cc.Sensor = SensorConfig{
		Type:         sensorType,
		MockGPIO:     v.GetBool(configKeyMockGPIO),
		ShutterPin:   v.GetInt(configKeyShutterPin),
		FocusPin:     v.GetInt(configKeyFocusPin),
		FocusDelay:   millis(v, configKeyFocusDelay),
		ShutterHold:  millis(v, configKeyShutterHold),
		HotFolder:    v.GetString(configKeyHotFolder),
		FrameTimeout: millis(v, configKeyFrameTimeout),
		Width:        v.GetInt(configKeyWidth),
		Height:       v.GetInt(configKeyHeight),
	}

	if sensorType == sensorTethered {
		if cc.Sensor.HotFolder == "" {
			return fmt.Errorf("%s is required for the tethered sensor", configKeyHotFolder)
		}
		if cc.Sensor.ShutterPin == cc.Sensor.FocusPin {
			return fmt.Errorf("%s and %s must differ", configKeyShutterPin, configKeyFocusPin)
		}
		if cc.Sensor.FrameTimeout <= 0 {
			return fmt.Errorf("%s must be positive", configKeyFrameTimeout)
		}
	} else if cc.Sensor.Width <= 0 || cc.Sensor.Height <= 0 {
		return fmt.Errorf("%s and %s must be positive", configKeyWidth, configKeyHeight)
	}

	kind, err := store.ParseImageKind(v.GetString(configKeyImageKind))
	if err != nil {
		return fmt.Errorf("%s: %w", configKeyImageKind, err)
	}
	policy, err := store.ParseConflictPolicy(v.GetString(configKeyOnConflict))
	if err != nil {
		return fmt.Errorf("%s: %w", configKeyOnConflict, err)
	}

	cc.Storage.OutputDir = v.GetString(configKeyOutputDir)
	if cc.Storage.OutputDir == "" {
		cc.Storage.OutputDir = defaultOutputDir
	}
	cc.Storage.ImageKind = kind
	cc.Storage.OnConflict = policy

	cc.Brightness = v.GetInt(configKeyBrightness)
	if cc.Brightness < -1 || cc.Brightness > protocol.MaxBrightness {
		return fmt.Errorf("%s must be -1 or between %d and %d",
			configKeyBrightness, protocol.MinBrightness, protocol.MaxBrightness)
	}

	cc.Notifications = v.GetBool(configKeyNotifications)
	cc.Language = v.GetString(configKeyLanguage)
	if cc.Language == "" {
		cc.Language = defaultLanguage
	}

	return nil
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	cc.mu.Lock()
	defer cc.mu.Unlock()

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
		}
	}
}
