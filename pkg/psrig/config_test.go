package psrig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap/zaptest"

	"github.com/nik9play/psrig/pkg/psrig/store"
)

func newTestConfig(t *testing.T, yaml string) *CanonicalConfig {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if yaml != "" {
		if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}

	cc, err := NewConfig(zaptest.NewLogger(t).Sugar(), path)
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	return cc
}

func TestConfigDefaultsWithoutFile(t *testing.T) {
	cc := newTestConfig(t, "")

	if err := cc.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cc.ConnectionInfo.COMPort != "auto" || cc.ConnectionInfo.BaudRate != 9600 {
		t.Errorf("connection = %+v", cc.ConnectionInfo)
	}
	if cc.ConnectionInfo.OpenDelay != 200*time.Millisecond {
		t.Errorf("OpenDelay = %v, want 200ms", cc.ConnectionInfo.OpenDelay)
	}

	opts := cc.SessionOptions()
	if opts.ResponseTimeout != 5*time.Second || opts.HandshakeRetries != 3 || opts.SettleDelay != 500*time.Millisecond {
		t.Errorf("SessionOptions() = %+v", opts)
	}
	if opts.FailFast {
		t.Error("FailFast on by default")
	}

	if cc.Sensor.Type != sensorTestPattern || cc.Sensor.Width != 640 || cc.Sensor.Height != 480 {
		t.Errorf("sensor = %+v", cc.Sensor)
	}
	if cc.Storage.ImageKind != store.KindTarget || cc.Storage.OnConflict != store.PolicyRename {
		t.Errorf("storage = %+v", cc.Storage)
	}
	if cc.Brightness != -1 || cc.Language != "auto" || !cc.Notifications {
		t.Errorf("brightness %d, language %q, notifications %v", cc.Brightness, cc.Language, cc.Notifications)
	}
}

func TestConfigFromFile(t *testing.T) {
	cc := newTestConfig(t, `
connection:
  com_port: /dev/ttyUSB3
  baud_rate: 115200
  open_delay_ms: 0
protocol:
  response_timeout_ms: 1500
  handshake_retries: 5
  settle_delay_ms: 800
  fail_fast: true
sensor:
  type: tethered
  hot_folder: /tmp/hot
  shutter_pin: 17
  focus_pin: 27
storage:
  output_dir: scans
  image_kind: calibration
  on_conflict: overwrite
brightness: 200
notifications: false
language: ru
`)

	if err := cc.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cc.ConnectionInfo.COMPort != "/dev/ttyUSB3" || cc.ConnectionInfo.BaudRate != 115200 || cc.ConnectionInfo.OpenDelay != 0 {
		t.Errorf("connection = %+v", cc.ConnectionInfo)
	}

	opts := cc.SessionOptions()
	if opts.ResponseTimeout != 1500*time.Millisecond || opts.HandshakeRetries != 5 ||
		opts.SettleDelay != 800*time.Millisecond || !opts.FailFast {
		t.Errorf("SessionOptions() = %+v", opts)
	}

	if cc.Sensor.Type != sensorTethered || cc.Sensor.HotFolder != "/tmp/hot" ||
		cc.Sensor.ShutterPin != 17 || cc.Sensor.FocusPin != 27 {
		t.Errorf("sensor = %+v", cc.Sensor)
	}
	if cc.Storage.OutputDir != "scans" || cc.Storage.ImageKind != store.KindCalibration ||
		cc.Storage.OnConflict != store.PolicyOverwrite {
		t.Errorf("storage = %+v", cc.Storage)
	}
	if cc.Brightness != 200 || cc.Notifications || cc.Language != "ru" {
		t.Errorf("brightness %d, notifications %v, language %q", cc.Brightness, cc.Notifications, cc.Language)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown sensor",
			yaml:    "sensor:\n  type: webcam\n",
			wantErr: "unknown sensor",
		},
		{
			name:    "tethered without hot folder",
			yaml:    "sensor:\n  type: tethered\n",
			wantErr: configKeyHotFolder,
		},
		{
			name:    "same shutter and focus pin",
			yaml:    "sensor:\n  type: tethered\n  hot_folder: /tmp\n  shutter_pin: 4\n  focus_pin: 4\n",
			wantErr: "must differ",
		},
		{
			name:    "image kind",
			yaml:    "storage:\n  image_kind: dark\n",
			wantErr: configKeyImageKind,
		},
		{
			name:    "conflict policy",
			yaml:    "storage:\n  on_conflict: ask\n",
			wantErr: configKeyOnConflict,
		},
		{
			name:    "brightness out of range",
			yaml:    "brightness: 300\n",
			wantErr: configKeyBrightness,
		},
		{
			name:    "zero retries",
			yaml:    "protocol:\n  handshake_retries: 0\n",
			wantErr: configKeyHandshakeRetries,
		},
		{
			name:    "zero timeout",
			yaml:    "protocol:\n  response_timeout_ms: 0\n",
			wantErr: configKeyResponseTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc := newTestConfig(t, tt.yaml)

			err := cc.Load()
			if err == nil {
				t.Fatal("Load() succeeded")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigInvalidBaudRateFallsBack(t *testing.T) {
	cc := newTestConfig(t, "connection:\n  baud_rate: -5\n")

	if err := cc.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cc.ConnectionInfo.BaudRate != defaultBaudRate {
		t.Errorf("BaudRate = %d, want %d", cc.ConnectionInfo.BaudRate, defaultBaudRate)
	}
}

func TestConfigFlagsOverrideFile(t *testing.T) {
	cc := newTestConfig(t, "connection:\n  com_port: COM3\nbrightness: 10\n")

	flags := pflag.NewFlagSet("psrig", pflag.ContinueOnError)
	flags.String("port", "", "")
	flags.Int("brightness", -1, "")
	flags.String("kind", "", "")

	if err := flags.Parse([]string{"--port", "COM7", "--kind", "flat"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := cc.BindFlags(flags); err != nil {
		t.Fatalf("BindFlags() error = %v", err)
	}
	if err := cc.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cc.ConnectionInfo.COMPort != "COM7" {
		t.Errorf("COMPort = %q, want the flag value", cc.ConnectionInfo.COMPort)
	}
	if cc.Storage.ImageKind != store.KindFlat {
		t.Errorf("ImageKind = %q, want the flag value", cc.Storage.ImageKind)
	}
	// unset flags leave the file value alone
	if cc.Brightness != 10 {
		t.Errorf("Brightness = %d, want the file value", cc.Brightness)
	}
}

func TestConfigReloadNotifiesSubscribers(t *testing.T) {
	cc := newTestConfig(t, "")

	first := cc.SubscribeToChanges()
	second := cc.SubscribeToChanges()

	// a consumer that has not caught up does not block the others
	cc.onConfigReloaded()
	cc.onConfigReloaded()

	for i, ch := range []chan bool{first, second} {
		select {
		case <-ch:
		default:
			t.Errorf("subscriber %d was not notified", i)
		}
	}
}
