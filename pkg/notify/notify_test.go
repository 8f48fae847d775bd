package notify

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	n := NewLogNotifier(zap.New(core).Sugar())

	n.Notify("Capture finished", "4 target frames saved")
	n.Alert("Capture stopped: timed_out", "reset the rig")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("logged %d entries, want 2", len(entries))
	}

	if entries[0].Level != zapcore.InfoLevel || entries[0].Message != "Capture finished" {
		t.Errorf("Notify logged %v %q", entries[0].Level, entries[0].Message)
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Errorf("Alert logged at %v, want warn", entries[1].Level)
	}
	if got := entries[1].ContextMap()["message"]; got != "reset the rig" {
		t.Errorf("Alert message field = %v", got)
	}
	if entries[0].LoggerName != "notifier" {
		t.Errorf("logger name = %q, want notifier", entries[0].LoggerName)
	}
}

var (
	_ Notifier = (*DesktopNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
