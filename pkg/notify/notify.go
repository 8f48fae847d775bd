// Package notify shows desktop notifications for finished capture runs.
package notify

import (
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier shows a short message to whoever sits at the rig
type Notifier interface {
	Notify(title string, message string)

	// Alert is Notify with an audible cue, for runs that need attention
	Alert(title string, message string)
}

// DesktopNotifier uses the platform notification center through beeep
type DesktopNotifier struct {
	logger      *zap.SugaredLogger
	appIconPath string
}

// NewDesktopNotifier creates a desktop notifier; appIconPath may be empty
func NewDesktopNotifier(logger *zap.SugaredLogger, appIconPath string) (*DesktopNotifier, error) {
	logger = logger.Named("notifier")
	dn := &DesktopNotifier{logger: logger, appIconPath: appIconPath}

	logger.Debug("Created desktop notifier instance")

	return dn, nil
}

func (dn *DesktopNotifier) Notify(title string, message string) {
	if err := beeep.Notify(title, message, dn.appIconPath); err != nil {
		dn.logger.Errorw("Failed to send desktop notification", "error", err)
	}
}

func (dn *DesktopNotifier) Alert(title string, message string) {
	if err := beeep.Alert(title, message, dn.appIconPath); err != nil {
		dn.logger.Errorw("Failed to send desktop alert", "error", err)
	}
}

// LogNotifier writes notifications to the log only. It is used when notifications are disabled.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

// NewLogNotifier creates a notifier that only logs
func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notifier")}
}

func (ln *LogNotifier) Notify(title string, message string) {
	ln.logger.Infow(title, "message", message)
}

func (ln *LogNotifier) Alert(title string, message string) {
	ln.logger.Warnw(title, "message", message)
}
