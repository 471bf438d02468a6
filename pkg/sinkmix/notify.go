package sinkmix

import (
	"path/filepath"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"

	"github.com/MixyLabs/sinkmix/pkg/sinkmix/util"
)

const notificationIconFilename = "sinkmix.png"

// Notifier provides generic notification sending
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier provides toast notifications through the desktop's notification daemon
type ToastNotifier struct {
	logger *zap.SugaredLogger

	iconPath string
}

// NewToastNotifier creates a new ToastNotifier
func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")

	tn := &ToastNotifier{logger: logger}

	// an icon next to the logs is optional
	iconPath, err := filepath.Abs(filepath.Join(logDirectory, notificationIconFilename))
	if err == nil && util.FileExists(iconPath) {
		tn.iconPath = iconPath
	}

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// Notify sends a toast notification, logging instead of failing when no daemon answers
func (tn *ToastNotifier) Notify(title string, message string) {
	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, tn.iconPath); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}
